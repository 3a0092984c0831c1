package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
)

type Service interface {
	// Start blocks while the service runs.
	Start() error
	Stop() error
}

// Run starts s and stops it on SIGINT, SIGTERM, SIGQUIT or when Start returns.
// It returns the error of Start.
func Run(s Service) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGPIPE, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)
	return run(s, signals)
}

func run(s Service, signals <-chan os.Signal) error {
	started := make(chan error, 1)
	go func() {
		defer errorutil.Recovery(func(r interface{}) {
			logutil.Logger(context.Background()).Sugar().Errorf("service panic : %v", r)
			started <- errorutil.ErrPanic
		})
		started <- s.Start()
	}()

	for {
		select {
		case err := <-started:
			if err != nil {
				logutil.Logger(context.Background()).Error("service exited", zap.Error(err))
			}
			_ = s.Stop()
			_ = logutil.Sync()
			return err
		case sig := <-signals:
			logutil.Logger(context.Background()).Info("received ", zap.String("signal", sig.String()))
			if sig == syscall.SIGPIPE {
				continue
			}
			_ = s.Stop()
			err := <-started
			_ = logutil.Sync()
			return err
		}
	}
}
