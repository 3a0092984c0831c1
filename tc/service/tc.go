package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ikenchina/octopus-tcc/common/idgenerator"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/publisher"
	"github.com/ikenchina/octopus-tcc/tc/app/recovery"
	"github.com/ikenchina/octopus-tcc/tc/app/rmclient"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
	"github.com/ikenchina/octopus-tcc/tc/config"
)

var (
	httpHandleTimer = metrics.NewTimer("dtx", "http_server", "handler", "http handler metrics", []string{"path", "method", "code"})
)

type TcService struct {
	cfg         *config.Config
	idGenerator idgenerator.IdGenerator
	codec       codec.Codec
	store       store.Store
	pool        *rmclient.Pool
	scanner     *recovery.Scanner
	publisher   *publisher.Publisher
	app         *gin.Engine
	httpServer  *http.Server
	isClose     int32
	stopOnce    sync.Once
	wait        sync.WaitGroup
}

// NewTc resolves the codec and the store and builds the other components.
// Every error is a configuration error.
func NewTc(cfg *config.Config) (*TcService, error) {
	tc := &TcService{cfg: cfg}
	var err error

	tc.idGenerator, err = cfg.NewIdGenerator()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", define.ErrConfiguration, err)
	}

	tc.codec, err = codec.Builtin().Resolve(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	tc.store, err = store.Builtin().Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	tc.store.SetCodec(tc.codec)

	tc.pool, err = rmclient.NewPool(cfg.Client)
	if err != nil {
		_ = tc.store.Close()
		return nil, fmt.Errorf("%w: %v", define.ErrConfiguration, err)
	}
	tc.scanner = recovery.New(tc.store, tc.pool, cfg.Recovery)
	tc.publisher = publisher.New(tc.store, cfg.Publisher)
	tc.app = tc.router()
	tc.httpServer = &http.Server{
		Addr:    cfg.HttpListen,
		Handler: tc.app,
	}

	logutil.Logger(context.Background()).Info("tc service created",
		zap.String("codec", tc.codec.Scheme()), zap.String("store", tc.store.Scheme()))
	return tc, nil
}

func (tc *TcService) startComponents() error {
	if err := tc.pool.Start(); err != nil {
		return fmt.Errorf("%w: rm client : %v", define.ErrConfiguration, err)
	}
	if err := tc.scanner.Start(); err != nil {
		return err
	}
	return tc.publisher.Start()
}

// Start blocks until the http server is closed.
func (tc *TcService) Start() error {
	l, err := net.Listen("tcp", tc.cfg.HttpListen)
	if err != nil {
		return err
	}
	return tc.Serve(l)
}

// Serve starts the components and serves http on l until Stop.
func (tc *TcService) Serve(l net.Listener) error {
	logutil.Logger(context.Background()).Info("start service...")
	if err := tc.startComponents(); err != nil {
		_ = l.Close()
		return err
	}

	logutil.Logger(context.Background()).Sugar().Infof("start http server : listen(%v)", l.Addr())
	err := tc.httpServer.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		tc.Stop()
		return err
	}
	return nil
}

func (tc *TcService) Stop() error {
	tc.stopOnce.Do(func() {
		atomic.StoreInt32(&tc.isClose, 1)
		tc.stop()
	})
	return nil
}

func (tc *TcService) closed() bool {
	return atomic.LoadInt32(&tc.isClose) == 1
}

func (tc *TcService) Handler() http.Handler {
	return tc.app
}

func (tc *TcService) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})

	app.Any("/debug/healthcheck", tc.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	app.GET("/debug/tcc/deadletter", tc.HttpDeadLetters)
	app.DELETE("/debug/tcc/:gtid", tc.HttpRemove)

	pprof.Register(app, "debug/pprof")

	tccGroup := app.Group("/dtx/tcc")
	tccGroup.GET("/gtid", tc.NewGtid)
	tccGroup.POST("", tc.HttpBegin)
	tccGroup.PATCH("/:gtid", tc.HttpTransition)
	tccGroup.PUT("/:gtid", tc.HttpConfirm)
	tccGroup.DELETE("/:gtid", tc.HttpCancel)
	tccGroup.GET("/:gtid", tc.HttpGet)
	return app
}

func (tc *TcService) stopHttpServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	return tc.httpServer.Shutdown(ctx)
}

// stop refuses new requests, waits for running ones and stops the components
// in reverse start order.
func (tc *TcService) stop() {
	log := func(msg string, err error) {
		if err != nil {
			logutil.Logger(context.Background()).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(context.Background()).Sugar().Info(msg)
		}
	}

	tc.wait.Wait()
	log("stop publisher", tc.publisher.Stop())
	log("stop recovery scanner", tc.scanner.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), tc.cfg.Client.Timeout+time.Second)
	log("close rm client pool", tc.pool.Close(ctx))
	cancel()
	log("close store", tc.store.Close())
	log("stop http server", tc.stopHttpServer())
	_ = logutil.Sync()
}

func (tc *TcService) NewGtid(c *gin.Context) {
	id, err := tc.idGenerator.NextId()
	if err != nil {
		c.JSON(500, gin.H{"message": err.Error()})
		return
	}
	logutil.Logger(c.Request.Context()).Debug("new gtid", zap.String("id", id))
	c.JSON(200, map[string]string{"gtid": id})
}

func (tc *TcService) HealthCheck(c *gin.Context) {
	if tc.closed() {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	if c.Request.Method == http.MethodGet {
		c.Status(200)
	} else if c.Request.Method == http.MethodDelete {
		c.Status(200)
		go tc.Stop()
	}
}
