package runner

import (
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
)

type blockingService struct {
	stopChan chan struct{}
	stopped  int32
	startErr error
	panics   bool
}

func newBlockingService() *blockingService {
	return &blockingService{stopChan: make(chan struct{})}
}

func (bs *blockingService) Start() error {
	if bs.panics {
		panic("boom")
	}
	if bs.startErr != nil {
		return bs.startErr
	}
	<-bs.stopChan
	return nil
}

func (bs *blockingService) Stop() error {
	if atomic.CompareAndSwapInt32(&bs.stopped, 0, 1) {
		close(bs.stopChan)
	}
	return nil
}

func TestRunStopsOnSignal(t *testing.T) {
	bs := newBlockingService()
	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGPIPE
	signals <- syscall.SIGTERM

	done := make(chan error, 1)
	go func() { done <- run(bs, signals) }()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("service was not stopped")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&bs.stopped))
}

func TestRunStartError(t *testing.T) {
	bs := newBlockingService()
	bs.startErr = errors.New("listen : address in use")
	err := run(bs, make(chan os.Signal))
	assert.Equal(t, bs.startErr, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&bs.stopped))

	bs = newBlockingService()
	bs.panics = true
	assert.ErrorIs(t, run(bs, make(chan os.Signal)), errorutil.ErrPanic)
}
