package rmclient

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEndpointUnhealthy = errors.New("endpoint is unhealthy")
	ErrPoolClosed        = errors.New("client pool is closed")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")
	ErrUnexpectedStatus  = errors.New("unexpected status")
)

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Request is one confirm or cancel invocation of one participant.
type Request struct {
	Gtid     string
	BranchId int
	Endpoint string
	Op       string
	Method   string
	Payload  []byte
	// Timeout overrides the pool default when positive.
	Timeout time.Duration
}

type Result struct {
	Outcome Outcome
	// Code is the http status or the grpc status code.
	Code int
	Body []byte
	Err  error
}

// Future is the pending result of Pool.Go.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(r Result) {
	f.result = r
	close(f.done)
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the invocation finished.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Wait is Result bounded by ctx. An abandoned call keeps running until its
// own timeout.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{Outcome: TimedOut, Err: ctx.Err()}, ctx.Err()
	}
}
