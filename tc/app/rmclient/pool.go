// Package rmclient invokes confirm and cancel on participants (resource
// managers) over grpc or http, keeping per-endpoint connections warm.
package rmclient

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/define"
)

var (
	callTimer     = metrics.NewTimer("dtx", "tcc", "rm_call", "participant call timer", []string{"protocol", "op", "outcome"})
	endpointGauge = metrics.NewGaugeVec("dtx", "tcc", "rm_endpoints", "warm participant endpoints", []string{"health"})
)

type Config struct {
	// Timeout is the default per-call timeout.
	Timeout                 time.Duration `json:"timeout" yaml:"timeout"`
	DialTimeout             time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	MaxEndpoints            int           `json:"max_endpoints" yaml:"max_endpoints"`
	MaxIdleConnsPerEndpoint int           `json:"max_idle_conns_per_endpoint" yaml:"max_idle_conns_per_endpoint"`
	// QPS limits calls per endpoint, zero disables it.
	QPS          float64       `json:"qps" yaml:"qps"`
	Burst        int           `json:"burst" yaml:"burst"`
	ReconnectMin time.Duration `json:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max" yaml:"reconnect_max"`
	GrpcRetry    uint          `json:"grpc_retry" yaml:"grpc_retry"`
	// Endpoints are connected by Start.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
}

func (cfg *Config) setDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = 1024
	}
	if cfg.MaxIdleConnsPerEndpoint <= 0 {
		cfg.MaxIdleConnsPerEndpoint = 16
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 100 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * cfg.ReconnectMin
	}
}

type endpoint struct {
	name      string
	transport transport
	limiter   *rate.Limiter

	mutex     sync.Mutex
	healthy   bool
	nextProbe time.Time
	reconnect backoff.BackOff
	evicted   bool
	inflight  sync.WaitGroup
}

// acquire registers a call unless the endpoint has been evicted.
func (ep *endpoint) acquire() bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	if ep.evicted {
		return false
	}
	ep.inflight.Add(1)
	return true
}

func (ep *endpoint) release() {
	ep.inflight.Done()
}

// allow lets a call through a healthy endpoint, or one unhealthy endpoint
// call per reconnect interval.
func (ep *endpoint) allow(now time.Time) bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	if ep.healthy {
		return true
	}
	if now.Before(ep.nextProbe) {
		return false
	}
	ep.nextProbe = now.Add(ep.reconnect.NextBackOff())
	return true
}

func (ep *endpoint) isHealthy() bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	return ep.healthy
}

func (ep *endpoint) markUnhealthy(now time.Time) {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	if !ep.healthy {
		return
	}
	ep.healthy = false
	ep.nextProbe = now.Add(ep.reconnect.NextBackOff())
}

func (ep *endpoint) markHealthy() {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	ep.healthy = true
	ep.reconnect.Reset()
}

func (ep *endpoint) probeDue(now time.Time) bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	return !ep.healthy && !ep.evicted && !now.Before(ep.nextProbe)
}

// closeAfterInflight closes the connection once running calls finished.
func (ep *endpoint) closeAfterInflight() {
	ep.mutex.Lock()
	if ep.evicted {
		ep.mutex.Unlock()
		return
	}
	ep.evicted = true
	ep.mutex.Unlock()
	ep.inflight.Wait()
	if err := ep.transport.close(); err != nil {
		logutil.Logger(context.Background()).Warn("close endpoint", zap.String("endpoint", ep.name), zap.Error(err))
	}
}

type Pool struct {
	cfg       Config
	mutex     sync.Mutex
	endpoints *lru.Cache
	closed    bool
	inflight  sync.WaitGroup
	closeChan chan struct{}
	wait      sync.WaitGroup
}

func NewPool(cfg Config) (*Pool, error) {
	cfg.setDefaults()
	p := &Pool{
		cfg:       cfg,
		closeChan: make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(cfg.MaxEndpoints, p.onEvict)
	if err != nil {
		return nil, err
	}
	p.endpoints = cache
	return p, nil
}

func (p *Pool) onEvict(key interface{}, value interface{}) {
	ep := value.(*endpoint)
	go ep.closeAfterInflight()
}

// Start connects the configured endpoints and starts the health keeper.
func (p *Pool) Start() error {
	for _, name := range p.cfg.Endpoints {
		if _, err := p.endpoint(name); err != nil {
			return err
		}
	}
	p.wait.Add(1)
	go p.keeper()
	logutil.Logger(context.Background()).Info("rm client pool started", zap.Int("endpoints", len(p.cfg.Endpoints)))
	return nil
}

// endpoint returns the warm entry of name, creating it on first use.
func (p *Pool) endpoint(name string) (*endpoint, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if v, ok := p.endpoints.Get(name); ok {
		return v.(*endpoint), nil
	}

	t, err := parseEndpoint(name)
	if err != nil {
		return nil, err
	}
	var tr transport
	switch t.protocol {
	case define.RmProtocolGrpc:
		tr, err = newGrpcTransport(t, &p.cfg)
		if err != nil {
			return nil, err
		}
	default:
		tr = newHttpTransport(t, &p.cfg)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.ReconnectMin
	eb.MaxInterval = p.cfg.ReconnectMax
	eb.MaxElapsedTime = 0
	ep := &endpoint{
		name:      name,
		transport: tr,
		healthy:   true,
		reconnect: eb,
		limiter:   rate.NewLimiter(rate.Inf, p.cfg.Burst),
	}
	if p.cfg.QPS > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(p.cfg.QPS), p.cfg.Burst)
	}
	p.endpoints.Add(name, ep)
	return ep, nil
}

// checkout returns an endpoint with the call registered on it.
func (p *Pool) checkout(name string) (*endpoint, error) {
	for {
		ep, err := p.endpoint(name)
		if err != nil {
			return nil, err
		}
		if ep.acquire() {
			return ep, nil
		}
		// evicted between lookup and acquire
		p.mutex.Lock()
		if v, ok := p.endpoints.Peek(name); ok && v.(*endpoint) == ep {
			p.endpoints.Remove(name)
		}
		p.mutex.Unlock()
	}
}

func (p *Pool) begin() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

// Invoke sends req and waits for the outcome, at most the call timeout.
func (p *Pool) Invoke(ctx context.Context, req *Request) (result Result) {
	if !p.begin() {
		return Result{Outcome: Failed, Err: ErrPoolClosed}
	}
	defer p.inflight.Done()

	start := time.Now()
	protocol := "unknown"
	defer func() {
		callTimer.Observe(time.Since(start), protocol, req.Op, result.Outcome.String())
	}()

	ep, err := p.checkout(req.Endpoint)
	if err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	defer ep.release()
	protocol = ep.transport.protocol()

	if !ep.allow(time.Now()) {
		return Result{Outcome: Failed, Err: ErrEndpointUnhealthy}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ep.limiter.Wait(ctx); err != nil {
		return Result{Outcome: TimedOut, Err: err}
	}

	result = ep.transport.invoke(ctx, req)
	switch {
	case result.Outcome == Succeeded:
		ep.markHealthy()
	case isNetworkError(result.Err):
		ep.markUnhealthy(time.Now())
		logutil.Logger(ctx).Warn("endpoint unhealthy", zap.String("endpoint", req.Endpoint), zap.Error(result.Err))
	case result.Outcome == Failed:
		// the participant answered, the connection is fine
		ep.markHealthy()
	}
	return result
}

// Go runs Invoke in the background.
func (p *Pool) Go(ctx context.Context, req *Request) *Future {
	f := newFuture()
	go func() {
		defer errorutil.Recovery(func(r interface{}) {
			logutil.Logger(ctx).Sugar().Errorf("rm call panic : %v", r)
			f.complete(Result{Outcome: Failed, Err: errorutil.ErrPanic})
		})
		f.complete(p.Invoke(ctx, req))
	}()
	return f
}

// Healthy reports the health of a warm endpoint, unknown endpoints are healthy.
func (p *Pool) Healthy(name string) bool {
	p.mutex.Lock()
	v, ok := p.endpoints.Peek(name)
	p.mutex.Unlock()
	if !ok {
		return true
	}
	return v.(*endpoint).isHealthy()
}

func (p *Pool) snapshot() []*endpoint {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	eps := make([]*endpoint, 0, p.endpoints.Len())
	for _, k := range p.endpoints.Keys() {
		if v, ok := p.endpoints.Peek(k); ok {
			eps = append(eps, v.(*endpoint))
		}
	}
	return eps
}

// keeper probes unhealthy endpoints on their reconnect schedule.
func (p *Pool) keeper() {
	defer p.wait.Done()
	interval := p.cfg.ReconnectMin / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
		}

		healthy, unhealthy := 0, 0
		now := time.Now()
		for _, ep := range p.snapshot() {
			if ep.probeDue(now) {
				p.probe(ep)
			}
			if ep.isHealthy() {
				healthy++
			} else {
				unhealthy++
			}
		}
		endpointGauge.Set(float64(healthy), "healthy")
		endpointGauge.Set(float64(unhealthy), "unhealthy")
	}
}

func (p *Pool) probe(ep *endpoint) {
	defer errorutil.Recovery()
	if !ep.acquire() {
		return
	}
	defer ep.release()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()
	if err := ep.transport.probe(ctx); err != nil {
		ep.mutex.Lock()
		ep.nextProbe = time.Now().Add(ep.reconnect.NextBackOff())
		ep.mutex.Unlock()
		return
	}
	ep.markHealthy()
	logutil.Logger(ctx).Info("endpoint reconnected", zap.String("endpoint", ep.name))
}

// Close rejects new calls, waits for running ones until ctx is done and
// closes every connection.
func (p *Pool) Close(ctx context.Context) error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeChan)
	p.mutex.Unlock()
	p.wait.Wait()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		logutil.Logger(ctx).Warn("rm client pool closed with running calls")
	}

	for _, ep := range p.snapshot() {
		ep.mutex.Lock()
		ep.evicted = true
		ep.mutex.Unlock()
		_ = ep.transport.close()
	}
	logutil.Logger(ctx).Info("rm client pool closed")
	return err
}
