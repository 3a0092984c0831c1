// Package publisher applies transaction events to the store off the caller's
// critical path. Events of one group are applied in submission order.
package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash"
	"go.uber.org/zap"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
)

var (
	ErrBackpressure = errors.New("publisher buffer is full")
	ErrClosed       = errors.New("publisher is closed")
)

var (
	eventCounter = metrics.NewCounterVec("dtx", "tcc", "publisher_events", "publisher events", []string{"kind", "ret"})
	pendingGauge = metrics.NewGaugeVec("dtx", "tcc", "publisher_pending", "events held by the publisher", []string{})
	applyTimer   = metrics.NewTimer("dtx", "tcc", "publisher_apply", "publisher apply timer", []string{"kind", "ret"})
)

// Store is the part of the persisted store the publisher writes through.
type Store interface {
	Put(ctx context.Context, g *model.TransactionGroup) error
	UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error
}

type Config struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	Workers    int `json:"workers" yaml:"workers"`
	// PublishTimeout bounds how long Publish waits for a free slot,
	// zero fails fast with ErrBackpressure.
	PublishTimeout  time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	MaxApplyRetry   int           `json:"max_apply_retry" yaml:"max_apply_retry"`
	RetryInterval   time.Duration `json:"retry_interval" yaml:"retry_interval"`
	StopGracePeriod time.Duration `json:"stop_grace_period" yaml:"stop_grace_period"`
}

func (cfg *Config) setDefaults() {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxApplyRetry < 0 {
		cfg.MaxApplyRetry = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 5 * time.Second
	}
}

type Publisher struct {
	cfg   Config
	store Store

	// a slot is held from enqueue until the event is applied or dropped
	slots   chan struct{}
	shards  []chan *model.TransactionEvent
	pending int64

	mutex   sync.RWMutex
	started bool
	closed  bool
	wait    sync.WaitGroup

	// cancelled when the stop grace period expires
	applyCtx    context.Context
	applyCancel context.CancelFunc
}

func New(st Store, cfg Config) *Publisher {
	cfg.setDefaults()
	p := &Publisher{
		cfg:    cfg,
		store:  st,
		slots:  make(chan struct{}, cfg.BufferSize),
		shards: make([]chan *model.TransactionEvent, cfg.Workers),
	}
	for i := range p.shards {
		// a shard never holds more events than there are slots
		p.shards[i] = make(chan *model.TransactionEvent, cfg.BufferSize)
	}
	p.applyCtx, p.applyCancel = context.WithCancel(context.Background())
	return p
}

// Start launches one consumer per shard.
func (p *Publisher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	p.started = true
	for i := range p.shards {
		p.wait.Add(1)
		go p.consume(p.shards[i])
	}
	logutil.Logger(context.Background()).Info("publisher started",
		zap.Int("workers", p.cfg.Workers), zap.Int("buffer", p.cfg.BufferSize))
	return nil
}

// Publish enqueues ev. It never blocks longer than PublishTimeout.
func (p *Publisher) Publish(ctx context.Context, ev *model.TransactionEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.acquire(ctx); err != nil {
		eventCounter.Inc(ev.Kind, "backpressure")
		return err
	}

	p.mutex.RLock()
	if p.closed {
		p.mutex.RUnlock()
		p.release()
		return ErrClosed
	}
	p.shards[p.shardOf(ev.Gtid)] <- ev
	p.mutex.RUnlock()
	eventCounter.Inc(ev.Kind, "published")
	return nil
}

func (p *Publisher) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		pendingGauge.Set(float64(atomic.AddInt64(&p.pending, 1)))
		return nil
	default:
	}
	if p.cfg.PublishTimeout <= 0 {
		return ErrBackpressure
	}

	timer := time.NewTimer(p.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		pendingGauge.Set(float64(atomic.AddInt64(&p.pending, 1)))
		return nil
	case <-timer.C:
		return ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) release() {
	<-p.slots
	pendingGauge.Set(float64(atomic.AddInt64(&p.pending, -1)))
}

func (p *Publisher) shardOf(gtid string) int {
	return int(xxhash.Sum64String(gtid) % uint64(len(p.shards)))
}

// Len is the number of events accepted but not yet applied or dropped.
func (p *Publisher) Len() int {
	return int(atomic.LoadInt64(&p.pending))
}

func (p *Publisher) isClosed() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.closed
}

func (p *Publisher) consume(shard chan *model.TransactionEvent) {
	defer p.wait.Done()
	for ev := range shard {
		p.process(ev)
	}
}

func (p *Publisher) process(ev *model.TransactionEvent) {
	defer p.release()
	defer errorutil.Recovery()

	ctx := logutil.WithGtid(context.Background(), ev.Gtid)
	if p.applyCtx.Err() != nil {
		eventCounter.Inc(ev.Kind, "undrained")
		logutil.Logger(ctx).Error("undrained event",
			zap.String("kind", ev.Kind), zap.String("state", ev.State),
			zap.Any("outcomes", ev.Outcomes), zap.Time("time", ev.Time))
		return
	}

	timer := applyTimer.Timer()
	err := p.apply(ctx, ev)
	switch {
	case err == nil:
		timer(ev.Kind, "ok")
		eventCounter.Inc(ev.Kind, "applied")
	case !store.IsRetryable(err):
		timer(ev.Kind, "rejected")
		eventCounter.Inc(ev.Kind, "dropped")
		logutil.Logger(ctx).Warn("drop event", zap.String("kind", ev.Kind),
			zap.String("state", ev.State), zap.Error(err))
	default:
		timer(ev.Kind, "err")
		eventCounter.Inc(ev.Kind, "dropped")
		logutil.Logger(ctx).Error("drop event after retries", zap.String("kind", ev.Kind),
			zap.String("state", ev.State), zap.Error(err))
	}
}

func (p *Publisher) apply(ctx context.Context, ev *model.TransactionEvent) error {
	op := func() error {
		var err error
		switch ev.Kind {
		case model.EventBegin:
			err = p.store.Put(ctx, ev.Group)
		case model.EventTransition:
			err = p.store.UpdateState(ctx, ev.Gtid, ev.State, ev.Outcomes)
		default:
			err = model.ErrInvalidEvent
		}
		if err != nil && !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxApplyRetry)), p.applyCtx)
	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		logutil.Logger(ctx).Warn("apply event failed, retry", zap.String("kind", ev.Kind),
			zap.Duration("after", d), zap.Error(err))
	})
}

// Stop rejects new events and drains the buffered ones within the grace
// period. Events left after it are logged and dropped.
func (p *Publisher) Stop() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	for _, shard := range p.shards {
		close(shard)
	}
	started := p.started
	p.mutex.Unlock()

	if !started {
		p.applyCancel()
		for _, shard := range p.shards {
			for ev := range shard {
				p.process(ev)
			}
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wait.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.StopGracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logutil.Logger(context.Background()).Warn("publisher stop grace period expired",
			zap.Int("pending", p.Len()))
		p.applyCancel()
		<-done
	}
	p.applyCancel()
	logutil.Logger(context.Background()).Info("publisher stopped")
	return nil
}
