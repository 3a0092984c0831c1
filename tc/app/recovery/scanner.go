// Package recovery drives overdue transaction groups to a terminal state by
// confirming or cancelling their participants.
package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
	"github.com/ikenchina/octopus-tcc/tc/app/rmclient"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
)

var (
	ErrInFlight = errors.New("transaction group is being driven")
	ErrClosed   = errors.New("scanner is closed")
)

var (
	tickTimer    = metrics.NewTimer("dtx", "tcc", "recovery_tick", "recovery tick timer", []string{"ret"})
	groupCounter = metrics.NewCounterVec("dtx", "tcc", "recovery_groups", "groups driven by recovery", []string{"op", "result"})
	cleanCounter = metrics.NewCounterVec("dtx", "tcc", "recovery_cleaned", "terminal groups removed", []string{"state"})
)

// results of driving one group
const (
	resultRecovered  = "recovered"
	resultRetry      = "retry"
	resultDeadLetter = "dead_letter"
	resultSkipped    = "skipped"
	resultError      = "error"
)

// Invoker calls one participant, *rmclient.Pool is the production invoker.
type Invoker interface {
	Invoke(ctx context.Context, req *rmclient.Request) rmclient.Result
}

type Config struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	GraceWindow time.Duration `json:"grace_window" yaml:"grace_window"`
	BatchLimit  int           `json:"batch_limit" yaml:"batch_limit"`
	// MaxRetry applies to groups without their own bound.
	MaxRetry    int `json:"max_retry" yaml:"max_retry"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// InvokeRate bounds participant calls per second, zero is unlimited.
	InvokeRate    int           `json:"invoke_rate" yaml:"invoke_rate"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
	CleanInterval time.Duration `json:"clean_interval" yaml:"clean_interval"`
	CleanLimit    int           `json:"clean_limit" yaml:"clean_limit"`
}

func (cfg *Config) setDefaults() {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 10 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = time.Minute
	}
	if cfg.CleanLimit <= 0 {
		cfg.CleanLimit = 100
	}
}

type Scanner struct {
	cfg       Config
	store     store.Store
	invoker   Invoker
	limiter   ratelimit.Limiter
	inflight  *xsync.MapOf[string, struct{}]
	closed    int32
	closeChan chan struct{}
	wait      sync.WaitGroup
}

func New(st store.Store, invoker Invoker, cfg Config) *Scanner {
	cfg.setDefaults()
	s := &Scanner{
		cfg:       cfg,
		store:     st,
		invoker:   invoker,
		limiter:   ratelimit.NewUnlimited(),
		inflight:  xsync.NewMapOf[string, struct{}](),
		closeChan: make(chan struct{}),
	}
	if cfg.InvokeRate > 0 {
		s.limiter = ratelimit.New(cfg.InvokeRate)
	}
	return s
}

func (s *Scanner) Start() error {
	s.wait.Add(1)
	go s.crontab()
	if s.cfg.Retention > 0 {
		s.wait.Add(1)
		go s.cleanup()
	}
	logutil.Logger(context.Background()).Info("recovery scanner started",
		zap.Duration("interval", s.cfg.Interval), zap.Duration("grace", s.cfg.GraceWindow))
	return nil
}

// Stop lets the running tick finish.
func (s *Scanner) Stop() error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closeChan)
		s.wait.Wait()
		logutil.Logger(context.Background()).Info("recovery scanner stopped")
	}
	return nil
}

func (s *Scanner) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// InFlight is the number of groups being driven.
func (s *Scanner) InFlight() int {
	return s.inflight.Size()
}

func (s *Scanner) mark(gtid string) bool {
	_, loaded := s.inflight.LoadOrStore(gtid, struct{}{})
	return !loaded
}

func (s *Scanner) unmark(gtid string) {
	s.inflight.Delete(gtid)
}

func (s *Scanner) cronjob(job func() time.Duration) {
	defer s.wait.Done()
	for {
		d := job()
		select {
		case <-time.After(d):
		case <-s.closeChan:
			return
		}
	}
}

func (s *Scanner) crontab() {
	s.cronjob(func() time.Duration {
		defer errorutil.Recovery()
		found, err := s.Tick(context.Background())
		if err != nil {
			logutil.Logger(context.Background()).Error("recovery tick", zap.Error(err))
			return s.cfg.Interval
		}
		if found >= s.cfg.BatchLimit {
			return 5 * time.Millisecond
		}
		return s.cfg.Interval
	})
}

// Tick drives one batch of overdue groups, oldest first, and reports how many
// the scan returned.
func (s *Scanner) Tick(ctx context.Context) (found int, err error) {
	timer := tickTimer.Timer()
	defer func() {
		ret := "ok"
		if err != nil {
			ret = "error"
		}
		timer(ret)
	}()

	it := s.store.ScanOverdue(ctx, s.cfg.GraceWindow, s.cfg.BatchLimit)
	defer it.Close()

	groups := make(chan *model.TransactionGroup)
	wg := sync.WaitGroup{}
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range groups {
				s.process(ctx, g)
			}
		}()
	}

	for it.Next(ctx) {
		g := it.Group()
		found++
		if !s.mark(g.Gtid) {
			continue
		}
		groups <- g
	}
	close(groups)
	wg.Wait()
	return found, it.Err()
}

func (s *Scanner) process(ctx context.Context, g *model.TransactionGroup) {
	defer s.unmark(g.Gtid)
	defer errorutil.Recovery()
	ctx = logutil.WithGtid(ctx, g.Gtid)
	if _, err := s.drive(ctx, g); err != nil {
		logutil.Logger(ctx).Error("drive transaction group", zap.Error(err))
	}
}

// Drive runs the recovery of one group now and returns its stored state.
func (s *Scanner) Drive(ctx context.Context, gtid string) (*model.TransactionGroup, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if !s.mark(gtid) {
		return nil, ErrInFlight
	}
	defer s.unmark(gtid)

	g, err := s.store.Get(ctx, gtid)
	if err != nil {
		return nil, err
	}
	if _, err = s.drive(logutil.WithGtid(ctx, gtid), g); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, gtid)
}

func (s *Scanner) maxRetry(g *model.TransactionGroup) int {
	if g.MaxRetry > 0 {
		return g.MaxRetry
	}
	return s.cfg.MaxRetry
}

// drive invokes every pending participant once. The group ends terminal when all
// of them succeeded, otherwise its retry count grows by one and it becomes
// dead letter once the count reaches the bound.
func (s *Scanner) drive(ctx context.Context, g *model.TransactionGroup) (result string, err error) {
	op, driving, target, ok := model.RecoveryPlan(g.State)
	if !ok {
		return resultSkipped, nil
	}
	defer func() {
		if err != nil {
			result = resultError
		}
		groupCounter.Inc(op, result)
	}()

	if g.State != driving {
		if err = s.store.UpdateState(ctx, g.Gtid, driving, nil); err != nil {
			return s.lost(ctx, err)
		}
		g.State = driving
	}

	pending := g.Pending()
	results := s.invoke(ctx, g, op, pending)
	outcomes := make(map[int]string)
	failures := 0
	for i, r := range results {
		if r.Outcome == rmclient.Succeeded {
			outcomes[pending[i].Index] = define.OutcomeSucceeded
			continue
		}
		failures++
		logutil.Logger(ctx).Warn("participant call",
			zap.String("op", op), zap.Int("branch", pending[i].Index), zap.String("endpoint", pending[i].Endpoint),
			zap.Stringer("outcome", r.Outcome), zap.Error(r.Err))
	}

	m := store.Mutation{Outcomes: outcomes}
	switch {
	case failures == 0:
		m.State = target
		result = resultRecovered
	case g.RetryCount+1 >= s.maxRetry(g):
		m.State = define.TxnStateDeadLetter
		m.IncrRetry = true
		result = resultDeadLetter
	default:
		m.IncrRetry = true
		result = resultRetry
	}
	if err = s.store.Apply(ctx, g.Gtid, m); err != nil {
		return s.lost(ctx, err)
	}

	switch result {
	case resultDeadLetter:
		logutil.Logger(ctx).Warn("transaction group is dead letter",
			zap.String("from", driving), zap.Int("retry", g.RetryCount+1), zap.Int("pending", failures))
	case resultRecovered:
		logutil.Logger(ctx).Info("transaction group recovered", zap.String("state", target))
	}
	return result, nil
}

// lost handles a group changed by another writer while being driven.
func (s *Scanner) lost(ctx context.Context, err error) (string, error) {
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotExist) {
		logutil.Logger(ctx).Info("transaction group changed while driving", zap.Error(err))
		return resultSkipped, nil
	}
	return resultError, err
}

// invoke calls the participants concurrently, each bounded by its own timeout.
func (s *Scanner) invoke(ctx context.Context, g *model.TransactionGroup, op string, participants []*model.Participant) []rmclient.Result {
	results := make([]rmclient.Result, len(participants))
	wg := sync.WaitGroup{}
	for i, p := range participants {
		s.limiter.Take()
		inv := p.Invocation(op)
		req := &rmclient.Request{
			Gtid:     g.Gtid,
			BranchId: p.Index,
			Endpoint: p.Endpoint,
			Op:       op,
			Method:   inv.Method,
			Payload:  p.Payload,
			Timeout:  inv.Timeout,
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer errorutil.Recovery(func(r interface{}) {
				logutil.Logger(ctx).Sugar().Errorf("participant call panic : %v", r)
				results[i] = rmclient.Result{Outcome: rmclient.Failed}
			})
			results[i] = s.invoker.Invoke(ctx, req)
		}(i)
	}
	wg.Wait()
	return results
}

// cleanup removes confirmed and cancelled groups past the retention.
func (s *Scanner) cleanup() {
	minDuration := 100 * time.Millisecond
	s.cronjob(func() time.Duration {
		defer errorutil.Recovery()
		if s.Clean(context.Background()) >= s.cfg.CleanLimit {
			return minDuration
		}
		return s.cfg.CleanInterval
	})
}

// Clean runs one retention pass and returns the number of deleted groups.
// Dead letter groups are kept for operators.
func (s *Scanner) Clean(ctx context.Context) int {
	before := time.Now().Add(-s.cfg.Retention)
	deleted := 0
	for _, state := range []string{define.TxnStateConfirmed, define.TxnStateCancelled} {
		groups, err := s.store.ListByState(ctx, state, before, s.cfg.CleanLimit-deleted)
		if err != nil {
			logutil.Logger(ctx).Error("list expired groups", zap.String("state", state), zap.Error(err))
			continue
		}
		for _, g := range groups {
			if err := s.store.Delete(ctx, g.Gtid); err != nil {
				logutil.Logger(ctx).Error("delete expired group", zap.String("gtid", g.Gtid), zap.Error(err))
				continue
			}
			deleted++
			cleanCounter.Inc(state)
		}
		if deleted >= s.cfg.CleanLimit {
			break
		}
	}
	return deleted
}
