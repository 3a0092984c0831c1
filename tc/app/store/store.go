// Package store persists transaction groups. Every backend implements the same
// contract: idempotent upsert, field-level conditional updates and an
// oldest-first scan of overdue non-terminal groups.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

var (
	ErrNotExist          = errors.New("not exist")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotTerminal       = errors.New("transaction group is not terminal")
	ErrCodecNotSet       = errors.New("codec is not set")
	ErrInvalidGroup      = errors.New("invalid transaction group")
	ErrNoStore           = errors.New("no usable store")
)

var (
	storeTimer = metrics.NewTimer("dtx", "tcc", "store", "store operation timer", []string{"scheme", "op", "ret"})
)

const (
	defaultTimeout  = 3 * time.Second
	defaultPageSize = 100
)

type Store interface {
	Scheme() string
	// SetCodec must be called before any read or write.
	SetCodec(c codec.Codec)
	Timeout() time.Duration

	// Put inserts g, or replaces the stored group while the stored state can
	// still reach g.State. Otherwise it is a no-op.
	Put(ctx context.Context, g *model.TransactionGroup) error
	Get(ctx context.Context, gtid string) (*model.TransactionGroup, error)
	UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error
	Apply(ctx context.Context, gtid string, m Mutation) error

	// ScanOverdue iterates non-terminal groups not updated within olderThan,
	// oldest first, at most limit of them.
	ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator
	ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) ([]*model.TransactionGroup, error)
	// Delete removes a terminal group.
	Delete(ctx context.Context, gtid string) error

	Close() error
}

// Mutation is a partial update of one group. An empty State keeps the current
// state. Outcomes never downgrade a succeeded participant.
type Mutation struct {
	State     string
	Outcomes  map[int]string
	IncrRetry bool
}

func (m Mutation) validate() error {
	if len(m.State) > 0 && !model.IsValidState(m.State) {
		return ErrInvalidTransition
	}
	for _, o := range m.Outcomes {
		if !model.IsValidOutcome(o) {
			return ErrInvalidGroup
		}
	}
	return nil
}

// sourceStates lists the stored states a mutation may be applied to.
func (m Mutation) sourceStates() []string {
	if len(m.State) == 0 {
		return model.NonTerminalStates
	}
	return model.SourceStates(m.State)
}

// Config is shared by all backends, each reads the fields it needs.
type Config struct {
	Scheme string `json:"scheme" yaml:"scheme"`

	// db
	Driver             string `json:"driver" yaml:"driver"`
	Dsn                string `json:"dsn" yaml:"dsn"`
	MaxConnections     int    `json:"max_connections" yaml:"max_connections"`
	MaxIdleConnections int    `json:"max_idle_connections" yaml:"max_idle_connections"`
	AutoMigrate        bool   `json:"auto_migrate" yaml:"auto_migrate"`

	// redis
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// mongo
	Uri        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`

	// file
	Path string `json:"path" yaml:"path"`

	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	PageSize int           `json:"page_size" yaml:"page_size"`
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c Config) pageSize() int {
	if c.PageSize <= 0 {
		return defaultPageSize
	}
	return c.PageSize
}

// Error is the StoreError of every backend.
type Error struct {
	Scheme string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store(%s) %s : %v", e.Scheme, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapError(scheme, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Scheme: scheme, Op: op, Err: err}
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range []error{ErrNotExist, ErrInvalidTransition, ErrNotTerminal,
		ErrCodecNotSet, ErrInvalidGroup, context.Canceled, model.ErrInvalidEvent} {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

// observe must be deferred with a pointer to the named error result.
func observe(scheme, op string, start time.Time, err *error) {
	ret := "ok"
	if *err != nil {
		ret = "err"
		if errors.Is(*err, ErrNotExist) {
			ret = "not_exist"
		}
	}
	storeTimer.Observe(time.Since(start), scheme, op, ret)
}

func timeoutContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func validateGroup(g *model.TransactionGroup) error {
	if g == nil || len(g.Gtid) == 0 || !model.IsValidState(g.State) {
		return ErrInvalidGroup
	}
	for i, p := range g.Participants {
		if p == nil || p.Index != i || len(p.Endpoint) == 0 {
			return ErrInvalidGroup
		}
		if len(p.Outcome) == 0 {
			p.Outcome = define.OutcomePending
		}
		if !model.IsValidOutcome(p.Outcome) {
			return ErrInvalidGroup
		}
	}
	return nil
}

// validGtid rejects ids that cannot be used as a file name or key segment.
func validGtid(gtid string) bool {
	return len(gtid) > 0 && !strings.ContainsAny(gtid, "/\\:\x00") && gtid != "." && gtid != ".."
}

// mergeUpsert decides how Put treats an existing record. It returns the
// record to store and false when the stored one must be kept.
func mergeUpsert(existing, incoming *model.TransactionGroup, now time.Time) (*model.TransactionGroup, bool) {
	if existing == nil {
		g := incoming.Clone()
		if g.CreatedTime.IsZero() {
			g.CreatedTime = now
		}
		g.UpdatedTime = now
		return g, true
	}
	if !model.CanTransition(existing.State, incoming.State) {
		return existing, false
	}
	g := incoming.Clone()
	g.CreatedTime = existing.CreatedTime
	g.UpdatedTime = now
	if existing.RetryCount > g.RetryCount {
		g.RetryCount = existing.RetryCount
	}
	for _, p := range g.Participants {
		if old := existing.Participant(p.Index); old != nil && old.Succeeded() {
			p.Outcome = define.OutcomeSucceeded
			p.UpdatedTime = old.UpdatedTime
		}
	}
	return g, true
}

// applyMutation is the read-modify-write form of Apply used by backends that
// store whole records.
func applyMutation(g *model.TransactionGroup, m Mutation, now time.Time) error {
	if len(m.State) == 0 {
		if g.Terminal() {
			return ErrInvalidTransition
		}
	} else if !model.CanTransition(g.State, m.State) {
		return ErrInvalidTransition
	}
	if len(m.State) > 0 {
		g.State = m.State
	}
	g.ApplyOutcomes(m.Outcomes, now)
	if m.IncrRetry {
		g.RetryCount++
	}
	g.UpdatedTime = now
	return nil
}

// overdue reports whether g is visible to ScanOverdue with the given deadline.
func overdue(g *model.TransactionGroup, deadline time.Time) bool {
	return !g.Terminal() && g.UpdatedTime.Before(deadline)
}
