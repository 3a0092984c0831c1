package model

import (
	"time"

	"github.com/ikenchina/octopus-tcc/define"
)

// Invocation describes how one participant operation is reached.
// Method is a full grpc method name or an http path relative to the endpoint.
type Invocation struct {
	Method  string        `json:"method" bson:"method" yaml:"method"`
	Timeout time.Duration `json:"timeout,omitempty" bson:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Participant struct {
	Index       int        `json:"index" bson:"index" yaml:"index"`
	Endpoint    string     `json:"endpoint" bson:"endpoint" yaml:"endpoint"`
	Confirm     Invocation `json:"confirm" bson:"confirm" yaml:"confirm"`
	Cancel      Invocation `json:"cancel" bson:"cancel" yaml:"cancel"`
	Payload     []byte     `json:"payload,omitempty" bson:"payload,omitempty" yaml:"payload,omitempty"`
	Outcome     string     `json:"outcome" bson:"outcome" yaml:"outcome"`
	UpdatedTime time.Time  `json:"updated_time" bson:"updated_time" yaml:"updated_time"`
}

func (p *Participant) Succeeded() bool {
	return p.Outcome == define.OutcomeSucceeded
}

// Invocation returns the descriptor of op.
func (p *Participant) Invocation(op string) Invocation {
	if op == define.OpCancel {
		return p.Cancel
	}
	return p.Confirm
}

// SetOutcome never downgrades a succeeded participant.
func (p *Participant) SetOutcome(outcome string, now time.Time) bool {
	if p.Outcome == outcome || p.Succeeded() {
		return false
	}
	p.Outcome = outcome
	p.UpdatedTime = now
	return true
}

type TransactionGroup struct {
	Gtid         string         `json:"gtid" bson:"gtid" yaml:"gtid"`
	Business     string         `json:"business,omitempty" bson:"business,omitempty" yaml:"business,omitempty"`
	State        string         `json:"state" bson:"state" yaml:"state"`
	Participants []*Participant `json:"participants" bson:"participants" yaml:"participants"`
	CreatedTime  time.Time      `json:"created_time" bson:"created_time" yaml:"created_time"`
	UpdatedTime  time.Time      `json:"updated_time" bson:"updated_time" yaml:"updated_time"`
	RetryCount   int            `json:"retry_count" bson:"retry_count" yaml:"retry_count"`
	MaxRetry     int            `json:"max_retry" bson:"max_retry" yaml:"max_retry"`
	Payload      []byte         `json:"payload,omitempty" bson:"payload,omitempty" yaml:"payload,omitempty"`
}

func NewTransactionGroup(gtid string, maxRetry int, participants ...*Participant) *TransactionGroup {
	now := time.Now()
	g := &TransactionGroup{
		Gtid:        gtid,
		State:       define.TxnStateBegin,
		CreatedTime: now,
		UpdatedTime: now,
		MaxRetry:    maxRetry,
	}
	for _, p := range participants {
		g.AddParticipant(p)
	}
	return g
}

// AddParticipant assigns the next index and resets the outcome to pending.
func (g *TransactionGroup) AddParticipant(p *Participant) {
	p.Index = len(g.Participants)
	p.Outcome = define.OutcomePending
	p.UpdatedTime = g.UpdatedTime
	g.Participants = append(g.Participants, p)
}

func (g *TransactionGroup) Terminal() bool {
	return IsTerminal(g.State)
}

func (g *TransactionGroup) Participant(index int) *Participant {
	if index < 0 || index >= len(g.Participants) {
		return nil
	}
	return g.Participants[index]
}

// Pending returns participants that have not succeeded yet.
func (g *TransactionGroup) Pending() []*Participant {
	pending := make([]*Participant, 0, len(g.Participants))
	for _, p := range g.Participants {
		if !p.Succeeded() {
			pending = append(pending, p)
		}
	}
	return pending
}

// ApplyOutcomes updates participant outcomes and reports whether anything changed.
func (g *TransactionGroup) ApplyOutcomes(outcomes map[int]string, now time.Time) bool {
	changed := false
	for idx, outcome := range outcomes {
		if p := g.Participant(idx); p != nil && p.SetOutcome(outcome, now) {
			changed = true
		}
	}
	return changed
}

func (g *TransactionGroup) Clone() *TransactionGroup {
	if g == nil {
		return nil
	}
	c := *g
	c.Payload = append([]byte(nil), g.Payload...)
	c.Participants = make([]*Participant, 0, len(g.Participants))
	for _, p := range g.Participants {
		pc := *p
		pc.Payload = append([]byte(nil), p.Payload...)
		c.Participants = append(c.Participants, &pc)
	}
	return &c
}
