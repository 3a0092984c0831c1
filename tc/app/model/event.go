package model

import (
	"errors"
	"time"
)

const (
	EventBegin      = "begin"
	EventTransition = "transition"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
)

// TransactionEvent is an immutable record of one state change of one group.
type TransactionEvent struct {
	Kind     string
	Gtid     string
	State    string
	Outcomes map[int]string
	Group    *TransactionGroup
	Time     time.Time
}

// NewBeginEvent records the creation of g. The group is copied.
func NewBeginEvent(g *TransactionGroup) *TransactionEvent {
	return &TransactionEvent{
		Kind:  EventBegin,
		Gtid:  g.Gtid,
		State: g.State,
		Group: g.Clone(),
		Time:  time.Now(),
	}
}

func NewTransitionEvent(gtid, state string, outcomes map[int]string) *TransactionEvent {
	oc := make(map[int]string, len(outcomes))
	for k, v := range outcomes {
		oc[k] = v
	}
	return &TransactionEvent{
		Kind:     EventTransition,
		Gtid:     gtid,
		State:    state,
		Outcomes: oc,
		Time:     time.Now(),
	}
}

func (e *TransactionEvent) Validate() error {
	if e == nil || len(e.Gtid) == 0 {
		return ErrInvalidEvent
	}
	switch e.Kind {
	case EventBegin:
		if e.Group == nil || e.Group.Gtid != e.Gtid || !IsValidState(e.Group.State) {
			return ErrInvalidEvent
		}
	case EventTransition:
		if !IsValidState(e.State) {
			return ErrInvalidEvent
		}
		for _, o := range e.Outcomes {
			if !IsValidOutcome(o) {
				return ErrInvalidEvent
			}
		}
	default:
		return ErrInvalidEvent
	}
	return nil
}
