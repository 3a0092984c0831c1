package model

import (
	"github.com/ikenchina/octopus-tcc/common/slice"
	"github.com/ikenchina/octopus-tcc/define"
)

//  finite state machine
/*
 *     begin -> trying -> confirming -> confirmed | dead_letter
 *     begin -> trying -> cancelling -> cancelled | dead_letter
 */

var stateRank = map[string]int{
	define.TxnStateBegin:      0,
	define.TxnStateTrying:     1,
	define.TxnStateConfirming: 2,
	define.TxnStateCancelling: 2,
	define.TxnStateConfirmed:  3,
	define.TxnStateCancelled:  3,
	define.TxnStateDeadLetter: 3,
}

var (
	NonTerminalStates = []string{define.TxnStateBegin, define.TxnStateTrying,
		define.TxnStateConfirming, define.TxnStateCancelling}
	TerminalStates = []string{define.TxnStateConfirmed, define.TxnStateCancelled, define.TxnStateDeadLetter}
)

func IsValidState(state string) bool {
	_, ok := stateRank[state]
	return ok
}

func IsTerminal(state string) bool {
	return slice.Contain(TerminalStates, state)
}

func IsValidOutcome(outcome string) bool {
	return slice.InSlice(outcome, define.OutcomePending, define.OutcomeSucceeded, define.OutcomeFailed)
}

// CanTransition reports whether a group in state from may move to state to.
// Terminal states are sinks, a non-terminal state may be re-entered.
func CanTransition(from, to string) bool {
	rf, ok := stateRank[from]
	if !ok {
		return false
	}
	rt, ok := stateRank[to]
	if !ok {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	if from == to {
		return true
	}
	if rt <= rf {
		return false
	}
	switch to {
	case define.TxnStateConfirmed:
		return slice.InSlice(from, define.TxnStateTrying, define.TxnStateConfirming)
	case define.TxnStateCancelled:
		return slice.InSlice(from, define.TxnStateBegin, define.TxnStateTrying, define.TxnStateCancelling)
	}
	return true
}

// SourceStates lists the states from which to is reachable.
func SourceStates(to string) []string {
	states := []string{}
	for from := range stateRank {
		if CanTransition(from, to) {
			states = append(states, from)
		}
	}
	return states
}

// RecoveryPlan returns the operation the recovery driver issues for a group in
// state, the state it drives the group through and the terminal state on success.
func RecoveryPlan(state string) (op, driving, target string, ok bool) {
	switch state {
	case define.TxnStateTrying, define.TxnStateConfirming:
		return define.OpConfirm, define.TxnStateConfirming, define.TxnStateConfirmed, true
	case define.TxnStateBegin, define.TxnStateCancelling:
		return define.OpCancel, define.TxnStateCancelling, define.TxnStateCancelled, true
	}
	return "", "", "", false
}
