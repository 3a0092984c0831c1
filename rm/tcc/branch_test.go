package tcc

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/ikenchina/octopus-tcc/define"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		current string
		op      string
		run     bool
		next    string
		err     error
	}{
		{"", OpTry, true, BranchTried, nil},
		{BranchTried, OpTry, false, BranchTried, nil},
		{BranchConfirmed, OpTry, false, BranchConfirmed, ErrBranchConfirm},
		{BranchCancelled, OpTry, false, BranchCancelled, ErrBranchCancel},

		{"", define.OpConfirm, false, "", ErrNotTried},
		{BranchTried, define.OpConfirm, true, BranchConfirmed, nil},
		{BranchConfirmed, define.OpConfirm, false, BranchConfirmed, nil},
		{BranchCancelled, define.OpConfirm, false, BranchCancelled, ErrBranchCancel},

		{"", define.OpCancel, false, BranchCancelled, nil},
		{BranchTried, define.OpCancel, true, BranchCancelled, nil},
		{BranchConfirmed, define.OpCancel, false, BranchConfirmed, ErrBranchConfirm},
		{BranchCancelled, define.OpCancel, false, BranchCancelled, nil},

		{BranchTried, "commit", false, BranchTried, ErrUnknownOperate},
		{"aborted", define.OpCancel, false, "aborted", ErrInvalidBranch},
	}
	for _, c := range cases {
		run, next, err := decide(c.current, c.op)
		assert.Equal(t, c.run, run, "%s on %q", c.op, c.current)
		assert.Equal(t, c.next, next, "%s on %q", c.op, c.current)
		assert.ErrorIs(t, err, c.err, "%s on %q", c.op, c.current)
		if c.err == nil {
			assert.Nil(t, err)
		}
	}
}

// Whatever order and however often operations arrive, each business function
// runs at most once and confirm and cancel never both run.
func TestDecideProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	ops := []string{OpTry, define.OpConfirm, define.OpCancel}
	properties.Property("business functions run at most once", prop.ForAll(
		func(seq []int) bool {
			state := ""
			runs := map[string]int{}
			for _, i := range seq {
				op := ops[i]
				run, next, err := decide(state, op)
				if run {
					runs[op]++
				}
				if err == nil {
					state = next
				}
			}
			for _, n := range runs {
				if n > 1 {
					return false
				}
			}
			return runs[define.OpConfirm] == 0 || runs[define.OpCancel] == 0
		},
		gen.SliceOf(gen.IntRange(0, len(ops)-1)),
	))
	properties.TestingRun(t)
}
