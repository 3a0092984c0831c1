package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

// _storeSuite runs the same contract against every backend.
type _storeSuite struct {
	suite.Suite
	open  func() Store
	reset func(Store)
	codec codec.Codec
	store Store
	ctx   context.Context
}

func (s *_storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open()
	s.store.SetCodec(s.codec)
	if s.reset != nil {
		s.reset(s.store)
	}
}

func (s *_storeSuite) TearDownTest() {
	s.Nil(s.store.Close())
}

func newTestGroup(participants int) *model.TransactionGroup {
	g := model.NewTransactionGroup(uuid.NewString(), 3)
	g.Business = "order"
	g.Payload = []byte(`{"order":1}`)
	for i := 0; i < participants; i++ {
		g.AddParticipant(&model.Participant{
			Endpoint: fmt.Sprintf("127.0.0.1:%d", 8000+i),
			Confirm:  model.Invocation{Method: "/rm/confirm", Timeout: time.Second},
			Cancel:   model.Invocation{Method: "/rm/cancel", Timeout: 2 * time.Second},
			Payload:  []byte("p"),
		})
	}
	return g
}

// pause separates updated times on stores with millisecond precision.
func pause() {
	time.Sleep(3 * time.Millisecond)
}

func (s *_storeSuite) mustGet(gtid string) *model.TransactionGroup {
	g, err := s.store.Get(s.ctx, gtid)
	s.Require().Nil(err)
	return g
}

func (s *_storeSuite) TestPutGet() {
	g := newTestGroup(2)
	s.Nil(s.store.Put(s.ctx, g))

	dbg := s.mustGet(g.Gtid)
	s.Equal(g.Gtid, dbg.Gtid)
	s.Equal(g.Business, dbg.Business)
	s.Equal(define.TxnStateBegin, dbg.State)
	s.Equal(g.Payload, dbg.Payload)
	s.Equal(3, dbg.MaxRetry)
	s.Require().Len(dbg.Participants, 2)
	for i, p := range dbg.Participants {
		s.Equal(i, p.Index)
		s.Equal(g.Participants[i].Endpoint, p.Endpoint)
		s.Equal(g.Participants[i].Confirm, p.Confirm)
		s.Equal(g.Participants[i].Cancel, p.Cancel)
		s.Equal(define.OutcomePending, p.Outcome)
	}

	_, err := s.store.Get(s.ctx, uuid.NewString())
	s.ErrorIs(err, ErrNotExist)
}

func (s *_storeSuite) TestPutIdempotent() {
	g := newTestGroup(1)
	s.Nil(s.store.Put(s.ctx, g))
	s.Nil(s.store.Put(s.ctx, g))

	g.State = define.TxnStateTrying
	g.AddParticipant(&model.Participant{Endpoint: "127.0.0.1:9000"})
	s.Nil(s.store.Put(s.ctx, g))
	dbg := s.mustGet(g.Gtid)
	s.Equal(define.TxnStateTrying, dbg.State)
	s.Len(dbg.Participants, 2)

	// an older snapshot never regresses the stored group
	old := g.Clone()
	old.State = define.TxnStateBegin
	s.Nil(s.store.Put(s.ctx, old))
	s.Equal(define.TxnStateTrying, s.mustGet(g.Gtid).State)

	s.ErrorIs(s.store.Put(s.ctx, &model.TransactionGroup{}), ErrInvalidGroup)
}

func (s *_storeSuite) TestPutKeepsSucceededOutcome() {
	g := newTestGroup(2)
	g.State = define.TxnStateTrying
	s.Nil(s.store.Put(s.ctx, g))
	s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateConfirming, map[int]string{0: define.OutcomeSucceeded}))

	// the incoming record still carries pending outcomes
	g.State = define.TxnStateConfirming
	s.Nil(s.store.Put(s.ctx, g))
	dbg := s.mustGet(g.Gtid)
	s.Equal(define.TxnStateConfirming, dbg.State)
	s.Equal(define.OutcomeSucceeded, dbg.Participants[0].Outcome)
	s.Equal(define.OutcomePending, dbg.Participants[1].Outcome)
}

func (s *_storeSuite) TestUpdateState() {
	g := newTestGroup(2)
	s.Nil(s.store.Put(s.ctx, g))

	s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateTrying, nil))
	pause()
	before := s.mustGet(g.Gtid).UpdatedTime
	pause()
	s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateConfirming, map[int]string{0: define.OutcomeSucceeded}))
	dbg := s.mustGet(g.Gtid)
	s.Equal(define.TxnStateConfirming, dbg.State)
	s.True(dbg.UpdatedTime.After(before))
	s.Equal(define.OutcomeSucceeded, dbg.Participants[0].Outcome)
	s.Equal(define.OutcomePending, dbg.Participants[1].Outcome)

	// re-entering a non-terminal state is a touch
	s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateConfirming, nil))

	s.ErrorIs(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateTrying, nil), ErrInvalidTransition)
	s.ErrorIs(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateCancelled, nil), ErrInvalidTransition)

	s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateConfirmed, map[int]string{1: define.OutcomeSucceeded}))
	dbg = s.mustGet(g.Gtid)
	s.Equal(define.TxnStateConfirmed, dbg.State)
	s.Empty(dbg.Pending())

	for _, state := range []string{define.TxnStateConfirmed, define.TxnStateCancelling, define.TxnStateDeadLetter} {
		s.ErrorIs(s.store.UpdateState(s.ctx, g.Gtid, state, nil), ErrInvalidTransition)
	}
	s.ErrorIs(s.store.UpdateState(s.ctx, uuid.NewString(), define.TxnStateTrying, nil), ErrNotExist)
	s.ErrorIs(s.store.UpdateState(s.ctx, g.Gtid, "unknown", nil), ErrInvalidTransition)
}

func (s *_storeSuite) TestSucceededIsSticky() {
	g := newTestGroup(1)
	g.State = define.TxnStateTrying
	s.Nil(s.store.Put(s.ctx, g))

	s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{State: define.TxnStateCancelling,
		Outcomes: map[int]string{0: define.OutcomeSucceeded}}))
	s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{Outcomes: map[int]string{0: define.OutcomeFailed}}))
	s.Equal(define.OutcomeSucceeded, s.mustGet(g.Gtid).Participants[0].Outcome)
}

func (s *_storeSuite) TestApplyRetry() {
	g := newTestGroup(1)
	s.Nil(s.store.Put(s.ctx, g))

	s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{State: define.TxnStateCancelling, IncrRetry: true}))
	s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{IncrRetry: true, Outcomes: map[int]string{0: define.OutcomeFailed}}))
	dbg := s.mustGet(g.Gtid)
	s.Equal(2, dbg.RetryCount)
	s.Equal(define.OutcomeFailed, dbg.Participants[0].Outcome)

	s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{State: define.TxnStateDeadLetter}))
	s.ErrorIs(s.store.Apply(s.ctx, g.Gtid, Mutation{IncrRetry: true}), ErrInvalidTransition)
	s.Equal(2, s.mustGet(g.Gtid).RetryCount)
}

func (s *_storeSuite) TestConcurrentApply() {
	g := newTestGroup(1)
	s.Nil(s.store.Put(s.ctx, g))

	n := 10
	wait := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			s.Nil(s.store.Apply(s.ctx, g.Gtid, Mutation{IncrRetry: true}))
		}()
	}
	wait.Wait()
	s.Equal(n, s.mustGet(g.Gtid).RetryCount)
}

func (s *_storeSuite) TestScanOverdue() {
	gtids := []string{}
	for i := 0; i < 7; i++ {
		g := newTestGroup(1)
		s.Nil(s.store.Put(s.ctx, g))
		gtids = append(gtids, g.Gtid)
		pause()
	}
	// terminal groups are never scanned
	s.Nil(s.store.UpdateState(s.ctx, gtids[2], define.TxnStateCancelled, nil))
	s.Nil(s.store.UpdateState(s.ctx, gtids[4], define.TxnStateDeadLetter, nil))
	pause()

	groups, err := Collect(s.ctx, s.store.ScanOverdue(s.ctx, 0, 100))
	s.Nil(err)
	s.Equal([]string{gtids[0], gtids[1], gtids[3], gtids[5], gtids[6]}, gidsOf(groups))

	groups, err = Collect(s.ctx, s.store.ScanOverdue(s.ctx, 0, 3))
	s.Nil(err)
	s.Equal([]string{gtids[0], gtids[1], gtids[3]}, gidsOf(groups))

	groups, err = Collect(s.ctx, s.store.ScanOverdue(s.ctx, time.Hour, 100))
	s.Nil(err)
	s.Empty(groups)

	// touching a group moves it to the end
	s.Nil(s.store.UpdateState(s.ctx, gtids[0], define.TxnStateBegin, nil))
	pause()
	groups, err = Collect(s.ctx, s.store.ScanOverdue(s.ctx, 0, 100))
	s.Nil(err)
	s.Equal([]string{gtids[1], gtids[3], gtids[5], gtids[6], gtids[0]}, gidsOf(groups))
}

func (s *_storeSuite) TestScanWhileUpdating() {
	for i := 0; i < 6; i++ {
		s.Nil(s.store.Put(s.ctx, newTestGroup(1)))
		pause()
	}
	pause()

	it := s.store.ScanOverdue(s.ctx, 0, 100)
	defer it.Close()
	seen := map[string]bool{}
	for it.Next(s.ctx) {
		g := it.Group()
		s.False(seen[g.Gtid])
		seen[g.Gtid] = true
		s.Nil(s.store.UpdateState(s.ctx, g.Gtid, define.TxnStateCancelling, nil))
	}
	s.Nil(it.Err())
	s.Len(seen, 6)
}

func (s *_storeSuite) TestListByStateAndDelete() {
	g1, g2, g3 := newTestGroup(1), newTestGroup(1), newTestGroup(1)
	for _, g := range []*model.TransactionGroup{g1, g2, g3} {
		s.Nil(s.store.Put(s.ctx, g))
		pause()
	}
	s.Nil(s.store.UpdateState(s.ctx, g1.Gtid, define.TxnStateDeadLetter, nil))
	pause()
	s.Nil(s.store.UpdateState(s.ctx, g2.Gtid, define.TxnStateCancelled, nil))
	pause()

	groups, err := s.store.ListByState(s.ctx, define.TxnStateDeadLetter, time.Time{}, 10)
	s.Nil(err)
	s.Equal([]string{g1.Gtid}, gidsOf(groups))

	groups, err = s.store.ListByState(s.ctx, define.TxnStateCancelled, time.Now().Add(-time.Hour), 10)
	s.Nil(err)
	s.Empty(groups)

	s.ErrorIs(s.store.Delete(s.ctx, g3.Gtid), ErrNotTerminal)
	s.ErrorIs(s.store.Delete(s.ctx, uuid.NewString()), ErrNotExist)
	s.Nil(s.store.Delete(s.ctx, g2.Gtid))
	_, err = s.store.Get(s.ctx, g2.Gtid)
	s.ErrorIs(err, ErrNotExist)

	groups, err = s.store.ListByState(s.ctx, define.TxnStateCancelled, time.Time{}, 10)
	s.Nil(err)
	s.Empty(groups)
}

func gidsOf(groups []*model.TransactionGroup) []string {
	ids := []string{}
	for _, g := range groups {
		ids = append(ids, g.Gtid)
	}
	return ids
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &_storeSuite{
		codec: codec.Gob(),
		open: func() Store {
			return newMemoryStore(Config{PageSize: 2})
		},
	})
}

func TestMemoryStoreBsonSuite(t *testing.T) {
	suite.Run(t, &_storeSuite{
		codec: codec.BSON(),
		open: func() Store {
			return newMemoryStore(Config{PageSize: 2})
		},
	})
}

func TestFileStoreSuite(t *testing.T) {
	dir := t.TempDir()
	n := 0
	suite.Run(t, &_storeSuite{
		codec: codec.YAML(),
		open: func() Store {
			n++
			st, err := NewFileStore(Config{Path: fmt.Sprintf("%s/%d", dir, n), PageSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
	})
}
