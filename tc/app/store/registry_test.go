package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(define.StoreMemory,
		Descriptor{Scheme: define.StoreMemory, New: NewMemoryStore},
		Descriptor{Scheme: define.StoreFile, New: NewFileStore},
	)
	assert.Equal(t, []string{define.StoreMemory, define.StoreFile}, r.Schemes())

	st, err := r.Open(Config{Scheme: "zookeeper"})
	assert.Nil(t, err)
	assert.Equal(t, define.StoreMemory, st.Scheme())

	st, err = r.Open(Config{Scheme: define.StoreFile, Path: t.TempDir()})
	assert.Nil(t, err)
	assert.Equal(t, define.StoreFile, st.Scheme())
}

func TestRegistryBrokenDefault(t *testing.T) {
	r := NewRegistry(define.StoreDB,
		Descriptor{Scheme: define.StoreDB, New: func(Config) (Store, error) { return nil, errors.New("unreachable") }},
	)
	_, err := r.Open(Config{Scheme: "unknown"})
	assert.ErrorIs(t, err, define.ErrConfiguration)
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = NewRegistry("none").Open(Config{})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestBuiltinRegistry(t *testing.T) {
	r := Builtin()
	assert.Equal(t, define.StoreDB, r.DefaultScheme())
	assert.ElementsMatch(t, []string{define.StoreDB, define.StoreRedis, define.StoreMongo,
		define.StoreFile, define.StoreMemory}, r.Schemes())
}

func TestCodecNotSet(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(1)
	for _, st := range []Store{newMemoryStore(Config{}), mustFileStore(t)} {
		assert.ErrorIs(t, st.Put(ctx, g), ErrCodecNotSet)
		_, err := st.Get(ctx, g.Gtid)
		assert.ErrorIs(t, err, ErrCodecNotSet)
		_, err = Collect(ctx, st.ScanOverdue(ctx, 0, 10))
		assert.ErrorIs(t, err, ErrCodecNotSet)

		st.SetCodec(codec.JSON())
		assert.Nil(t, st.Put(ctx, g))
	}
}

func mustFileStore(t *testing.T) Store {
	st, err := NewFileStore(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestStoreError(t *testing.T) {
	err := wrapError(define.StoreMemory, "Get", ErrNotExist)
	var se *Error
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "Get", se.Op)
	assert.Equal(t, "store(memory) Get : not exist", err.Error())
	assert.Same(t, err, wrapError(define.StoreMemory, "Put", err))
	assert.Nil(t, wrapError(define.StoreMemory, "Get", nil))

	assert.False(t, IsRetryable(err))
	assert.False(t, IsRetryable(wrapError(define.StoreMemory, "Apply", ErrInvalidTransition)))
	assert.True(t, IsRetryable(wrapError(define.StoreMemory, "Apply", errors.New("connection reset"))))
	assert.False(t, IsRetryable(nil))
}

func TestMergeUpsert(t *testing.T) {
	existing := model.NewTransactionGroup("g1", 3, &model.Participant{Endpoint: "a"})
	existing.State = define.TxnStateConfirming
	existing.RetryCount = 2
	existing.Participants[0].Outcome = define.OutcomeSucceeded

	incoming := existing.Clone()
	incoming.RetryCount = 0
	incoming.Participants[0].Outcome = define.OutcomePending
	incoming.State = define.TxnStateConfirmed

	merged, ok := mergeUpsert(existing, incoming, existing.UpdatedTime)
	assert.True(t, ok)
	assert.Equal(t, define.TxnStateConfirmed, merged.State)
	assert.Equal(t, 2, merged.RetryCount)
	assert.True(t, merged.Participants[0].Succeeded())

	incoming.State = define.TxnStateTrying
	_, ok = mergeUpsert(existing, incoming, existing.UpdatedTime)
	assert.False(t, ok)
}
