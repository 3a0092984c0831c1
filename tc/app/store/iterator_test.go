package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

type fakePages struct {
	groups []*model.TransactionGroup
	calls  []int
	failAt int
}

func (f *fakePages) fetch(ctx context.Context, deadline time.Time, cur cursor, n int) ([]*model.TransactionGroup, error) {
	f.calls = append(f.calls, n)
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return nil, errors.New("broken")
	}
	page := []*model.TransactionGroup{}
	for _, g := range f.groups {
		if len(page) < n && cur.after(g) {
			page = append(page, g)
		}
	}
	return page, nil
}

func fakeGroups(n int) []*model.TransactionGroup {
	base := time.Now().Add(-time.Hour)
	groups := []*model.TransactionGroup{}
	for i := 0; i < n; i++ {
		groups = append(groups, &model.TransactionGroup{
			Gtid:        fmt.Sprintf("g%02d", i),
			UpdatedTime: base.Add(time.Duration(i/2) * time.Second),
		})
	}
	return groups
}

func TestPageIterator(t *testing.T) {
	f := &fakePages{groups: fakeGroups(7)}
	groups, err := Collect(context.Background(), newPageIterator(f.fetch, 0, 100, 3))
	assert.Nil(t, err)
	assert.Equal(t, []string{"g00", "g01", "g02", "g03", "g04", "g05", "g06"}, gidsOf(groups))
	assert.Equal(t, []int{3, 3, 3}, f.calls)
}

func TestPageIteratorLimit(t *testing.T) {
	f := &fakePages{groups: fakeGroups(10)}
	groups, err := Collect(context.Background(), newPageIterator(f.fetch, 0, 5, 2))
	assert.Nil(t, err)
	assert.Equal(t, []string{"g00", "g01", "g02", "g03", "g04"}, gidsOf(groups))
	assert.Equal(t, []int{2, 2, 1}, f.calls)

	f = &fakePages{groups: fakeGroups(10)}
	groups, err = Collect(context.Background(), newPageIterator(f.fetch, 0, 0, 2))
	assert.Nil(t, err)
	assert.Empty(t, groups)
	assert.Empty(t, f.calls)
}

func TestPageIteratorError(t *testing.T) {
	f := &fakePages{groups: fakeGroups(10), failAt: 2}
	it := newPageIterator(f.fetch, 0, 100, 4)
	n := 0
	for it.Next(context.Background()) {
		n++
	}
	assert.Equal(t, 4, n)
	assert.EqualError(t, it.Err(), "broken")
	assert.False(t, it.Next(context.Background()))
}

func TestPageIteratorClose(t *testing.T) {
	f := &fakePages{groups: fakeGroups(10)}
	it := newPageIterator(f.fetch, 0, 100, 4)
	assert.True(t, it.Next(context.Background()))
	assert.Nil(t, it.Close())
	assert.False(t, it.Next(context.Background()))
	assert.Len(t, f.calls, 1)
}
