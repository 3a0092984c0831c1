package store

import (
	"context"
	"time"

	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

// Iterator is a lazy, finite sequence of groups.
//
//	it := st.ScanOverdue(ctx, grace, limit)
//	defer it.Close()
//	for it.Next(ctx) {
//		g := it.Group()
//	}
//	err := it.Err()
type Iterator interface {
	Next(ctx context.Context) bool
	Group() *model.TransactionGroup
	Err() error
	Close() error
}

// cursor is the (updated_time, gtid) key of the last returned group.
type cursor struct {
	valid       bool
	updatedTime time.Time
	gtid        string
}

func (c cursor) after(g *model.TransactionGroup) bool {
	if !c.valid {
		return true
	}
	if g.UpdatedTime.Equal(c.updatedTime) {
		return g.Gtid > c.gtid
	}
	return g.UpdatedTime.After(c.updatedTime)
}

// pageFunc fetches up to n overdue groups strictly after cur, ordered by
// (updated_time, gtid).
type pageFunc func(ctx context.Context, deadline time.Time, cur cursor, n int) ([]*model.TransactionGroup, error)

type pageIterator struct {
	fetch    pageFunc
	deadline time.Time
	limit    int
	pageSize int

	cur      cursor
	page     []*model.TransactionGroup
	pos      int
	returned int
	done     bool
	group    *model.TransactionGroup
	err      error
}

func newPageIterator(fetch pageFunc, olderThan time.Duration, limit, pageSize int) *pageIterator {
	if pageSize > limit {
		pageSize = limit
	}
	return &pageIterator{
		fetch:    fetch,
		deadline: time.Now().Add(-olderThan),
		limit:    limit,
		pageSize: pageSize,
		done:     limit <= 0,
	}
}

func (it *pageIterator) Next(ctx context.Context) bool {
	it.group = nil
	if it.err != nil || it.returned >= it.limit {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		n := it.pageSize
		if rest := it.limit - it.returned; rest < n {
			n = rest
		}
		page, err := it.fetch(ctx, it.deadline, it.cur, n)
		if err != nil {
			it.err = err
			return false
		}
		it.page, it.pos = page, 0
		if len(page) < n {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
	}

	it.group = it.page[it.pos]
	it.pos++
	it.returned++
	it.cur = cursor{valid: true, updatedTime: it.group.UpdatedTime, gtid: it.group.Gtid}
	return true
}

func (it *pageIterator) Group() *model.TransactionGroup {
	return it.group
}

func (it *pageIterator) Err() error {
	return it.err
}

func (it *pageIterator) Close() error {
	it.page = nil
	it.done = true
	it.returned = it.limit
	return nil
}

type errIterator struct {
	err error
}

func (it errIterator) Next(context.Context) bool      { return false }
func (it errIterator) Group() *model.TransactionGroup { return nil }
func (it errIterator) Err() error                     { return it.err }
func (it errIterator) Close() error                   { return nil }

// Collect drains it. It is meant for tests and operator tooling.
func Collect(ctx context.Context, it Iterator) ([]*model.TransactionGroup, error) {
	defer it.Close()
	groups := []*model.TransactionGroup{}
	for it.Next(ctx) {
		groups = append(groups, it.Group())
	}
	return groups, it.Err()
}
