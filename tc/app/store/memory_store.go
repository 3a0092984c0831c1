package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

type indexItem struct {
	updatedTime time.Time
	gtid        string
}

func lessIndexItem(a, b indexItem) bool {
	if a.updatedTime.Equal(b.updatedTime) {
		return a.gtid < b.gtid
	}
	return a.updatedTime.Before(b.updatedTime)
}

type memoryRecord struct {
	state       string
	updatedTime time.Time
	data        []byte
}

// MemoryStore keeps codec encoded records in process memory. Non-terminal
// groups are indexed by (updated_time, gtid).
type MemoryStore struct {
	mutex    sync.RWMutex
	codec    codec.Codec
	records  map[string]*memoryRecord
	overdue  *btree.BTreeG[indexItem]
	timeout  time.Duration
	pageSize int
}

func NewMemoryStore(cfg Config) (Store, error) {
	return newMemoryStore(cfg), nil
}

func newMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*memoryRecord),
		overdue:  btree.NewBTreeG(lessIndexItem),
		timeout:  cfg.timeout(),
		pageSize: cfg.pageSize(),
	}
}

func (ms *MemoryStore) Scheme() string {
	return define.StoreMemory
}

func (ms *MemoryStore) SetCodec(c codec.Codec) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.codec = c
}

func (ms *MemoryStore) Timeout() time.Duration {
	return ms.timeout
}

func (ms *MemoryStore) decode(rec *memoryRecord) (*model.TransactionGroup, error) {
	g := &model.TransactionGroup{}
	if err := ms.codec.Unmarshal(rec.data, g); err != nil {
		return nil, err
	}
	return g, nil
}

// save must be called with the write lock held.
func (ms *MemoryStore) save(g *model.TransactionGroup) error {
	data, err := ms.codec.Marshal(g)
	if err != nil {
		return err
	}
	// index the decoded time, some codecs truncate it
	stored, err := ms.decode(&memoryRecord{data: data})
	if err != nil {
		return err
	}
	if old, ok := ms.records[g.Gtid]; ok {
		ms.overdue.Delete(indexItem{updatedTime: old.updatedTime, gtid: g.Gtid})
	}
	ms.records[g.Gtid] = &memoryRecord{state: g.State, updatedTime: stored.UpdatedTime, data: data}
	if !g.Terminal() {
		ms.overdue.Set(indexItem{updatedTime: stored.UpdatedTime, gtid: g.Gtid})
	}
	return nil
}

func (ms *MemoryStore) load(gtid string) (*model.TransactionGroup, error) {
	rec, ok := ms.records[gtid]
	if !ok {
		return nil, ErrNotExist
	}
	return ms.decode(rec)
}

func (ms *MemoryStore) Put(ctx context.Context, g *model.TransactionGroup) (err error) {
	defer observe(ms.Scheme(), "Put", time.Now(), &err)
	if err = validateGroup(g); err != nil {
		return wrapError(ms.Scheme(), "Put", err)
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Put", ErrCodecNotSet)
	}
	existing, err := ms.load(g.Gtid)
	if err != nil && err != ErrNotExist {
		return wrapError(ms.Scheme(), "Put", err)
	}
	merged, ok := mergeUpsert(existing, g, time.Now())
	if !ok {
		return nil
	}
	return wrapError(ms.Scheme(), "Put", ms.save(merged))
}

func (ms *MemoryStore) Get(ctx context.Context, gtid string) (g *model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "Get", time.Now(), &err)
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "Get", ErrCodecNotSet)
	}
	g, err = ms.load(gtid)
	return g, wrapError(ms.Scheme(), "Get", err)
}

func (ms *MemoryStore) UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error {
	return ms.Apply(ctx, gtid, Mutation{State: state, Outcomes: outcomes})
}

func (ms *MemoryStore) Apply(ctx context.Context, gtid string, m Mutation) (err error) {
	defer observe(ms.Scheme(), "Apply", time.Now(), &err)
	if err = m.validate(); err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Apply", ErrCodecNotSet)
	}
	g, err := ms.load(gtid)
	if err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}
	if err = applyMutation(g, m, time.Now()); err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}
	return wrapError(ms.Scheme(), "Apply", ms.save(g))
}

func (ms *MemoryStore) ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator {
	return newPageIterator(ms.page, olderThan, limit, ms.pageSize)
}

func (ms *MemoryStore) page(ctx context.Context, deadline time.Time, cur cursor, n int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ScanOverdue", time.Now(), &err)
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ScanOverdue", ErrCodecNotSet)
	}

	pivot := indexItem{updatedTime: cur.updatedTime, gtid: cur.gtid}
	ms.overdue.Ascend(pivot, func(item indexItem) bool {
		if !item.updatedTime.Before(deadline) || len(groups) >= n {
			return false
		}
		if cur.valid && !lessIndexItem(pivot, item) {
			return true
		}
		var g *model.TransactionGroup
		g, err = ms.load(item.gtid)
		if err != nil {
			return false
		}
		groups = append(groups, g)
		return true
	})
	return groups, wrapError(ms.Scheme(), "ScanOverdue", err)
}

func (ms *MemoryStore) ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ListByState", time.Now(), &err)
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ListByState", ErrCodecNotSet)
	}

	items := []indexItem{}
	for gtid, rec := range ms.records {
		if rec.state != state {
			continue
		}
		if !updatedBefore.IsZero() && !rec.updatedTime.Before(updatedBefore) {
			continue
		}
		items = append(items, indexItem{updatedTime: rec.updatedTime, gtid: gtid})
	}
	sort.Slice(items, func(i, j int) bool { return lessIndexItem(items[i], items[j]) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	groups = make([]*model.TransactionGroup, 0, len(items))
	for _, item := range items {
		g, err := ms.load(item.gtid)
		if err != nil {
			return nil, wrapError(ms.Scheme(), "ListByState", err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, gtid string) (err error) {
	defer observe(ms.Scheme(), "Delete", time.Now(), &err)
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	rec, ok := ms.records[gtid]
	if !ok {
		return wrapError(ms.Scheme(), "Delete", ErrNotExist)
	}
	if !model.IsTerminal(rec.state) {
		return wrapError(ms.Scheme(), "Delete", ErrNotTerminal)
	}
	delete(ms.records, gtid)
	return nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
