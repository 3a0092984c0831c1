package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

const (
	defaultRedisKeyPrefix = "octopus:tcc:"
	maxWatchRetries       = 16
)

// RedisStore keeps each group as one codec encoded value. A sorted set scored
// by updated time indexes non-terminal groups, one more per state serves
// ListByState. Writes are optimistic WATCH/MULTI transactions.
type RedisStore struct {
	rdb      redis.UniversalClient
	prefix   string
	codec    codec.Codec
	timeout  time.Duration
	pageSize int
}

func NewRedisStore(cfg Config) (Store, error) {
	if len(cfg.Addr) == 0 {
		return nil, errors.New("redis store needs an address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return newRedisStore(rdb, cfg), nil
}

func newRedisStore(rdb redis.UniversalClient, cfg Config) *RedisStore {
	prefix := cfg.KeyPrefix
	if len(prefix) == 0 {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   prefix,
		timeout:  cfg.timeout(),
		pageSize: cfg.pageSize(),
	}
}

func (rs *RedisStore) Scheme() string {
	return define.StoreRedis
}

func (rs *RedisStore) SetCodec(c codec.Codec) {
	rs.codec = c
}

func (rs *RedisStore) Timeout() time.Duration {
	return rs.timeout
}

func (rs *RedisStore) groupKey(gtid string) string {
	return rs.prefix + "group:" + gtid
}

func (rs *RedisStore) overdueKey() string {
	return rs.prefix + "overdue"
}

func (rs *RedisStore) stateKey(state string) string {
	return rs.prefix + "state:" + state
}

// now is truncated to the score precision.
func (rs *RedisStore) now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (rs *RedisStore) decode(data []byte) (*model.TransactionGroup, error) {
	g := &model.TransactionGroup{}
	if err := rs.codec.Unmarshal(data, g); err != nil {
		return nil, err
	}
	return g, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (rs *RedisStore) read(ctx context.Context, c redisGetter, gtid string) (*model.TransactionGroup, error) {
	data, err := c.Get(ctx, rs.groupKey(gtid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return rs.decode(data)
}

// write queues the record and its index entries on pipe.
func (rs *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, old, g *model.TransactionGroup) error {
	data, err := rs.codec.Marshal(g)
	if err != nil {
		return err
	}
	pipe.Set(ctx, rs.groupKey(g.Gtid), data, 0)
	if old != nil && old.State != g.State {
		pipe.ZRem(ctx, rs.stateKey(old.State), g.Gtid)
	}
	z := redis.Z{Score: score(g.UpdatedTime), Member: g.Gtid}
	pipe.ZAdd(ctx, rs.stateKey(g.State), z)
	if g.Terminal() {
		pipe.ZRem(ctx, rs.overdueKey(), g.Gtid)
	} else {
		pipe.ZAdd(ctx, rs.overdueKey(), z)
	}
	return nil
}

// update runs fn in an optimistic transaction on the group key.
func (rs *RedisStore) update(ctx context.Context, gtid string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := rs.rdb.Watch(ctx, fn, rs.groupKey(gtid))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (rs *RedisStore) Put(ctx context.Context, g *model.TransactionGroup) (err error) {
	defer observe(rs.Scheme(), "Put", time.Now(), &err)
	if err = validateGroup(g); err != nil {
		return wrapError(rs.Scheme(), "Put", err)
	}
	if rs.codec == nil {
		return wrapError(rs.Scheme(), "Put", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	err = rs.update(ctx, g.Gtid, func(tx *redis.Tx) error {
		existing, err := rs.read(ctx, tx, g.Gtid)
		if err != nil && err != ErrNotExist {
			return err
		}
		merged, ok := mergeUpsert(existing, g, rs.now())
		if !ok {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return rs.write(ctx, pipe, existing, merged)
		})
		return err
	})
	return wrapError(rs.Scheme(), "Put", err)
}

func (rs *RedisStore) Get(ctx context.Context, gtid string) (g *model.TransactionGroup, err error) {
	defer observe(rs.Scheme(), "Get", time.Now(), &err)
	if rs.codec == nil {
		return nil, wrapError(rs.Scheme(), "Get", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	g, err = rs.read(ctx, rs.rdb, gtid)
	return g, wrapError(rs.Scheme(), "Get", err)
}

func (rs *RedisStore) UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error {
	return rs.Apply(ctx, gtid, Mutation{State: state, Outcomes: outcomes})
}

func (rs *RedisStore) Apply(ctx context.Context, gtid string, m Mutation) (err error) {
	defer observe(rs.Scheme(), "Apply", time.Now(), &err)
	if err = m.validate(); err != nil {
		return wrapError(rs.Scheme(), "Apply", err)
	}
	if rs.codec == nil {
		return wrapError(rs.Scheme(), "Apply", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	err = rs.update(ctx, gtid, func(tx *redis.Tx) error {
		old, err := rs.read(ctx, tx, gtid)
		if err != nil {
			return err
		}
		g := old.Clone()
		if err = applyMutation(g, m, rs.now()); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return rs.write(ctx, pipe, old, g)
		})
		return err
	})
	return wrapError(rs.Scheme(), "Apply", err)
}

func (rs *RedisStore) ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator {
	return newPageIterator(rs.page, olderThan, limit, rs.pageSize)
}

// page reads the overdue index from the cursor score on. Members sharing the
// cursor score are ordered by gtid, those not after the cursor are skipped.
func (rs *RedisStore) page(ctx context.Context, deadline time.Time, cur cursor, n int) (groups []*model.TransactionGroup, err error) {
	defer observe(rs.Scheme(), "ScanOverdue", time.Now(), &err)
	if rs.codec == nil {
		return nil, wrapError(rs.Scheme(), "ScanOverdue", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	min := "-inf"
	if cur.valid {
		min = strconv.FormatFloat(score(cur.updatedTime), 'f', -1, 64)
	}
	max := "(" + strconv.FormatFloat(score(deadline), 'f', -1, 64)

	gtids := []string{}
	for count := n; ; count *= 2 {
		zs, err := rs.rdb.ZRangeByScoreWithScores(ctx, rs.overdueKey(), &redis.ZRangeBy{
			Min: min, Max: max, Count: int64(count),
		}).Result()
		if err != nil {
			return nil, wrapError(rs.Scheme(), "ScanOverdue", err)
		}
		gtids = gtids[:0]
		for _, z := range zs {
			member, _ := z.Member.(string)
			if cur.valid && z.Score == score(cur.updatedTime) && member <= cur.gtid {
				continue
			}
			gtids = append(gtids, member)
		}
		if len(gtids) >= n || len(zs) < count {
			break
		}
	}
	if len(gtids) > n {
		gtids = gtids[:n]
	}
	groups, err = rs.mget(ctx, gtids)
	if err != nil {
		return nil, wrapError(rs.Scheme(), "ScanOverdue", err)
	}
	filtered := groups[:0]
	for _, g := range groups {
		if overdue(g, deadline) {
			filtered = append(filtered, g)
		}
	}
	return filtered, nil
}

// mget loads records in the given order, skipping deleted ones.
func (rs *RedisStore) mget(ctx context.Context, gtids []string) ([]*model.TransactionGroup, error) {
	groups := make([]*model.TransactionGroup, 0, len(gtids))
	if len(gtids) == 0 {
		return groups, nil
	}
	keys := make([]string, 0, len(gtids))
	for _, gtid := range gtids {
		keys = append(keys, rs.groupKey(gtid))
	}
	values, err := rs.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		g, err := rs.decode([]byte(s))
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (rs *RedisStore) ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) (groups []*model.TransactionGroup, err error) {
	defer observe(rs.Scheme(), "ListByState", time.Now(), &err)
	if rs.codec == nil {
		return nil, wrapError(rs.Scheme(), "ListByState", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !updatedBefore.IsZero() {
		by.Max = "(" + strconv.FormatFloat(score(updatedBefore), 'f', -1, 64)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	gtids, err := rs.rdb.ZRangeByScore(ctx, rs.stateKey(state), by).Result()
	if err != nil {
		return nil, wrapError(rs.Scheme(), "ListByState", err)
	}
	groups, err = rs.mget(ctx, gtids)
	return groups, wrapError(rs.Scheme(), "ListByState", err)
}

func (rs *RedisStore) Delete(ctx context.Context, gtid string) (err error) {
	defer observe(rs.Scheme(), "Delete", time.Now(), &err)
	if rs.codec == nil {
		return wrapError(rs.Scheme(), "Delete", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, rs.timeout)
	defer cancel()

	err = rs.update(ctx, gtid, func(tx *redis.Tx) error {
		g, err := rs.read(ctx, tx, gtid)
		if err != nil {
			return err
		}
		if !g.Terminal() {
			return ErrNotTerminal
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rs.groupKey(gtid))
			pipe.ZRem(ctx, rs.stateKey(g.State), gtid)
			pipe.ZRem(ctx, rs.overdueKey(), gtid)
			return nil
		})
		return err
	})
	return wrapError(rs.Scheme(), "Delete", err)
}

func (rs *RedisStore) Close() error {
	return rs.rdb.Close()
}
