package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

type groupRow struct {
	Id          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Gtid        string    `gorm:"column:gtid;uniqueIndex"`
	Business    string    `gorm:"column:business"`
	State       string    `gorm:"column:state;index:idx_tcc_group_overdue,priority:1"`
	RetryCount  int       `gorm:"column:retry_count"`
	MaxRetry    int       `gorm:"column:max_retry"`
	Payload     []byte    `gorm:"column:payload"`
	CreatedTime time.Time `gorm:"column:created_time"`
	UpdatedTime time.Time `gorm:"column:updated_time;index:idx_tcc_group_overdue,priority:2"`
}

func (*groupRow) TableName() string {
	return "dtx.tcc_group"
}

type participantRow struct {
	Id          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Gtid        string    `gorm:"column:gtid;uniqueIndex:idx_tcc_participant,priority:1"`
	Idx         int       `gorm:"column:idx;uniqueIndex:idx_tcc_participant,priority:2"`
	Endpoint    string    `gorm:"column:endpoint"`
	Confirm     []byte    `gorm:"column:confirm"`
	Cancel      []byte    `gorm:"column:cancel"`
	Payload     []byte    `gorm:"column:payload"`
	Outcome     string    `gorm:"column:outcome"`
	UpdatedTime time.Time `gorm:"column:updated_time"`
}

func (*participantRow) TableName() string {
	return "dtx.tcc_participant"
}

// GormStore is the relational backend. Invocation descriptors are stored
// with the configured codec, everything else as plain columns.
type GormStore struct {
	Db           *gorm.DB
	codec        codec.Codec
	timeout      time.Duration
	pageSize     int
	defaultTxOpt *sql.TxOptions
}

func NewGormStore(cfg Config) (Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "postgresql", "postgres":
		dialector = postgres.Open(cfg.Dsn)
	default:
		return nil, errors.New("unknown driver")
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	return newGormStore(db, cfg)
}

func newGormStore(db *gorm.DB, cfg Config) (*GormStore, error) {
	sdb, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		sdb.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		sdb.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	if cfg.AutoMigrate {
		if err := db.Exec("CREATE SCHEMA IF NOT EXISTS dtx").Error; err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(&groupRow{}, &participantRow{}); err != nil {
			return nil, err
		}
	}
	return &GormStore{
		Db:       db,
		timeout:  cfg.timeout(),
		pageSize: cfg.pageSize(),
		defaultTxOpt: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
		},
	}, nil
}

func (ms *GormStore) Scheme() string {
	return define.StoreDB
}

func (ms *GormStore) SetCodec(c codec.Codec) {
	ms.codec = c
}

func (ms *GormStore) Timeout() time.Duration {
	return ms.timeout
}

// now is truncated to the column precision so cursors compare equal.
func (ms *GormStore) now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

func (ms *GormStore) toRows(g *model.TransactionGroup) (*groupRow, []*participantRow, error) {
	gr := &groupRow{
		Gtid:        g.Gtid,
		Business:    g.Business,
		State:       g.State,
		RetryCount:  g.RetryCount,
		MaxRetry:    g.MaxRetry,
		Payload:     g.Payload,
		CreatedTime: g.CreatedTime,
		UpdatedTime: g.UpdatedTime,
	}
	prs := make([]*participantRow, 0, len(g.Participants))
	for _, p := range g.Participants {
		confirm, err := ms.codec.Marshal(p.Confirm)
		if err != nil {
			return nil, nil, err
		}
		cancel, err := ms.codec.Marshal(p.Cancel)
		if err != nil {
			return nil, nil, err
		}
		prs = append(prs, &participantRow{
			Gtid:        g.Gtid,
			Idx:         p.Index,
			Endpoint:    p.Endpoint,
			Confirm:     confirm,
			Cancel:      cancel,
			Payload:     p.Payload,
			Outcome:     p.Outcome,
			UpdatedTime: p.UpdatedTime,
		})
	}
	return gr, prs, nil
}

func (ms *GormStore) fromRows(gr *groupRow, prs []*participantRow) (*model.TransactionGroup, error) {
	g := &model.TransactionGroup{
		Gtid:         gr.Gtid,
		Business:     gr.Business,
		State:        gr.State,
		RetryCount:   gr.RetryCount,
		MaxRetry:     gr.MaxRetry,
		Payload:      gr.Payload,
		CreatedTime:  gr.CreatedTime,
		UpdatedTime:  gr.UpdatedTime,
		Participants: make([]*model.Participant, 0, len(prs)),
	}
	for _, pr := range prs {
		p := &model.Participant{
			Index:       pr.Idx,
			Endpoint:    pr.Endpoint,
			Payload:     pr.Payload,
			Outcome:     pr.Outcome,
			UpdatedTime: pr.UpdatedTime,
		}
		if err := ms.codec.Unmarshal(pr.Confirm, &p.Confirm); err != nil {
			return nil, err
		}
		if err := ms.codec.Unmarshal(pr.Cancel, &p.Cancel); err != nil {
			return nil, err
		}
		g.Participants = append(g.Participants, p)
	}
	return g, nil
}

// loadGroups attaches participants to group rows, keeping their order.
func (ms *GormStore) loadGroups(tx *gorm.DB, rows []*groupRow) ([]*model.TransactionGroup, error) {
	if len(rows) == 0 {
		return []*model.TransactionGroup{}, nil
	}
	gtids := make([]string, 0, len(rows))
	for _, r := range rows {
		gtids = append(gtids, r.Gtid)
	}
	prs := []*participantRow{}
	txr := tx.Model(&participantRow{}).Where("gtid IN ?", gtids).Order("idx ASC").Find(&prs)
	if txr.Error != nil {
		return nil, fmt.Errorf("db error : %v", txr.Error)
	}
	byGtid := make(map[string][]*participantRow, len(rows))
	for _, pr := range prs {
		byGtid[pr.Gtid] = append(byGtid[pr.Gtid], pr)
	}
	groups := make([]*model.TransactionGroup, 0, len(rows))
	for _, r := range rows {
		g, err := ms.fromRows(r, byGtid[r.Gtid])
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (ms *GormStore) get(tx *gorm.DB, gtid string) (*model.TransactionGroup, error) {
	rows := []*groupRow{}
	txr := tx.Model(&groupRow{}).Where("gtid = ?", gtid).Limit(1).Find(&rows)
	if txr.Error != nil {
		return nil, fmt.Errorf("db error : %v", txr.Error)
	}
	if len(rows) == 0 {
		return nil, ErrNotExist
	}
	groups, err := ms.loadGroups(tx, rows)
	if err != nil {
		return nil, err
	}
	return groups[0], nil
}

func (ms *GormStore) Put(ctx context.Context, g *model.TransactionGroup) (err error) {
	defer observe(ms.Scheme(), "Put", time.Now(), &err)
	if err = validateGroup(g); err != nil {
		return wrapError(ms.Scheme(), "Put", err)
	}
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Put", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbRows := []*groupRow{}
		txr := tx.Model(&groupRow{}).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("gtid = ?", g.Gtid).Find(&dbRows)
		if txr.Error != nil {
			return txr.Error
		}
		var existing *model.TransactionGroup
		if len(dbRows) > 0 {
			groups, err := ms.loadGroups(tx, dbRows)
			if err != nil {
				return err
			}
			existing = groups[0]
		}

		merged, ok := mergeUpsert(existing, g, ms.now())
		if !ok {
			return nil
		}
		gr, prs, err := ms.toRows(merged)
		if err != nil {
			return err
		}

		if existing == nil {
			if txr = tx.Create(gr); txr.Error != nil {
				return txr.Error
			}
		} else {
			txr = tx.Model(&groupRow{}).Where("gtid = ?", g.Gtid).
				Select("business", "state", "retry_count", "max_retry", "payload", "updated_time").
				Updates(gr)
			if txr.Error != nil {
				return txr.Error
			}
			if txr = tx.Where("gtid = ?", g.Gtid).Delete(&participantRow{}); txr.Error != nil {
				return txr.Error
			}
		}
		if len(prs) > 0 {
			txr = tx.Create(prs)
		}
		return txr.Error
	}, ms.defaultTxOpt)
	return wrapError(ms.Scheme(), "Put", err)
}

func (ms *GormStore) Get(ctx context.Context, gtid string) (g *model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "Get", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "Get", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	g, err = ms.get(ms.Db.WithContext(ctx), gtid)
	return g, wrapError(ms.Scheme(), "Get", err)
}

func (ms *GormStore) UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error {
	return ms.Apply(ctx, gtid, Mutation{State: state, Outcomes: outcomes})
}

// Apply updates only the named columns, guarded by the source states of the
// mutation.
func (ms *GormStore) Apply(ctx context.Context, gtid string, m Mutation) (err error) {
	defer observe(ms.Scheme(), "Apply", time.Now(), &err)
	if err = m.validate(); err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Apply", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	now := ms.now()
	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"updated_time": now}
		if len(m.State) > 0 {
			updates["state"] = m.State
		}
		if m.IncrRetry {
			updates["retry_count"] = gorm.Expr("retry_count + 1")
		}
		txr := tx.Model(&groupRow{}).
			Where("gtid = ? AND state IN ?", gtid, m.sourceStates()).
			Updates(updates)
		if txr.Error != nil {
			return txr.Error
		}
		if txr.RowsAffected == 0 {
			var count int64
			if txr = tx.Model(&groupRow{}).Where("gtid = ?", gtid).Count(&count); txr.Error != nil {
				return txr.Error
			}
			if count == 0 {
				return ErrNotExist
			}
			return ErrInvalidTransition
		}

		for idx, outcome := range m.Outcomes {
			txr = tx.Model(&participantRow{}).
				Where("gtid = ? AND idx = ? AND outcome <> ?", gtid, idx, define.OutcomeSucceeded).
				Updates(map[string]interface{}{"outcome": outcome, "updated_time": now})
			if txr.Error != nil {
				return txr.Error
			}
		}
		return nil
	}, ms.defaultTxOpt)
	return wrapError(ms.Scheme(), "Apply", err)
}

func (ms *GormStore) ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator {
	return newPageIterator(ms.page, olderThan, limit, ms.pageSize)
}

func (ms *GormStore) page(ctx context.Context, deadline time.Time, cur cursor, n int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ScanOverdue", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ScanOverdue", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	tx := ms.Db.WithContext(ctx)
	q := tx.Model(&groupRow{}).Where("state IN ? AND updated_time < ?", model.NonTerminalStates, deadline)
	if cur.valid {
		q = q.Where("(updated_time > ? OR (updated_time = ? AND gtid > ?))",
			cur.updatedTime, cur.updatedTime, cur.gtid)
	}
	rows := []*groupRow{}
	if txr := q.Order("updated_time ASC, gtid ASC").Limit(n).Find(&rows); txr.Error != nil {
		return nil, wrapError(ms.Scheme(), "ScanOverdue", txr.Error)
	}
	groups, err = ms.loadGroups(tx, rows)
	return groups, wrapError(ms.Scheme(), "ScanOverdue", err)
}

func (ms *GormStore) ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ListByState", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ListByState", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	tx := ms.Db.WithContext(ctx)
	q := tx.Model(&groupRow{}).Where("state = ?", state)
	if !updatedBefore.IsZero() {
		q = q.Where("updated_time < ?", updatedBefore)
	}
	q = q.Order("updated_time ASC, gtid ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows := []*groupRow{}
	if txr := q.Find(&rows); txr.Error != nil {
		return nil, wrapError(ms.Scheme(), "ListByState", txr.Error)
	}
	groups, err = ms.loadGroups(tx, rows)
	return groups, wrapError(ms.Scheme(), "ListByState", err)
}

func (ms *GormStore) Delete(ctx context.Context, gtid string) (err error) {
	defer observe(ms.Scheme(), "Delete", time.Now(), &err)
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	err = ms.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txr := tx.Where("gtid = ? AND state IN ?", gtid, model.TerminalStates).Delete(&groupRow{})
		if txr.Error != nil {
			return txr.Error
		}
		if txr.RowsAffected == 0 {
			var count int64
			if txr = tx.Model(&groupRow{}).Where("gtid = ?", gtid).Count(&count); txr.Error != nil {
				return txr.Error
			}
			if count == 0 {
				return ErrNotExist
			}
			return ErrNotTerminal
		}
		return tx.Where("gtid = ?", gtid).Delete(&participantRow{}).Error
	}, ms.defaultTxOpt)
	return wrapError(ms.Scheme(), "Delete", err)
}

func (ms *GormStore) Close() error {
	sdb, err := ms.Db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}
