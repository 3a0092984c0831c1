// Package tcc helps participants keep try, confirm and cancel idempotent.
// Each branch of a transaction group is recorded in a table next to the
// participant's own data so a business operation and its branch record
// commit together.
package tcc

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ikenchina/octopus-tcc/define"
)

const OpTry = "try"

// branch states
const (
	BranchTried     = "tried"
	BranchConfirmed = "confirmed"
	BranchCancelled = "cancelled"
)

var (
	ErrNotTried       = errors.New("branch is not tried")
	ErrBranchConfirm  = errors.New("branch is already confirmed")
	ErrBranchCancel   = errors.New("branch is already cancelled")
	ErrInvalidBranch  = errors.New("invalid branch")
	ErrUnknownOperate = errors.New("unknown operation")
)

var dbSchema = "dtx"

func SetDbSchema(schema string) {
	dbSchema = schema
}

type Branch struct {
	Id          int64     `gorm:"primaryKey"`
	Gtid        string    `gorm:"uniqueIndex:idx_rm_branch;size:128"`
	Bid         int       `gorm:"uniqueIndex:idx_rm_branch"`
	State       string    `gorm:"size:16"`
	UpdatedTime time.Time
}

func (*Branch) TableName() string {
	if len(dbSchema) == 0 {
		return "rm_branch"
	}
	return dbSchema + ".rm_branch"
}

// decide returns whether op's business function runs and the state the
// branch ends in. current is empty for a branch never seen.
//
// A cancel that arrives before its try records the branch as cancelled
// without running anything, and the late try is then refused.
func decide(current, op string) (run bool, next string, err error) {
	switch op {
	case OpTry:
		switch current {
		case "":
			return true, BranchTried, nil
		case BranchTried:
			return false, BranchTried, nil
		case BranchConfirmed:
			return false, current, ErrBranchConfirm
		case BranchCancelled:
			return false, current, ErrBranchCancel
		}
	case define.OpConfirm:
		switch current {
		case "":
			return false, current, ErrNotTried
		case BranchTried:
			return true, BranchConfirmed, nil
		case BranchConfirmed:
			return false, current, nil
		case BranchCancelled:
			return false, current, ErrBranchCancel
		}
	case define.OpCancel:
		switch current {
		case "":
			return false, BranchCancelled, nil
		case BranchTried:
			return true, BranchCancelled, nil
		case BranchConfirmed:
			return false, current, ErrBranchConfirm
		case BranchCancelled:
			return false, current, nil
		}
	default:
		return false, current, ErrUnknownOperate
	}
	return false, current, ErrInvalidBranch
}

// Migrate creates the branch table.
func Migrate(db *gorm.DB) error {
	if len(dbSchema) > 0 {
		if err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + dbSchema).Error; err != nil {
			return err
		}
	}
	return db.AutoMigrate(&Branch{})
}

// FindBranch returns nil when the branch is not recorded.
func FindBranch(tx *gorm.DB, gtid string, bid int) (*Branch, error) {
	b := Branch{}
	txr := tx.Model(&Branch{}).Where("gtid=? AND bid=?", gtid, bid).Find(&b)
	if txr.Error != nil {
		return nil, txr.Error
	}
	if txr.RowsAffected == 0 {
		return nil, nil
	}
	return &b, nil
}

// HandleTry runs try at most once per branch, inside the transaction that
// records it.
func HandleTry(ctx context.Context, db *gorm.DB, gtid string, bid int, try func(tx *gorm.DB) error) error {
	return handle(ctx, db, gtid, bid, OpTry, try)
}

// HandleConfirm runs confirm once for a tried branch. Repeated confirms
// succeed without running it again.
func HandleConfirm(ctx context.Context, db *gorm.DB, gtid string, bid int, confirm func(tx *gorm.DB) error) error {
	return handle(ctx, db, gtid, bid, define.OpConfirm, confirm)
}

// HandleCancel runs cancel once for a tried branch and records an unknown
// branch as cancelled.
func HandleCancel(ctx context.Context, db *gorm.DB, gtid string, bid int, cancel func(tx *gorm.DB) error) error {
	return handle(ctx, db, gtid, bid, define.OpCancel, cancel)
}

func handle(ctx context.Context, db *gorm.DB, gtid string, bid int, op string, fn func(tx *gorm.DB) error) error {
	if len(gtid) == 0 || bid < 0 {
		return ErrInvalidBranch
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b := Branch{}
		txr := tx.Model(&Branch{}).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("gtid=? AND bid=?", gtid, bid).Find(&b)
		if txr.Error != nil {
			return txr.Error
		}
		current := ""
		if txr.RowsAffected > 0 {
			current = b.State
		}

		run, next, err := decide(current, op)
		if err != nil {
			return err
		}
		if run && fn != nil {
			if err = fn(tx); err != nil {
				return err
			}
		}
		if next == current {
			return nil
		}
		if len(current) == 0 {
			return tx.Create(&Branch{Gtid: gtid, Bid: bid, State: next, UpdatedTime: time.Now()}).Error
		}
		return tx.Model(&Branch{}).Where("gtid=? AND bid=?", gtid, bid).
			Updates(map[string]interface{}{"state": next, "updated_time": time.Now()}).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
	})
}
