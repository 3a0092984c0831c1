package tcc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ikenchina/octopus-tcc/define"
)

type account struct {
	Id      int64 `gorm:"primaryKey"`
	Balance int
	Frozen  int
}

func (*account) TableName() string {
	return "account"
}

type _ledgerSuite struct {
	suite.Suite
	db  *gorm.DB
	ctx context.Context
}

func TestLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_PASSWORD": "octopus",
					"POSTGRES_DB":       "rm",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Skipf("failed to get container port: %v", err)
	}
	dsn := fmt.Sprintf("host=%s port=%s user=postgres password=octopus dbname=rm sslmode=disable", host, port.Port())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	suite.Run(t, &_ledgerSuite{db: db, ctx: ctx})
}

func (s *_ledgerSuite) SetupSuite() {
	s.Require().Nil(Migrate(s.db))
	s.Require().Nil(s.db.AutoMigrate(&account{}))
}

func (s *_ledgerSuite) SetupTest() {
	s.Require().Nil(s.db.Exec("TRUNCATE dtx.rm_branch, account").Error)
	s.Require().Nil(s.db.Create(&account{Id: 1, Balance: 100}).Error)
}

func (s *_ledgerSuite) account() account {
	a := account{}
	s.Require().Nil(s.db.First(&a, 1).Error)
	return a
}

func freeze(amount int) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		return tx.Model(&account{}).Where("id=1").Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"frozen":  gorm.Expr("frozen + ?", amount),
		}).Error
	}
}

func unfreeze(amount int, refund bool) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		fields := map[string]interface{}{"frozen": gorm.Expr("frozen - ?", amount)}
		if refund {
			fields["balance"] = gorm.Expr("balance + ?", amount)
		}
		return tx.Model(&account{}).Where("id=1").Updates(fields).Error
	}
}

func (s *_ledgerSuite) state(gtid string, bid int) string {
	b, err := FindBranch(s.db, gtid, bid)
	s.Require().Nil(err)
	if b == nil {
		return ""
	}
	return b.State
}

func (s *_ledgerSuite) TestTryConfirm() {
	s.Nil(HandleTry(s.ctx, s.db, "g1", 0, freeze(30)))
	s.Nil(HandleTry(s.ctx, s.db, "g1", 0, freeze(30)))
	s.Equal(account{Id: 1, Balance: 70, Frozen: 30}, s.account())

	s.Nil(HandleConfirm(s.ctx, s.db, "g1", 0, unfreeze(30, false)))
	s.Nil(HandleConfirm(s.ctx, s.db, "g1", 0, unfreeze(30, false)))
	s.Equal(account{Id: 1, Balance: 70}, s.account())
	s.Equal(BranchConfirmed, s.state("g1", 0))

	s.ErrorIs(HandleCancel(s.ctx, s.db, "g1", 0, unfreeze(30, true)), ErrBranchConfirm)
	s.Equal(account{Id: 1, Balance: 70}, s.account())
}

func (s *_ledgerSuite) TestTryCancel() {
	s.Nil(HandleTry(s.ctx, s.db, "g2", 1, freeze(40)))
	s.Nil(HandleCancel(s.ctx, s.db, "g2", 1, unfreeze(40, true)))
	s.Nil(HandleCancel(s.ctx, s.db, "g2", 1, unfreeze(40, true)))
	s.Equal(account{Id: 1, Balance: 100}, s.account())
	s.ErrorIs(HandleConfirm(s.ctx, s.db, "g2", 1, unfreeze(40, false)), ErrBranchCancel)
}

func (s *_ledgerSuite) TestCancelBeforeTry() {
	s.Nil(HandleCancel(s.ctx, s.db, "g3", 0, unfreeze(10, true)))
	s.Equal(BranchCancelled, s.state("g3", 0))
	s.ErrorIs(HandleTry(s.ctx, s.db, "g3", 0, freeze(10)), ErrBranchCancel)
	s.Equal(account{Id: 1, Balance: 100}, s.account())
}

func (s *_ledgerSuite) TestConfirmUnknown() {
	s.ErrorIs(HandleConfirm(s.ctx, s.db, "g4", 0, unfreeze(10, false)), ErrNotTried)
	s.Equal("", s.state("g4", 0))
}

func (s *_ledgerSuite) TestFailedTryRollsBack() {
	boom := errors.New("boom")
	err := HandleTry(s.ctx, s.db, "g5", 0, func(tx *gorm.DB) error {
		if err := freeze(20)(tx); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)
	s.Equal(account{Id: 1, Balance: 100}, s.account())
	s.Equal("", s.state("g5", 0))
}

func (s *_ledgerSuite) TestOrm() {
	try := Orm(s.db, OpTry, func(tx *gorm.DB, payload []byte) error {
		s.Equal("p", string(payload))
		return freeze(5)(tx)
	})
	s.Nil(try(s.ctx, "g6", 0, []byte("p")))
	confirm := Orm(s.db, define.OpConfirm, func(tx *gorm.DB, payload []byte) error {
		return unfreeze(5, false)(tx)
	})
	s.Nil(confirm(s.ctx, "g6", 0, nil))
	s.Equal(account{Id: 1, Balance: 95}, s.account())
	s.ErrorIs(try(s.ctx, "", 0, nil), ErrInvalidBranch)
}
