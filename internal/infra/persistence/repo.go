package persistence

import (
	"context"
	"errors"

	"vaultex.com/internal/domain"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// DB 暴露底层连接，运维脚本和测试断言用
func (r *Repo) DB() *gorm.DB {
	return r.db
}

// 确保 Repo 实现了所有接口
var (
	_ domain.DepositRepo    = (*Repo)(nil)
	_ domain.CursorRepo     = (*Repo)(nil)
	_ domain.AddressRepo    = (*Repo)(nil)
	_ domain.CounterRepo    = (*Repo)(nil)
	_ domain.BalanceRepo    = (*Repo)(nil)
	_ domain.WithdrawalRepo = (*Repo)(nil)
)

// Transaction 实现事务
// ctx 里已经有事务时会变成 SavePoint，允许 Service 层随意组合
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.conn(ctx).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 把 tx 注入到 context 中
		txCtx := context.WithValue(ctx, "tx_db", tx)
		return fn(txCtx)
	})
}

// conn 获取当前连接 (如果 ctx 里有事务，就用事务)
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value("tx_db").(*gorm.DB); ok {
		return tx
	}
	return r.db
}

// inTx 当前 ctx 是否已经在事务里
func inTx(ctx context.Context) bool {
	_, ok := ctx.Value("tx_db").(*gorm.DB)
	return ok
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// AutoMigrate 建表，migrate 命令和测试共用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.DepositAddress{},
		&domain.Deposit{},
		&domain.ScanCursor{},
		&domain.Balance{},
		&domain.LedgerEntry{},
		&domain.Withdrawal{},
		&domain.Counter{},
	)
}
