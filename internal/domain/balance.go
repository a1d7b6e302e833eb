package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Balance 用户某种资产的余额
// 不变式: available >= 0 且 locked >= 0，全靠条件更新守住
type Balance struct {
	ID        int64
	UserID    int64           `gorm:"uniqueIndex:idx_user_asset"`
	Asset     string          `gorm:"uniqueIndex:idx_user_asset;size:20"`
	Available decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Locked    decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Version   int64           `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type LedgerEntryType string

// 流水类型
const (
	EntryCredit    LedgerEntryType = "credit"     // 充值入账
	EntryLock      LedgerEntryType = "lock"       // 提现冻结
	EntryUnlock    LedgerEntryType = "unlock"     // 解冻 (取消/失败)
	EntrySettleOut LedgerEntryType = "settle_out" // 结算扣减 locked
	EntrySettleIn  LedgerEntryType = "settle_in"  // 结算入账 available
)

// LedgerEntry 只追加的资金流水，审计用，永不修改
type LedgerEntry struct {
	ID        int64
	UserID    int64           `gorm:"index:idx_entry_user"`
	Asset     string          `gorm:"index:idx_entry_user;size:20"`
	Type      LedgerEntryType `gorm:"size:20"`
	Amount    decimal.Decimal `gorm:"type:decimal(36,18)"`
	RefID     string          `gorm:"size:64"` // 关联的充值/提现 id
	CreatedAt time.Time
}

// BalanceRepo 余额仓储：全部是单次条件更新，重试在 Service 层做
type BalanceRepo interface {
	// GetBalance 不存在时返回零值余额 (Version=0)，不报错
	GetBalance(ctx context.Context, uid int64, asset string) (*Balance, error)

	// LockFunds 冻结: available -= amount, locked += amount
	// 守卫: available >= amount AND version = bal.Version
	// 0 行受影响返回 false (冲突或余额不足，调用方重读判别)
	LockFunds(ctx context.Context, bal *Balance, amount decimal.Decimal) (bool, error)

	// UnlockFunds 解冻: locked -= amount, available += amount
	// 守卫: locked >= amount AND version = bal.Version
	UnlockFunds(ctx context.Context, bal *Balance, amount decimal.Decimal) (bool, error)

	// CreditBalance 入账: available += amount (Upsert，不存在则创建)
	CreditBalance(ctx context.Context, uid int64, asset string, amount decimal.Decimal) error

	// DebitLocked 结算扣减: locked -= amount
	// 守卫: locked >= amount AND version = bal.Version
	DebitLocked(ctx context.Context, bal *Balance, amount decimal.Decimal) (bool, error)

	// AppendEntry 追加流水，和余额变更放同一个事务
	AppendEntry(ctx context.Context, entry *LedgerEntry) error

	// Transaction 事务传播 (tx 注入 ctx)
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
}
