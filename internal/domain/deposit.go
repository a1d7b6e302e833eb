package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus uint8

// 充值状态机: Detected -> Confirming -> Confirmed -> Credited
// 任何非终态遇到重组都可以进 Failed
const (
	DepositStatusDetected   DepositStatus = iota // 刚扫到
	DepositStatusConfirming                      // 确认数累积中
	DepositStatusConfirmed                       // 确认数已达标
	DepositStatusCredited                        // 已入账 (终态，只会发生一次)
	DepositStatusFailed                          // 交易被重组踢出 (终态)
)

// Terminal 终态的记录不再被 sweep 碰
func (s DepositStatus) Terminal() bool {
	return s == DepositStatusCredited || s == DepositStatusFailed
}

type Deposit struct {
	ID     int64
	UserID int64
	// 核心唯一标识: Chain + TxHash + OutIndex + Address
	// eth 用 log index，btc 用 vout index，原生转账为 0
	Chain         string          `gorm:"uniqueIndex:uniq_tx;size:16"`
	TxHash        string          `gorm:"uniqueIndex:uniq_tx;size:128"`
	OutIndex      int             `gorm:"uniqueIndex:uniq_tx"`
	Address       string          `gorm:"uniqueIndex:uniq_tx;size:128"`
	Symbol        string          `gorm:"size:20"`
	Amount        decimal.Decimal `gorm:"type:decimal(36,18)"`
	Confirmations int64
	BlockHeight   int64
	Status        DepositStatus
	ErrorMsg      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DepositRepo 充值记录仓储
type DepositRepo interface {
	// InsertIgnoreDuplicates 幂等写入，依赖 uniq_tx 唯一索引去重
	// 返回真正新插入的记录 (重复扫描返回空)
	InsertIgnoreDuplicates(ctx context.Context, deposits []Deposit) ([]Deposit, error)

	// GetNonTerminal 捞出所有还要继续跟踪的充值
	GetNonTerminal(ctx context.Context, chain string) ([]*Deposit, error)

	// UpdateProgress 更新确认数和中间状态，条件是当前还没到终态
	UpdateProgress(ctx context.Context, id int64, confirmations int64, status DepositStatus) error

	// ConfirmForCredit 原子流转到 Confirmed (幂等闸门)
	// 条件更新 WHERE status IN (Detected, Confirming, Confirmed 以下)，
	// 0 行受影响说明别的 sweep 抢先了，返回 false
	ConfirmForCredit(ctx context.Context, id int64) (bool, error)

	// MarkCredited 入账完成后的终态标记
	MarkCredited(ctx context.Context, id int64) error

	// MarkFailed 重组作废，只允许从非终态流转
	MarkFailed(ctx context.Context, id int64, reason string) error

	// ListDepositsByStatus 运维查询：按状态翻页
	ListDepositsByStatus(ctx context.Context, chain string, status DepositStatus, page, limit int) ([]Deposit, error)
}

// ScanCursor 每个 (chain, address) 的扫描水位
// 只有充值已经落库之后才允许推进
type ScanCursor struct {
	ID        int64
	Chain     string `gorm:"uniqueIndex:uniq_cursor;size:16"`
	Address   string `gorm:"uniqueIndex:uniq_cursor;size:128"`
	Height    int64
	UpdatedAt time.Time
}

// CursorRepo 水位仓储
type CursorRepo interface {
	// GetHeight 没有记录返回 0 (首次扫描)
	GetHeight(ctx context.Context, chain, address string) (int64, error)
	// SetHeight Upsert 推进水位
	SetHeight(ctx context.Context, chain, address string, height int64) error
}
