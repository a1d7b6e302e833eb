package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus uint8

// 提现状态机: pending -> processing -> broadcasted -> confirmed | failed
// 只有 pending 可以被取消
const (
	WithdrawalStatusPending     WithdrawalStatus = iota // 0: 已冻结，等待执行
	WithdrawalStatusProcessing                          // 1: 执行器已认领
	WithdrawalStatusBroadcasted                         // 2: 已上链，等待确认
	WithdrawalStatusConfirmed                           // 3: 链上确认 (终态)
	WithdrawalStatusFailed                              // 4: 广播或链上失败 (终态)
	WithdrawalStatusCancelled                           // 5: 用户取消 (终态)
)

// Withdrawal 提现实体，审计记录，永不删除
type Withdrawal struct {
	ID            int64
	UserID        int64 `gorm:"index"`
	Chain         string `gorm:"size:16"`
	Symbol        string `gorm:"size:20"`
	Amount        decimal.Decimal `gorm:"type:decimal(36,18)"` // 到账金额
	NetworkFee    decimal.Decimal `gorm:"type:decimal(36,18)"` // 预估网络费
	TotalDeducted decimal.Decimal `gorm:"type:decimal(36,18)"` // 实际冻结 = amount + fee
	ToAddress     string          `gorm:"size:128"`
	TxHash        string          `gorm:"size:128"`
	Status        WithdrawalStatus `gorm:"index"`
	ErrorMsg      string
	RequestedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time
}

// WithdrawalRepo 提现仓储
type WithdrawalRepo interface {
	Create(ctx context.Context, w *Withdrawal) error
	GetByID(ctx context.Context, id int64) (*Withdrawal, error)

	// TransitionStatus 条件状态流转 WHERE id = ? AND status = ?
	// 返回 false 表示当前状态不是 from (别人抢先或非法流转)
	TransitionStatus(ctx context.Context, id int64, from, to WithdrawalStatus) (bool, error)

	// ClaimPending 批量认领 pending -> processing (抢单)
	ClaimPending(ctx context.Context, chain string, limit int) ([]Withdrawal, error)

	// UpdateResult 回写广播/确认结果
	UpdateResult(ctx context.Context, id int64, txHash string, status WithdrawalStatus, errMsg string) error

	// ListWithdrawalsByStatus 运维查询：按状态翻页
	ListWithdrawalsByStatus(ctx context.Context, chain string, status WithdrawalStatus, page, limit int) ([]Withdrawal, error)
}
