package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/metrics"
	"vaultex.com/pkg/xerr"
)

// WithdrawChain 提现路径需要的链能力
type WithdrawChain interface {
	domain.FeeEstimator
	domain.AddressValidator
	Symbol() string
}

// WithdrawService 提现生命周期
// 资金安全原则: 冻结和提现单创建在同一个事务里，绝不出现冻着钱却没单子
type WithdrawService struct {
	ledger *LedgerService
	repo   domain.WithdrawalRepo
	tx     TxRunner
	chains map[string]WithdrawChain // chain -> 能力
}

func NewWithdrawService(ledger *LedgerService, repo domain.WithdrawalRepo, tx TxRunner, chains map[string]WithdrawChain) *WithdrawService {
	return &WithdrawService{ledger: ledger, repo: repo, tx: tx, chains: chains}
}

// ValidateAddress 地址格式预检，前端实时校验用
func (s *WithdrawService) ValidateAddress(chain, address string) (bool, error) {
	caps, ok := s.chains[chain]
	if !ok {
		return false, xerr.New(xerr.RequestParamsError, fmt.Sprintf("不支持的链 %q", chain))
	}
	return caps.ValidateAddress(address), nil
}

// EstimateFee 手续费预估，申请前展示给用户
func (s *WithdrawService) EstimateFee(ctx context.Context, chain string, amount decimal.Decimal) (decimal.Decimal, error) {
	caps, ok := s.chains[chain]
	if !ok {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, fmt.Sprintf("不支持的链 %q", chain))
	}
	return caps.EstimateFee(ctx, amount)
}

// RequestWithdrawal 提现申请
// 流程: 校验地址 -> 估费 -> 同一个事务里 创建提现单 + 冻结 amount+fee
// 余额不足整个事务回滚，不留任何痕迹
func (s *WithdrawService) RequestWithdrawal(ctx context.Context, uid int64, chain string, amount decimal.Decimal, toAddress string) (*domain.Withdrawal, error) {
	if amount.Sign() <= 0 {
		return nil, xerr.New(xerr.RequestParamsError, "金额必须为正数")
	}
	caps, ok := s.chains[chain]
	if !ok {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("不支持的链 %q", chain))
	}
	if !caps.ValidateAddress(toAddress) {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("地址格式非法: %s", toAddress))
	}

	fee, err := caps.EstimateFee(ctx, amount)
	if err != nil {
		return nil, err
	}
	total := amount.Add(fee)
	symbol := caps.Symbol()

	w := &domain.Withdrawal{
		UserID:        uid,
		Chain:         chain,
		Symbol:        symbol,
		Amount:        amount,
		NetworkFee:    fee,
		TotalDeducted: total,
		ToAddress:     toAddress,
		Status:        domain.WithdrawalStatusPending,
	}
	err = s.tx.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, w); err != nil {
			return err
		}
		// 冻结失败 (余额不足/冲突耗尽) 连提现单一起回滚
		return s.ledger.Lock(txCtx, uid, symbol, total, fmt.Sprintf("withdraw:%d", w.ID))
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsRequested.WithLabelValues(chain).Inc()
	logger.Info(ctx, "📤 提现申请已受理",
		zap.Int64("withdrawal_id", w.ID),
		zap.Int64("uid", uid),
		zap.String("chain", chain),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()))
	return w, nil
}

// CancelWithdrawal 取消提现，只有 pending 可取消
// 和执行器的抢单是同一个条件流转，先到先得
func (s *WithdrawService) CancelWithdrawal(ctx context.Context, id, uid int64) error {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if w.UserID != uid {
		return xerr.NewErrCode(xerr.PermissionDenied)
	}

	return s.tx.Transaction(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.TransitionStatus(txCtx, id,
			domain.WithdrawalStatusPending, domain.WithdrawalStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			// 执行器已经认领，或者已经是终态
			return xerr.NewErrCode(xerr.InvalidState)
		}
		return s.ledger.Unlock(txCtx, uid, w.Symbol, w.TotalDeducted, fmt.Sprintf("withdraw:%d", id))
	})
}

// GetWithdrawal 查单
func (s *WithdrawService) GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByStatus 运维查询
func (s *WithdrawService) ListByStatus(ctx context.Context, chain string, status domain.WithdrawalStatus, page, limit int) ([]domain.Withdrawal, error) {
	return s.repo.ListWithdrawalsByStatus(ctx, chain, status, page, limit)
}

// ========== 以下是执行器 (processor) 的回调入口 ==========

// ClaimPending 执行器抢单
func (s *WithdrawService) ClaimPending(ctx context.Context, chain string, limit int) ([]domain.Withdrawal, error) {
	return s.repo.ClaimPending(ctx, chain, limit)
}

// MarkBroadcasted 广播成功，记录链上交易哈希
func (s *WithdrawService) MarkBroadcasted(ctx context.Context, id int64, txHash string) error {
	return s.repo.UpdateResult(ctx, id, txHash, domain.WithdrawalStatusBroadcasted, "")
}

// FailAndRefund 提现失败，状态流转 + 解冻在同一个事务
// 条件流转挡住重复退款
func (s *WithdrawService) FailAndRefund(ctx context.Context, w *domain.Withdrawal, from domain.WithdrawalStatus, reason string) error {
	return s.tx.Transaction(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.TransitionStatus(txCtx, w.ID, from, domain.WithdrawalStatusFailed)
		if err != nil {
			return err
		}
		if !ok {
			return xerr.NewErrCode(xerr.InvalidState)
		}
		if err := s.repo.UpdateResult(txCtx, w.ID, w.TxHash, domain.WithdrawalStatusFailed, reason); err != nil {
			return err
		}
		return s.ledger.Unlock(txCtx, w.UserID, w.Symbol, w.TotalDeducted, fmt.Sprintf("withdraw:%d", w.ID))
	})
}

// SettleConfirmed 链上确认，冻结的资金正式离账
// settle_out 流水对应 locked 的扣减，出金不产生 settle_in
func (s *WithdrawService) SettleConfirmed(ctx context.Context, w *domain.Withdrawal) error {
	return s.tx.Transaction(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.TransitionStatus(txCtx, w.ID,
			domain.WithdrawalStatusBroadcasted, domain.WithdrawalStatusConfirmed)
		if err != nil {
			return err
		}
		if !ok {
			return nil // 并发的确认循环已经处理过
		}
		return s.ledger.Settle(txCtx, w.UserID, w.Symbol, w.Symbol,
			w.TotalDeducted, decimal.Zero, fmt.Sprintf("withdraw:%d", w.ID))
	})
}
