package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/xerr"
)

// 乐观锁冲突的重试上限
const maxBalanceRetries = 3

// LedgerService 余额账本
// 所有变更都是 读版本 -> 条件写 的乐观锁事务，冲突有界重试
// 丢失更新靠版本不匹配挡住，绝不静默覆盖
type LedgerService struct {
	repo domain.BalanceRepo
}

func NewLedgerService(repo domain.BalanceRepo) *LedgerService {
	return &LedgerService{repo: repo}
}

// Lock 冻结资金 (提现申请路径)
// available -= amount, locked += amount；余额不足返回 InsufficientFunds
func (s *LedgerService) Lock(ctx context.Context, uid int64, asset string, amount decimal.Decimal, refID string) error {
	if amount.Sign() <= 0 {
		return xerr.New(xerr.RequestParamsError, "金额必须为正数")
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		bal, err := s.repo.GetBalance(ctx, uid, asset)
		if err != nil {
			return err
		}
		// 先在内存里挡一次，省掉必然失败的条件写
		if bal.Available.LessThan(amount) {
			return xerr.NewErrCode(xerr.InsufficientFunds)
		}

		var locked bool
		err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
			ok, err := s.repo.LockFunds(txCtx, bal, amount)
			if err != nil {
				return err
			}
			if !ok {
				return nil // 版本冲突，事务里没改任何东西，出去重试
			}
			locked = true
			return s.repo.AppendEntry(txCtx, &domain.LedgerEntry{
				UserID: uid, Asset: asset, Type: domain.EntryLock,
				Amount: amount, RefID: refID,
			})
		})
		if err != nil {
			return err
		}
		if locked {
			return nil
		}
		// 条件写 0 行：重读后区分 并发冲突 / 真的不够
	}
	return xerr.New(xerr.ServerCommonError, "余额更新冲突，请重试")
}

// Unlock 解冻 (取消/失败路径)，解冻量按当前 locked 封顶，绝不把 locked 减成负数
func (s *LedgerService) Unlock(ctx context.Context, uid int64, asset string, amount decimal.Decimal, refID string) error {
	if amount.Sign() <= 0 {
		return nil
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		bal, err := s.repo.GetBalance(ctx, uid, asset)
		if err != nil {
			return err
		}
		n := amount
		if bal.Locked.LessThan(n) {
			n = bal.Locked
		}
		if n.Sign() <= 0 {
			return nil // 没有可解冻的
		}

		var done bool
		err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
			ok, err := s.repo.UnlockFunds(txCtx, bal, n)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			done = true
			return s.repo.AppendEntry(txCtx, &domain.LedgerEntry{
				UserID: uid, Asset: asset, Type: domain.EntryUnlock,
				Amount: n, RefID: refID,
			})
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return xerr.New(xerr.ServerCommonError, "余额更新冲突，请重试")
}

// Credit 充值入账，只有确认入账路径会调
// 调用方负责把它和充值状态流转包进同一个事务
func (s *LedgerService) Credit(ctx context.Context, uid int64, asset string, amount decimal.Decimal, refID string) error {
	if amount.Sign() <= 0 {
		return xerr.New(xerr.RequestParamsError, "金额必须为正数")
	}
	return s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreditBalance(txCtx, uid, asset, amount); err != nil {
			return err
		}
		return s.repo.AppendEntry(txCtx, &domain.LedgerEntry{
			UserID: uid, Asset: asset, Type: domain.EntryCredit,
			Amount: amount, RefID: refID,
		})
	})
}

// Settle 结算: 扣掉 sourceAsset 的冻结，给 destAsset 入账，同一个事务要么全做要么全不做
// sourceAmount / destAmount 由调用方按实际成交 (链上回执) 传入，不做滑点假设
func (s *LedgerService) Settle(ctx context.Context, uid int64, sourceAsset, destAsset string, sourceAmount, destAmount decimal.Decimal, refID string) error {
	if sourceAmount.Sign() <= 0 || destAmount.Sign() < 0 {
		return xerr.New(xerr.RequestParamsError, "金额必须为正数")
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		srcBal, err := s.repo.GetBalance(ctx, uid, sourceAsset)
		if err != nil {
			return err
		}
		if srcBal.Locked.LessThan(sourceAmount) {
			return xerr.New(xerr.InvalidState,
				fmt.Sprintf("locked %s < settle %s", srcBal.Locked, sourceAmount))
		}

		var done bool
		err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
			ok, err := s.repo.DebitLocked(txCtx, srcBal, sourceAmount)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			done = true
			if err := s.repo.AppendEntry(txCtx, &domain.LedgerEntry{
				UserID: uid, Asset: sourceAsset, Type: domain.EntrySettleOut,
				Amount: sourceAmount, RefID: refID,
			}); err != nil {
				return err
			}
			if destAmount.Sign() > 0 {
				if err := s.repo.CreditBalance(txCtx, uid, destAsset, destAmount); err != nil {
					return err
				}
				if err := s.repo.AppendEntry(txCtx, &domain.LedgerEntry{
					UserID: uid, Asset: destAsset, Type: domain.EntrySettleIn,
					Amount: destAmount, RefID: refID,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		logger.Debug(ctx, "结算版本冲突重试",
			zap.Int64("uid", uid), zap.String("asset", sourceAsset))
	}
	return xerr.New(xerr.ServerCommonError, "余额更新冲突，请重试")
}

// GetBalance 查询余额 (不存在返回零值)
func (s *LedgerService) GetBalance(ctx context.Context, uid int64, asset string) (*domain.Balance, error) {
	return s.repo.GetBalance(ctx, uid, asset)
}
