package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/metrics"
)

// TxRunner 事务边界，persistence.Repo 实现
type TxRunner interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

// TrackerSource 一条链的确认数来源和入账门槛
type TrackerSource interface {
	domain.ConfirmationSource
	RequiredConfirmations() int64
}

// DepositTracker 充值确认跟踪
// 职责: 把非终态充值推向 Credited 或 Failed，并且 Credited 只发生一次
type DepositTracker struct {
	deposits domain.DepositRepo
	ledger   *LedgerService
	tx       TxRunner
	sources  map[string]TrackerSource // chain -> source
}

func NewDepositTracker(deposits domain.DepositRepo, ledger *LedgerService, tx TxRunner, sources map[string]TrackerSource) *DepositTracker {
	return &DepositTracker{deposits: deposits, ledger: ledger, tx: tx, sources: sources}
}

// SweepReport 一轮 sweep 的结果
type SweepReport struct {
	Checked   int     // 查过确认数的充值条数
	Updated   int     // 确认数/状态有推进的
	Confirmed int     // 本轮确认数达标的
	Credited  int     // 本轮真正入账的
	Failed    int     // 被重组作废的
	Errors    []error // 单条失败不打断整轮
}

// Sweep 跑一轮确认检查
// 单条充值出错只记录，不影响其它充值，更不中断整轮
func (t *DepositTracker) Sweep(ctx context.Context) *SweepReport {
	rep := &SweepReport{}
	for chain, src := range t.sources {
		items, err := t.deposits.GetNonTerminal(ctx, chain)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("chain %s: %w", chain, err))
			continue
		}
		for _, d := range items {
			rep.Checked++
			if err := t.track(ctx, d, src, rep); err != nil {
				metrics.SweepErrors.WithLabelValues(chain).Inc()
				rep.Errors = append(rep.Errors, fmt.Errorf("deposit %d: %w", d.ID, err))
			}
		}
	}
	return rep
}

// track 推进单条充值的状态
func (t *DepositTracker) track(ctx context.Context, d *domain.Deposit, src TrackerSource, rep *SweepReport) error {
	conf, found, err := src.TxConfirmations(ctx, d.TxHash)
	if err != nil {
		return err
	}

	// 交易不在主链上了，重组作废，资金绝不入账
	if !found {
		if err := t.deposits.MarkFailed(ctx, d.ID, "交易已不在主链上 (重组)"); err != nil {
			return err
		}
		logger.Warn(ctx, "⚠️ 充值被重组作废",
			zap.Int64("deposit_id", d.ID),
			zap.String("chain", d.Chain),
			zap.String("tx_hash", d.TxHash))
		rep.Failed++
		return nil
	}

	// 确认数还不够，推进进度
	if conf < src.RequiredConfirmations() {
		status := d.Status
		if conf > 0 {
			status = domain.DepositStatusConfirming
		}
		if err := t.deposits.UpdateProgress(ctx, d.ID, conf, status); err != nil {
			return err
		}
		rep.Updated++
		return nil
	}

	// 确认数达标: 流转 + 入账 + 终态在同一个事务里
	// ConfirmForCredit 是幂等闸门，并发 sweep 里只有一个赢家
	credited := false
	err = t.tx.Transaction(ctx, func(txCtx context.Context) error {
		won, err := t.deposits.ConfirmForCredit(txCtx, d.ID)
		if err != nil {
			return err
		}
		if !won {
			// 别的 sweep 已经处理过 (或正在处理)，no-op
			return nil
		}
		ref := fmt.Sprintf("deposit:%d", d.ID)
		if err := t.ledger.Credit(txCtx, d.UserID, d.Symbol, d.Amount, ref); err != nil {
			return err
		}
		if err := t.deposits.MarkCredited(txCtx, d.ID); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return err
	}
	if credited {
		metrics.DepositsCredited.WithLabelValues(d.Chain).Inc()
		logger.Info(ctx, "💰 充值入账",
			zap.Int64("deposit_id", d.ID),
			zap.Int64("uid", d.UserID),
			zap.String("symbol", d.Symbol),
			zap.String("amount", d.Amount.String()))
		// 确认和入账在同一个事务里落地，两个计数同步走
		rep.Confirmed++
		rep.Credited++
	}
	return nil
}
