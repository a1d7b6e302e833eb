package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"vaultex.com/internal/core/service"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/safe"
)

// 刚广播的交易还在内存池里，节点按哈希查不到是常态
// 连续这么多轮都查不到才按重组踢出处理
const reorgMissThreshold = 3

// WithdrawProcessor 单链提现执行器
// 两个循环: 抢单广播 (pending -> broadcasted) 和确认结算 (broadcasted -> confirmed)
// 签名在外部签名机里完成，这里只拿 txHash
type WithdrawProcessor struct {
	chain       string
	interval    time.Duration
	batch       int
	svc         *service.WithdrawService
	broadcaster domain.Broadcaster
	source      service.TrackerSource

	// withdrawal id -> 连续查不到的轮数，只被确认循环这一个协程访问
	misses map[int64]int
}

func NewWithdrawProcessor(chain string, interval time.Duration, batch int,
	svc *service.WithdrawService, broadcaster domain.Broadcaster, source service.TrackerSource) *WithdrawProcessor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &WithdrawProcessor{
		chain:       chain,
		interval:    interval,
		batch:       batch,
		svc:         svc,
		broadcaster: broadcaster,
		source:      source,
		misses:      make(map[int64]int),
	}
}

func (p *WithdrawProcessor) Start(ctx context.Context) {
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		logger.Info(ctx, "提现执行器启动", zap.String("chain", p.chain))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.processPending(ctx)
				p.confirmBroadcasted(ctx)
			}
		}
	})
}

// processPending 抢单 -> 交给签名机广播 -> 回写结果
// 广播失败立即退款，用户资金不能卡在 processing
func (p *WithdrawProcessor) processPending(ctx context.Context) {
	claimed, err := p.svc.ClaimPending(ctx, p.chain, p.batch)
	if err != nil {
		logger.Error(ctx, "抢单失败", zap.String("chain", p.chain), zap.Error(err))
		return
	}
	for i := range claimed {
		w := claimed[i]
		txHash, err := p.broadcaster.Broadcast(ctx, &w)
		if err != nil {
			logger.Error(ctx, "广播失败，退款",
				zap.Int64("withdrawal_id", w.ID), zap.Error(err))
			if ferr := p.svc.FailAndRefund(ctx, &w, domain.WithdrawalStatusProcessing, err.Error()); ferr != nil {
				logger.Error(ctx, "退款失败，等下一轮重试",
					zap.Int64("withdrawal_id", w.ID), zap.Error(ferr))
			}
			continue
		}
		if err := p.svc.MarkBroadcasted(ctx, w.ID, txHash); err != nil {
			// 已经上链但状态没落库，确认循环靠 txHash 能追回来
			logger.Error(ctx, "回写广播结果失败",
				zap.Int64("withdrawal_id", w.ID), zap.String("tx_hash", txHash), zap.Error(err))
			continue
		}
		logger.Info(ctx, "提现已广播",
			zap.Int64("withdrawal_id", w.ID), zap.String("tx_hash", txHash))
	}
}

// confirmBroadcasted 盯着已广播的单子等确认
// 查不到先等几轮 (可能还在内存池)，连续查不到才按重组失败退款
func (p *WithdrawProcessor) confirmBroadcasted(ctx context.Context) {
	ws, err := p.svc.ListByStatus(ctx, p.chain, domain.WithdrawalStatusBroadcasted, 1, p.batch)
	if err != nil {
		logger.Error(ctx, "查询待确认提现失败", zap.String("chain", p.chain), zap.Error(err))
		return
	}
	for i := range ws {
		w := ws[i]
		conf, found, err := p.source.TxConfirmations(ctx, w.TxHash)
		if err != nil {
			logger.Warn(ctx, "查确认数失败",
				zap.Int64("withdrawal_id", w.ID), zap.Error(err))
			continue
		}
		if !found {
			p.misses[w.ID]++
			if p.misses[w.ID] < reorgMissThreshold {
				logger.Info(ctx, "提现交易暂时查不到，继续等",
					zap.Int64("withdrawal_id", w.ID),
					zap.String("tx_hash", w.TxHash),
					zap.Int("miss", p.misses[w.ID]))
				continue
			}
			delete(p.misses, w.ID)
			logger.Warn(ctx, "⚠️ 提现交易被重组踢出，退款",
				zap.Int64("withdrawal_id", w.ID), zap.String("tx_hash", w.TxHash))
			if err := p.svc.FailAndRefund(ctx, &w, domain.WithdrawalStatusBroadcasted, "交易已不在主链上"); err != nil {
				logger.Error(ctx, "退款失败", zap.Int64("withdrawal_id", w.ID), zap.Error(err))
			}
			continue
		}
		delete(p.misses, w.ID)
		if conf < p.source.RequiredConfirmations() {
			continue
		}
		if err := p.svc.SettleConfirmed(ctx, &w); err != nil {
			logger.Error(ctx, "结算失败", zap.Int64("withdrawal_id", w.ID), zap.Error(err))
			continue
		}
		logger.Info(ctx, "✅ 提现确认完成",
			zap.Int64("withdrawal_id", w.ID),
			zap.String("tx_hash", w.TxHash),
			zap.Int64("confirmations", conf))
	}
}
