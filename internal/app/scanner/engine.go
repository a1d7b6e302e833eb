// 扫描引擎: 定时把所有活跃地址过一遍链上监控，然后跑确认 sweep
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"vaultex.com/internal/core/service"
	"vaultex.com/internal/domain"
	"vaultex.com/internal/monitor"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/metrics"
	"vaultex.com/pkg/safe"
	"vaultex.com/pkg/xredis"
)

// 多节点部署时的周期锁 key
const cycleLockKey = "vaultex:wallet:scan_cycle"

// Engine 扫描调度器
// 同一时刻最多一轮在跑: 本地 in-flight 标志 + (可选的) redis 周期锁
type Engine struct {
	interval time.Duration
	registry *monitor.Registry
	addrs    domain.AddressRepo
	tracker  *service.DepositTracker
	lock     *xredis.CycleLock // nil 表示单节点部署

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewEngine(interval time.Duration, registry *monitor.Registry, addrs domain.AddressRepo,
	tracker *service.DepositTracker, lock *xredis.CycleLock) *Engine {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		interval: interval,
		registry: registry,
		addrs:    addrs,
		tracker:  tracker,
		lock:     lock,
	}
}

// CycleReport 一轮扫描的结果
type CycleReport struct {
	Scanned int // 扫过的地址数
	Found   int // 新发现的充值条数
	Errors  []error
	Sweep   *service.SweepReport
}

// Start 启动定时扫描，ctx 取消后停止
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	safe.Go(func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		logger.Info(ctx, "🚀 扫描引擎启动",
			zap.Duration("interval", e.interval),
			zap.Strings("chains", e.registry.Chains()))

		for {
			select {
			case <-ctx.Done():
				logger.Info(ctx, "扫描引擎退出")
				return
			case <-ticker.C:
				e.runOnce(ctx)
			}
		}
	})
}

// Wait 等正在跑的周期结束，优雅停机用
func (e *Engine) Wait() {
	e.wg.Wait()
}

// TriggerRescan 运维手动触发一轮 (和定时周期共用同一个互斥闸门)
func (e *Engine) TriggerRescan(ctx context.Context) (*CycleReport, bool) {
	return e.RunCycle(ctx)
}

func (e *Engine) runOnce(ctx context.Context) {
	start := time.Now()
	rep, ran := e.RunCycle(ctx)
	if !ran {
		logger.Debug(ctx, "上一轮还没结束，跳过本轮扫描")
		return
	}
	logger.Info(ctx, "扫描周期完成",
		zap.Int("scanned", rep.Scanned),
		zap.Int("found", rep.Found),
		zap.Int("errors", len(rep.Errors)),
		zap.Int("swept", rep.Sweep.Checked),
		zap.Int("credited", rep.Sweep.Credited),
		zap.Duration("cost", time.Since(start)))
	for _, err := range rep.Errors {
		logger.Warn(ctx, "本轮扫描错误", zap.Error(err))
	}
}

// RunCycle 跑一轮完整扫描
// 返回 ran=false 表示本轮被互斥闸门跳过 (上一轮还在跑 / 锁被别的节点持有)
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, bool) {
	if !e.running.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		return nil, false
	}
	defer e.running.Store(false)

	if e.lock != nil {
		if !e.lock.TryAcquire(ctx, cycleLockKey, 2*e.interval) {
			metrics.CyclesSkipped.Inc()
			return nil, false
		}
		defer e.lock.Release(ctx, cycleLockKey)
	}

	rep := &CycleReport{}
	var mu sync.Mutex

	for _, chain := range e.registry.Chains() {
		mon, _ := e.registry.Get(chain)
		addrs, err := e.addrs.GetActiveByChain(ctx, chain)
		if err != nil {
			rep.Errors = append(rep.Errors, err)
			continue
		}

		// 链内并发、链间串行，并发度按每条链的节点承受力配置
		var g errgroup.Group
		g.SetLimit(e.registry.Concurrency(chain))
		for i := range addrs {
			addr := addrs[i]
			g.Go(func() error {
				found, err := mon.MonitorAddress(ctx, addr.Address, addr.UserID)
				metrics.AddressesScanned.WithLabelValues(chain).Inc()

				mu.Lock()
				defer mu.Unlock()
				rep.Scanned++
				if err != nil {
					// 单地址失败只记账，别的地址照常扫
					metrics.ScanErrors.WithLabelValues(chain).Inc()
					rep.Errors = append(rep.Errors, err)
					return nil
				}
				if n := len(found); n > 0 {
					rep.Found += n
					metrics.DepositsDetected.WithLabelValues(chain).Add(float64(n))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	// 所有链扫完，推进确认状态机
	rep.Sweep = e.tracker.Sweep(ctx)
	return rep, true
}
