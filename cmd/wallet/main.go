package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"vaultex.com/internal/app/opsapi"
	"vaultex.com/internal/app/scanner"
	"vaultex.com/internal/config"
	"vaultex.com/internal/core/service"
	"vaultex.com/internal/infra/persistence"
	"vaultex.com/internal/infra/signer"
	"vaultex.com/internal/monitor"
	pkgconfig "vaultex.com/pkg/config"
	"vaultex.com/pkg/hdwallet"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/orm"
	"vaultex.com/pkg/safe"
	"vaultex.com/pkg/xredis"
)

func main() {
	var c config.Config
	if _, err := pkgconfig.LoadAndWatch("wallet", &c); err != nil {
		panic("load config failed: " + err.Error())
	}
	if c.Name == "" {
		c.Name = "wallet-core"
	}

	logger.Init(c.Name, c.LogLevel)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 存储
	db := orm.NewMySQL(&c.Mysql)
	if err := persistence.AutoMigrate(db); err != nil {
		logger.Fatal(ctx, "migrate failed", zap.Error(err))
	}
	repo := persistence.New(db)

	// 链适配器
	registry, err := monitor.BuildFromConfig(c.Chains, repo, repo)
	if err != nil {
		logger.Fatal(ctx, "init chain adapters failed", zap.Error(err))
	}

	// 地址派生器 (只吃 xpub，进程里没有任何私钥)
	wallets := make(map[string]*hdwallet.XpubWallet)
	for _, cc := range c.Chains {
		if cc.Xpub == "" {
			continue
		}
		params, err := monitor.NetworkParams(cc.Network)
		if err != nil {
			logger.Fatal(ctx, "bad network", zap.String("chain", cc.Name), zap.Error(err))
		}
		w, err := hdwallet.NewFromXpub(cc.Xpub, cc.CoinType, params)
		if err != nil {
			logger.Fatal(ctx, "bad xpub", zap.String("chain", cc.Name), zap.Error(err))
		}
		wallets[cc.Name] = w
	}

	// 核心服务
	ledger := service.NewLedgerService(repo)
	addrSvc := service.NewAddressService(repo, repo, wallets)

	sources := make(map[string]service.TrackerSource)
	withdrawChains := make(map[string]service.WithdrawChain)
	for _, chain := range registry.Chains() {
		caps, _ := registry.Get(chain)
		sources[chain] = caps
		withdrawChains[chain] = caps
	}
	tracker := service.NewDepositTracker(repo, ledger, repo, sources)
	withdrawSvc := service.NewWithdrawService(ledger, repo, repo, withdrawChains)

	// 多节点部署时用 redis 周期锁互斥，单节点留空即可
	var cycleLock *xredis.CycleLock
	if c.Redis.Addr != "" {
		cycleLock = xredis.NewCycleLock(xredis.NewRedis(&c.Redis))
	}

	// 扫描引擎
	engine := scanner.NewEngine(
		time.Duration(c.ScanIntervalSec)*time.Second,
		registry, repo, tracker, cycleLock,
	)
	engine.Start(ctx)

	// 提现执行器：每条配了签名机的链一个
	for _, cc := range c.Chains {
		if cc.SignerURL == "" {
			continue
		}
		caps, ok := registry.Get(cc.Name)
		if !ok {
			continue
		}
		p := scanner.NewWithdrawProcessor(
			cc.Name,
			time.Duration(c.ProcessIntervalSec)*time.Second,
			c.WithdrawBatch,
			withdrawSvc,
			signer.New(cc.SignerURL, 30*time.Second),
			caps,
		)
		p.Start(ctx)
	}

	// 运营面 API
	if c.HTTPAddr != "" {
		srv := opsapi.NewServer(addrSvc, ledger, withdrawSvc, engine).HTTPServer(c.HTTPAddr)
		safe.Go(func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "ops api exited", zap.Error(err))
			}
		})
		safe.Go(func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// 指标暴露
	if c.MetricsAddr != "" {
		safe.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				logger.Error(ctx, "metrics server exited", zap.Error(err))
			}
		})
	}

	logger.Info(ctx, "wallet-core 启动完成", zap.Strings("chains", registry.Chains()))

	<-ctx.Done()
	logger.Info(ctx, "收到退出信号，等待本轮扫描结束")
	engine.Wait()
}
