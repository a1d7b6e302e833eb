// 链适配器注册表: 配置里的链名 -> 具体适配器实例
// 新接一条链只需要实现 Capabilities 再在 builders 里挂一行
package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"vaultex.com/internal/config"
	"vaultex.com/internal/domain"
	"vaultex.com/internal/infra/bitcoin"
	"vaultex.com/internal/infra/ethereum"
)

// Capabilities 一条链对外提供的全部能力
// 两个适配器 (account / utxo) 都完整实现
type Capabilities interface {
	domain.ChainMonitor
	domain.ConfirmationSource
	domain.FeeEstimator
	domain.AddressValidator
	Symbol() string
}

// Builder 按 Kind 构造适配器
type Builder func(cfg config.ChainConf, deposits domain.DepositRepo, cursors domain.CursorRepo) (Capabilities, error)

var builders = map[string]Builder{
	"account": buildAccount,
	"utxo":    buildUTXO,
}

// Registry 已接入的链
type Registry struct {
	adapters    map[string]Capabilities
	concurrency map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:    make(map[string]Capabilities),
		concurrency: make(map[string]int),
	}
}

// Register 手动挂一条链 (测试注入假适配器用)
func (r *Registry) Register(chain string, caps Capabilities, concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}
	r.adapters[chain] = caps
	r.concurrency[chain] = concurrency
}

func (r *Registry) Get(chain string) (Capabilities, bool) {
	caps, ok := r.adapters[chain]
	return caps, ok
}

// Chains 稳定顺序，日志和报告可读
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Concurrency(chain string) int {
	if n, ok := r.concurrency[chain]; ok {
		return n
	}
	return 4
}

// BuildFromConfig 按配置初始化所有链
// 未知 Kind 直接失败，宁可起不来也不要悄悄少扫一条链
func BuildFromConfig(chains []config.ChainConf, deposits domain.DepositRepo, cursors domain.CursorRepo) (*Registry, error) {
	reg := NewRegistry()
	for _, cc := range chains {
		builder, ok := builders[cc.Kind]
		if !ok {
			return nil, fmt.Errorf("chain %s: unknown kind %q", cc.Name, cc.Kind)
		}
		caps, err := builder(cc, deposits, cursors)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		reg.Register(cc.Name, caps, cc.Concurrency)
	}
	return reg, nil
}

func buildAccount(cc config.ChainConf, deposits domain.DepositRepo, cursors domain.CursorRepo) (Capabilities, error) {
	staticFee, err := parseStaticFee(cc.StaticFee)
	if err != nil {
		return nil, err
	}
	return ethereum.New(cc.Endpoint, ethereum.Config{
		Chain:         cc.Name,
		Symbol:        cc.Symbol,
		Contract:      cc.Contract,
		Decimals:      cc.Decimals,
		Confirmations: cc.Confirmations,
		MaxBlockRange: cc.MaxBlockRange,
		RPCTimeout:    time.Duration(cc.RPCTimeoutSec) * time.Second,
		RatePerSec:    cc.RatePerSec,
		StaticFee:     staticFee,
		FeeBufferPct:  cc.FeeBufferPct,
	}, deposits, cursors)
}

func buildUTXO(cc config.ChainConf, deposits domain.DepositRepo, _ domain.CursorRepo) (Capabilities, error) {
	staticFee, err := parseStaticFee(cc.StaticFee)
	if err != nil {
		return nil, err
	}
	params, err := NetworkParams(cc.Network)
	if err != nil {
		return nil, err
	}
	return bitcoin.New(cc.Endpoint, cc.RPCUser, cc.RPCPass, params, bitcoin.Config{
		Chain:         cc.Name,
		Symbol:        cc.Symbol,
		Confirmations: cc.Confirmations,
		SearchBatch:   cc.SearchBatch,
		RPCTimeout:    time.Duration(cc.RPCTimeoutSec) * time.Second,
		RatePerSec:    cc.RatePerSec,
		StaticFee:     staticFee,
		FeeBufferPct:  cc.FeeBufferPct,
	}, deposits)
}

// NetworkParams utxo 链网络名 -> chaincfg 参数，main 初始化派生器时也用
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func parseStaticFee(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	fee, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad static fee %q: %w", s, err)
	}
	return fee, nil
}
