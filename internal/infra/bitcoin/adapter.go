package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/xerr"
)

// 标准单进双出交易的估算体积 (vBytes)
const typicalTxVSize = 140

// Backend 节点能力的窄接口，rpcclient.Client 天然满足，测试注入假实现
// 注意: btcd 的 rpcclient 不吃 ctx，超时由 rpcCall 在外面兜底
type Backend interface {
	SearchRawTransactionsVerbose(address btcutil.Address, skip, count int,
		includePrevOut, reverse bool, filterAddrs []string) ([]*btcjson.SearchRawTransactionsResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
}

// Config UTXO 链的监控配置
type Config struct {
	Chain         string // "BTC"
	Symbol        string
	Confirmations int64
	SearchBatch   int // 每轮最多翻多少条历史交易
	RPCTimeout    time.Duration
	RatePerSec    float64         // 上游限速
	StaticFee     decimal.Decimal // 估费失败时的兜底费率
	FeeBufferPct  int64
}

// rpcCall rpcclient 自己不认 ctx，跑在协程里和超时赛跑
// 节点挂死只损失一次调用，扫描周期不会被卡住
func rpcCall[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, xerr.New(xerr.UpstreamError, fmt.Sprintf("rpc call timed out: %v", ctx.Err()))
	case r := <-ch:
		return r.val, r.err
	}
}

// Adapter UTXO 模型链适配器
// 余额 = 地址名下未花费输出之和，监控就是翻这个地址的输出历史
type Adapter struct {
	backend     Backend
	cfg         Config
	params      *chaincfg.Params
	depositRepo domain.DepositRepo
	limiter     *rate.Limiter
}

// 确保实现接口
var (
	_ domain.ChainMonitor       = (*Adapter)(nil)
	_ domain.ConfirmationSource = (*Adapter)(nil)
	_ domain.FeeEstimator       = (*Adapter)(nil)
	_ domain.AddressValidator   = (*Adapter)(nil)
)

func New(host, user, password string, params *chaincfg.Params, cfg Config, deposits domain.DepositRepo) (*Adapter, error) {
	rpcConfig := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         password,
		HTTPPostMode: true, // 比特币核心节点必须使用 POST 模式
		DisableTLS:   true,
	}
	client, err := rpcclient.New(rpcConfig, nil)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(client, params, cfg, deposits), nil
}

func NewWithBackend(backend Backend, params *chaincfg.Params, cfg Config, deposits domain.DepositRepo) *Adapter {
	if cfg.SearchBatch <= 0 {
		cfg.SearchBatch = 100
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return &Adapter{
		backend:     backend,
		cfg:         cfg,
		params:      params,
		depositRepo: deposits,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

func (a *Adapter) Chain() string                { return a.cfg.Chain }
func (a *Adapter) Symbol() string               { return a.cfg.Symbol }
func (a *Adapter) RequiredConfirmations() int64 { return a.cfg.Confirmations }

// ValidateAddress 解析失败或者不属于当前网络都算非法，绝不报错
func (a *Adapter) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(a.params)
}

// MonitorAddress 翻地址的输出历史，没见过的落库
// 幂等靠 uniq_tx 唯一索引：同一笔输出第二次扫到会被忽略
func (a *Adapter) MonitorAddress(ctx context.Context, address string, userID int64) ([]domain.Deposit, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("bad address %q: %v", address, err))
	}

	// 需要节点开 addrindex (btcd --addrindex)
	results, err := rpcCall(ctx, a.cfg.RPCTimeout, func() ([]*btcjson.SearchRawTransactionsResult, error) {
		return a.backend.SearchRawTransactionsVerbose(addr, 0, a.cfg.SearchBatch, false, true, []string{address})
	})
	if err != nil {
		if isNoTxInfoErr(err) {
			return nil, nil // 地址还没有任何历史
		}
		return nil, xerr.New(xerr.UpstreamError, fmt.Sprintf("search transactions failed: %v", err))
	}

	var found []domain.Deposit
	for _, tx := range results {
		// 同一笔交易里可能有多个输出付到这个地址，金额合并成一条充值
		amount := decimal.Zero
		outIndex := -1
		for _, vout := range tx.Vout {
			if !a.voutPaysAddress(vout, address) {
				continue
			}
			amount = amount.Add(decimal.NewFromFloat(vout.Value))
			if outIndex < 0 {
				outIndex = int(vout.N)
			}
		}
		if outIndex < 0 || amount.IsZero() {
			continue
		}
		found = append(found, domain.Deposit{
			UserID:        userID,
			Chain:         a.cfg.Chain,
			TxHash:        tx.Txid,
			OutIndex:      outIndex,
			Address:       address,
			Symbol:        a.cfg.Symbol,
			Amount:        amount,
			Confirmations: int64(tx.Confirmations),
			Status:        domain.DepositStatusDetected,
		})
	}

	return a.depositRepo.InsertIgnoreDuplicates(ctx, found)
}

// voutPaysAddress 解析输出脚本，看是不是付给目标地址
// 不同版本节点返回的地址字段不一致，统一从脚本反推
func (a *Adapter) voutPaysAddress(vout btcjson.Vout, address string) bool {
	pkScript, err := hex.DecodeString(vout.ScriptPubKey.Hex)
	if err != nil {
		return false
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, a.params)
	if err != nil {
		return false
	}
	for _, got := range addrs {
		if got.EncodeAddress() == address {
			return true
		}
	}
	return false
}

// TxConfirmations sweep 用的确认数查询
// 节点查不到这笔交易就是重组信号 (最低限度的重组判定)
func (a *Adapter) TxConfirmations(ctx context.Context, txHash string) (int64, bool, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return 0, false, xerr.New(xerr.RequestParamsError, fmt.Sprintf("bad tx hash %q: %v", txHash, err))
	}

	res, err := rpcCall(ctx, a.cfg.RPCTimeout, func() (*btcjson.TxRawResult, error) {
		return a.backend.GetRawTransactionVerbose(hash)
	})
	if err != nil {
		if isNoTxInfoErr(err) {
			return 0, false, nil
		}
		return 0, false, xerr.New(xerr.UpstreamError, fmt.Sprintf("get transaction failed: %v", err))
	}
	return int64(res.Confirmations), true, nil
}

// EstimateFee 保守估费: estimatesmartfee 的费率 × 标准交易体积，再加安全余量
// 节点估不出来就退回静态费率，提现流程不因此卡住
func (a *Adapter) EstimateFee(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	mode := btcjson.EstimateModeConservative
	res, err := rpcCall(ctx, a.cfg.RPCTimeout, func() (*btcjson.EstimateSmartFeeResult, error) {
		return a.backend.EstimateSmartFee(2, &mode)
	})
	if err != nil || res == nil || res.FeeRate == nil || *res.FeeRate <= 0 {
		return a.cfg.StaticFee, nil
	}

	// FeeRate 单位是 BTC/kvB
	feeRate := decimal.NewFromFloat(*res.FeeRate)
	fee := feeRate.Mul(decimal.NewFromInt(typicalTxVSize)).Div(decimal.NewFromInt(1000))
	buffer := decimal.NewFromInt(100 + a.cfg.FeeBufferPct).Div(decimal.NewFromInt(100))
	return fee.Mul(buffer), nil
}

// isNoTxInfoErr btcd 对"查无此交易/无历史"返回 RPC 错误而不是空结果
func isNoTxInfoErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No information available") ||
		strings.Contains(msg, "No such mempool or blockchain transaction") ||
		strings.Contains(msg, "No addresses")
}
