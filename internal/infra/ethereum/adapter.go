package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/xerr"
)

// ERC-20 Transfer 事件哈希: Keccak256("Transfer(address,address,uint256)")
const TransferEventHash = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// 标准转账的 Gas 消耗
const transferGasLimit = 21000

// Backend 节点能力的窄接口，ethclient.Client 天然满足，测试注入假实现
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config 账户模型链的监控配置
// 同一套实现跑 ETH / BSC / Polygon 这类链，只换 endpoint 和参数
type Config struct {
	Chain         string // "ETH"
	Symbol        string // 入账的资产符号
	Contract      string // ERC-20 合约地址，留空表示扫原生币
	Decimals      int32  // 代币精度 (原生币 18)
	Confirmations int64  // 入账确认数
	MaxBlockRange int64  // 单轮扫描最多追多少个块，防止首次扫描拉爆节点
	RPCTimeout    time.Duration
	RatePerSec    float64         // 上游限速
	StaticFee     decimal.Decimal // 估费失败时的兜底费率
	FeeBufferPct  int64           // 估出来再加的安全余量 (%)
}

// Adapter 账户模型链适配器: 监控 + 确认数 + 估费 + 地址校验
type Adapter struct {
	backend     Backend
	cfg         Config
	contract    common.Address
	hasContract bool
	depositRepo domain.DepositRepo
	cursorRepo  domain.CursorRepo
	limiter     *rate.Limiter
}

// 确保实现接口
var (
	_ domain.ChainMonitor       = (*Adapter)(nil)
	_ domain.ConfirmationSource = (*Adapter)(nil)
	_ domain.FeeEstimator       = (*Adapter)(nil)
	_ domain.AddressValidator   = (*Adapter)(nil)
)

func New(nodeURL string, cfg Config, deposits domain.DepositRepo, cursors domain.CursorRepo) (*Adapter, error) {
	client, err := ethclient.Dial(nodeURL)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(client, cfg, deposits, cursors), nil
}

func NewWithBackend(backend Backend, cfg Config, deposits domain.DepositRepo, cursors domain.CursorRepo) *Adapter {
	if cfg.MaxBlockRange <= 0 {
		cfg.MaxBlockRange = 1000
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	a := &Adapter{
		backend:     backend,
		cfg:         cfg,
		depositRepo: deposits,
		cursorRepo:  cursors,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
	if cfg.Contract != "" {
		a.contract = common.HexToAddress(cfg.Contract)
		a.hasContract = true
	}
	return a
}

func (a *Adapter) Chain() string                { return a.cfg.Chain }
func (a *Adapter) Symbol() string               { return a.cfg.Symbol }
func (a *Adapter) RequiredConfirmations() int64 { return a.cfg.Confirmations }

func (a *Adapter) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// MonitorAddress 从该地址的水位往链顶追，新入账先落库，水位最后推
// 幂等: 没有新块或没有新转账时返回空，重复扫到的交易被唯一索引挡掉
func (a *Adapter) MonitorAddress(ctx context.Context, address string, userID int64) ([]domain.Deposit, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	tip, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return nil, xerr.New(xerr.UpstreamError, fmt.Sprintf("get tip failed: %v", err))
	}
	tipHeight := int64(tip)

	watermark, err := a.cursorRepo.GetHeight(ctx, a.cfg.Chain, address)
	if err != nil {
		return nil, err
	}

	from := watermark + 1
	if watermark == 0 {
		// 首次扫描不回溯整条链，从最近一个窗口开始
		from = tipHeight - a.cfg.MaxBlockRange + 1
		if from < 1 {
			from = 1
		}
	}
	to := from + a.cfg.MaxBlockRange - 1
	if to > tipHeight {
		to = tipHeight
	}
	if from > to {
		return nil, nil // 没有新块
	}

	var found []domain.Deposit
	if a.hasContract {
		found, err = a.scanTokenTransfers(ctx, address, userID, from, to, tipHeight)
	} else {
		found, err = a.scanNativeTransfers(ctx, address, userID, from, to, tipHeight)
	}
	if err != nil {
		return nil, err
	}

	// 先落库，再推水位：宕机只会导致重扫，重扫被唯一索引兜住
	inserted, err := a.depositRepo.InsertIgnoreDuplicates(ctx, found)
	if err != nil {
		return nil, err
	}
	if err := a.cursorRepo.SetHeight(ctx, a.cfg.Chain, address, to); err != nil {
		return inserted, err
	}

	if len(inserted) > 0 {
		logger.Info(ctx, "🔍 发现新充值",
			zap.String("chain", a.cfg.Chain),
			zap.String("address", address),
			zap.Int("count", len(inserted)))
	}
	return inserted, nil
}

// scanTokenTransfers 按 Transfer(to=address) 过滤日志，一次 RPC 拉完整个窗口
func (a *Adapter) scanTokenTransfers(ctx context.Context, address string, userID int64, from, to, tip int64) ([]domain.Deposit, error) {
	addrTopic := common.BytesToHash(common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32))
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []common.Address{a.contract},
		Topics: [][]common.Hash{
			{common.HexToHash(TransferEventHash)},
			nil,         // from 不限
			{addrTopic}, // to == 我们的地址
		},
	}
	logs, err := a.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerr.New(xerr.UpstreamError, fmt.Sprintf("filter logs failed: %v", err))
	}

	deposits := make([]domain.Deposit, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 {
			continue
		}
		amount := weiToDecimal(new(big.Int).SetBytes(lg.Data), a.cfg.Decimals)
		if amount.IsZero() {
			continue
		}
		height := int64(lg.BlockNumber)
		deposits = append(deposits, domain.Deposit{
			UserID:        userID,
			Chain:         a.cfg.Chain,
			TxHash:        lg.TxHash.Hex(),
			OutIndex:      int(lg.Index),
			Address:       strings.ToLower(address),
			Symbol:        a.cfg.Symbol,
			Amount:        amount,
			Confirmations: tip - height + 1,
			BlockHeight:   height,
			Status:        domain.DepositStatusDetected,
		})
	}
	return deposits, nil
}

// scanNativeTransfers 原生币没有日志，只能逐块看交易的 to
func (a *Adapter) scanNativeTransfers(ctx context.Context, address string, userID int64, from, to, tip int64) ([]domain.Deposit, error) {
	target := common.HexToAddress(address)
	var deposits []domain.Deposit
	for h := from; h <= to; h++ {
		block, err := a.backend.BlockByNumber(ctx, big.NewInt(h))
		if err != nil {
			return nil, xerr.New(xerr.UpstreamError, fmt.Sprintf("get block %d failed: %v", h, err))
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != target {
				continue
			}
			if tx.Value().Sign() <= 0 {
				continue
			}
			deposits = append(deposits, domain.Deposit{
				UserID:        userID,
				Chain:         a.cfg.Chain,
				TxHash:        tx.Hash().Hex(),
				OutIndex:      0, // 原生交易默认为 0
				Address:       strings.ToLower(address),
				Symbol:        a.cfg.Symbol,
				Amount:        weiToDecimal(tx.Value(), 18),
				Confirmations: tip - h + 1,
				BlockHeight:   h,
				Status:        domain.DepositStatusDetected,
			})
		}
	}
	return deposits, nil
}

// TxConfirmations sweep 用的确认数查询
// 收据查不到 (或交易被回滚) 视为重组信号，found=false
func (a *Adapter) TxConfirmations(ctx context.Context, txHash string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, false, nil
		}
		return 0, false, xerr.New(xerr.UpstreamError, fmt.Sprintf("get receipt failed: %v", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// 交易上链但执行失败，等同于没这笔入账
		return 0, false, nil
	}

	tip, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return 0, false, xerr.New(xerr.UpstreamError, fmt.Sprintf("get tip failed: %v", err))
	}
	conf := int64(tip) - receipt.BlockNumber.Int64() + 1
	if conf < 0 {
		conf = 0
	}
	return conf, true, nil
}

// EstimateFee 当前 gas price × 标准转账消耗，再加安全余量
// 估算和广播之间费率会漂移，宁可多冻一点
func (a *Adapter) EstimateFee(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		logger.Warn(ctx, "估费失败，使用静态兜底费率",
			zap.String("chain", a.cfg.Chain), zap.Error(err))
		return a.cfg.StaticFee, nil
	}

	feeWei := new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit))
	fee := weiToDecimal(feeWei, 18)
	buffer := decimal.NewFromInt(100 + a.cfg.FeeBufferPct).Div(decimal.NewFromInt(100))
	return fee.Mul(buffer), nil
}

// 辅助工具
func weiToDecimal(wei *big.Int, decimals int32) decimal.Decimal {
	d := decimal.NewFromBigInt(wei, 0)
	return d.Shift(-decimals)
}
