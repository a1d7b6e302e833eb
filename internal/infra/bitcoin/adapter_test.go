package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"vaultex.com/internal/infra/persistence"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/xerr"
)

func init() {
	logger.Init("bitcoin-test", "error")
}

// BIP173 测试向量里的 P2WPKH 主网地址
const testAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

type fakeBackend struct {
	searchResults []*btcjson.SearchRawTransactionsResult
	searchErr     error
	txs           map[string]*btcjson.TxRawResult
	feeRate       *float64
	feeErr        error
	block         chan struct{} // 非 nil 时模拟节点挂死
}

func (f *fakeBackend) SearchRawTransactionsVerbose(_ btcutil.Address, _, _ int,
	_, _ bool, _ []string) ([]*btcjson.SearchRawTransactionsResult, error) {
	if f.block != nil {
		<-f.block
	}
	return f.searchResults, f.searchErr
}

func (f *fakeBackend) GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	if tx, ok := f.txs[txHash.String()]; ok {
		return tx, nil
	}
	return nil, errors.New("-5: No information available about transaction")
}

func (f *fakeBackend) EstimateSmartFee(_ int64, _ *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return &btcjson.EstimateSmartFeeResult{FeeRate: f.feeRate}, nil
}

func newTestRepo(t *testing.T) *persistence.Repo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.AutoMigrate(db))
	return persistence.New(db)
}

func newTestAdapter(t *testing.T, backend *fakeBackend) (*Adapter, *persistence.Repo) {
	t.Helper()
	repo := newTestRepo(t)
	a := NewWithBackend(backend, &chaincfg.MainNetParams, Config{
		Chain:         "BTC",
		Symbol:        "BTC",
		Confirmations: 6,
		SearchBatch:   100,
		RatePerSec:    1000,
		StaticFee:     decimal.RequireFromString("0.0002"),
		FeeBufferPct:  20,
	}, repo)
	return a, repo
}

// pkScriptHex 用真实脚本构造输出，和节点返回的格式一致
func pkScriptHex(t *testing.T, address string) string {
	t.Helper()
	addr, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return hex.EncodeToString(script)
}

func searchResult(t *testing.T, txid string, vouts ...btcjson.Vout) *btcjson.SearchRawTransactionsResult {
	t.Helper()
	return &btcjson.SearchRawTransactionsResult{
		Txid:          txid,
		Vout:          vouts,
		Confirmations: 2,
	}
}

func TestMonitorAddressUTXO(t *testing.T) {
	otherScript := pkScriptHex(t, "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3")
	backend := &fakeBackend{
		searchResults: []*btcjson.SearchRawTransactionsResult{
			searchResult(t, "aa11",
				btcjson.Vout{Value: 0.5, N: 0, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: pkScriptHex(t, testAddr)}},
				btcjson.Vout{Value: 0.3, N: 1, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: otherScript}},
				btcjson.Vout{Value: 0.25, N: 2, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: pkScriptHex(t, testAddr)}},
			),
		},
	}
	a, _ := newTestAdapter(t, backend)
	ctx := context.Background()

	found, err := a.MonitorAddress(ctx, testAddr, 9)
	require.NoError(t, err)
	require.Len(t, found, 1, "同一笔交易的多个输出合并成一条充值")
	assert.Equal(t, int64(9), found[0].UserID)
	assert.Equal(t, "aa11", found[0].TxHash)
	assert.Equal(t, 0, found[0].OutIndex, "取第一个付到该地址的 vout")
	assert.True(t, found[0].Amount.Equal(decimal.RequireFromString("0.75")), "0.5 + 0.25")

	// 同样的历史再翻一遍: 幂等，无新发现
	again, err := a.MonitorAddress(ctx, testAddr, 9)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMonitorAddressNoHistory(t *testing.T) {
	backend := &fakeBackend{searchErr: errors.New("-5: No information available")}
	a, _ := newTestAdapter(t, backend)

	found, err := a.MonitorAddress(context.Background(), testAddr, 9)
	require.NoError(t, err, "没有历史不算错误")
	assert.Empty(t, found)
}

func TestMonitorAddressIgnoresOtherOutputs(t *testing.T) {
	otherScript := pkScriptHex(t, "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3")
	backend := &fakeBackend{
		searchResults: []*btcjson.SearchRawTransactionsResult{
			searchResult(t, "bb22",
				btcjson.Vout{Value: 1.0, N: 0, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: otherScript}},
			),
		},
	}
	a, _ := newTestAdapter(t, backend)

	found, err := a.MonitorAddress(context.Background(), testAddr, 9)
	require.NoError(t, err)
	assert.Empty(t, found, "没有付到本地址的输出不算充值")
}

func TestMonitorAddressTimesOutOnStuckNode(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	t.Cleanup(func() { close(backend.block) })

	repo := newTestRepo(t)
	a := NewWithBackend(backend, &chaincfg.MainNetParams, Config{
		Chain:         "BTC",
		Symbol:        "BTC",
		Confirmations: 6,
		RPCTimeout:    50 * time.Millisecond,
		RatePerSec:    1000,
	}, repo)

	start := time.Now()
	_, err := a.MonitorAddress(context.Background(), testAddr, 9)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.UpstreamError))
	assert.Less(t, time.Since(start), 2*time.Second, "节点挂死不能拖住扫描")
}

func TestTxConfirmations(t *testing.T) {
	hash := "000000000000000000000000000000000000000000000000000000000000aa11"
	backend := &fakeBackend{
		txs: map[string]*btcjson.TxRawResult{
			hash: {Txid: hash, Confirmations: 4},
		},
	}
	a, _ := newTestAdapter(t, backend)
	ctx := context.Background()

	conf, found, err := a.TxConfirmations(ctx, hash)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4), conf)

	// 节点查不到: 重组信号
	_, found, err = a.TxConfirmations(ctx,
		"000000000000000000000000000000000000000000000000000000000000dead")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEstimateFee(t *testing.T) {
	rate := 0.0001 // BTC/kvB
	backend := &fakeBackend{feeRate: &rate}
	a, _ := newTestAdapter(t, backend)

	fee, err := a.EstimateFee(context.Background(), decimal.NewFromInt(1))
	require.NoError(t, err)
	// 0.0001 × 140 / 1000 = 0.000014，加 20% 余量
	assert.True(t, fee.Equal(decimal.RequireFromString("0.0000168")), "got %s", fee)
}

func TestEstimateFeeFallsBackToStatic(t *testing.T) {
	cases := []struct {
		name    string
		backend *fakeBackend
	}{
		{"节点报错", &fakeBackend{feeErr: errors.New("connection refused")}},
		{"估不出费率", &fakeBackend{feeRate: nil}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, tc.backend)
			fee, err := a.EstimateFee(context.Background(), decimal.NewFromInt(1))
			require.NoError(t, err)
			assert.True(t, fee.Equal(decimal.RequireFromString("0.0002")))
		})
	}
}

func TestValidateAddress(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeBackend{})

	cases := []struct {
		name    string
		address string
		want    bool
	}{
		{"主网 bech32", testAddr, true},
		{"主网 P2PKH", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"测试网地址", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{"乱七八糟", "hello world", false},
		{"空串", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.ValidateAddress(tc.address))
		})
	}
}
