package service

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/hdwallet"
	"vaultex.com/pkg/xerr"
)

// BIP39 标准测试向量助记词，只在测试里出现
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestAddressService(t *testing.T) (*AddressService, *domainRepos) {
	t.Helper()
	repo := newTestRepo(t)

	xpub, err := hdwallet.AccountXpubFromMnemonic(testMnemonic, hdwallet.CoinTypeETH, &chaincfg.MainNetParams)
	require.NoError(t, err)
	wallet, err := hdwallet.NewFromXpub(xpub, hdwallet.CoinTypeETH, &chaincfg.MainNetParams)
	require.NoError(t, err)

	svc := NewAddressService(repo, repo, map[string]*hdwallet.XpubWallet{"ETH": wallet})
	return svc, &domainRepos{addrs: repo, counters: repo}
}

type domainRepos struct {
	addrs    domain.AddressRepo
	counters domain.CounterRepo
}

func TestCreateDepositAddress(t *testing.T) {
	svc, repos := newTestAddressService(t)
	ctx := context.Background()

	a1, err := svc.CreateDepositAddress(ctx, 1, "ETH")
	require.NoError(t, err)
	a2, err := svc.CreateDepositAddress(ctx, 2, "ETH")
	require.NoError(t, err)

	// 索引单调递增，地址互不相同
	assert.Equal(t, uint32(0), a1.DerivationIndex)
	assert.Equal(t, uint32(1), a2.DerivationIndex)
	assert.NotEqual(t, a1.Address, a2.Address)
	assert.Equal(t, domain.AddressStatusActive, a1.Status)

	// 同一个索引重派生得到同一个地址 (纯函数)
	again, err := svc.wallets["ETH"].DeriveAddress(0)
	require.NoError(t, err)
	assert.Equal(t, a1.Address, again)

	active, err := repos.addrs.GetActiveByChain(ctx, "ETH")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCreateAddressUnsupportedChain(t *testing.T) {
	svc, _ := newTestAddressService(t)

	_, err := svc.CreateDepositAddress(context.Background(), 1, "DOGE")
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
}

func TestRetireAddress(t *testing.T) {
	svc, repos := newTestAddressService(t)
	ctx := context.Background()

	a, err := svc.CreateDepositAddress(ctx, 1, "ETH")
	require.NoError(t, err)

	require.NoError(t, svc.RetireAddress(ctx, a.ID))

	active, err := repos.addrs.GetActiveByChain(ctx, "ETH")
	require.NoError(t, err)
	assert.Empty(t, active, "下线的地址不再参与扫描")

	// 重复下线被状态机拒绝
	err = svc.RetireAddress(ctx, a.ID)
	assert.True(t, xerr.Is(err, xerr.InvalidState))

	// 下线后索引也不会被复用
	b, err := svc.CreateDepositAddress(ctx, 2, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b.DerivationIndex)
	assert.NotEqual(t, a.Address, b.Address)
}

func TestGetByAddress(t *testing.T) {
	svc, _ := newTestAddressService(t)
	ctx := context.Background()

	a, err := svc.CreateDepositAddress(ctx, 7, "ETH")
	require.NoError(t, err)

	got, err := svc.GetByAddress(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)

	_, err = svc.GetByAddress(ctx, "0x0000000000000000000000000000000000000000")
	assert.True(t, xerr.Is(err, xerr.RecordNotFound))
}
