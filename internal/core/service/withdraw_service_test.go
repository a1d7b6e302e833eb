package service

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vaultex.com/internal/domain"
	"vaultex.com/internal/infra/persistence"
	"vaultex.com/pkg/xerr"
)

// fakeChain 固定费率 + 简单地址规则的链能力
type fakeChain struct {
	symbol string
	fee    decimal.Decimal
}

func (f *fakeChain) Symbol() string { return f.symbol }

func (f *fakeChain) EstimateFee(_ context.Context, _ decimal.Decimal) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeChain) ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && len(address) == 42
}

func newWithdrawFixture(t *testing.T) (*WithdrawService, *LedgerService, *persistence.Repo) {
	t.Helper()
	repo := newTestRepo(t)
	ledger := NewLedgerService(repo)
	chains := map[string]WithdrawChain{
		"ETH": &fakeChain{symbol: "ETH", fee: decimal.NewFromInt(2)},
	}
	svc := NewWithdrawService(ledger, repo, repo, chains)
	return svc, ledger, repo
}

const goodAddr = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestRequestWithdrawal(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))

	// 提现 50，费 2，冻结 52
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(50), goodAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusPending, w.Status)
	assert.True(t, w.NetworkFee.Equal(decimal.NewFromInt(2)))
	assert.True(t, w.TotalDeducted.Equal(decimal.NewFromInt(52)))

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(48)))
	assert.True(t, bal.Locked.Equal(decimal.NewFromInt(52)))
}

func TestRequestWithdrawalValidation(t *testing.T) {
	svc, ledger, repo := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))

	cases := []struct {
		name     string
		chain    string
		amount   decimal.Decimal
		toAddr   string
		wantCode int
	}{
		{"非法地址", "ETH", decimal.NewFromInt(10), "not-an-address", xerr.RequestParamsError},
		{"不支持的链", "DOGE", decimal.NewFromInt(10), goodAddr, xerr.RequestParamsError},
		{"金额为零", "ETH", decimal.Zero, goodAddr, xerr.RequestParamsError},
		{"金额为负", "ETH", decimal.NewFromInt(-5), goodAddr, xerr.RequestParamsError},
		{"余额不足", "ETH", decimal.NewFromInt(99), goodAddr, xerr.InsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RequestWithdrawal(ctx, 1, tc.chain, tc.amount, tc.toAddr)
			assert.True(t, xerr.Is(err, tc.wantCode), "got %v", err)
		})
	}

	// 所有失败路径都不留痕迹
	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, bal.Locked.IsZero())

	pending, err := repo.ListWithdrawalsByStatus(ctx, "ETH", domain.WithdrawalStatusPending, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "失败的申请不产生提现单")
}

func TestCancelWithdrawal(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(50), goodAddr)
	require.NoError(t, err)

	require.NoError(t, svc.CancelWithdrawal(ctx, w.ID, 1))

	// 冻结全额退回
	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, bal.Locked.IsZero())

	// 重复取消被状态机拒绝，不会二次退款
	err = svc.CancelWithdrawal(ctx, w.ID, 1)
	assert.True(t, xerr.Is(err, xerr.InvalidState))
	bal, err = ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
}

func TestCancelWithdrawalPermissions(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(10), goodAddr)
	require.NoError(t, err)

	// 别人的单子不能取消
	err = svc.CancelWithdrawal(ctx, w.ID, 2)
	assert.True(t, xerr.Is(err, xerr.PermissionDenied))

	// 不存在的单子
	err = svc.CancelWithdrawal(ctx, 9999, 1)
	assert.True(t, xerr.Is(err, xerr.RecordNotFound))
}

func TestCancelRacesWithClaim(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(10), goodAddr)
	require.NoError(t, err)

	// 执行器先抢到单
	claimed, err := svc.ClaimPending(ctx, "ETH", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// 用户再取消已经来不及
	err = svc.CancelWithdrawal(ctx, w.ID, 1)
	assert.True(t, xerr.Is(err, xerr.InvalidState))

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Locked.Equal(decimal.NewFromInt(12)), "资金仍然冻结，等执行结果")
}

func TestFailAndRefund(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(50), goodAddr)
	require.NoError(t, err)

	claimed, err := svc.ClaimPending(ctx, "ETH", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, svc.FailAndRefund(ctx, &claimed[0], domain.WithdrawalStatusProcessing, "signer rejected"))

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)), "失败全额退款")
	assert.True(t, bal.Locked.IsZero())

	got, err := svc.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusFailed, got.Status)
	assert.Equal(t, "signer rejected", got.ErrorMsg)

	// 状态已经是 failed，重复退款被挡住
	err = svc.FailAndRefund(ctx, &claimed[0], domain.WithdrawalStatusProcessing, "again")
	assert.True(t, xerr.Is(err, xerr.InvalidState))
}

func TestSettleConfirmed(t *testing.T) {
	svc, ledger, _ := newWithdrawFixture(t)
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, 1, "ETH", decimal.NewFromInt(100), "deposit:1"))
	w, err := svc.RequestWithdrawal(ctx, 1, "ETH", decimal.NewFromInt(50), goodAddr)
	require.NoError(t, err)

	claimed, err := svc.ClaimPending(ctx, "ETH", 10)
	require.NoError(t, err)
	require.NoError(t, svc.MarkBroadcasted(ctx, claimed[0].ID, "0xtxhash"))

	got, err := svc.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalStatusBroadcasted, got.Status)

	require.NoError(t, svc.SettleConfirmed(ctx, got))

	// 52 正式离账: available 不变，locked 清零
	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(48)))
	assert.True(t, bal.Locked.IsZero())

	final, err := svc.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusConfirmed, final.Status)
	assert.Equal(t, "0xtxhash", final.TxHash)

	// 重复结算是 no-op
	require.NoError(t, svc.SettleConfirmed(ctx, got))
	bal, err = ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(48)))
}

func TestEstimateAndValidateHelpers(t *testing.T) {
	svc, _, _ := newWithdrawFixture(t)
	ctx := context.Background()

	fee, err := svc.EstimateFee(ctx, "ETH", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.NewFromInt(2)))

	ok, err := svc.ValidateAddress("ETH", goodAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ValidateAddress("ETH", "bogus")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.ValidateAddress("DOGE", goodAddr)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
}
