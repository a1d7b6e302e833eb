package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vaultex.com/internal/domain"
	"vaultex.com/internal/infra/persistence"
)

// fakeSource 可编程的确认数来源
type fakeSource struct {
	mu       sync.Mutex
	conf     map[string]int64
	missing  map[string]bool
	failing  map[string]bool
	required int64
}

func newFakeSource(required int64) *fakeSource {
	return &fakeSource{
		conf:     make(map[string]int64),
		missing:  make(map[string]bool),
		failing:  make(map[string]bool),
		required: required,
	}
}

func (f *fakeSource) set(txHash string, conf int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conf[txHash] = conf
}

func (f *fakeSource) TxConfirmations(_ context.Context, txHash string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[txHash] {
		return 0, false, errors.New("node unavailable")
	}
	if f.missing[txHash] {
		return 0, false, nil
	}
	return f.conf[txHash], true, nil
}

func (f *fakeSource) RequiredConfirmations() int64 { return f.required }

func newTrackerFixture(t *testing.T, required int64) (*DepositTracker, *LedgerService, *persistence.Repo, *fakeSource) {
	t.Helper()
	repo := newTestRepo(t)
	ledger := NewLedgerService(repo)
	src := newFakeSource(required)
	tracker := NewDepositTracker(repo, ledger, repo, map[string]TrackerSource{"ETH": src})
	return tracker, ledger, repo, src
}

func seedDeposit(t *testing.T, repo *persistence.Repo, txHash string, amount decimal.Decimal) int64 {
	t.Helper()
	inserted, err := repo.InsertIgnoreDuplicates(context.Background(), []domain.Deposit{
		{UserID: 1, Chain: "ETH", TxHash: txHash, Address: "0x01",
			Symbol: "ETH", Amount: amount, Status: domain.DepositStatusDetected},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	return inserted[0].ID
}

// 完整走一遍: 检测 -> 确认累积 -> 达标入账 -> 终态不再碰
func TestSweepCreditsOnceConfirmed(t *testing.T) {
	tracker, ledger, repo, src := newTrackerFixture(t, 12)
	ctx := context.Background()

	amount := decimal.NewFromFloat(1.5)
	id := seedDeposit(t, repo, "0xaa", amount)

	// 3/12 确认: 只推进进度，不入账
	src.set("0xaa", 3)
	rep := tracker.Sweep(ctx)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 0, rep.Confirmed)
	assert.Equal(t, 0, rep.Credited)

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero(), "确认数不够绝不入账")

	// 12/12: 确认并入账一次
	src.set("0xaa", 12)
	rep = tracker.Sweep(ctx)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, 1, rep.Credited)

	bal, err = ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(amount))

	credited, err := repo.ListDepositsByStatus(ctx, "ETH", domain.DepositStatusCredited, 1, 10)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assert.Equal(t, id, credited[0].ID)

	// 再 sweep: 终态记录不被选中，余额不变
	rep = tracker.Sweep(ctx)
	assert.Equal(t, 0, rep.Checked)
	bal, err = ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(amount), "重复 sweep 绝不重复入账")
}

// N 个并发 sweep 抢同一笔达标充值，只有一个赢家
func TestConcurrentSweepsCreditExactlyOnce(t *testing.T) {
	tracker, ledger, repo, src := newTrackerFixture(t, 6)
	ctx := context.Background()

	amount := decimal.NewFromInt(2)
	seedDeposit(t, repo, "0xbb", amount)
	src.set("0xbb", 6)

	const sweepers = 3
	var wg sync.WaitGroup
	var mu sync.Mutex
	totalCredited := 0
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep := tracker.Sweep(ctx)
			mu.Lock()
			totalCredited += rep.Credited
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, totalCredited, "幂等闸门保证只有一个赢家")

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(amount))
}

// 重组: 交易从主链消失，作废且绝不入账
func TestSweepReorgMarksFailed(t *testing.T) {
	tracker, ledger, repo, src := newTrackerFixture(t, 6)
	ctx := context.Background()

	seedDeposit(t, repo, "0xcc", decimal.NewFromInt(5))
	src.missing["0xcc"] = true

	rep := tracker.Sweep(ctx)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Credited)

	failed, err := repo.ListDepositsByStatus(ctx, "ETH", domain.DepositStatusFailed, 1, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	bal, err := ledger.GetBalance(ctx, 1, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}

// 单条失败不打断整轮
func TestSweepErrorIsolation(t *testing.T) {
	tracker, _, repo, src := newTrackerFixture(t, 6)
	ctx := context.Background()

	seedDeposit(t, repo, "0xdd", decimal.NewFromInt(1))
	seedDeposit(t, repo, "0xee", decimal.NewFromInt(1))
	src.failing["0xdd"] = true
	src.set("0xee", 6)

	rep := tracker.Sweep(ctx)
	assert.Equal(t, 2, rep.Checked)
	assert.Len(t, rep.Errors, 1, "坏的那条记错误")
	assert.Equal(t, 1, rep.Credited, "好的那条照常入账")
}
