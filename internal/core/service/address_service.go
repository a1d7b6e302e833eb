package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/hdwallet"
	"vaultex.com/pkg/logger"
	"vaultex.com/pkg/xerr"
)

// 派生索引分配的重试上限
const maxIndexRetries = 3

// AddressService 收款地址管理
// 派生是纯函数，唯一的竞争点是每条链的索引计数器
type AddressService struct {
	addrs    domain.AddressRepo
	counters domain.CounterRepo
	wallets  map[string]*hdwallet.XpubWallet // chain -> 派生器
}

func NewAddressService(addrs domain.AddressRepo, counters domain.CounterRepo, wallets map[string]*hdwallet.XpubWallet) *AddressService {
	return &AddressService{addrs: addrs, counters: counters, wallets: wallets}
}

// CreateDepositAddress 给用户分配一个新收款地址
// 索引单调递增、绝不复用；极小概率的无效子键直接换下一个索引
func (s *AddressService) CreateDepositAddress(ctx context.Context, uid int64, chain string) (*domain.DepositAddress, error) {
	wallet, ok := s.wallets[chain]
	if !ok {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("不支持的链 %q", chain))
	}

	var (
		index   uint32
		address string
	)
	for attempt := 0; ; attempt++ {
		idx, err := s.allocateIndex(ctx, chain)
		if err != nil {
			return nil, err
		}
		address, err = wallet.DeriveAddress(idx)
		if err == nil {
			index = idx
			break
		}
		// 无效子键：跳过这个索引 (缺口可以接受，复用不行)
		logger.Warn(ctx, "派生失败，跳过索引",
			zap.String("chain", chain), zap.Uint32("index", idx), zap.Error(err))
		if attempt >= maxIndexRetries {
			return nil, xerr.New(xerr.ServerCommonError, fmt.Sprintf("derive address failed: %v", err))
		}
	}

	addr := &domain.DepositAddress{
		UserID:          uid,
		Chain:           chain,
		Address:         address,
		DerivationIndex: index,
		Status:          domain.AddressStatusActive,
	}
	if err := s.addrs.Save(ctx, addr); err != nil {
		return nil, err
	}

	logger.Info(ctx, "分配收款地址",
		zap.Int64("uid", uid),
		zap.String("chain", chain),
		zap.Uint32("index", index),
		zap.String("address", address))
	return addr, nil
}

// allocateIndex 计数器 fetch-and-increment，乐观锁有界重试
// 返回的是递增前的值：第一个地址用索引 0
func (s *AddressService) allocateIndex(ctx context.Context, chain string) (uint32, error) {
	id := "addr_idx:" + chain
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		c, err := s.counters.GetCounter(ctx, id)
		if err != nil {
			return 0, err
		}
		ok, err := s.counters.BumpCounter(ctx, id, c.Version, c.Value+1)
		if err != nil {
			return 0, err
		}
		if ok {
			return uint32(c.Value), nil
		}
	}
	return 0, xerr.NewErrCode(xerr.AllocationConflict)
}

// RetireAddress 下线地址，之后的扫描周期不再碰它
// 历史充值记录不受影响
func (s *AddressService) RetireAddress(ctx context.Context, id int64) error {
	return s.addrs.Retire(ctx, id)
}

// GetByAddress 反查地址归属
func (s *AddressService) GetByAddress(ctx context.Context, address string) (*domain.DepositAddress, error) {
	return s.addrs.GetByAddress(ctx, address)
}
