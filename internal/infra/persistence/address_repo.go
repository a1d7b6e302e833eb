package persistence

import (
	"context"
	"fmt"

	"vaultex.com/internal/domain"
	"vaultex.com/pkg/xerr"
)

// Save 保存收款地址
func (r *Repo) Save(ctx context.Context, addr *domain.DepositAddress) error {
	db := r.conn(ctx)

	if err := db.WithContext(ctx).Create(addr).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("save deposit address failed: %v", err))
	}
	return nil
}

// GetActiveByChain 本轮扫描的地址清单 (retired 的不参与)
func (r *Repo) GetActiveByChain(ctx context.Context, chain string) ([]domain.DepositAddress, error) {
	db := r.conn(ctx)

	var addrs []domain.DepositAddress
	err := db.WithContext(ctx).
		Where("chain = ? AND status = ?", chain, domain.AddressStatusActive).
		Find(&addrs).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query active addresses failed: %v", err))
	}
	return addrs, nil
}

// GetByAddress 根据地址找归属
func (r *Repo) GetByAddress(ctx context.Context, address string) (*domain.DepositAddress, error) {
	db := r.conn(ctx)

	var addr domain.DepositAddress
	err := db.WithContext(ctx).
		Where("address = ?", address).
		First(&addr).Error
	if err != nil {
		if isNotFound(err) {
			return nil, xerr.NewErrCode(xerr.RecordNotFound)
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query address failed: %v", err))
	}
	return &addr, nil
}

// Retire 管理员下线地址，条件更新 active -> retired
func (r *Repo) Retire(ctx context.Context, id int64) error {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.DepositAddress{}).
		Where("id = ? AND status = ?", id, domain.AddressStatusActive).
		Update("status", domain.AddressStatusRetired)
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("retire address failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return xerr.NewErrCode(xerr.InvalidState)
	}
	return nil
}

// ========== CounterRepo 接口实现 ==========

// GetCounter 读取计数器，不存在返回零值 (首次分配)
func (r *Repo) GetCounter(ctx context.Context, id string) (*domain.Counter, error) {
	db := r.conn(ctx)

	var c domain.Counter
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if isNotFound(err) {
			return &domain.Counter{ID: id, Value: 0, Version: 0}, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get counter failed: %v", err))
	}
	return &c, nil
}

// BumpCounter 条件写计数器，乐观锁版本不匹配返回 false
// Version=0 表示行还不存在，走插入；插入撞唯一键也算冲突
func (r *Repo) BumpCounter(ctx context.Context, id string, oldVersion int64, newValue int64) (bool, error) {
	db := r.conn(ctx)

	if oldVersion == 0 {
		c := domain.Counter{ID: id, Value: newValue, Version: 1}
		res := db.WithContext(ctx).Where("id = ?", id).FirstOrCreate(&c)
		if res.Error != nil {
			return false, xerr.New(xerr.DbError, fmt.Sprintf("create counter failed: %v", res.Error))
		}
		// RowsAffected=0 说明别人刚插进去了，按冲突处理
		return res.RowsAffected > 0, nil
	}

	res := db.WithContext(ctx).Model(&domain.Counter{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(map[string]interface{}{
			"value":   newValue,
			"version": oldVersion + 1,
		})
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("bump counter failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}
