package domain

import (
	"context"
	"time"
)

type AddressStatus uint8

const (
	AddressStatusActive  AddressStatus = iota // 参与扫描
	AddressStatusRetired                      // 管理员下线，不再扫
)

// DepositAddress 用户收款地址
// address 和 derivation_index 一经创建不可变，只能被下线
type DepositAddress struct {
	ID              int64
	UserID          int64
	Chain           string `gorm:"uniqueIndex:uniq_chain_idx;size:16"`
	Address         string `gorm:"uniqueIndex;size:128"`
	DerivationIndex uint32 `gorm:"uniqueIndex:uniq_chain_idx"` // 同链上 index 不允许复用
	Status          AddressStatus
	CreatedAt       time.Time
}

// AddressRepo 收款地址仓储
type AddressRepo interface {
	Save(ctx context.Context, addr *DepositAddress) error
	// GetActiveByChain 本轮扫描的地址清单
	GetActiveByChain(ctx context.Context, chain string) ([]DepositAddress, error)
	GetByAddress(ctx context.Context, address string) (*DepositAddress, error)
	// Retire 条件更新 active -> retired
	Retire(ctx context.Context, id int64) error
}

// Counter 单调递增的派生索引分配器
// 每条链一行，靠 version 乐观锁做 fetch-and-increment
type Counter struct {
	ID        string `gorm:"primaryKey;size:64"` // 例如 "addr_idx:ETH"
	Value     int64
	Version   int64
	UpdatedAt time.Time
}

// CounterRepo 计数器仓储
type CounterRepo interface {
	// GetCounter 不存在时返回零值 (Value=0, Version=0)
	GetCounter(ctx context.Context, id string) (*Counter, error)
	// BumpCounter 条件写: WHERE version = ?，抢不到返回 0 行
	// 返回 false 表示版本冲突，调用方重读重试
	BumpCounter(ctx context.Context, id string, oldVersion int64, newValue int64) (bool, error)
}
