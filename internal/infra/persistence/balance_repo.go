package persistence

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"vaultex.com/internal/domain"
	"vaultex.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetBalance 查余额，不存在返回零值对象 (Version=0)
// LedgerService 拿到零值后冻结必然失败，表现为余额不足
func (r *Repo) GetBalance(ctx context.Context, uid int64, asset string) (*domain.Balance, error) {
	db := r.conn(ctx)

	q := db.WithContext(ctx)
	// mysql REPEATABLE READ 下，事务内的普通读永远停在旧快照，
	// 乐观锁冲突后的重读必须用锁定读才能拿到最新版本
	// sqlite 不认 FOR UPDATE，测试库单连接本来就串行
	if inTx(ctx) && db.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var bal domain.Balance
	err := q.
		Where("user_id = ? AND asset = ?", uid, asset).
		First(&bal).Error
	if err != nil {
		if isNotFound(err) {
			return &domain.Balance{
				UserID:    uid,
				Asset:     asset,
				Available: decimal.Zero,
				Locked:    decimal.Zero,
				Version:   0,
			}, nil
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get balance failed: %v", err))
	}
	return &bal, nil
}

// LockFunds 原子冻结 (乐观锁)
// SQL: UPDATE balances SET available = available - ?, locked = locked + ?, version = version + 1
//
//	WHERE user_id = ? AND asset = ? AND available >= ? AND version = ?
func (r *Repo) LockFunds(ctx context.Context, bal *domain.Balance, amount decimal.Decimal) (bool, error) {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Balance{}).
		Where("user_id = ? AND asset = ? AND available >= ? AND version = ?",
			bal.UserID, bal.Asset, amount, bal.Version).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available - ?", amount),
			"locked":    gorm.Expr("locked + ?", amount),
			"version":   gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("lock funds failed: %v", res.Error))
	}
	// 0 行受影响: 版本被人抢了，或者余额确实不够，调用方重读判别
	return res.RowsAffected > 0, nil
}

// UnlockFunds 解冻，守卫 locked >= amount 保证 locked 不会被减成负数
func (r *Repo) UnlockFunds(ctx context.Context, bal *domain.Balance, amount decimal.Decimal) (bool, error) {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Balance{}).
		Where("user_id = ? AND asset = ? AND locked >= ? AND version = ?",
			bal.UserID, bal.Asset, amount, bal.Version).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available + ?", amount),
			"locked":    gorm.Expr("locked - ?", amount),
			"version":   gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("unlock funds failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}

// DebitLocked 结算扣减：花掉已冻结的部分
func (r *Repo) DebitLocked(ctx context.Context, bal *domain.Balance, amount decimal.Decimal) (bool, error) {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Balance{}).
		Where("user_id = ? AND asset = ? AND locked >= ? AND version = ?",
			bal.UserID, bal.Asset, amount, bal.Version).
		Updates(map[string]interface{}{
			"locked":  gorm.Expr("locked - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("debit locked failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}

// CreditBalance 入账 (Upsert: 不存在则创建)
// 只有确认入账路径会调，并且总是在事务里和状态流转绑一起
func (r *Repo) CreditBalance(ctx context.Context, uid int64, asset string, amount decimal.Decimal) error {
	db := r.conn(ctx)

	bal := domain.Balance{
		UserID:    uid,
		Asset:     asset,
		Available: amount,
		Locked:    decimal.Zero,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available": gorm.Expr("available + ?", amount),
			"version":   gorm.Expr("version + 1"),
		}),
	}).Create(&bal).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("credit balance failed: %v", err))
	}
	return nil
}

// AppendEntry 追加资金流水
func (r *Repo) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	db := r.conn(ctx)

	if err := db.WithContext(ctx).Create(entry).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("append ledger entry failed: %v", err))
	}
	return nil
}
