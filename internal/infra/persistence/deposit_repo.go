package persistence

import (
	"context"
	"fmt"

	"vaultex.com/internal/domain"
	"vaultex.com/pkg/orm"
	"vaultex.com/pkg/xerr"
	"gorm.io/gorm/clause"
)

// InsertIgnoreDuplicates 幂等写入充值记录
// 依赖 uniq_tx (chain, tx_hash, out_index, address) 唯一索引去重
// 逐条插入是为了知道哪几条是真正的新记录
func (r *Repo) InsertIgnoreDuplicates(ctx context.Context, deposits []domain.Deposit) ([]domain.Deposit, error) {
	db := r.conn(ctx)

	inserted := make([]domain.Deposit, 0, len(deposits))
	for i := range deposits {
		d := deposits[i]
		res := db.WithContext(ctx).Clauses(clause.OnConflict{
			DoNothing: true, // 已存在说明上一轮处理过，直接忽略 (幂等)
		}).Create(&d)
		if res.Error != nil {
			return inserted, xerr.New(xerr.DbError, fmt.Sprintf("insert deposit failed: %v", res.Error))
		}
		if res.RowsAffected > 0 {
			inserted = append(inserted, d)
		}
	}
	return inserted, nil
}

// GetNonTerminal 捞出所有还在跟踪中的充值
func (r *Repo) GetNonTerminal(ctx context.Context, chain string) ([]*domain.Deposit, error) {
	db := r.conn(ctx)

	deposits := make([]*domain.Deposit, 0)
	err := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("chain = ? AND status IN ?", chain, []domain.DepositStatus{
			domain.DepositStatusDetected,
			domain.DepositStatusConfirming,
			domain.DepositStatusConfirmed,
		}).
		Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query non-terminal deposits failed: %v", err))
	}
	return deposits, nil
}

// UpdateProgress 更新确认数和中间状态
// 条件限定非终态，已经 Credited/Failed 的记录绝不回头
func (r *Repo) UpdateProgress(ctx context.Context, id int64, confirmations int64, status domain.DepositStatus) error {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status IN ?", id, []domain.DepositStatus{
			domain.DepositStatusDetected,
			domain.DepositStatusConfirming,
		}).
		Updates(map[string]interface{}{
			"confirmations": confirmations,
			"status":        status,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("update deposit progress failed: %v", res.Error))
	}
	return nil
}

// ConfirmForCredit 入账前的幂等闸门
// 0 行受影响说明并发的 sweep 已经处理过，返回 false，调用方按 no-op 处理
func (r *Repo) ConfirmForCredit(ctx context.Context, id int64) (bool, error) {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status IN ?", id, []domain.DepositStatus{
			domain.DepositStatusDetected,
			domain.DepositStatusConfirming,
		}).
		Update("status", domain.DepositStatusConfirmed)
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("confirm deposit failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}

// MarkCredited 终态标记，只允许从 Confirmed 过来
func (r *Repo) MarkCredited(ctx context.Context, id int64) error {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status = ?", id, domain.DepositStatusConfirmed).
		Update("status", domain.DepositStatusCredited)
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark credited failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return xerr.NewErrCode(xerr.InvalidState)
	}
	return nil
}

// MarkFailed 重组作废，只允许从非终态流转
func (r *Repo) MarkFailed(ctx context.Context, id int64, reason string) error {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("id = ? AND status IN ?", id, []domain.DepositStatus{
			domain.DepositStatusDetected,
			domain.DepositStatusConfirming,
			domain.DepositStatusConfirmed,
		}).
		Updates(map[string]interface{}{
			"status":    domain.DepositStatusFailed,
			"error_msg": reason,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark failed failed: %v", res.Error))
	}
	return nil
}

// ListDepositsByStatus 运维查询：卡在某个状态的充值
func (r *Repo) ListDepositsByStatus(ctx context.Context, chain string, status domain.DepositStatus, page, limit int) ([]domain.Deposit, error) {
	db := r.conn(ctx)

	var deposits []domain.Deposit
	q := db.WithContext(ctx).Model(&domain.Deposit{}).
		Where("chain = ? AND status = ?", chain, status).
		Order("id")
	err := orm.ApplyPagination(q, page, limit).Find(&deposits).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list deposits failed: %v", err))
	}
	return deposits, nil
}

// ========== CursorRepo 接口实现 ==========

// GetHeight 获取 (chain, address) 的扫描水位，首次扫描返回 0
func (r *Repo) GetHeight(ctx context.Context, chain, address string) (int64, error) {
	db := r.conn(ctx)

	var cursor domain.ScanCursor
	err := db.WithContext(ctx).
		Where("chain = ? AND address = ?", chain, address).
		First(&cursor).Error
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, xerr.New(xerr.DbError, fmt.Sprintf("query cursor failed: %v", err))
	}
	return cursor.Height, nil
}

// SetHeight Upsert 推进水位 (充值落库之后才调用)
func (r *Repo) SetHeight(ctx context.Context, chain, address string, height int64) error {
	db := r.conn(ctx)

	cursor := domain.ScanCursor{Chain: chain, Address: address, Height: height}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"height", "updated_at"}),
	}).Create(&cursor).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("update cursor failed: %v", err))
	}
	return nil
}
