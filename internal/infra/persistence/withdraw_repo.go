package persistence

import (
	"context"
	"fmt"

	"vaultex.com/internal/domain"
	"vaultex.com/pkg/orm"
	"vaultex.com/pkg/xerr"
)

// Create 创建提现单
func (r *Repo) Create(ctx context.Context, w *domain.Withdrawal) error {
	db := r.conn(ctx)

	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("create withdrawal failed: %v", err))
	}
	return nil
}

// GetByID 查提现单
func (r *Repo) GetByID(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	db := r.conn(ctx)

	var w domain.Withdrawal
	err := db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if isNotFound(err) {
			return nil, xerr.NewErrCode(xerr.RecordNotFound)
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("get withdrawal failed: %v", err))
	}
	return &w, nil
}

// TransitionStatus 条件状态流转，0 行受影响返回 false
func (r *Repo) TransitionStatus(ctx context.Context, id int64, from, to domain.WithdrawalStatus) (bool, error) {
	db := r.conn(ctx)

	res := db.WithContext(ctx).Model(&domain.Withdrawal{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("transition withdrawal failed: %v", res.Error))
	}
	return res.RowsAffected > 0, nil
}

// ClaimPending 抢单: 逐条条件流转 pending -> processing
// 逐条 CAS 而不是 FOR UPDATE，多节点下输家自然拿不到单子
func (r *Repo) ClaimPending(ctx context.Context, chain string, limit int) ([]domain.Withdrawal, error) {
	db := r.conn(ctx)

	var candidates []domain.Withdrawal
	err := db.WithContext(ctx).
		Where("chain = ? AND status = ?", chain, domain.WithdrawalStatusPending).
		Order("id").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query pending withdrawals failed: %v", err))
	}

	claimed := make([]domain.Withdrawal, 0, len(candidates))
	for i := range candidates {
		ok, err := r.TransitionStatus(ctx, candidates[i].ID,
			domain.WithdrawalStatusPending, domain.WithdrawalStatusProcessing)
		if err != nil {
			return claimed, err
		}
		if ok {
			candidates[i].Status = domain.WithdrawalStatusProcessing
			claimed = append(claimed, candidates[i])
		}
	}
	return claimed, nil
}

// UpdateResult 回写广播/确认结果
func (r *Repo) UpdateResult(ctx context.Context, id int64, txHash string, status domain.WithdrawalStatus, errMsg string) error {
	db := r.conn(ctx)

	err := db.WithContext(ctx).Model(&domain.Withdrawal{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tx_hash":   txHash,
			"status":    status,
			"error_msg": errMsg,
		}).Error
	if err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("update withdrawal result failed: %v", err))
	}
	return nil
}

// ListWithdrawalsByStatus 运维查询：卡在某个状态的提现
func (r *Repo) ListWithdrawalsByStatus(ctx context.Context, chain string, status domain.WithdrawalStatus, page, limit int) ([]domain.Withdrawal, error) {
	db := r.conn(ctx)

	var ws []domain.Withdrawal
	q := db.WithContext(ctx).Model(&domain.Withdrawal{}).
		Where("chain = ? AND status = ?", chain, status).
		Order("id")
	err := orm.ApplyPagination(q, page, limit).Find(&ws).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list withdrawals failed: %v", err))
	}
	return ws, nil
}
