package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrade/internal/store/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InsertAlgo writes the parent and its slices atomically.
func (s *GormStore) InsertAlgo(ctx context.Context, order *model.AlgoOrder, slices []model.AlgoSlice) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if order == nil {
		return fmt.Errorf("algo order 不能为空")
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		if len(slices) == 0 {
			return nil
		}
		for i := range slices {
			if slices[i].CreatedAt.IsZero() {
				slices[i].CreatedAt = now
			}
			slices[i].UpdatedAt = now
		}
		return tx.Create(&slices).Error
	})
}

func (s *GormStore) GetAlgo(ctx context.Context, id string) (*model.AlgoOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var order model.AlgoOrder
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("算法单不存在: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) ListAlgos(ctx context.Context, owner string, status model.AlgoStatus, limit int) ([]model.AlgoOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Model(&model.AlgoOrder{})
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var orders []model.AlgoOrder
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CASAlgoStatus transitions the parent only while it is still in one of the
// expected from states.
func (s *GormStore) CASAlgoStatus(ctx context.Context, id string, from []model.AlgoStatus, to model.AlgoStatus, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("CAS 需要至少一个期望状态")
	}
	payload := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		payload[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.AlgoOrder{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(payload)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListSlices(ctx context.Context, algoID string) ([]model.AlgoSlice, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var slices []model.AlgoSlice
	err := s.db.WithContext(ctx).
		Where("algo_id = ?", algoID).
		Order("sequence ASC").
		Find(&slices).Error
	if err != nil {
		return nil, err
	}
	return slices, nil
}

func (s *GormStore) GetSlice(ctx context.Context, id string) (*model.AlgoSlice, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var slice model.AlgoSlice
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&slice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("切片不存在: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &slice, nil
}

func (s *GormStore) CASSliceStatus(ctx context.Context, id string, from []model.SliceStatus, to model.SliceStatus, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("CAS 需要至少一个期望状态")
	}
	payload := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		payload[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.AlgoSlice{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(payload)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelOpenSlices marks every not-yet-filled slice cancelled. Filled slices
// are never retroactively cancelled.
func (s *GormStore) CancelOpenSlices(ctx context.Context, algoID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&model.AlgoSlice{}).
		Where("algo_id = ? AND status IN ?", algoID, []model.SliceStatus{model.SlicePending, model.SliceSubmitted}).
		Updates(map[string]any{"status": model.SliceCancelled, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// UpdateAlgoAggregates writes the derived fill fields recomputed from the
// slice set.
func (s *GormStore) UpdateAlgoAggregates(ctx context.Context, id string, filled, avgPrice decimal.Decimal, slicesFilled int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&model.AlgoOrder{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"filled_quantity": filled,
			"average_price":   avgPrice,
			"slices_filled":   slicesFilled,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
