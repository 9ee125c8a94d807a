package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrade/internal/store/model"

	"gorm.io/gorm"
)

func (s *GormStore) InsertOrder(ctx context.Context, order *model.ConditionalOrder) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if order == nil {
		return fmt.Errorf("order 不能为空")
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *GormStore) GetOrder(ctx context.Context, id string) (*model.ConditionalOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var order model.ConditionalOrder
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("委托单不存在: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) ListOrders(ctx context.Context, owner string, status model.OrderStatus, limit int) ([]model.ConditionalOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Model(&model.ConditionalOrder{})
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var orders []model.ConditionalOrder
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ListPendingOrders returns PENDING orders scoped to a province, ordered by
// id for a stable evaluation order.
func (s *GormStore) ListPendingOrders(ctx context.Context, province string) ([]model.ConditionalOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var orders []model.ConditionalOrder
	err := s.db.WithContext(ctx).
		Where("province = ? AND status = ?", province, model.OrderPending).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CASOrderStatus moves an order from -> to only if it is still at from.
// RowsAffected == 0 means a concurrent writer won; callers treat that as a
// clean no-op, which is what makes triggering at-most-once.
func (s *GormStore) CASOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, updates map[string]any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	payload := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range updates {
		payload[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.ConditionalOrder{}).
		Where("id = ? AND status = ?", id, from).
		Updates(payload)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) InsertTriggerLog(ctx context.Context, log *model.TriggerLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if log == nil {
		return fmt.Errorf("trigger log 不能为空")
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	log.UpdatedAt = log.CreatedAt
	return s.db.WithContext(ctx).Create(log).Error
}

// AnnotateTriggerLog writes the execution outcome onto the most recent
// trigger log of the order.
func (s *GormStore) AnnotateTriggerLog(ctx context.Context, orderID string, success bool, externalOrderID, errMsg string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	var latest model.TriggerLog
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("委托单 %s 没有触发记录", orderID)
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&model.TriggerLog{}).
		Where("id = ?", latest.ID).
		Updates(map[string]any{
			"success":           success,
			"external_order_id": externalOrderID,
			"error":             errMsg,
			"updated_at":        time.Now(),
		}).Error
}

func (s *GormStore) ListTriggerLogs(ctx context.Context, orderID string) ([]model.TriggerLog, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var logs []model.TriggerLog
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
