package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gridtrade/internal/store/model"

	"gorm.io/gorm"
)

func (s *GormStore) InsertRule(ctx context.Context, rule *model.TradingRule) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if rule == nil {
		return fmt.Errorf("rule 不能为空")
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return s.db.WithContext(ctx).Create(rule).Error
}

func (s *GormStore) GetRule(ctx context.Context, id string) (*model.TradingRule, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var rule model.TradingRule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("规则不存在: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *GormStore) ListRules(ctx context.Context, status model.RuleStatus, limit int) ([]model.TradingRule, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Model(&model.TradingRule{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rules []model.TradingRule
	if err := q.Order("priority DESC, id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListActiveRules returns ACTIVE rules ordered by priority descending, id
// ascending, so callers get a deterministic evaluation order.
func (s *GormStore) ListActiveRules(ctx context.Context) ([]model.TradingRule, error) {
	return s.ListRules(ctx, model.RuleActive, 0)
}

func (s *GormStore) UpdateRuleStatus(ctx context.Context, id string, to model.RuleStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&model.TradingRule{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordRuleAttempt increments both counters and stamps last_executed_at in
// one statement so the budget cannot drift under concurrent attempts.
func (s *GormStore) RecordRuleAttempt(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&model.TradingRule{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"execution_count":       gorm.Expr("execution_count + 1"),
			"today_execution_count": gorm.Expr("today_execution_count + 1"),
			"last_executed_at":      at,
			"updated_at":            at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetDailyCounters zeroes today_execution_count for every rule. Invoked by
// the daily rollover scheduler.
func (s *GormStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Model(&model.TradingRule{}).
		Where("today_execution_count > 0").
		Updates(map[string]any{"today_execution_count": 0, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (s *GormStore) InsertRuleExecution(ctx context.Context, exec *model.RuleExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if exec == nil {
		return fmt.Errorf("rule execution 不能为空")
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *GormStore) ListRuleExecutions(ctx context.Context, ruleID string, limit int) ([]model.RuleExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var execs []model.RuleExecution
	if err := q.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}
