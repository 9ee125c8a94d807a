package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridtrade/internal/condition"
	"gridtrade/internal/logger"
	"gridtrade/internal/market"
	"gridtrade/internal/ratelimit"
	"gridtrade/internal/store"
	"gridtrade/internal/store/model"

	"github.com/google/uuid"
)

var (
	// ErrBadTransition is returned for illegal status changes.
	ErrBadTransition = errors.New("规则状态不允许该转移")
	// ErrRateLimited is returned when an execution attempt has no budget left.
	ErrRateLimited = errors.New("规则触发频率受限")
)

// ActionDispatcher is the slice of the dispatcher this manager needs.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action model.ActionType, params, trigger map[string]any) (map[string]any, error)
}

// Manager owns the trading-rule lifecycle: arbitrary AND/OR expression
// trees evaluated against tick contexts, throttled per rule.
type Manager struct {
	store      store.RuleStore
	dispatcher ActionDispatcher
	limiter    *ratelimit.Limiter
	nowFn      func() time.Time
}

func NewManager(st store.RuleStore, dispatcher ActionDispatcher) *Manager {
	m := &Manager{store: st, dispatcher: dispatcher, nowFn: time.Now}
	m.limiter = ratelimit.NewWithClock(func() time.Time { return m.nowFn() })
	return m
}

// SetClock overrides the clock for deterministic tests.
func (m *Manager) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		m.nowFn = nowFn
	}
}

// CreateParams describes a new rule. Nil Provinces/MarketTypes scope the
// rule to every province / market type.
type CreateParams struct {
	Name         string
	Expression   *condition.Expression
	ActionType   model.ActionType
	ActionParams map[string]any

	Provinces   []string
	MarketTypes []string
	Priority    int

	MaxExecutionsPerDay int
	MinIntervalSeconds  int
}

// Create validates and persists a rule. Rules start INACTIVE and must be
// explicitly activated.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.TradingRule, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("规则名称不能为空")
	}
	if p.Expression == nil {
		return nil, fmt.Errorf("规则必须携带条件表达式")
	}
	if err := p.Expression.Validate(); err != nil {
		return nil, err
	}
	if !p.ActionType.Valid() {
		return nil, fmt.Errorf("未知动作类型: %q", p.ActionType)
	}
	if p.MaxExecutionsPerDay < 0 || p.MinIntervalSeconds < 0 {
		return nil, fmt.Errorf("限流参数不能为负")
	}
	exprJSON, err := json.Marshal(p.Expression)
	if err != nil {
		return nil, fmt.Errorf("序列化表达式失败: %w", err)
	}
	paramsJSON, err := json.Marshal(p.ActionParams)
	if err != nil {
		return nil, fmt.Errorf("序列化动作参数失败: %w", err)
	}
	rule := &model.TradingRule{
		ID:                  uuid.NewString(),
		Name:                p.Name,
		ExpressionJSON:      exprJSON,
		ActionType:          p.ActionType,
		ActionParams:        paramsJSON,
		Priority:            p.Priority,
		Status:              model.RuleInactive,
		MaxExecutionsPerDay: p.MaxExecutionsPerDay,
		MinIntervalSeconds:  p.MinIntervalSeconds,
	}
	if p.Provinces != nil {
		normalized := make([]string, 0, len(p.Provinces))
		for _, prov := range p.Provinces {
			normalized = append(normalized, market.NormalizeProvince(prov))
		}
		rule.ProvincesJSON, _ = json.Marshal(normalized)
	}
	if p.MarketTypes != nil {
		rule.MarketTypesJSON, _ = json.Marshal(p.MarketTypes)
	}
	if err := m.store.InsertRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("写入规则失败: %w", err)
	}
	logger.Infof("创建交易规则 id=%s name=%q action=%s priority=%d", rule.ID, rule.Name, rule.ActionType, rule.Priority)
	return rule, nil
}

// Activate enables a rule from INACTIVE or PAUSED.
func (m *Manager) Activate(ctx context.Context, id string) error {
	return m.transition(ctx, id, model.RuleActive, model.RuleInactive, model.RulePaused)
}

// Pause suspends an ACTIVE rule.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, model.RulePaused, model.RuleActive)
}

// Deactivate retires a rule from any state.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	return m.transition(ctx, id, model.RuleInactive, model.RuleActive, model.RulePaused, model.RuleInactive)
}

func (m *Manager) transition(ctx context.Context, id string, to model.RuleStatus, allowedFrom ...model.RuleStatus) error {
	rule, err := m.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	legal := false
	for _, from := range allowedFrom {
		if rule.Status == from {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w (id=%s, %s -> %s)", ErrBadTransition, id, rule.Status, to)
	}
	return m.store.UpdateRuleStatus(ctx, id, to)
}

// EvaluateRules returns the ACTIVE rules whose scope covers the given
// province/market type, whose rate-limit budget allows another execution,
// and whose expression matches the context. Matches come back ordered by
// priority descending (rule id ascending on ties) and the caller is
// expected to execute them in that order.
func (m *Manager) EvaluateRules(ctx context.Context, evalCtx map[string]any, province string, marketType market.MarketType) ([]model.TradingRule, error) {
	rules, err := m.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询生效规则失败: %w", err)
	}
	province = market.NormalizeProvince(province)
	var matched []model.TradingRule
	for i := range rules {
		r := rules[i]
		if !scopeContains(r.ProvincesJSON, province) {
			continue
		}
		if !scopeContains(r.MarketTypesJSON, string(marketType)) {
			continue
		}
		limits := ratelimit.Limits{
			MaxPerDay:   r.MaxExecutionsPerDay,
			MinInterval: time.Duration(r.MinIntervalSeconds) * time.Second,
		}
		if ok, _ := m.limiter.Allow(limits, r.TodayExecutionCount, r.LastExecutedAt); !ok {
			continue
		}
		expr, err := condition.Parse(r.ExpressionJSON)
		if err != nil {
			logger.Errorf("规则 %s 表达式损坏: %v", r.ID, err)
			continue
		}
		if condition.Evaluate(expr, evalCtx) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// scopeContains reports whether a stored scope list covers value. A null
// list applies to everything.
func scopeContains(raw []byte, value string) bool {
	if len(raw) == 0 {
		return true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return false
	}
	if value == "" {
		return true
	}
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// Execute dispatches the rule's action. The attempt consumes rate-limit
// budget whether or not the collaborator succeeds, so a failing rule cannot
// turn into a retry storm.
func (m *Manager) Execute(ctx context.Context, ruleID string, triggerData map[string]any) (*model.RuleExecution, error) {
	rule, err := m.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	limits := ratelimit.Limits{
		MaxPerDay:   rule.MaxExecutionsPerDay,
		MinInterval: time.Duration(rule.MinIntervalSeconds) * time.Second,
	}
	if ok, reason := m.limiter.Allow(limits, rule.TodayExecutionCount, rule.LastExecutedAt); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, reason)
	}
	now := m.nowFn()
	if err := m.store.RecordRuleAttempt(ctx, rule.ID, now); err != nil {
		return nil, fmt.Errorf("记录执行尝试失败: %w", err)
	}

	var params map[string]any
	var paramsErr error
	if len(rule.ActionParams) > 0 {
		paramsErr = json.Unmarshal(rule.ActionParams, &params)
	}
	triggerJSON, _ := json.Marshal(triggerData)
	exec := &model.RuleExecution{
		RuleID:      rule.ID,
		TriggerJSON: triggerJSON,
		ActionType:  rule.ActionType,
		ParamsJSON:  rule.ActionParams,
		CreatedAt:   now,
	}
	// Corrupt params still count as an attempted firing: the budget is
	// already consumed and the failure gets its execution record.
	if paramsErr != nil {
		exec.Success = false
		exec.Error = fmt.Sprintf("动作参数损坏: %v", paramsErr)
		logger.Errorf("规则 %s 动作参数损坏: %v", rule.ID, paramsErr)
		if err := m.store.InsertRuleExecution(ctx, exec); err != nil {
			logger.Errorf("规则 %s 写执行记录失败: %v", rule.ID, err)
		}
		return exec, nil
	}
	result, dispatchErr := m.dispatcher.Dispatch(ctx, rule.ActionType, params, triggerData)
	if dispatchErr != nil {
		exec.Success = false
		exec.Error = dispatchErr.Error()
		logger.Errorf("规则执行失败 id=%s name=%q: %v", rule.ID, rule.Name, dispatchErr)
	} else {
		exec.Success = true
		exec.ResultJSON, _ = json.Marshal(result)
		logger.Infof("规则执行成功 id=%s name=%q action=%s", rule.ID, rule.Name, rule.ActionType)
	}
	if err := m.store.InsertRuleExecution(ctx, exec); err != nil {
		logger.Errorf("规则 %s 写执行记录失败: %v", rule.ID, err)
	}
	return exec, nil
}

// ResetDailyCounters zeroes every rule's today counter. Invoked once per
// calendar day by the rollover scheduler.
func (m *Manager) ResetDailyCounters(ctx context.Context) error {
	n, err := m.store.ResetDailyCounters(ctx)
	if err != nil {
		return fmt.Errorf("重置当日计数失败: %w", err)
	}
	logger.Infof("每日执行计数已重置 rules=%d", n)
	return nil
}

// Get returns one rule by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.TradingRule, error) {
	return m.store.GetRule(ctx, id)
}

// List returns rules filtered by status.
func (m *Manager) List(ctx context.Context, status model.RuleStatus, limit int) ([]model.TradingRule, error) {
	return m.store.ListRules(ctx, status, limit)
}

// Executions returns the execution history of one rule.
func (m *Manager) Executions(ctx context.Context, ruleID string, limit int) ([]model.RuleExecution, error) {
	return m.store.ListRuleExecutions(ctx, ruleID, limit)
}
