package store

import (
	"context"
	"time"

	"gridtrade/internal/store/model"

	"github.com/shopspring/decimal"
)

// ConditionalOrderStore persists conditional orders and their trigger logs.
// Status changes go through CASOrderStatus so a transition happens at most
// once even under concurrent tick evaluation.
type ConditionalOrderStore interface {
	InsertOrder(ctx context.Context, order *model.ConditionalOrder) error
	GetOrder(ctx context.Context, id string) (*model.ConditionalOrder, error)
	ListOrders(ctx context.Context, owner string, status model.OrderStatus, limit int) ([]model.ConditionalOrder, error)
	ListPendingOrders(ctx context.Context, province string) ([]model.ConditionalOrder, error)

	// CASOrderStatus performs a compare-and-set transition. It returns false
	// with no error when another writer already moved the order away from the
	// expected status.
	CASOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, updates map[string]any) (bool, error)

	InsertTriggerLog(ctx context.Context, log *model.TriggerLog) error
	AnnotateTriggerLog(ctx context.Context, orderID string, success bool, externalOrderID, errMsg string) error
	ListTriggerLogs(ctx context.Context, orderID string) ([]model.TriggerLog, error)
}

// RuleStore persists trading rules and their execution records.
type RuleStore interface {
	InsertRule(ctx context.Context, rule *model.TradingRule) error
	GetRule(ctx context.Context, id string) (*model.TradingRule, error)
	ListRules(ctx context.Context, status model.RuleStatus, limit int) ([]model.TradingRule, error)

	// ListActiveRules returns every ACTIVE rule ordered by priority
	// descending, id ascending. Rule evaluation relies on this ordering for
	// its match-order guarantee.
	ListActiveRules(ctx context.Context) ([]model.TradingRule, error)
	UpdateRuleStatus(ctx context.Context, id string, to model.RuleStatus) error

	// RecordRuleAttempt bumps both execution counters and last_executed_at in
	// one statement. Attempts consume budget whether or not they succeed.
	RecordRuleAttempt(ctx context.Context, id string, at time.Time) error
	ResetDailyCounters(ctx context.Context) (int64, error)

	InsertRuleExecution(ctx context.Context, exec *model.RuleExecution) error
	ListRuleExecutions(ctx context.Context, ruleID string, limit int) ([]model.RuleExecution, error)
}

// AlgoStore persists parent algo orders and their slices.
type AlgoStore interface {
	InsertAlgo(ctx context.Context, order *model.AlgoOrder, slices []model.AlgoSlice) error
	GetAlgo(ctx context.Context, id string) (*model.AlgoOrder, error)
	ListAlgos(ctx context.Context, owner string, status model.AlgoStatus, limit int) ([]model.AlgoOrder, error)
	CASAlgoStatus(ctx context.Context, id string, from []model.AlgoStatus, to model.AlgoStatus, updates map[string]any) (bool, error)

	ListSlices(ctx context.Context, algoID string) ([]model.AlgoSlice, error)
	GetSlice(ctx context.Context, id string) (*model.AlgoSlice, error)
	CASSliceStatus(ctx context.Context, id string, from []model.SliceStatus, to model.SliceStatus, updates map[string]any) (bool, error)
	CancelOpenSlices(ctx context.Context, algoID string) (int64, error)
	UpdateAlgoAggregates(ctx context.Context, id string, filled, avgPrice decimal.Decimal, slicesFilled int) error
}
