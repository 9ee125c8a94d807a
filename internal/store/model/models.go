package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ConditionKind is the closed set of conditional-order trigger types.
type ConditionKind string

const (
	KindPriceAbove     ConditionKind = "PRICE_ABOVE"
	KindPriceBelow     ConditionKind = "PRICE_BELOW"
	KindPriceChangePct ConditionKind = "PRICE_CHANGE_PCT"
	KindTimeTrigger    ConditionKind = "TIME_TRIGGER"
	KindVolumeAbove    ConditionKind = "VOLUME_ABOVE"
	KindIndicator      ConditionKind = "INDICATOR"
)

func (k ConditionKind) Valid() bool {
	switch k {
	case KindPriceAbove, KindPriceBelow, KindPriceChangePct, KindTimeTrigger, KindVolumeAbove, KindIndicator:
		return true
	default:
		return false
	}
}

// OrderStatus transitions are monotonic:
// PENDING -> TRIGGERED -> EXECUTED | FAILED, or PENDING -> EXPIRED | CANCELLED.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderTriggered OrderStatus = "TRIGGERED"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderFailed    OrderStatus = "FAILED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is legal.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderExecuted, OrderFailed, OrderExpired, OrderCancelled:
		return true
	default:
		return false
	}
}

// ActionType is the closed set of rule effects.
type ActionType string

const (
	ActionPlaceOrder      ActionType = "PLACE_ORDER"
	ActionSendAlert       ActionType = "SEND_ALERT"
	ActionCancelOrder     ActionType = "CANCEL_ORDER"
	ActionAdjustPosition  ActionType = "ADJUST_POSITION"
	ActionExecuteStrategy ActionType = "EXECUTE_STRATEGY"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionPlaceOrder, ActionSendAlert, ActionCancelOrder, ActionAdjustPosition, ActionExecuteStrategy:
		return true
	default:
		return false
	}
}

type RuleStatus string

const (
	RuleInactive RuleStatus = "INACTIVE"
	RuleActive   RuleStatus = "ACTIVE"
	RulePaused   RuleStatus = "PAUSED"
)

type AlgoType string

const (
	AlgoTWAP    AlgoType = "TWAP"
	AlgoVWAP    AlgoType = "VWAP"
	AlgoIceberg AlgoType = "ICEBERG"
)

// AlgoStatus: CREATED -> RUNNING <-> PAUSED -> COMPLETED | CANCELLED.
type AlgoStatus string

const (
	AlgoCreated   AlgoStatus = "CREATED"
	AlgoRunning   AlgoStatus = "RUNNING"
	AlgoPaused    AlgoStatus = "PAUSED"
	AlgoCompleted AlgoStatus = "COMPLETED"
	AlgoCancelled AlgoStatus = "CANCELLED"
)

func (s AlgoStatus) Terminal() bool {
	return s == AlgoCompleted || s == AlgoCancelled
}

type SliceStatus string

const (
	SlicePending   SliceStatus = "pending"
	SliceSubmitted SliceStatus = "submitted"
	SliceFilled    SliceStatus = "filled"
	SliceCancelled SliceStatus = "cancelled"
)

type PriceType string

const (
	PriceLimit  PriceType = "LIMIT"
	PriceMarket PriceType = "MARKET"
)

// ConditionalOrder is a standing instruction watched against market ticks.
// Rows are never deleted; terminal states end the lifecycle.
type ConditionalOrder struct {
	ID         string        `gorm:"column:id;primaryKey"`
	Owner      string        `gorm:"column:owner;index"`
	Kind       ConditionKind `gorm:"column:condition_type"`
	Province   string        `gorm:"column:province;index:idx_cond_scope,priority:1"`
	MarketType string        `gorm:"column:market_type"`

	TriggerJSON datatypes.JSON `gorm:"column:trigger_json;type:TEXT"`

	Direction  string    `gorm:"column:direction"`
	Quantity   float64   `gorm:"column:quantity"`
	PriceType  PriceType `gorm:"column:price_type"`
	LimitPrice float64   `gorm:"column:limit_price"`

	Status          OrderStatus    `gorm:"column:status;index:idx_cond_scope,priority:2"`
	Reason          string         `gorm:"column:reason"`
	ExternalOrderID string         `gorm:"column:external_order_id"`
	ResultJSON      datatypes.JSON `gorm:"column:result_json;type:TEXT"`

	ValidFrom  time.Time `gorm:"column:valid_from"`
	ValidUntil time.Time `gorm:"column:valid_until"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (ConditionalOrder) TableName() string { return "conditional_orders" }

// TriggerLog is the append-only audit trail of PENDING -> TRIGGERED
// transitions, annotated later with the execution outcome.
type TriggerLog struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID         string         `gorm:"column:order_id;index"`
	TickJSON        datatypes.JSON `gorm:"column:tick_json;type:TEXT"`
	Reason          string         `gorm:"column:reason"`
	Success         *bool          `gorm:"column:success"`
	ExternalOrderID string         `gorm:"column:external_order_id"`
	Error           string         `gorm:"column:error"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (TriggerLog) TableName() string { return "trigger_logs" }

// TradingRule generalizes ConditionalOrder: an arbitrary expression tree
// plus a dispatched action, throttled by a per-day / min-interval budget.
type TradingRule struct {
	ID   string `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name"`

	ExpressionJSON datatypes.JSON `gorm:"column:expression_json;type:TEXT"`
	ActionType     ActionType     `gorm:"column:action_type"`
	ActionParams   datatypes.JSON `gorm:"column:action_params;type:TEXT"`

	// Null scope lists apply to every province / market type.
	ProvincesJSON   datatypes.JSON `gorm:"column:provinces_json;type:TEXT"`
	MarketTypesJSON datatypes.JSON `gorm:"column:market_types_json;type:TEXT"`

	Priority int        `gorm:"column:priority;index"`
	Status   RuleStatus `gorm:"column:status;index"`

	MaxExecutionsPerDay int `gorm:"column:max_executions_per_day"`
	MinIntervalSeconds  int `gorm:"column:min_interval_seconds"`

	ExecutionCount      int        `gorm:"column:execution_count"`
	TodayExecutionCount int        `gorm:"column:today_execution_count"`
	LastExecutedAt      *time.Time `gorm:"column:last_executed_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (TradingRule) TableName() string { return "trading_rules" }

// RuleExecution records one attempted firing, success or not.
type RuleExecution struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RuleID      string         `gorm:"column:rule_id;index"`
	TriggerJSON datatypes.JSON `gorm:"column:trigger_json;type:TEXT"`
	ActionType  ActionType     `gorm:"column:action_type"`
	ParamsJSON  datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	Success     bool           `gorm:"column:success"`
	ResultJSON  datatypes.JSON `gorm:"column:result_json;type:TEXT"`
	Error       string         `gorm:"column:error"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (RuleExecution) TableName() string { return "rule_executions" }

// AlgoOrder is a parent algorithmic order. Aggregate fill fields are always
// derived from the slice set, never mutated independently.
type AlgoOrder struct {
	ID         string   `gorm:"column:id;primaryKey"`
	Owner      string   `gorm:"column:owner;index"`
	AlgoType   AlgoType `gorm:"column:algo_type"`
	Province   string   `gorm:"column:province"`
	MarketType string   `gorm:"column:market_type"`
	Direction  string   `gorm:"column:direction"`

	TotalQuantity decimal.Decimal `gorm:"column:total_quantity;type:numeric(20,10)"`
	// Price bounds gate slice and fill prices. Zero means open on that side.
	PriceLow  decimal.Decimal `gorm:"column:price_low;type:numeric(20,10)"`
	PriceHigh decimal.Decimal `gorm:"column:price_high;type:numeric(20,10)"`

	DurationMinutes int             `gorm:"column:duration_minutes"`
	VisibleQuantity decimal.Decimal `gorm:"column:visible_quantity;type:numeric(20,10)"`
	VisiblePrice    decimal.Decimal `gorm:"column:visible_price;type:numeric(20,10)"`
	ProfileJSON     datatypes.JSON  `gorm:"column:profile_json;type:TEXT"`

	Status AlgoStatus `gorm:"column:status;index"`
	Reason string     `gorm:"column:reason"`

	FilledQuantity decimal.Decimal `gorm:"column:filled_quantity;type:numeric(20,10)"`
	AveragePrice   decimal.Decimal `gorm:"column:average_price;type:numeric(20,10)"`
	SlicesTotal    int             `gorm:"column:slices_total"`
	SlicesFilled   int             `gorm:"column:slices_filled"`

	StartedAt *time.Time `gorm:"column:started_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (AlgoOrder) TableName() string { return "algo_orders" }

// AlgoSlice is one child order. ScheduledAt is nil for Iceberg slices, whose
// eligibility is sequence-driven. Immutable once filled or cancelled.
type AlgoSlice struct {
	ID       string `gorm:"column:id;primaryKey"`
	AlgoID   string `gorm:"column:algo_id;index:idx_slice_algo,priority:1"`
	Sequence int    `gorm:"column:sequence;index:idx_slice_algo,priority:2"`

	ScheduledAt *time.Time          `gorm:"column:scheduled_at"`
	Quantity    decimal.Decimal     `gorm:"column:quantity;type:numeric(20,10)"`
	Price       decimal.NullDecimal `gorm:"column:price;type:numeric(20,10)"`

	Status         SliceStatus         `gorm:"column:status"`
	FilledQuantity decimal.Decimal     `gorm:"column:filled_quantity;type:numeric(20,10)"`
	FilledPrice    decimal.NullDecimal `gorm:"column:filled_price;type:numeric(20,10)"`
	ExecutedAt     *time.Time          `gorm:"column:executed_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AlgoSlice) TableName() string { return "algo_slices" }
