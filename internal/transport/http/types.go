package httpapi

import (
	"encoding/json"
	"time"
)

// tickRequest 描述一条推送进来的行情。
type tickRequest struct {
	Province   string    `json:"province" binding:"required"`
	MarketType string    `json:"market_type" binding:"required"`
	Price      *float64  `json:"price"`
	Volume     *float64  `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// createOrderRequest 描述新建条件单的参数。
type createOrderRequest struct {
	Owner      string `json:"owner" binding:"required"`
	Province   string `json:"province" binding:"required"`
	MarketType string `json:"market_type" binding:"required"`

	ConditionType string          `json:"condition_type" binding:"required"`
	Condition     json.RawMessage `json:"condition" binding:"required"`

	Direction  string     `json:"direction" binding:"required"`
	Quantity   float64    `json:"quantity" binding:"required"`
	PriceType  string     `json:"price_type" binding:"required"`
	LimitPrice float64    `json:"limit_price"`
	ValidUntil *time.Time `json:"valid_until"`
}

type cancelOrderRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// createRuleRequest 描述新建交易规则的参数。
type createRuleRequest struct {
	Name         string          `json:"name" binding:"required"`
	Expression   json.RawMessage `json:"expression" binding:"required"`
	ActionType   string          `json:"action_type" binding:"required"`
	ActionParams map[string]any  `json:"action_params"`

	Provinces   []string `json:"provinces"`
	MarketTypes []string `json:"market_types"`
	Priority    int      `json:"priority"`

	MaxExecutionsPerDay int `json:"max_executions_per_day"`
	MinIntervalSeconds  int `json:"min_interval_seconds"`
}

// algoTargetRequest 是三类算法单共享的目标描述。价格区间可选，缺省不设限。
type algoTargetRequest struct {
	Owner         string `json:"owner" binding:"required"`
	Province      string `json:"province" binding:"required"`
	MarketType    string `json:"market_type" binding:"required"`
	Direction     string `json:"direction" binding:"required"`
	TotalQuantity string `json:"total_quantity" binding:"required"`
	PriceLow      string `json:"price_low"`
	PriceHigh     string `json:"price_high"`
}

type createTWAPRequest struct {
	algoTargetRequest
	DurationMinutes int `json:"duration_minutes" binding:"required"`
	SliceCount      int `json:"slice_count"`
}

type createVWAPRequest struct {
	algoTargetRequest
	DurationMinutes int       `json:"duration_minutes" binding:"required"`
	SliceCount      int       `json:"slice_count"`
	VolumeProfile   []float64 `json:"volume_profile"`
}

type createIcebergRequest struct {
	algoTargetRequest
	VisibleQuantity string `json:"visible_quantity" binding:"required"`
	Price           string `json:"price" binding:"required"`
}

type cancelAlgoRequest struct {
	Reason string `json:"reason"`
}

// sliceFillRequest 是执行回报回调的载荷。
type sliceFillRequest struct {
	FilledQuantity string `json:"filled_quantity" binding:"required"`
	FilledPrice    string `json:"filled_price" binding:"required"`
}

// expressionProbeRequest 用于调试：对给定上下文试算一棵表达式树。
type expressionProbeRequest struct {
	Expression json.RawMessage `json:"expression" binding:"required"`
	Context    map[string]any  `json:"context" binding:"required"`
}
