package condorder

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gridtrade/internal/condition"
	"gridtrade/internal/market"
	"gridtrade/internal/store/model"
)

// TriggerSpec is the discriminated trigger variant: each condition kind
// carries only the fields that kind needs, validated at construction.
type TriggerSpec interface {
	Kind() model.ConditionKind
	Validate() error
	// Match evaluates the spec against a tick. The reason is human-readable
	// and only meaningful on a match.
	Match(tick market.Tick, now time.Time) (bool, string)
}

// PriceAbove fires when the tick price exceeds the trigger price.
type PriceAbove struct {
	Price float64 `json:"price"`
}

func (t PriceAbove) Kind() model.ConditionKind { return model.KindPriceAbove }

func (t PriceAbove) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("PRICE_ABOVE 需要正的触发价")
	}
	return nil
}

func (t PriceAbove) Match(tick market.Tick, _ time.Time) (bool, string) {
	if !tick.HasPrice() {
		return false, ""
	}
	if *tick.Price > t.Price {
		return true, fmt.Sprintf("price %g > trigger %g", *tick.Price, t.Price)
	}
	return false, ""
}

// PriceBelow fires when the tick price drops under the trigger price.
type PriceBelow struct {
	Price float64 `json:"price"`
}

func (t PriceBelow) Kind() model.ConditionKind { return model.KindPriceBelow }

func (t PriceBelow) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("PRICE_BELOW 需要正的触发价")
	}
	return nil
}

func (t PriceBelow) Match(tick market.Tick, _ time.Time) (bool, string) {
	if !tick.HasPrice() {
		return false, ""
	}
	if *tick.Price < t.Price {
		return true, fmt.Sprintf("price %g < trigger %g", *tick.Price, t.Price)
	}
	return false, ""
}

// PriceChangePct fires when the price moved at least Percent away from
// BasePrice, in either direction.
type PriceChangePct struct {
	BasePrice float64 `json:"base_price"`
	Percent   float64 `json:"percent"`
}

func (t PriceChangePct) Kind() model.ConditionKind { return model.KindPriceChangePct }

func (t PriceChangePct) Validate() error {
	if t.BasePrice <= 0 {
		return fmt.Errorf("PRICE_CHANGE_PCT 需要正的基准价")
	}
	if t.Percent <= 0 {
		return fmt.Errorf("PRICE_CHANGE_PCT 需要正的涨跌幅阈值")
	}
	return nil
}

func (t PriceChangePct) Match(tick market.Tick, _ time.Time) (bool, string) {
	if !tick.HasPrice() {
		return false, ""
	}
	change := math.Abs(*tick.Price-t.BasePrice) / t.BasePrice * 100
	if change >= t.Percent {
		return true, fmt.Sprintf("price change %.2f%% >= threshold %g%% (base %g, price %g)",
			change, t.Percent, t.BasePrice, *tick.Price)
	}
	return false, ""
}

// TimeTrigger fires once the wall clock reaches At.
type TimeTrigger struct {
	At time.Time `json:"at"`
}

func (t TimeTrigger) Kind() model.ConditionKind { return model.KindTimeTrigger }

func (t TimeTrigger) Validate() error {
	if t.At.IsZero() {
		return fmt.Errorf("TIME_TRIGGER 需要触发时间")
	}
	return nil
}

func (t TimeTrigger) Match(_ market.Tick, now time.Time) (bool, string) {
	if !now.Before(t.At) {
		return true, fmt.Sprintf("time trigger reached at %s", t.At.Format(time.RFC3339))
	}
	return false, ""
}

// VolumeAbove fires when the tick volume exceeds the threshold.
type VolumeAbove struct {
	Volume float64 `json:"volume"`
}

func (t VolumeAbove) Kind() model.ConditionKind { return model.KindVolumeAbove }

func (t VolumeAbove) Validate() error {
	if t.Volume <= 0 {
		return fmt.Errorf("VOLUME_ABOVE 需要正的触发量")
	}
	return nil
}

func (t VolumeAbove) Match(tick market.Tick, _ time.Time) (bool, string) {
	if !tick.HasVolume() {
		return false, ""
	}
	if *tick.Volume > t.Volume {
		return true, fmt.Sprintf("volume %g > trigger %g", *tick.Volume, t.Volume)
	}
	return false, ""
}

// IndicatorTrigger compares a named field resolved from the tick context,
// reusing the expression evaluator for the comparison.
type IndicatorTrigger struct {
	Field     string             `json:"field"`
	Operator  condition.Operator `json:"operator"`
	Threshold float64            `json:"threshold"`
}

func (t IndicatorTrigger) Kind() model.ConditionKind { return model.KindIndicator }

func (t IndicatorTrigger) Validate() error {
	if t.Field == "" {
		return fmt.Errorf("INDICATOR 需要指标字段")
	}
	switch t.Operator {
	case condition.OpGT, condition.OpLT, condition.OpGTE, condition.OpLTE, condition.OpEQ, condition.OpNEQ:
		return nil
	default:
		return fmt.Errorf("INDICATOR 不支持操作符 %q", t.Operator)
	}
}

func (t IndicatorTrigger) Match(tick market.Tick, _ time.Time) (bool, string) {
	expr := &condition.Expression{Field: t.Field, Operator: t.Operator, Value: t.Threshold}
	if condition.Evaluate(expr, tick.Context()) {
		return true, fmt.Sprintf("indicator %s %s %g", t.Field, t.Operator, t.Threshold)
	}
	return false, ""
}

// DecodeTrigger rebuilds the variant stored for the given kind.
func DecodeTrigger(kind model.ConditionKind, raw []byte) (TriggerSpec, error) {
	var spec TriggerSpec
	switch kind {
	case model.KindPriceAbove:
		spec = &PriceAbove{}
	case model.KindPriceBelow:
		spec = &PriceBelow{}
	case model.KindPriceChangePct:
		spec = &PriceChangePct{}
	case model.KindTimeTrigger:
		spec = &TimeTrigger{}
	case model.KindVolumeAbove:
		spec = &VolumeAbove{}
	case model.KindIndicator:
		spec = &IndicatorTrigger{}
	default:
		return nil, fmt.Errorf("未知条件类型: %q", kind)
	}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("解析触发参数失败 (%s): %w", kind, err)
	}
	return deref(spec), nil
}

// EncodeTrigger serializes a validated spec for storage.
func EncodeTrigger(spec TriggerSpec) ([]byte, error) {
	if spec == nil {
		return nil, fmt.Errorf("触发参数不能为空")
	}
	return json.Marshal(spec)
}

func deref(spec TriggerSpec) TriggerSpec {
	switch s := spec.(type) {
	case *PriceAbove:
		return *s
	case *PriceBelow:
		return *s
	case *PriceChangePct:
		return *s
	case *TimeTrigger:
		return *s
	case *VolumeAbove:
		return *s
	case *IndicatorTrigger:
		return *s
	default:
		return spec
	}
}
