package dispatch

import (
	"context"
	"fmt"
	"strings"

	"gridtrade/internal/gateway/notifier"
	"gridtrade/internal/gateway/trading"
	"gridtrade/internal/logger"
	"gridtrade/internal/store/model"
	"gridtrade/internal/strategyreg"
)

// TradingGateway is the execution collaborator. Calls may block up to the
// gateway's own timeout; the dispatcher adds nothing on top.
type TradingGateway interface {
	PlaceOrder(ctx context.Context, payload trading.PlaceOrderPayload) (*trading.PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	AdjustPosition(ctx context.Context, params map[string]any) (map[string]any, error)
	RunStrategy(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// Dispatcher executes the effect of a trigger. It owns no entity state:
// callers write the result back onto their own entities.
type Dispatcher struct {
	gateway    TradingGateway
	alerter    notifier.TextNotifier
	strategies *strategyreg.Registry
}

func NewDispatcher(gateway TradingGateway, alerter notifier.TextNotifier, strategies *strategyreg.Registry) *Dispatcher {
	return &Dispatcher{gateway: gateway, alerter: alerter, strategies: strategies}
}

// Dispatch routes an action to its collaborator. An unknown action type is a
// configuration error surfaced to the caller, never silently ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, action model.ActionType, params, trigger map[string]any) (map[string]any, error) {
	switch action {
	case model.ActionPlaceOrder:
		return d.placeOrder(ctx, params)
	case model.ActionSendAlert:
		return d.sendAlert(params, trigger)
	case model.ActionCancelOrder:
		return d.cancelOrder(ctx, params)
	case model.ActionAdjustPosition:
		return d.adjustPosition(ctx, params)
	case model.ActionExecuteStrategy:
		return d.executeStrategy(ctx, params)
	default:
		return nil, fmt.Errorf("未知动作类型: %q", action)
	}
}

func (d *Dispatcher) placeOrder(ctx context.Context, params map[string]any) (map[string]any, error) {
	if d.gateway == nil {
		return nil, fmt.Errorf("交易网关未配置")
	}
	payload := trading.PlaceOrderPayload{
		Province:   stringParam(params, "province"),
		MarketType: stringParam(params, "market_type"),
		Direction:  stringParam(params, "direction"),
		Quantity:   floatParam(params, "quantity"),
		PriceType:  stringParam(params, "price_type"),
	}
	if payload.Direction == "" {
		return nil, fmt.Errorf("place_order 缺少 direction")
	}
	if payload.Quantity <= 0 {
		return nil, fmt.Errorf("place_order 的 quantity 必须大于 0")
	}
	if price, ok := params["price"]; ok {
		if f, ok := toFloat(price); ok {
			payload.Price = &f
		}
	}
	resp, err := d.gateway.PlaceOrder(ctx, payload)
	if err != nil {
		return nil, err
	}
	logger.Infof("下单成功 order_id=%s status=%s direction=%s qty=%.2f",
		resp.OrderID, resp.Status, payload.Direction, payload.Quantity)
	return map[string]any{"order_id": resp.OrderID, "status": resp.Status}, nil
}

func (d *Dispatcher) sendAlert(params, trigger map[string]any) (map[string]any, error) {
	if d.alerter == nil {
		return nil, fmt.Errorf("告警通道未配置")
	}
	msg := stringParam(params, "message")
	if msg == "" {
		msg = "交易规则触发告警"
	}
	if province := stringParam(trigger, "province"); province != "" {
		msg = fmt.Sprintf("[%s] %s", province, msg)
	}
	if err := d.alerter.SendText(msg); err != nil {
		return nil, fmt.Errorf("发送告警失败: %w", err)
	}
	return map[string]any{"sent": true}, nil
}

func (d *Dispatcher) cancelOrder(ctx context.Context, params map[string]any) (map[string]any, error) {
	if d.gateway == nil {
		return nil, fmt.Errorf("交易网关未配置")
	}
	orderID := stringParam(params, "order_id")
	if orderID == "" {
		return nil, fmt.Errorf("cancel_order 缺少 order_id")
	}
	cancelled, err := d.gateway.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": cancelled}, nil
}

func (d *Dispatcher) adjustPosition(ctx context.Context, params map[string]any) (map[string]any, error) {
	if d.gateway == nil {
		return nil, fmt.Errorf("交易网关未配置")
	}
	return d.gateway.AdjustPosition(ctx, params)
}

func (d *Dispatcher) executeStrategy(ctx context.Context, params map[string]any) (map[string]any, error) {
	if d.gateway == nil {
		return nil, fmt.Errorf("交易网关未配置")
	}
	name := stringParam(params, "strategy")
	if name == "" {
		return nil, fmt.Errorf("execute_strategy 缺少 strategy")
	}
	strategyParams, _ := params["params"].(map[string]any)
	if d.strategies != nil {
		if err := d.strategies.ValidateParams(name, strategyParams); err != nil {
			return nil, err
		}
	}
	return d.gateway.RunStrategy(ctx, name, strategyParams)
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func floatParam(params map[string]any, key string) float64 {
	if params == nil {
		return 0
	}
	f, _ := toFloat(params[key])
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
