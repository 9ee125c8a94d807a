package condorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridtrade/internal/logger"
	"gridtrade/internal/market"
	"gridtrade/internal/ratelimit"
	"gridtrade/internal/store"
	"gridtrade/internal/store/model"

	"github.com/google/uuid"
)

var (
	// ErrNotOwner is returned when someone other than the owner cancels.
	ErrNotOwner = errors.New("无权操作他人委托单")
	// ErrNotPending is returned when a lifecycle call needs a PENDING order.
	ErrNotPending = errors.New("委托单不在待触发状态")
	// ErrNotTriggered is returned when execute is called before a trigger.
	ErrNotTriggered = errors.New("委托单未触发，不能执行")
)

const defaultValidity = 7 * 24 * time.Hour

// ActionDispatcher is the slice of the dispatcher this manager needs.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action model.ActionType, params, trigger map[string]any) (map[string]any, error)
}

// Manager owns the conditional-order lifecycle. Entities are owned
// exclusively by this manager; all mutation goes through CAS transitions so
// concurrent ticks cannot double-trigger an order.
type Manager struct {
	store      store.ConditionalOrderStore
	dispatcher ActionDispatcher
	window     *ratelimit.Limiter
	nowFn      func() time.Time
}

func NewManager(st store.ConditionalOrderStore, dispatcher ActionDispatcher) *Manager {
	m := &Manager{store: st, dispatcher: dispatcher, nowFn: time.Now}
	m.window = ratelimit.NewWithClock(func() time.Time { return m.nowFn() })
	return m
}

// SetClock overrides the clock for deterministic tests.
func (m *Manager) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		m.nowFn = nowFn
	}
}

// CreateParams carries everything needed to stand up a conditional order.
type CreateParams struct {
	Owner      string
	Province   string
	MarketType market.MarketType
	Trigger    TriggerSpec

	Direction  market.Direction
	Quantity   float64
	PriceType  model.PriceType
	LimitPrice float64

	// ValidUntil defaults to seven days from now when nil.
	ValidUntil *time.Time
}

// Create validates and persists a new PENDING order.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.ConditionalOrder, error) {
	if p.Owner == "" {
		return nil, fmt.Errorf("owner 不能为空")
	}
	if p.Province == "" {
		return nil, fmt.Errorf("province 不能为空")
	}
	if !p.MarketType.Valid() {
		return nil, fmt.Errorf("未知市场类型: %q", p.MarketType)
	}
	if p.Trigger == nil {
		return nil, fmt.Errorf("触发条件不能为空")
	}
	if err := p.Trigger.Validate(); err != nil {
		return nil, err
	}
	if !p.Direction.Valid() {
		return nil, fmt.Errorf("未知买卖方向: %q", p.Direction)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("quantity 必须大于 0")
	}
	switch p.PriceType {
	case model.PriceLimit:
		if p.LimitPrice <= 0 {
			return nil, fmt.Errorf("限价单需要正的限价")
		}
	case model.PriceMarket:
	default:
		return nil, fmt.Errorf("未知价格类型: %q", p.PriceType)
	}

	raw, err := EncodeTrigger(p.Trigger)
	if err != nil {
		return nil, err
	}
	now := m.nowFn()
	validUntil := now.Add(defaultValidity)
	if p.ValidUntil != nil {
		if p.ValidUntil.Before(now) {
			return nil, fmt.Errorf("valid_until 不能早于当前时间")
		}
		validUntil = *p.ValidUntil
	}
	order := &model.ConditionalOrder{
		ID:          uuid.NewString(),
		Owner:       p.Owner,
		Kind:        p.Trigger.Kind(),
		Province:    market.NormalizeProvince(p.Province),
		MarketType:  string(p.MarketType),
		TriggerJSON: raw,
		Direction:   string(p.Direction),
		Quantity:    p.Quantity,
		PriceType:   p.PriceType,
		LimitPrice:  p.LimitPrice,
		Status:      model.OrderPending,
		ValidFrom:   now,
		ValidUntil:  validUntil,
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("写入委托单失败: %w", err)
	}
	logger.Infof("创建条件委托 id=%s owner=%s kind=%s province=%s", order.ID, order.Owner, order.Kind, order.Province)
	return order, nil
}

// CheckAndTrigger evaluates every PENDING order scoped to the tick's
// province and returns the batch that transitioned to TRIGGERED. A tick for
// a province with no pending orders is a true no-op.
//
// Each order transitions at most once: the CAS against the persisted status
// means a concurrent tick that got there first wins and this call simply
// skips the order.
func (m *Manager) CheckAndTrigger(ctx context.Context, tick market.Tick) ([]model.ConditionalOrder, error) {
	province := market.NormalizeProvince(tick.Province)
	orders, err := m.store.ListPendingOrders(ctx, province)
	if err != nil {
		return nil, fmt.Errorf("查询待触发委托失败: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	now := m.nowFn()
	var triggered []model.ConditionalOrder
	for i := range orders {
		order := orders[i]
		if !m.window.WithinWindow(order.ValidFrom, order.ValidUntil) {
			// Past the window means expired; before it means not yet eligible.
			if now.After(order.ValidUntil) {
				m.expire(ctx, &order)
			}
			continue
		}
		spec, err := DecodeTrigger(order.Kind, order.TriggerJSON)
		if err != nil {
			logger.Errorf("委托单 %s 触发参数损坏: %v", order.ID, err)
			continue
		}
		matched, reason := spec.Match(tick, now)
		if !matched {
			continue
		}
		swapped, err := m.store.CASOrderStatus(ctx, order.ID, model.OrderPending, model.OrderTriggered,
			map[string]any{"reason": reason})
		if err != nil {
			logger.Errorf("委托单 %s 触发转移失败: %v", order.ID, err)
			continue
		}
		if !swapped {
			continue
		}
		tickJSON, _ := json.Marshal(tick)
		if err := m.store.InsertTriggerLog(ctx, &model.TriggerLog{
			OrderID:  order.ID,
			TickJSON: tickJSON,
			Reason:   reason,
		}); err != nil {
			logger.Errorf("委托单 %s 写触发日志失败: %v", order.ID, err)
		}
		order.Status = model.OrderTriggered
		order.Reason = reason
		triggered = append(triggered, order)
		logger.Infof("条件委托触发 id=%s reason=%q", order.ID, reason)
	}
	return triggered, nil
}

func (m *Manager) expire(ctx context.Context, order *model.ConditionalOrder) {
	swapped, err := m.store.CASOrderStatus(ctx, order.ID, model.OrderPending, model.OrderExpired,
		map[string]any{"reason": fmt.Sprintf("有效期已过 (valid_until=%s)", order.ValidUntil.Format(time.RFC3339))})
	if err != nil {
		logger.Errorf("委托单 %s 过期转移失败: %v", order.ID, err)
		return
	}
	if swapped {
		logger.Infof("条件委托过期 id=%s", order.ID)
	}
}

// Execute submits the target action of a TRIGGERED order. Failure is
// terminal: the order moves to FAILED and is never retried automatically.
func (m *Manager) Execute(ctx context.Context, orderID string) (*model.ConditionalOrder, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderTriggered {
		return nil, fmt.Errorf("%w (id=%s, status=%s)", ErrNotTriggered, order.ID, order.Status)
	}
	params := map[string]any{
		"province":    order.Province,
		"market_type": order.MarketType,
		"direction":   order.Direction,
		"quantity":    order.Quantity,
		"price_type":  string(order.PriceType),
	}
	if order.PriceType == model.PriceLimit {
		params["price"] = order.LimitPrice
	}
	result, dispatchErr := m.dispatcher.Dispatch(ctx, model.ActionPlaceOrder, params, map[string]any{
		"province": order.Province,
		"order_id": order.ID,
	})
	if dispatchErr != nil {
		reason := fmt.Sprintf("执行失败: %v", dispatchErr)
		if _, err := m.store.CASOrderStatus(ctx, order.ID, model.OrderTriggered, model.OrderFailed,
			map[string]any{"reason": reason}); err != nil {
			logger.Errorf("委托单 %s FAILED 转移失败: %v", order.ID, err)
		}
		if err := m.store.AnnotateTriggerLog(ctx, order.ID, false, "", dispatchErr.Error()); err != nil {
			logger.Warnf("委托单 %s 更新触发日志失败: %v", order.ID, err)
		}
		order.Status = model.OrderFailed
		order.Reason = reason
		logger.Errorf("条件委托执行失败 id=%s: %v", order.ID, dispatchErr)
		return order, nil
	}
	externalID, _ := result["order_id"].(string)
	resultJSON, _ := json.Marshal(result)
	if _, err := m.store.CASOrderStatus(ctx, order.ID, model.OrderTriggered, model.OrderExecuted,
		map[string]any{"external_order_id": externalID, "result_json": resultJSON}); err != nil {
		return nil, fmt.Errorf("委托单 %s EXECUTED 转移失败: %w", order.ID, err)
	}
	if err := m.store.AnnotateTriggerLog(ctx, order.ID, true, externalID, ""); err != nil {
		logger.Warnf("委托单 %s 更新触发日志失败: %v", order.ID, err)
	}
	order.Status = model.OrderExecuted
	order.ExternalOrderID = externalID
	order.ResultJSON = resultJSON
	logger.Infof("条件委托执行成功 id=%s external_order_id=%s", order.ID, externalID)
	return order, nil
}

// Cancel moves a PENDING order to CANCELLED. Cancelling an order that is
// already CANCELLED is a no-op; any other non-PENDING state is an error.
func (m *Manager) Cancel(ctx context.Context, orderID, owner string) error {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Owner != owner {
		return fmt.Errorf("%w (id=%s)", ErrNotOwner, order.ID)
	}
	if order.Status == model.OrderCancelled {
		return nil
	}
	if order.Status != model.OrderPending {
		return fmt.Errorf("%w (id=%s, status=%s)", ErrNotPending, order.ID, order.Status)
	}
	swapped, err := m.store.CASOrderStatus(ctx, order.ID, model.OrderPending, model.OrderCancelled,
		map[string]any{"reason": "用户撤销"})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w (id=%s)", ErrNotPending, order.ID)
	}
	logger.Infof("条件委托撤销 id=%s owner=%s", order.ID, owner)
	return nil
}

// Get returns one order by id.
func (m *Manager) Get(ctx context.Context, orderID string) (*model.ConditionalOrder, error) {
	return m.store.GetOrder(ctx, orderID)
}

// List returns orders filtered by owner and/or status.
func (m *Manager) List(ctx context.Context, owner string, status model.OrderStatus, limit int) ([]model.ConditionalOrder, error) {
	return m.store.ListOrders(ctx, owner, status, limit)
}

// TriggerLogs returns the audit trail of one order.
func (m *Manager) TriggerLogs(ctx context.Context, orderID string) ([]model.TriggerLog, error) {
	return m.store.ListTriggerLogs(ctx, orderID)
}
