package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridtrade/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	st, err := NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCASOrderStatusIsAtMostOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := &model.ConditionalOrder{
		ID:         "ord-1",
		Owner:      "trader-1",
		Kind:       model.KindPriceAbove,
		Province:   "guangdong",
		MarketType: "SPOT",
		Direction:  "BUY",
		Quantity:   100,
		PriceType:  model.PriceMarket,
		Status:     model.OrderPending,
		ValidFrom:  time.Now(),
		ValidUntil: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.InsertOrder(ctx, order))

	swapped, err := st.CASOrderStatus(ctx, order.ID, model.OrderPending, model.OrderTriggered,
		map[string]any{"reason": "price 505 > trigger 500"})
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second transition from PENDING must lose.
	swapped, err = st.CASOrderStatus(ctx, order.ID, model.OrderPending, model.OrderTriggered, nil)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderTriggered, got.Status)
	assert.Equal(t, "price 505 > trigger 500", got.Reason)
}

func TestListPendingOrdersScopesByProvince(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, province := range []string{"guangdong", "guangdong", "jiangsu"} {
		require.NoError(t, st.InsertOrder(ctx, &model.ConditionalOrder{
			ID:         "ord-" + string(rune('a'+i)),
			Owner:      "trader-1",
			Kind:       model.KindPriceAbove,
			Province:   province,
			MarketType: "SPOT",
			Direction:  "BUY",
			Quantity:   10,
			PriceType:  model.PriceMarket,
			Status:     model.OrderPending,
			ValidFrom:  time.Now(),
			ValidUntil: time.Now().Add(time.Hour),
		}))
	}

	pending, err := st.ListPendingOrders(ctx, "guangdong")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestTriggerLogAnnotation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTriggerLog(ctx, &model.TriggerLog{
		OrderID: "ord-1",
		Reason:  "price 505 > trigger 500",
	}))
	require.NoError(t, st.AnnotateTriggerLog(ctx, "ord-1", true, "ext-42", ""))

	logs, err := st.ListTriggerLogs(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.True(t, *logs[0].Success)
	assert.Equal(t, "ext-42", logs[0].ExternalOrderID)
}

func TestRecordRuleAttemptAndRollover(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rule := &model.TradingRule{
		ID:         "rule-1",
		Name:       "spike",
		ActionType: model.ActionSendAlert,
		Status:     model.RuleActive,
	}
	require.NoError(t, st.InsertRule(ctx, rule))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, st.RecordRuleAttempt(ctx, rule.ID, now))
	require.NoError(t, st.RecordRuleAttempt(ctx, rule.ID, now.Add(time.Minute)))

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, 2, got.TodayExecutionCount)
	require.NotNil(t, got.LastExecutedAt)

	n, err := st.ResetDailyCounters(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err = st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TodayExecutionCount)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestListActiveRulesOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, r := range []model.TradingRule{
		{ID: "b", Name: "b", ActionType: model.ActionSendAlert, Status: model.RuleActive, Priority: 5},
		{ID: "a", Name: "a", ActionType: model.ActionSendAlert, Status: model.RuleActive, Priority: 5},
		{ID: "c", Name: "c", ActionType: model.ActionSendAlert, Status: model.RuleActive, Priority: 9},
		{ID: "d", Name: "d", ActionType: model.ActionSendAlert, Status: model.RuleInactive, Priority: 99},
	} {
		rr := r
		require.NoError(t, st.InsertRule(ctx, &rr))
	}

	rules, err := st.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "c", rules[0].ID)
	assert.Equal(t, "a", rules[1].ID)
	assert.Equal(t, "b", rules[2].ID)
}

func TestAlgoSliceLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	order := &model.AlgoOrder{
		ID:            "algo-1",
		Owner:         "trader-1",
		AlgoType:      model.AlgoIceberg,
		Province:      "guangdong",
		MarketType:    "SPOT",
		Direction:     "SELL",
		TotalQuantity: decimal.NewFromInt(600),
		Status:        model.AlgoRunning,
		SlicesTotal:   2,
	}
	slices := []model.AlgoSlice{
		{ID: "sl-1", AlgoID: order.ID, Sequence: 1, Quantity: decimal.NewFromInt(300), Status: model.SlicePending},
		{ID: "sl-2", AlgoID: order.ID, Sequence: 2, Quantity: decimal.NewFromInt(300), Status: model.SlicePending},
	}
	require.NoError(t, st.InsertAlgo(ctx, order, slices))

	swapped, err := st.CASSliceStatus(ctx, "sl-1", []model.SliceStatus{model.SlicePending}, model.SliceFilled,
		map[string]any{
			"filled_quantity": decimal.NewFromInt(300),
			"filled_price":    decimal.NewNullDecimal(decimal.NewFromInt(450)),
		})
	require.NoError(t, err)
	assert.True(t, swapped)

	// A filled slice is immutable.
	swapped, err = st.CASSliceStatus(ctx, "sl-1", []model.SliceStatus{model.SlicePending, model.SliceSubmitted}, model.SliceCancelled, nil)
	require.NoError(t, err)
	assert.False(t, swapped)

	n, err := st.CancelOpenSlices(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, st.UpdateAlgoAggregates(ctx, order.ID, decimal.NewFromInt(300), decimal.NewFromInt(450), 1))
	got, err := st.GetAlgo(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 1, got.SlicesFilled)

	listed, err := st.ListSlices(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, model.SliceFilled, listed[0].Status)
	assert.Equal(t, model.SliceCancelled, listed[1].Status)
}
