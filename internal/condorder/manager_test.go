package condorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gridtrade/internal/market"
	"gridtrade/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrderStore is an in-memory ConditionalOrderStore with the same CAS
// semantics as the gorm implementation.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*model.ConditionalOrder
	logs   []*model.TriggerLog
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*model.ConditionalOrder)}
}

func (f *fakeOrderStore) InsertOrder(_ context.Context, order *model.ConditionalOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeOrderStore) GetOrder(_ context.Context, id string) (*model.ConditionalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *order
	return &cp, nil
}

func (f *fakeOrderStore) ListOrders(_ context.Context, owner string, status model.OrderStatus, _ int) ([]model.ConditionalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConditionalOrder
	for _, o := range f.orders {
		if owner != "" && o.Owner != owner {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeOrderStore) ListPendingOrders(_ context.Context, province string) ([]model.ConditionalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConditionalOrder
	for _, o := range f.orders {
		if o.Province == province && o.Status == model.OrderPending {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) CASOrderStatus(_ context.Context, id string, from, to model.OrderStatus, updates map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	if reason, ok := updates["reason"].(string); ok {
		order.Reason = reason
	}
	if ext, ok := updates["external_order_id"].(string); ok {
		order.ExternalOrderID = ext
	}
	return true, nil
}

func (f *fakeOrderStore) InsertTriggerLog(_ context.Context, log *model.TriggerLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *log
	cp.ID = int64(len(f.logs) + 1)
	f.logs = append(f.logs, &cp)
	return nil
}

func (f *fakeOrderStore) AnnotateTriggerLog(_ context.Context, orderID string, success bool, externalOrderID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.logs) - 1; i >= 0; i-- {
		if f.logs[i].OrderID == orderID {
			f.logs[i].Success = &success
			f.logs[i].ExternalOrderID = externalOrderID
			f.logs[i].Error = errMsg
			return nil
		}
	}
	return errors.New("no trigger log")
}

func (f *fakeOrderStore) ListTriggerLogs(_ context.Context, orderID string) ([]model.TriggerLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TriggerLog
	for _, l := range f.logs {
		if l.OrderID == orderID {
			out = append(out, *l)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  int
	result map[string]any
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ model.ActionType, _, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func tickAt(province string, price float64) market.Tick {
	return market.Tick{
		Province:   province,
		MarketType: market.MarketSpot,
		Price:      &price,
		Timestamp:  time.Now(),
	}
}

func newTestManager(st *fakeOrderStore, d *fakeDispatcher) *Manager {
	if d == nil {
		d = &fakeDispatcher{result: map[string]any{"order_id": "ext-1", "status": "ACCEPTED"}}
	}
	return NewManager(st, d)
}

func createPending(t *testing.T, m *Manager, trigger TriggerSpec) *model.ConditionalOrder {
	t.Helper()
	order, err := m.Create(context.Background(), CreateParams{
		Owner:      "trader-1",
		Province:   "guangdong",
		MarketType: market.MarketSpot,
		Trigger:    trigger,
		Direction:  market.DirectionBuy,
		Quantity:   100,
		PriceType:  model.PriceMarket,
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderPending, order.Status)
	return order
}

func TestCreate_Validation(t *testing.T) {
	m := newTestManager(newFakeOrderStore(), nil)
	base := CreateParams{
		Owner:      "trader-1",
		Province:   "guangdong",
		MarketType: market.MarketSpot,
		Trigger:    PriceAbove{Price: 500},
		Direction:  market.DirectionBuy,
		Quantity:   100,
		PriceType:  model.PriceMarket,
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing owner", func(p *CreateParams) { p.Owner = "" }},
		{"missing province", func(p *CreateParams) { p.Province = "" }},
		{"bad market type", func(p *CreateParams) { p.MarketType = "FUTURES" }},
		{"nil trigger", func(p *CreateParams) { p.Trigger = nil }},
		{"bad trigger price", func(p *CreateParams) { p.Trigger = PriceAbove{} }},
		{"zero quantity", func(p *CreateParams) { p.Quantity = 0 }},
		{"limit without price", func(p *CreateParams) { p.PriceType = model.PriceLimit }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			_, err := m.Create(context.Background(), p)
			assert.Error(t, err)
		})
	}
}

func TestCreate_DefaultValidity(t *testing.T) {
	m := newTestManager(newFakeOrderStore(), nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	order := createPending(t, m, PriceAbove{Price: 500})
	assert.Equal(t, now.Add(7*24*time.Hour), order.ValidUntil)
}

func TestCheckAndTrigger_PriceAbove(t *testing.T) {
	st := newFakeOrderStore()
	m := newTestManager(st, nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	triggered, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 505))
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Equal(t, order.ID, triggered[0].ID)
	assert.Equal(t, model.OrderTriggered, triggered[0].Status)
	assert.Equal(t, "price 505 > trigger 500", triggered[0].Reason)

	logs, err := st.ListTriggerLogs(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "price 505 > trigger 500", logs[0].Reason)
}

func TestCheckAndTrigger_NoMatchAndWrongProvince(t *testing.T) {
	m := newTestManager(newFakeOrderStore(), nil)
	createPending(t, m, PriceAbove{Price: 500})

	triggered, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 499))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	triggered, err = m.CheckAndTrigger(context.Background(), tickAt("yunnan", 600))
	require.NoError(t, err)
	assert.Empty(t, triggered)
}

func TestCheckAndTrigger_Expiry(t *testing.T) {
	st := newFakeOrderStore()
	m := newTestManager(st, nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	m.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	triggered, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 600))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	got, err := st.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderExpired, got.Status)
	assert.NotEmpty(t, got.Reason)

	// Expiry leaves no trigger log behind.
	logs, _ := st.ListTriggerLogs(context.Background(), order.ID)
	assert.Empty(t, logs)
}

func TestCheckAndTrigger_AtMostOnceUnderConcurrency(t *testing.T) {
	st := newFakeOrderStore()
	m := newTestManager(st, nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	tick := tickAt("guangdong", 505)
	var wg sync.WaitGroup
	results := make([][]model.ConditionalOrder, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			batch, err := m.CheckAndTrigger(context.Background(), tick)
			assert.NoError(t, err)
			results[idx] = batch
		}(i)
	}
	wg.Wait()

	total := 0
	for _, batch := range results {
		total += len(batch)
	}
	assert.Equal(t, 1, total, "order must trigger exactly once")

	logs, _ := st.ListTriggerLogs(context.Background(), order.ID)
	assert.Len(t, logs, 1, "exactly one trigger log")
}

func TestExecute_Success(t *testing.T) {
	st := newFakeOrderStore()
	d := &fakeDispatcher{result: map[string]any{"order_id": "ext-42", "status": "ACCEPTED"}}
	m := newTestManager(st, d)
	order := createPending(t, m, PriceAbove{Price: 500})

	_, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 505))
	require.NoError(t, err)

	executed, err := m.Execute(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderExecuted, executed.Status)
	assert.Equal(t, "ext-42", executed.ExternalOrderID)

	logs, _ := st.ListTriggerLogs(context.Background(), order.ID)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.True(t, *logs[0].Success)
	assert.Equal(t, "ext-42", logs[0].ExternalOrderID)
}

func TestExecute_FailureIsTerminal(t *testing.T) {
	st := newFakeOrderStore()
	d := &fakeDispatcher{err: errors.New("gateway unreachable")}
	m := newTestManager(st, d)
	order := createPending(t, m, PriceAbove{Price: 500})

	_, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 505))
	require.NoError(t, err)

	failed, err := m.Execute(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, failed.Status)
	assert.Contains(t, failed.Reason, "gateway unreachable")

	// FAILED is terminal: a second execute is rejected.
	_, err = m.Execute(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrNotTriggered)

	logs, _ := st.ListTriggerLogs(context.Background(), order.ID)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Success)
	assert.False(t, *logs[0].Success)
	assert.Contains(t, logs[0].Error, "gateway unreachable")
}

func TestExecute_RequiresTriggered(t *testing.T) {
	m := newTestManager(newFakeOrderStore(), nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	_, err := m.Execute(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrNotTriggered)
}

func TestCancel(t *testing.T) {
	st := newFakeOrderStore()
	m := newTestManager(st, nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	assert.ErrorIs(t, m.Cancel(context.Background(), order.ID, "someone-else"), ErrNotOwner)

	require.NoError(t, m.Cancel(context.Background(), order.ID, "trader-1"))
	got, _ := st.GetOrder(context.Background(), order.ID)
	assert.Equal(t, model.OrderCancelled, got.Status)

	// Idempotent when already cancelled.
	assert.NoError(t, m.Cancel(context.Background(), order.ID, "trader-1"))
}

func TestCancel_RejectsTriggered(t *testing.T) {
	m := newTestManager(newFakeOrderStore(), nil)
	order := createPending(t, m, PriceAbove{Price: 500})

	_, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 505))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Cancel(context.Background(), order.ID, "trader-1"), ErrNotPending)
}

func TestTriggerVariants(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("price below", func(t *testing.T) {
		ok, reason := PriceBelow{Price: 400}.Match(tickAt("gd", 395), now)
		assert.True(t, ok)
		assert.Equal(t, "price 395 < trigger 400", reason)
	})
	t.Run("price change pct", func(t *testing.T) {
		ok, _ := PriceChangePct{BasePrice: 500, Percent: 2}.Match(tickAt("gd", 511), now)
		assert.True(t, ok)
		ok, _ = PriceChangePct{BasePrice: 500, Percent: 2}.Match(tickAt("gd", 505), now)
		assert.False(t, ok)
		// Drops count too.
		ok, _ = PriceChangePct{BasePrice: 500, Percent: 2}.Match(tickAt("gd", 489), now)
		assert.True(t, ok)
	})
	t.Run("time trigger", func(t *testing.T) {
		ok, _ := TimeTrigger{At: now.Add(time.Minute)}.Match(market.Tick{}, now)
		assert.False(t, ok)
		ok, _ = TimeTrigger{At: now}.Match(market.Tick{}, now)
		assert.True(t, ok)
	})
	t.Run("volume above", func(t *testing.T) {
		vol := 1500.0
		tick := market.Tick{Province: "gd", Volume: &vol}
		ok, _ := VolumeAbove{Volume: 1000}.Match(tick, now)
		assert.True(t, ok)
		ok, _ = VolumeAbove{Volume: 2000}.Match(tick, now)
		assert.False(t, ok)
		// Tick without volume never matches.
		ok, _ = VolumeAbove{Volume: 1}.Match(tickAt("gd", 500), now)
		assert.False(t, ok)
	})
	t.Run("round trip", func(t *testing.T) {
		raw, err := EncodeTrigger(PriceAbove{Price: 500})
		require.NoError(t, err)
		spec, err := DecodeTrigger(model.KindPriceAbove, raw)
		require.NoError(t, err)
		assert.Equal(t, PriceAbove{Price: 500}, spec)
	})
}

func TestCheckAndTrigger_RespectsValidFrom(t *testing.T) {
	st := newFakeOrderStore()
	m := newTestManager(st, nil)
	base := time.Now()
	m.SetClock(func() time.Time { return base })

	raw, err := EncodeTrigger(PriceAbove{Price: 500})
	require.NoError(t, err)
	notYet := base.Add(time.Hour)
	require.NoError(t, st.InsertOrder(context.Background(), &model.ConditionalOrder{
		ID:          "order-early",
		Owner:       "trader-1",
		Kind:        model.KindPriceAbove,
		Province:    "guangdong",
		MarketType:  string(market.MarketSpot),
		TriggerJSON: raw,
		Direction:   string(market.DirectionBuy),
		Quantity:    100,
		PriceType:   model.PriceMarket,
		Status:      model.OrderPending,
		ValidFrom:   notYet,
		ValidUntil:  notYet.Add(24 * time.Hour),
	}))

	triggered, err := m.CheckAndTrigger(context.Background(), tickAt("guangdong", 600))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	got, err := st.GetOrder(context.Background(), "order-early")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)

	m.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	triggered, err = m.CheckAndTrigger(context.Background(), tickAt("guangdong", 600))
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Equal(t, "order-early", triggered[0].ID)
}
