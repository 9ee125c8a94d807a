package algo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"gridtrade/internal/market"
	"gridtrade/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlgoStore struct {
	mu     sync.Mutex
	algos  map[string]*model.AlgoOrder
	slices map[string]*model.AlgoSlice
}

func newFakeAlgoStore() *fakeAlgoStore {
	return &fakeAlgoStore{
		algos:  map[string]*model.AlgoOrder{},
		slices: map[string]*model.AlgoSlice{},
	}
}

func (s *fakeAlgoStore) InsertAlgo(_ context.Context, order *model.AlgoOrder, slices []model.AlgoSlice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.algos[order.ID] = &cp
	for i := range slices {
		sl := slices[i]
		s.slices[sl.ID] = &sl
	}
	return nil
}

func (s *fakeAlgoStore) GetAlgo(_ context.Context, id string) (*model.AlgoOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.algos[id]
	if !ok {
		return nil, errors.New("algo not found")
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAlgoStore) ListAlgos(_ context.Context, owner string, status model.AlgoStatus, _ int) ([]model.AlgoOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AlgoOrder
	for _, a := range s.algos {
		if owner != "" && a.Owner != owner {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *fakeAlgoStore) CASAlgoStatus(_ context.Context, id string, from []model.AlgoStatus, to model.AlgoStatus, updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.algos[id]
	if !ok {
		return false, errors.New("algo not found")
	}
	legal := false
	for _, st := range from {
		if a.Status == st {
			legal = true
			break
		}
	}
	if !legal {
		return false, nil
	}
	a.Status = to
	if v, ok := updates["started_at"].(time.Time); ok {
		a.StartedAt = &v
	}
	if v, ok := updates["reason"].(string); ok {
		a.Reason = v
	}
	return true, nil
}

func (s *fakeAlgoStore) ListSlices(_ context.Context, algoID string) ([]model.AlgoSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AlgoSlice
	for _, sl := range s.slices {
		if sl.AlgoID == algoID {
			out = append(out, *sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *fakeAlgoStore) GetSlice(_ context.Context, id string) (*model.AlgoSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slices[id]
	if !ok {
		return nil, errors.New("slice not found")
	}
	cp := *sl
	return &cp, nil
}

func (s *fakeAlgoStore) CASSliceStatus(_ context.Context, id string, from []model.SliceStatus, to model.SliceStatus, updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slices[id]
	if !ok {
		return false, errors.New("slice not found")
	}
	legal := false
	for _, st := range from {
		if sl.Status == st {
			legal = true
			break
		}
	}
	if !legal {
		return false, nil
	}
	sl.Status = to
	if v, ok := updates["filled_quantity"].(decimal.Decimal); ok {
		sl.FilledQuantity = v
	}
	if v, ok := updates["filled_price"].(decimal.NullDecimal); ok {
		sl.FilledPrice = v
	}
	if v, ok := updates["executed_at"].(time.Time); ok {
		sl.ExecutedAt = &v
	}
	return true, nil
}

func (s *fakeAlgoStore) CancelOpenSlices(_ context.Context, algoID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sl := range s.slices {
		if sl.AlgoID == algoID && (sl.Status == model.SlicePending || sl.Status == model.SliceSubmitted) {
			sl.Status = model.SliceCancelled
			n++
		}
	}
	return n, nil
}

func (s *fakeAlgoStore) UpdateAlgoAggregates(_ context.Context, id string, filled, avgPrice decimal.Decimal, slicesFilled int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.algos[id]
	if !ok {
		return errors.New("algo not found")
	}
	a.FilledQuantity = filled
	a.AveragePrice = avgPrice
	a.SlicesFilled = slicesFilled
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (p *fakePublisher) PublishExecutionRequest(algoID string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := map[string]any{"algo_id": algoID}
	for k, v := range payload {
		cp[k] = v
	}
	p.requests = append(p.requests, cp)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func buyTarget(total int64) Target {
	return Target{
		Owner:         "trader-1",
		Province:      "guangdong",
		MarketType:    market.MarketSpot,
		Direction:     market.DirectionBuy,
		TotalQuantity: decimal.NewFromInt(total),
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeAlgoStore, *fakePublisher) {
	t.Helper()
	st := newFakeAlgoStore()
	pub := &fakePublisher{}
	s := NewScheduler(st, pub)
	return s, st, pub
}

func sliceQuantitySum(slices []model.AlgoSlice) decimal.Decimal {
	var sum decimal.Decimal
	for _, sl := range slices {
		sum = sum.Add(sl.Quantity)
	}
	return sum
}

func TestCreateTWAP(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	order, err := s.CreateTWAP(ctx, buyTarget(1000), 60, 5)
	require.NoError(t, err)
	assert.Equal(t, model.AlgoCreated, order.Status)
	assert.Equal(t, 5, order.SlicesTotal)

	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, slices, 5)
	for i, sl := range slices {
		assert.Equal(t, i+1, sl.Sequence)
		assert.True(t, sl.Quantity.Equal(decimal.NewFromInt(200)), "slice %d quantity %s", i, sl.Quantity)
		require.NotNil(t, sl.ScheduledAt)
	}
	for i := 1; i < len(slices); i++ {
		gap := slices[i].ScheduledAt.Sub(*slices[i-1].ScheduledAt)
		assert.Equal(t, 12*time.Minute, gap)
	}
	assert.True(t, sliceQuantitySum(slices).Equal(order.TotalQuantity))
}

func TestCreateTWAPDefaultSliceCount(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	short, err := s.CreateTWAP(ctx, buyTarget(100), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, short.SlicesTotal)

	long, err := s.CreateTWAP(ctx, buyTarget(100), 90, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, long.SlicesTotal)
}

func TestCreateTWAPUnevenRemainderOnLastSlice(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	order, err := s.CreateTWAP(context.Background(), buyTarget(1000), 60, 7)
	require.NoError(t, err)
	slices, err := s.Slices(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, slices, 7)
	assert.True(t, sliceQuantitySum(slices).Equal(decimal.NewFromInt(1000)))
}

func TestCreateVWAPCustomProfile(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	order, err := s.CreateVWAP(ctx, buyTarget(1000), 60, 0, []float64{1, 2, 1})
	require.NoError(t, err)
	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, slices, 3)
	assert.True(t, slices[0].Quantity.Equal(decimal.NewFromInt(250)))
	assert.True(t, slices[1].Quantity.Equal(decimal.NewFromInt(500)))
	assert.True(t, slices[2].Quantity.Equal(decimal.NewFromInt(250)))
}

func TestCreateVWAPProfileMismatchIsConfigError(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.CreateVWAP(context.Background(), buyTarget(1000), 60, 5, []float64{1, 2, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不一致")
}

func TestCreateVWAPDefaultProfileCoversTotal(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateVWAP(ctx, buyTarget(1000), 40, 0, nil)
	require.NoError(t, err)
	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, slices, 20)
	assert.True(t, sliceQuantitySum(slices).Equal(decimal.NewFromInt(1000)))

	// U-shape: the first slice outweighs the middle one.
	mid := slices[len(slices)/2]
	assert.True(t, slices[0].Quantity.GreaterThan(mid.Quantity))
}

func TestCreateVWAPRejectsBadProfiles(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.CreateVWAP(ctx, buyTarget(1000), 60, 0, []float64{1, -1, 1})
	assert.Error(t, err)
	_, err = s.CreateVWAP(ctx, buyTarget(1000), 60, 0, []float64{0, 0})
	assert.Error(t, err)
}

func TestCreateIceberg(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	order, err := s.CreateIceberg(ctx, buyTarget(1000), decimal.NewFromInt(300), decimal.NewFromInt(450))
	require.NoError(t, err)
	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, slices, 4)

	want := []int64{300, 300, 300, 100}
	for i, sl := range slices {
		assert.True(t, sl.Quantity.Equal(decimal.NewFromInt(want[i])), "slice %d quantity %s", i, sl.Quantity)
		assert.Nil(t, sl.ScheduledAt)
		require.True(t, sl.Price.Valid)
		assert.True(t, sl.Price.Decimal.Equal(decimal.NewFromInt(450)))
	}
}

func TestStartPauseTransitions(t *testing.T) {
	s, _, pub := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateTWAP(ctx, buyTarget(1000), 60, 5)
	require.NoError(t, err)

	require.ErrorIs(t, s.Pause(ctx, order.ID), ErrBadTransition)

	require.NoError(t, s.Start(ctx, order.ID))
	assert.Equal(t, 1, pub.count())

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlgoRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.ErrorIs(t, s.Start(ctx, order.ID), ErrBadTransition)
	require.NoError(t, s.Pause(ctx, order.ID))
	require.NoError(t, s.Start(ctx, order.ID))
}

func TestCancelReleasesOpenSlices(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateIceberg(ctx, buyTarget(1000), decimal.NewFromInt(300), decimal.NewFromInt(450))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))

	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(300), decimal.NewFromInt(450)))

	require.NoError(t, s.Cancel(ctx, order.ID, "风控撤销"))

	got, err := st.GetAlgo(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlgoCancelled, got.Status)
	assert.Equal(t, "风控撤销", got.Reason)

	after, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SliceFilled, after[0].Status)
	for _, sl := range after[1:] {
		assert.Equal(t, model.SliceCancelled, sl.Status)
	}

	// Idempotent on a cancelled order.
	require.NoError(t, s.Cancel(ctx, order.ID, "再次撤销"))
}

func TestOnSliceFilledAggregates(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateTWAP(ctx, buyTarget(600), 30, 3)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))

	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.NewFromInt(400)))
	require.NoError(t, s.OnSliceFilled(ctx, slices[1].ID, decimal.NewFromInt(200), decimal.NewFromInt(500)))

	got, err := s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(400)))
	assert.True(t, got.AveragePrice.Equal(decimal.NewFromInt(450)), "avg=%s", got.AveragePrice)
	assert.Equal(t, 2, got.SlicesFilled)
	assert.Equal(t, model.AlgoRunning, got.Status)

	require.NoError(t, s.OnSliceFilled(ctx, slices[2].ID, decimal.NewFromInt(200), decimal.NewFromInt(460)))
	got, err = s.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlgoCompleted, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(600)))
}

func TestOnSliceFilledTwiceIsRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateTWAP(ctx, buyTarget(600), 30, 3)
	require.NoError(t, err)
	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.NewFromInt(400)))
	err = s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.NewFromInt(401))
	require.ErrorIs(t, err, ErrSliceClosed)
}

func TestCheckDueSlicesTWAP(t *testing.T) {
	s, _, pub := newTestScheduler(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	now := start
	s.SetClock(func() time.Time { return now })

	order, err := s.CreateTWAP(ctx, buyTarget(1000), 60, 5)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))
	published := pub.count()

	// At start only the first slice is due.
	n, err := s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, published+1, pub.count())

	// Already submitted: nothing new.
	n, err = s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 25 minutes in, slices 2 and 3 come due together.
	now = start.Add(25 * time.Minute)
	n, err = s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCheckDueSlicesIcebergSequence(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateIceberg(ctx, buyTarget(1000), decimal.NewFromInt(300), decimal.NewFromInt(450))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))

	n, err := s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second slice waits for the first fill.
	n, err = s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	slices, err := s.Slices(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(300), decimal.NewFromInt(450)))

	n, err = s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckDueSlicesSkipsPausedOrders(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateTWAP(ctx, buyTarget(1000), 60, 5)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))
	require.NoError(t, s.Pause(ctx, order.ID))

	n, err := s.CheckDueSlices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTargetPriceBounds(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	inverted := buyTarget(1000)
	inverted.PriceLow = decimal.NewFromInt(500)
	inverted.PriceHigh = decimal.NewFromInt(400)
	_, err := s.CreateTWAP(ctx, inverted, 60, 5)
	assert.Error(t, err)

	bounded := buyTarget(1000)
	bounded.PriceLow = decimal.NewFromInt(380)
	bounded.PriceHigh = decimal.NewFromInt(520)
	order, err := s.CreateTWAP(ctx, bounded, 60, 5)
	require.NoError(t, err)
	assert.True(t, order.PriceLow.Equal(decimal.NewFromInt(380)))
	assert.True(t, order.PriceHigh.Equal(decimal.NewFromInt(520)))
}

func TestCreateIceberg_PriceOutsideBounds(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	target := buyTarget(1000)
	target.PriceLow = decimal.NewFromInt(400)
	target.PriceHigh = decimal.NewFromInt(440)

	_, err := s.CreateIceberg(context.Background(), target, decimal.NewFromInt(300), decimal.NewFromInt(450))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "价格区间")

	_, err = s.CreateIceberg(context.Background(), target, decimal.NewFromInt(300), decimal.NewFromInt(420))
	assert.NoError(t, err)
}

func TestOnSliceFilled_RejectsPriceOutsideBounds(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	target := buyTarget(1000)
	target.PriceLow = decimal.NewFromInt(400)
	target.PriceHigh = decimal.NewFromInt(500)
	order, err := s.CreateTWAP(ctx, target, 60, 5)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))

	slices, err := st.ListSlices(ctx, order.ID)
	require.NoError(t, err)

	err = s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.NewFromInt(520))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "价格区间")

	got, err := st.GetSlice(ctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SlicePending, got.Status)

	assert.NoError(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.NewFromInt(480)))
}

func TestOnSliceFilled_RejectsNonPositiveFill(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	order, err := s.CreateTWAP(ctx, buyTarget(1000), 60, 5)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, order.ID))

	slices, err := st.ListSlices(ctx, order.ID)
	require.NoError(t, err)

	assert.Error(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.Zero, decimal.NewFromInt(450)))
	assert.Error(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(-5), decimal.NewFromInt(450)))
	assert.Error(t, s.OnSliceFilled(ctx, slices[0].ID, decimal.NewFromInt(200), decimal.Zero))

	got, err := st.GetSlice(ctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SlicePending, got.Status)

	parent, err := st.GetAlgo(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, parent.FilledQuantity.IsZero())
}
