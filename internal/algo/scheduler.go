package algo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gridtrade/internal/logger"
	"gridtrade/internal/market"
	"gridtrade/internal/queue"
	"gridtrade/internal/store"
	"gridtrade/internal/store/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrBadTransition is returned when a lifecycle operation is not legal
	// from the order's current status.
	ErrBadTransition = errors.New("算法单状态不允许该操作")
	// ErrSliceClosed is returned when a fill callback hits a slice that is
	// already filled or cancelled.
	ErrSliceClosed = errors.New("子单已终结")
)

// maxDefaultSlices caps the default TWAP/VWAP slice count.
const maxDefaultSlices = 20

// quantityScale is the rounding scale for slice quantity arithmetic.
const quantityScale = 10

// Scheduler owns the algorithmic order lifecycle: it decomposes parent
// orders into child slices at creation time and drives slice submission as
// they come due. Aggregate fill fields on the parent are always recomputed
// from the slice set.
type Scheduler struct {
	store store.AlgoStore
	queue queue.Publisher
	nowFn func() time.Time
}

func NewScheduler(st store.AlgoStore, q queue.Publisher) *Scheduler {
	return &Scheduler{store: st, queue: q, nowFn: time.Now}
}

// SetClock overrides the clock for deterministic tests.
func (s *Scheduler) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// Target identifies what a parent order trades. PriceLow/PriceHigh
// optionally bound slice and fill prices; a zero bound is open on that side.
type Target struct {
	Owner         string
	Province      string
	MarketType    market.MarketType
	Direction     market.Direction
	TotalQuantity decimal.Decimal
	PriceLow      decimal.Decimal
	PriceHigh     decimal.Decimal
}

func (t Target) validate() error {
	if t.Province == "" {
		return fmt.Errorf("省份不能为空")
	}
	if !t.MarketType.Valid() {
		return fmt.Errorf("未知市场类型: %q", t.MarketType)
	}
	if !t.Direction.Valid() {
		return fmt.Errorf("未知买卖方向: %q", t.Direction)
	}
	if t.TotalQuantity.Sign() <= 0 {
		return fmt.Errorf("总量必须为正")
	}
	if t.PriceLow.Sign() < 0 || t.PriceHigh.Sign() < 0 {
		return fmt.Errorf("价格区间不能为负")
	}
	if t.PriceLow.Sign() > 0 && t.PriceHigh.Sign() > 0 && t.PriceLow.GreaterThan(t.PriceHigh) {
		return fmt.Errorf("价格区间下限 %s 高于上限 %s", t.PriceLow, t.PriceHigh)
	}
	return nil
}

// withinPriceBounds checks a price against an order's optional bounds.
func withinPriceBounds(low, high, price decimal.Decimal) bool {
	if low.Sign() > 0 && price.LessThan(low) {
		return false
	}
	if high.Sign() > 0 && price.GreaterThan(high) {
		return false
	}
	return true
}

func (s *Scheduler) newParent(t Target, typ model.AlgoType) *model.AlgoOrder {
	now := s.nowFn()
	return &model.AlgoOrder{
		ID:            uuid.NewString(),
		Owner:         t.Owner,
		AlgoType:      typ,
		Province:      market.NormalizeProvince(t.Province),
		MarketType:    string(t.MarketType),
		Direction:     string(t.Direction),
		TotalQuantity: t.TotalQuantity,
		PriceLow:      t.PriceLow,
		PriceHigh:     t.PriceHigh,
		Status:        model.AlgoCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CreateTWAP builds equal-quantity slices spaced evenly across the
// duration. sliceCount 0 picks the default of one slice per minute, capped
// at 20.
func (s *Scheduler) CreateTWAP(ctx context.Context, t Target, durationMinutes, sliceCount int) (*model.AlgoOrder, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("执行时长必须为正")
	}
	if sliceCount < 0 {
		return nil, fmt.Errorf("切片数不能为负")
	}
	if sliceCount == 0 {
		sliceCount = durationMinutes
		if sliceCount > maxDefaultSlices {
			sliceCount = maxDefaultSlices
		}
	}
	order := s.newParent(t, model.AlgoTWAP)
	order.DurationMinutes = durationMinutes

	interval := time.Duration(durationMinutes) * time.Minute / time.Duration(sliceCount)
	base := t.TotalQuantity.DivRound(decimal.NewFromInt(int64(sliceCount)), quantityScale)
	slices := make([]model.AlgoSlice, sliceCount)
	var allocated decimal.Decimal
	for i := 0; i < sliceCount; i++ {
		qty := base
		if i == sliceCount-1 {
			qty = t.TotalQuantity.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		at := order.CreatedAt.Add(time.Duration(i) * interval)
		slices[i] = s.newSlice(order, i+1, qty, &at, decimal.NullDecimal{})
	}
	return s.insert(ctx, order, slices)
}

// CreateVWAP builds slices weighted by an intraday volume profile. A nil
// profile falls back to a U-shaped curve (heavy open and close). The
// profile is normalized to sum to 1; its length fixes the slice count, and
// a non-zero sliceCount that disagrees with it is a configuration error.
func (s *Scheduler) CreateVWAP(ctx context.Context, t Target, durationMinutes, sliceCount int, profile []float64) (*model.AlgoOrder, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("执行时长必须为正")
	}
	if profile == nil {
		if sliceCount <= 0 {
			sliceCount = durationMinutes
			if sliceCount > maxDefaultSlices {
				sliceCount = maxDefaultSlices
			}
		}
		profile = defaultVolumeProfile(sliceCount)
	} else if sliceCount > 0 && sliceCount != len(profile) {
		return nil, fmt.Errorf("成交量曲线长度 %d 与切片数 %d 不一致", len(profile), sliceCount)
	}
	normalized, err := normalizeProfile(profile)
	if err != nil {
		return nil, err
	}

	order := s.newParent(t, model.AlgoVWAP)
	order.DurationMinutes = durationMinutes
	order.ProfileJSON, _ = json.Marshal(normalized)

	n := len(normalized)
	interval := time.Duration(durationMinutes) * time.Minute / time.Duration(n)
	slices := make([]model.AlgoSlice, n)
	var allocated decimal.Decimal
	for i := 0; i < n; i++ {
		qty := t.TotalQuantity.Mul(decimal.NewFromFloat(normalized[i])).Round(quantityScale)
		if i == n-1 {
			qty = t.TotalQuantity.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		at := order.CreatedAt.Add(time.Duration(i) * interval)
		slices[i] = s.newSlice(order, i+1, qty, &at, decimal.NullDecimal{})
	}
	return s.insert(ctx, order, slices)
}

// CreateIceberg reveals visibleQuantity at a time at a fixed price. Slices
// carry no schedule; the next one becomes eligible only once every prior
// slice has filled.
func (s *Scheduler) CreateIceberg(ctx context.Context, t Target, visibleQuantity, price decimal.Decimal) (*model.AlgoOrder, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if visibleQuantity.Sign() <= 0 {
		return nil, fmt.Errorf("可见量必须为正")
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("价格必须为正")
	}
	if !withinPriceBounds(t.PriceLow, t.PriceHigh, price) {
		return nil, fmt.Errorf("冰山价格 %s 超出价格区间 [%s, %s]", price, t.PriceLow, t.PriceHigh)
	}
	count := int(t.TotalQuantity.Div(visibleQuantity).Ceil().IntPart())

	order := s.newParent(t, model.AlgoIceberg)
	order.VisibleQuantity = visibleQuantity
	order.VisiblePrice = price

	slices := make([]model.AlgoSlice, count)
	var allocated decimal.Decimal
	for i := 0; i < count; i++ {
		qty := visibleQuantity
		if i == count-1 {
			qty = t.TotalQuantity.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		slices[i] = s.newSlice(order, i+1, qty, nil, decimal.NewNullDecimal(price))
	}
	return s.insert(ctx, order, slices)
}

func (s *Scheduler) newSlice(order *model.AlgoOrder, seq int, qty decimal.Decimal, at *time.Time, price decimal.NullDecimal) model.AlgoSlice {
	return model.AlgoSlice{
		ID:          uuid.NewString(),
		AlgoID:      order.ID,
		Sequence:    seq,
		ScheduledAt: at,
		Quantity:    qty,
		Price:       price,
		Status:      model.SlicePending,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.CreatedAt,
	}
}

func (s *Scheduler) insert(ctx context.Context, order *model.AlgoOrder, slices []model.AlgoSlice) (*model.AlgoOrder, error) {
	order.SlicesTotal = len(slices)
	if err := s.store.InsertAlgo(ctx, order, slices); err != nil {
		return nil, fmt.Errorf("写入算法单失败: %w", err)
	}
	logger.Infof("创建算法单 id=%s type=%s province=%s total=%s slices=%d",
		order.ID, order.AlgoType, order.Province, order.TotalQuantity, len(slices))
	return order, nil
}

// defaultVolumeProfile approximates a U-shaped intraday curve: weight is
// highest at the open and close, lowest mid-session.
func defaultVolumeProfile(n int) []float64 {
	if n <= 0 {
		n = 1
	}
	profile := make([]float64, n)
	for i := 0; i < n; i++ {
		profile[i] = 1.5 - math.Sin(math.Pi*(float64(i)+0.5)/float64(n))
	}
	return profile
}

func normalizeProfile(profile []float64) ([]float64, error) {
	if len(profile) == 0 {
		return nil, fmt.Errorf("成交量曲线不能为空")
	}
	var sum float64
	for _, w := range profile {
		if w < 0 {
			return nil, fmt.Errorf("成交量曲线权重不能为负")
		}
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("成交量曲线权重合计必须为正")
	}
	out := make([]float64, len(profile))
	for i, w := range profile {
		out[i] = w / sum
	}
	return out, nil
}

// Start moves the order to RUNNING and publishes one execution request.
// It never blocks waiting for fills. Legal from CREATED or PAUSED.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	order, err := s.store.GetAlgo(ctx, id)
	if err != nil {
		return err
	}
	now := s.nowFn()
	updates := map[string]any{"updated_at": now}
	if order.StartedAt == nil {
		updates["started_at"] = now
	}
	swapped, err := s.store.CASAlgoStatus(ctx, id,
		[]model.AlgoStatus{model.AlgoCreated, model.AlgoPaused}, model.AlgoRunning, updates)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w (id=%s, status=%s)", ErrBadTransition, id, order.Status)
	}
	payload := map[string]any{
		"algo_id":   order.ID,
		"algo_type": string(order.AlgoType),
		"province":  order.Province,
	}
	if err := s.queue.PublishExecutionRequest(order.ID, payload); err != nil {
		logger.Errorf("算法单 %s 执行请求入队失败: %v", order.ID, err)
	}
	logger.Infof("算法单启动 id=%s type=%s", order.ID, order.AlgoType)
	return nil
}

// Pause suspends submission of further slices. Legal from RUNNING only.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	swapped, err := s.store.CASAlgoStatus(ctx, id,
		[]model.AlgoStatus{model.AlgoRunning}, model.AlgoPaused,
		map[string]any{"updated_at": s.nowFn()})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w (id=%s)", ErrBadTransition, id)
	}
	return nil
}

// Cancel terminates the order and cancels every slice still open. Filled
// slices keep their fills. Cancelling an already-cancelled order is a
// no-op; a completed order cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string, reason string) error {
	order, err := s.store.GetAlgo(ctx, id)
	if err != nil {
		return err
	}
	if order.Status == model.AlgoCancelled {
		return nil
	}
	swapped, err := s.store.CASAlgoStatus(ctx, id,
		[]model.AlgoStatus{model.AlgoCreated, model.AlgoRunning, model.AlgoPaused}, model.AlgoCancelled,
		map[string]any{"reason": reason, "updated_at": s.nowFn()})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w (id=%s, status=%s)", ErrBadTransition, id, order.Status)
	}
	n, err := s.store.CancelOpenSlices(ctx, id)
	if err != nil {
		return fmt.Errorf("撤销子单失败: %w", err)
	}
	logger.Infof("算法单撤销 id=%s reason=%q cancelled_slices=%d", id, reason, n)
	return nil
}

// OnSliceFilled records a fill and recomputes the parent aggregates from
// the full slice set. The parent completes exactly when its last slice
// fills. Fills with a non-positive quantity or price, or a price outside
// the parent's bounds, are rejected before anything is written.
func (s *Scheduler) OnSliceFilled(ctx context.Context, sliceID string, filledQuantity, filledPrice decimal.Decimal) error {
	if filledQuantity.Sign() <= 0 {
		return fmt.Errorf("成交量必须为正 (slice=%s, quantity=%s)", sliceID, filledQuantity)
	}
	if filledPrice.Sign() <= 0 {
		return fmt.Errorf("成交价必须为正 (slice=%s, price=%s)", sliceID, filledPrice)
	}
	slice, err := s.store.GetSlice(ctx, sliceID)
	if err != nil {
		return err
	}
	order, err := s.store.GetAlgo(ctx, slice.AlgoID)
	if err != nil {
		return err
	}
	if !withinPriceBounds(order.PriceLow, order.PriceHigh, filledPrice) {
		return fmt.Errorf("成交价 %s 超出价格区间 [%s, %s] (slice=%s)",
			filledPrice, order.PriceLow, order.PriceHigh, sliceID)
	}
	now := s.nowFn()
	swapped, err := s.store.CASSliceStatus(ctx, sliceID,
		[]model.SliceStatus{model.SlicePending, model.SliceSubmitted}, model.SliceFilled,
		map[string]any{
			"filled_quantity": filledQuantity,
			"filled_price":    decimal.NewNullDecimal(filledPrice),
			"executed_at":     now,
			"updated_at":      now,
		})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w (slice=%s)", ErrSliceClosed, sliceID)
	}
	return s.recomputeAggregates(ctx, slice.AlgoID)
}

// recomputeAggregates derives filledQuantity, volume-weighted averagePrice
// and the filled counter from the slice list, then completes the parent if
// every slice has filled.
func (s *Scheduler) recomputeAggregates(ctx context.Context, algoID string) error {
	slices, err := s.store.ListSlices(ctx, algoID)
	if err != nil {
		return err
	}
	var (
		filled   decimal.Decimal
		notional decimal.Decimal
		count    int
	)
	for _, sl := range slices {
		if sl.Status != model.SliceFilled {
			continue
		}
		count++
		filled = filled.Add(sl.FilledQuantity)
		if sl.FilledPrice.Valid {
			notional = notional.Add(sl.FilledQuantity.Mul(sl.FilledPrice.Decimal))
		}
	}
	avg := decimal.Zero
	if filled.Sign() > 0 {
		avg = notional.DivRound(filled, quantityScale)
	}
	if err := s.store.UpdateAlgoAggregates(ctx, algoID, filled, avg, count); err != nil {
		return fmt.Errorf("更新聚合字段失败: %w", err)
	}
	if count == len(slices) && count > 0 {
		swapped, err := s.store.CASAlgoStatus(ctx, algoID,
			[]model.AlgoStatus{model.AlgoRunning, model.AlgoPaused}, model.AlgoCompleted,
			map[string]any{"updated_at": s.nowFn()})
		if err != nil {
			return err
		}
		if swapped {
			logger.Infof("算法单完成 id=%s filled=%s avg=%s", algoID, filled, avg)
		}
	}
	return nil
}

// CheckDueSlices scans RUNNING orders for slices that are eligible to
// submit: schedule-driven slices whose time has come, and for Iceberg the
// lowest pending sequence once all prior slices have filled. Eligible
// slices are flipped to submitted and handed to the execution queue; the
// fill callback closes the loop later.
func (s *Scheduler) CheckDueSlices(ctx context.Context) (int, error) {
	running, err := s.store.ListAlgos(ctx, "", model.AlgoRunning, 0)
	if err != nil {
		return 0, fmt.Errorf("查询运行中算法单失败: %w", err)
	}
	now := s.nowFn()
	submitted := 0
	for i := range running {
		order := running[i]
		slices, err := s.store.ListSlices(ctx, order.ID)
		if err != nil {
			logger.Errorf("算法单 %s 查询子单失败: %v", order.ID, err)
			continue
		}
		for _, due := range dueSlices(order.AlgoType, slices, now) {
			swapped, err := s.store.CASSliceStatus(ctx, due.ID,
				[]model.SliceStatus{model.SlicePending}, model.SliceSubmitted,
				map[string]any{"updated_at": now})
			if err != nil {
				logger.Errorf("子单 %s 标记提交失败: %v", due.ID, err)
				continue
			}
			if !swapped {
				continue
			}
			payload := map[string]any{
				"algo_id":    order.ID,
				"slice_id":   due.ID,
				"sequence":   due.Sequence,
				"quantity":   due.Quantity.String(),
				"province":   order.Province,
				"market":     order.MarketType,
				"direction":  order.Direction,
				"price_type": priceTypeFor(due),
			}
			if due.Price.Valid {
				payload["price"] = due.Price.Decimal.String()
			}
			if err := s.queue.PublishExecutionRequest(order.ID, payload); err != nil {
				logger.Errorf("子单 %s 执行请求入队失败: %v", due.ID, err)
				continue
			}
			submitted++
		}
	}
	return submitted, nil
}

func priceTypeFor(sl model.AlgoSlice) string {
	if sl.Price.Valid {
		return string(model.PriceLimit)
	}
	return string(model.PriceMarket)
}

// dueSlices picks the slices eligible for submission right now.
func dueSlices(typ model.AlgoType, slices []model.AlgoSlice, now time.Time) []model.AlgoSlice {
	if typ == model.AlgoIceberg {
		// Sequence-driven: the next pending slice is eligible only once
		// everything before it has filled.
		for _, sl := range slices {
			switch sl.Status {
			case model.SliceFilled:
				continue
			case model.SlicePending:
				return []model.AlgoSlice{sl}
			default:
				return nil
			}
		}
		return nil
	}
	var due []model.AlgoSlice
	for _, sl := range slices {
		if sl.Status != model.SlicePending || sl.ScheduledAt == nil {
			continue
		}
		if !sl.ScheduledAt.After(now) {
			due = append(due, sl)
		}
	}
	return due
}

// Get returns one parent order.
func (s *Scheduler) Get(ctx context.Context, id string) (*model.AlgoOrder, error) {
	return s.store.GetAlgo(ctx, id)
}

// List returns parent orders filtered by owner and status.
func (s *Scheduler) List(ctx context.Context, owner string, status model.AlgoStatus, limit int) ([]model.AlgoOrder, error) {
	return s.store.ListAlgos(ctx, owner, status, limit)
}

// Slices returns an order's child slices in sequence order.
func (s *Scheduler) Slices(ctx context.Context, algoID string) ([]model.AlgoSlice, error) {
	return s.store.ListSlices(ctx, algoID)
}
