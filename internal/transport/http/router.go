package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gridtrade/internal/algo"
	"gridtrade/internal/condition"
	"gridtrade/internal/condorder"
	"gridtrade/internal/logger"
	"gridtrade/internal/market"
	"gridtrade/internal/rule"
	"gridtrade/internal/store/model"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Router 暴露条件单、规则与算法单的管理接口，以及行情推送入口。
type Router struct {
	Orders *condorder.Manager
	Rules  *rule.Manager
	Algos  *algo.Scheduler
}

// NewRouter 构造 API router。
func NewRouter(orders *condorder.Manager, rules *rule.Manager, algos *algo.Scheduler) *Router {
	return &Router{Orders: orders, Rules: rules, Algos: algos}
}

// Register 将接口挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/ticks", r.handleTick)

	group.POST("/orders", r.handleCreateOrder)
	group.GET("/orders", r.handleListOrders)
	group.GET("/orders/:id", r.handleGetOrder)
	group.GET("/orders/:id/logs", r.handleOrderLogs)
	group.POST("/orders/:id/cancel", r.handleCancelOrder)
	group.POST("/orders/:id/execute", r.handleExecuteOrder)

	group.POST("/rules", r.handleCreateRule)
	group.GET("/rules", r.handleListRules)
	group.GET("/rules/:id", r.handleGetRule)
	group.GET("/rules/:id/executions", r.handleRuleExecutions)
	group.POST("/rules/:id/activate", r.handleActivateRule)
	group.POST("/rules/:id/pause", r.handlePauseRule)

	group.POST("/algos/twap", r.handleCreateTWAP)
	group.POST("/algos/vwap", r.handleCreateVWAP)
	group.POST("/algos/iceberg", r.handleCreateIceberg)
	group.GET("/algos", r.handleListAlgos)
	group.GET("/algos/:id", r.handleGetAlgo)
	group.GET("/algos/:id/slices", r.handleAlgoSlices)
	group.POST("/algos/:id/start", r.handleStartAlgo)
	group.POST("/algos/:id/pause", r.handlePauseAlgo)
	group.POST("/algos/:id/cancel", r.handleCancelAlgo)
	group.POST("/slices/:id/fill", r.handleSliceFill)

	group.POST("/debug/expression", r.handleExpressionProbe)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// handleTick 接入一条行情：驱动条件单触发与规则评估。
func (r *Router) handleTick(c *gin.Context) {
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tick := market.Tick{
		Province:   market.NormalizeProvince(req.Province),
		MarketType: market.MarketType(req.MarketType),
		Price:      req.Price,
		Volume:     req.Volume,
		Timestamp:  req.Timestamp,
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	if !tick.MarketType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown market_type: " + req.MarketType})
		return
	}
	ctx := c.Request.Context()

	triggered, err := r.Orders.CheckAndTrigger(ctx, tick)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for i := range triggered {
		if _, err := r.Orders.Execute(ctx, triggered[i].ID); err != nil {
			logger.Errorf("条件单 %s 执行失败: %v", triggered[i].ID, err)
		}
	}

	evalCtx := tick.Context()
	matched, err := r.Rules.EvaluateRules(ctx, evalCtx, tick.Province, tick.MarketType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for i := range matched {
		if _, err := r.Rules.Execute(ctx, matched[i].ID, evalCtx); err != nil {
			logger.Errorf("规则 %s 执行失败: %v", matched[i].ID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"triggered_orders": len(triggered),
		"matched_rules":    len(matched),
	})
}

func (r *Router) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	trigger, err := condorder.DecodeTrigger(model.ConditionKind(req.ConditionType), req.Condition)
	if err != nil {
		badRequest(c, err)
		return
	}
	order, err := r.Orders.Create(c.Request.Context(), condorder.CreateParams{
		Owner:      req.Owner,
		Province:   req.Province,
		MarketType: market.MarketType(req.MarketType),
		Trigger:    trigger,
		Direction:  market.Direction(req.Direction),
		Quantity:   req.Quantity,
		PriceType:  model.PriceType(req.PriceType),
		LimitPrice: req.LimitPrice,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (r *Router) handleListOrders(c *gin.Context) {
	owner := c.Query("owner")
	status := model.OrderStatus(c.Query("status"))
	orders, err := r.Orders.List(c.Request.Context(), owner, status, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (r *Router) handleGetOrder(c *gin.Context) {
	order, err := r.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (r *Router) handleOrderLogs(c *gin.Context) {
	logs, err := r.Orders.TriggerLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (r *Router) handleCancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := r.Orders.Cancel(c.Request.Context(), c.Param("id"), req.Owner)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	case errors.Is(err, condorder.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, condorder.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleExecuteOrder(c *gin.Context) {
	order, err := r.Orders.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, condorder.ErrNotTriggered) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (r *Router) handleCreateRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	expr, err := condition.Parse(req.Expression)
	if err != nil {
		badRequest(c, err)
		return
	}
	created, err := r.Rules.Create(c.Request.Context(), rule.CreateParams{
		Name:                req.Name,
		Expression:          expr,
		ActionType:          model.ActionType(req.ActionType),
		ActionParams:        req.ActionParams,
		Provinces:           req.Provinces,
		MarketTypes:         req.MarketTypes,
		Priority:            req.Priority,
		MaxExecutionsPerDay: req.MaxExecutionsPerDay,
		MinIntervalSeconds:  req.MinIntervalSeconds,
	})
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) handleListRules(c *gin.Context) {
	rules, err := r.Rules.List(c.Request.Context(), model.RuleStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (r *Router) handleGetRule(c *gin.Context) {
	got, err := r.Rules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, got)
}

func (r *Router) handleRuleExecutions(c *gin.Context) {
	execs, err := r.Rules.Executions(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (r *Router) handleActivateRule(c *gin.Context) {
	r.ruleTransition(c, r.Rules.Activate)
}

func (r *Router) handlePauseRule(c *gin.Context) {
	r.ruleTransition(c, r.Rules.Pause)
}

func (r *Router) ruleTransition(c *gin.Context, fn func(ctx context.Context, id string) error) {
	err := fn(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, rule.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (req algoTargetRequest) target() (algo.Target, error) {
	total, err := decimal.NewFromString(req.TotalQuantity)
	if err != nil {
		return algo.Target{}, fmt.Errorf("total_quantity 不是合法数字: %w", err)
	}
	target := algo.Target{
		Owner:         req.Owner,
		Province:      req.Province,
		MarketType:    market.MarketType(req.MarketType),
		Direction:     market.Direction(req.Direction),
		TotalQuantity: total,
	}
	if req.PriceLow != "" {
		if target.PriceLow, err = decimal.NewFromString(req.PriceLow); err != nil {
			return algo.Target{}, fmt.Errorf("price_low 不是合法数字: %w", err)
		}
	}
	if req.PriceHigh != "" {
		if target.PriceHigh, err = decimal.NewFromString(req.PriceHigh); err != nil {
			return algo.Target{}, fmt.Errorf("price_high 不是合法数字: %w", err)
		}
	}
	return target, nil
}

func (r *Router) handleCreateTWAP(c *gin.Context) {
	var req createTWAPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := req.target()
	if err != nil {
		badRequest(c, err)
		return
	}
	order, err := r.Algos.CreateTWAP(c.Request.Context(), target, req.DurationMinutes, req.SliceCount)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (r *Router) handleCreateVWAP(c *gin.Context) {
	var req createVWAPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := req.target()
	if err != nil {
		badRequest(c, err)
		return
	}
	order, err := r.Algos.CreateVWAP(c.Request.Context(), target, req.DurationMinutes, req.SliceCount, req.VolumeProfile)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (r *Router) handleCreateIceberg(c *gin.Context) {
	var req createIcebergRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	target, err := req.target()
	if err != nil {
		badRequest(c, err)
		return
	}
	visible, err := decimal.NewFromString(req.VisibleQuantity)
	if err != nil {
		badRequest(c, fmt.Errorf("visible_quantity 不是合法数字: %w", err))
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		badRequest(c, fmt.Errorf("price 不是合法数字: %w", err))
		return
	}
	order, err := r.Algos.CreateIceberg(c.Request.Context(), target, visible, price)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (r *Router) handleListAlgos(c *gin.Context) {
	algos, err := r.Algos.List(c.Request.Context(), c.Query("owner"), model.AlgoStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"algos": algos})
}

func (r *Router) handleGetAlgo(c *gin.Context) {
	order, err := r.Algos.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (r *Router) handleAlgoSlices(c *gin.Context) {
	slices, err := r.Algos.Slices(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slices": slices})
}

func (r *Router) handleStartAlgo(c *gin.Context) {
	r.algoTransition(c, func(ctx context.Context, id string) error { return r.Algos.Start(ctx, id) })
}

func (r *Router) handlePauseAlgo(c *gin.Context) {
	r.algoTransition(c, func(ctx context.Context, id string) error { return r.Algos.Pause(ctx, id) })
}

func (r *Router) handleCancelAlgo(c *gin.Context) {
	var req cancelAlgoRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "用户撤销"
	}
	r.algoTransition(c, func(ctx context.Context, id string) error { return r.Algos.Cancel(ctx, id, req.Reason) })
}

func (r *Router) algoTransition(c *gin.Context, fn func(ctx context.Context, id string) error) {
	err := fn(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, algo.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleSliceFill 是执行侧的成交回报回调。
func (r *Router) handleSliceFill(c *gin.Context) {
	var req sliceFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	qty, err := decimal.NewFromString(req.FilledQuantity)
	if err != nil {
		badRequest(c, fmt.Errorf("filled_quantity 不是合法数字: %w", err))
		return
	}
	price, err := decimal.NewFromString(req.FilledPrice)
	if err != nil {
		badRequest(c, fmt.Errorf("filled_price 不是合法数字: %w", err))
		return
	}
	err = r.Algos.OnSliceFilled(c.Request.Context(), c.Param("id"), qty, price)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, algo.ErrSliceClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleExpressionProbe 对给定上下文试算一棵表达式树，便于排查规则不触发的问题。
func (r *Router) handleExpressionProbe(c *gin.Context) {
	var req expressionProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	expr, err := condition.Parse(req.Expression)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expression": expr.String(),
		"matched":    condition.Evaluate(expr, req.Context),
	})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}
