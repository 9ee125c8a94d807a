package executor

import (
	"context"
	"strings"

	"gridtrade/internal/algo"
	"gridtrade/internal/dispatch"
	"gridtrade/internal/gateway/trading"
	"gridtrade/internal/logger"
	"gridtrade/internal/queue"

	"github.com/shopspring/decimal"
)

// Worker drains the execution-request queue and submits slice orders to
// the trading gateway. Fills normally come back through the HTTP callback;
// when the gateway reports an immediate fill the worker closes the loop
// itself.
type Worker struct {
	queue   *queue.ChannelQueue
	gateway dispatch.TradingGateway
	algos   *algo.Scheduler
}

func NewWorker(q *queue.ChannelQueue, gateway dispatch.TradingGateway, algos *algo.Scheduler) *Worker {
	return &Worker{queue: q, gateway: gateway, algos: algos}
}

// Run blocks until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-w.queue.Requests():
			if !ok {
				return nil
			}
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req queue.ExecutionRequest) {
	sliceID := stringField(req.Payload, "slice_id")
	if sliceID == "" {
		// Start 发出的父单级请求只做记录。
		logger.Infof("算法单 %s 进入执行队列", req.AlgoID)
		return
	}
	if w.gateway == nil {
		logger.Warnf("交易网关未配置，子单 %s 等待人工回报", sliceID)
		return
	}
	payload := trading.PlaceOrderPayload{
		Province:   stringField(req.Payload, "province"),
		MarketType: stringField(req.Payload, "market"),
		Direction:  stringField(req.Payload, "direction"),
		PriceType:  stringField(req.Payload, "price_type"),
	}
	qty, err := decimal.NewFromString(stringField(req.Payload, "quantity"))
	if err != nil {
		logger.Errorf("子单 %s 数量非法: %v", sliceID, err)
		return
	}
	payload.Quantity, _ = qty.Float64()
	priceStr := stringField(req.Payload, "price")
	if priceStr != "" {
		if price, err := decimal.NewFromString(priceStr); err == nil {
			f, _ := price.Float64()
			payload.Price = &f
		}
	}
	resp, err := w.gateway.PlaceOrder(ctx, payload)
	if err != nil {
		logger.Errorf("子单 %s 提交失败: %v", sliceID, err)
		return
	}
	logger.Infof("子单提交成功 slice=%s order_id=%s status=%s", sliceID, resp.OrderID, resp.Status)

	if strings.EqualFold(resp.Status, "FILLED") && priceStr != "" {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return
		}
		if err := w.algos.OnSliceFilled(ctx, sliceID, qty, price); err != nil {
			logger.Errorf("子单 %s 回写成交失败: %v", sliceID, err)
		}
	}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}
