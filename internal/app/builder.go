package app

import (
	"context"
	"fmt"

	"gridtrade/internal/algo"
	"gridtrade/internal/condorder"
	gtcfg "gridtrade/internal/config"
	"gridtrade/internal/dispatch"
	"gridtrade/internal/executor"
	"gridtrade/internal/gateway/notifier"
	"gridtrade/internal/gateway/trading"
	"gridtrade/internal/logger"
	"gridtrade/internal/queue"
	"gridtrade/internal/rule"
	"gridtrade/internal/store/gormstore"
	"gridtrade/internal/strategyreg"
	httpapi "gridtrade/internal/transport/http"
)

// AppBuilder 逐步装配 App 的依赖，构造函数可替换以便测试。
type AppBuilder struct {
	cfg *gtcfg.Config

	storeFn    func(string) (*gormstore.GormStore, error)
	gatewayFn  func(gtcfg.GatewayConfig) (dispatch.TradingGateway, error)
	registryFn func(string) (*strategyreg.Registry, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *gtcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    gormstore.NewGormStore,
		gatewayFn:  buildGateway,
		registryFn: strategyreg.NewRegistry,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 构建完整的 App。
func (b *AppBuilder) Build(_ context.Context) (*App, error) {
	cfg := b.cfg
	st, err := b.storeFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	var gateway dispatch.TradingGateway
	if cfg.Gateway.Enabled {
		gateway, err = b.gatewayFn(cfg.Gateway)
		if err != nil {
			return nil, fmt.Errorf("初始化交易网关失败: %w", err)
		}
	} else {
		logger.Warnf("交易网关未启用，下单类动作将被拒绝")
	}

	var alerter notifier.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		alerter = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	registry, err := b.registryFn(cfg.Strategy.Path)
	if err != nil {
		return nil, fmt.Errorf("加载策略模板失败: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(gateway, alerter, registry)
	execQueue := queue.NewChannelQueue(cfg.Queue.Capacity)

	orders := condorder.NewManager(st, dispatcher)
	rules := rule.NewManager(st, dispatcher)
	algos := algo.NewScheduler(st, execQueue)

	router := httpapi.NewRouter(orders, rules, algos)
	srv, err := httpapi.NewServer(cfg.App.HTTPAddr, router)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		store:      st,
		queue:      execQueue,
		httpSrv:    srv,
		worker:     executor.NewWorker(execQueue, gateway, algos),
		rules:      rules,
		dueChecker: algos.CheckDueSlices,
	}, nil
}

func buildGateway(cfg gtcfg.GatewayConfig) (dispatch.TradingGateway, error) {
	return trading.NewClient(cfg)
}
