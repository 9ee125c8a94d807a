package app

import (
	"context"
	"fmt"
	"time"

	gtcfg "gridtrade/internal/config"
	"gridtrade/internal/executor"
	"gridtrade/internal/logger"
	"gridtrade/internal/queue"
	"gridtrade/internal/rule"
	"gridtrade/internal/scheduler"
	"gridtrade/internal/store/gormstore"
	httpapi "gridtrade/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 服务与调度循环。
type App struct {
	cfg *gtcfg.Config

	store   *gormstore.GormStore
	queue   *queue.ChannelQueue
	httpSrv *httpapi.Server
	worker  *executor.Worker

	rules      *rule.Manager
	dueChecker func(context.Context) (int, error)
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *gtcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务、执行 worker 与两个对齐调度器，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return a.worker.Run(ctx)
	})

	sliceInterval := a.cfg.Scheduler.SliceCheckDuration()
	group.Go(func() error {
		s := scheduler.NewAlignedScheduler(ctx, sliceInterval, 0)
		s.Name = "slice-check"
		s.Start(func() {
			checkCtx, cancel := context.WithTimeout(ctx, sliceInterval)
			defer cancel()
			if n, err := a.dueChecker(checkCtx); err != nil {
				logger.Errorf("切片检查失败: %v", err)
			} else if n > 0 {
				logger.Infof("切片检查：提交 %d 个子单", n)
			}
		})
		return nil
	})

	group.Go(func() error {
		s := scheduler.NewAlignedScheduler(ctx, 24*time.Hour, a.cfg.Scheduler.RolloverOffsetDuration())
		s.Name = "daily-rollover"
		s.Start(func() {
			rollCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := a.rules.ResetDailyCounters(rollCtx); err != nil {
				logger.Errorf("每日滚动失败: %v", err)
			}
		})
		return nil
	})

	logger.Infof("gridtrade 启动完成 env=%s http=%s store=%s",
		a.cfg.App.Env, a.httpSrv.Addr(), a.cfg.Store.Path)
	return group.Wait()
}

func (a *App) close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Errorf("关闭数据库失败: %v", err)
		}
	}
}
