package app

import (
	"context"
	"fmt"

	bwcfg "barwalk/internal/config"
	"barwalk/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回测服务与 HTTP。
type App struct {
	cfg      *bwcfg.Config
	backtest *BacktestService
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *bwcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动回测服务，阻塞直到 ctx 取消或出现错误。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.backtest == nil {
		return fmt.Errorf("backtest service not initialized")
	}
	defer a.backtest.Close()
	a.backtest.Bind(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.backtest.Serve(ctx); err != nil {
			return fmt.Errorf("backtest http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Backtest 暴露底层回测服务实例（测试与回放脚本使用）。
func (a *App) Backtest() *BacktestService {
	if a == nil {
		return nil
	}
	return a.backtest
}
