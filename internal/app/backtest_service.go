package app

import (
	"context"
	"fmt"

	"barwalk/internal/backtest"
	"barwalk/internal/sweep"
	backtesthttp "barwalk/internal/transport/http/backtest"
)

// BacktestService 聚合回测栈：K 线库、结果库、拉取服务、模拟器、
// 参数扫描与 HTTP 暴露。
type BacktestService struct {
	store    *backtest.Store
	results  *backtest.ResultStore
	svc      *backtest.Service
	sim      *backtest.Simulator
	sweeps   *sweep.Runner
	sweepDB  *sweep.Store
	server   *backtesthttp.Server
	httpAddr string
}

// Bind 把宿主 ctx 注入各后台组件，使挂起任务随应用退出取消。
func (b *BacktestService) Bind(ctx context.Context) {
	if b == nil {
		return
	}
	if b.svc != nil {
		b.svc.SetContext(ctx)
	}
	if b.sim != nil {
		b.sim.SetContext(ctx)
	}
	if b.sweeps != nil {
		b.sweeps.SetContext(ctx)
	}
}

// Serve 阻塞运行 HTTP 服务直到 ctx 取消。
func (b *BacktestService) Serve(ctx context.Context) error {
	if b == nil || b.server == nil {
		return fmt.Errorf("http server not initialized")
	}
	return b.server.Start(ctx)
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.sweepDB != nil {
		_ = b.sweepDB.Close()
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

// Simulator 暴露模拟器实例。
func (b *BacktestService) Simulator() *backtest.Simulator {
	if b == nil {
		return nil
	}
	return b.sim
}

// Sweeps 暴露参数扫描实例。
func (b *BacktestService) Sweeps() *sweep.Runner {
	if b == nil {
		return nil
	}
	return b.sweeps
}
