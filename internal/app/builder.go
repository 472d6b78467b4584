package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"barwalk/internal/backtest"
	bwcfg "barwalk/internal/config"
	"barwalk/internal/logger"
	"barwalk/internal/strategy"
	"barwalk/internal/sweep"
	backtesthttp "barwalk/internal/transport/http/backtest"
)

// AppBuilder 按配置装配应用依赖。拆出来是为了让测试可以只构建
// 依赖图而不进入 Run。
type AppBuilder struct {
	cfg *bwcfg.Config
}

func NewAppBuilder(cfg *bwcfg.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	bt, err := buildBacktestService(cfg)
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 回测 HTTP 接口监听 %s", bt.httpAddr)
	return &App{cfg: cfg, backtest: bt}, nil
}

func buildBacktestService(cfg *bwcfg.Config) (*BacktestService, error) {
	presets, err := cfg.ResolvePresets()
	if err != nil {
		return nil, fmt.Errorf("解析执行预设失败: %w", err)
	}

	registry, err := loadRegistry(cfg.Backtest.StrategiesPath)
	if err != nil {
		return nil, err
	}

	store, err := backtest.NewStore(filepath.Join(cfg.Data.Dir, "candles"))
	if err != nil {
		return nil, fmt.Errorf("初始化回测存储失败: %w", err)
	}
	results, err := backtest.NewResultStore(cfg.Data.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化回测结果库失败: %w", err)
	}

	src := cfg.Market.ResolveActiveSource()
	source, err := backtest.NewBinanceSource(backtest.BinanceConfig{
		RESTBaseURL: src.RESTBaseURL,
		ProxyURL:    proxyURL(src),
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化行情数据源失败: %w", err)
	}
	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store:           store,
		Sources:         map[string]backtest.CandleSource{strings.ToLower(src.Name): source},
		DefaultExchange: src.Name,
		MaxBatch:        cfg.Data.FetchBatch,
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化回测服务失败: %w", err)
	}

	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		CandleStore:      store,
		ResultStore:      results,
		Fetcher:          svc,
		Registry:         registry,
		Presets:          presets,
		DefaultSymbol:    cfg.Backtest.DefaultSymbol,
		DefaultTimeframe: cfg.Backtest.DefaultTimeframe,
		DefaultPreset:    cfg.Backtest.Preset,
		InitialCash:      cfg.Backtest.InitialCash,
		MaxConcurrent:    cfg.Backtest.Workers,
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化回测模拟器失败: %w", err)
	}

	sweepDB, err := sweep.NewStore(filepath.Join(cfg.Data.Dir, "sweeps.db"))
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化扫描存储失败: %w", err)
	}
	sweeps, err := sweep.NewRunner(sweep.RunnerConfig{
		CandleStore:      store,
		Artifacts:        sweepDB,
		Registry:         registry,
		Presets:          presets,
		DefaultSymbol:    cfg.Backtest.DefaultSymbol,
		DefaultTimeframe: cfg.Backtest.DefaultTimeframe,
		DefaultPreset:    cfg.Backtest.Preset,
		InitialCash:      cfg.Backtest.InitialCash,
		Workers:          cfg.Sweep.Workers,
		MaxVariants:      cfg.Sweep.MaxVariants,
	})
	if err != nil {
		sweepDB.Close()
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化参数扫描失败: %w", err)
	}

	server, err := backtesthttp.NewServer(backtesthttp.Config{
		Addr:       cfg.App.HTTPAddr,
		Svc:        svc,
		Simulator:  sim,
		Results:    results,
		Sweeps:     sweeps,
		Registry:   registry,
		PNGReports: cfg.Report.PNG,
		PNGTimeout: time.Duration(cfg.Report.PNGTimeoutSeconds) * time.Second,
	})
	if err != nil {
		sweepDB.Close()
		results.Close()
		store.Close()
		return nil, fmt.Errorf("初始化回测 HTTP 失败: %w", err)
	}

	return &BacktestService{
		store:    store,
		results:  results,
		svc:      svc,
		sim:      sim,
		sweeps:   sweeps,
		sweepDB:  sweepDB,
		server:   server,
		httpAddr: cfg.App.HTTPAddr,
	}, nil
}

// loadRegistry 加载策略模板库。文件缺失时仅告警并退化为只接受内联
// 定义；文件存在但内容非法则视为配置错误。
func loadRegistry(path string) (*strategy.Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("策略模板文件 %s 不存在，仅支持内联策略定义", path)
		return nil, nil
	}
	registry, err := strategy.NewRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("加载策略模板库失败: %w", err)
	}
	logger.Infof("✓ 已加载 %d 个策略模板: %v", len(registry.IDs()), registry.IDs())
	return registry, nil
}

func proxyURL(src bwcfg.MarketSource) string {
	if !src.Proxy.Enabled {
		return ""
	}
	return src.Proxy.RESTURL
}
