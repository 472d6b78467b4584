package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":8085"
	defaultAppLogPath        = "data/logs/barwalk.log"
	defaultDataDir           = "data"
	defaultDataFetchBatch    = 1000
	defaultMarketName        = "binance"
	defaultMarketREST        = "https://fapi.binance.com"
	defaultStrategiesPath    = "configs/strategies.yaml"
	defaultInitialCash       = 10_000
	defaultBacktestPreset    = "default"
	defaultBacktestWorkers   = 2
	defaultBacktestSymbol    = "BTCUSDT"
	defaultBacktestTimeframe = "1h"
	defaultSweepWorkers      = 4
	defaultSweepMaxVariants  = 256
	defaultReportPNGTimeout  = 20
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Sweep.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.dir", &d.Dir, defaultDataDir),
		fieldDefault{
			key:   "data.fetch_batch",
			need:  func() bool { return d.FetchBatch <= 0 },
			apply: func() { d.FetchBatch = defaultDataFetchBatch },
		},
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.strategies_path", &b.StrategiesPath, defaultStrategiesPath),
		stringFieldDefault("backtest.preset", &b.Preset, defaultBacktestPreset),
		stringFieldDefault("backtest.default_symbol", &b.DefaultSymbol, defaultBacktestSymbol),
		stringFieldDefault("backtest.default_timeframe", &b.DefaultTimeframe, defaultBacktestTimeframe),
		fieldDefault{
			key:   "backtest.initial_cash",
			need:  func() bool { return b.InitialCash <= 0 },
			apply: func() { b.InitialCash = defaultInitialCash },
		},
		fieldDefault{
			key:   "backtest.workers",
			need:  func() bool { return b.Workers <= 0 },
			apply: func() { b.Workers = defaultBacktestWorkers },
		},
	)
	b.DefaultSymbol = strings.ToUpper(strings.TrimSpace(b.DefaultSymbol))
}

func (s *SweepConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "sweep.workers",
			need:  func() bool { return s.Workers <= 0 },
			apply: func() { s.Workers = defaultSweepWorkers },
		},
		fieldDefault{
			key:   "sweep.max_variants",
			need:  func() bool { return s.MaxVariants <= 0 },
			apply: func() { s.MaxVariants = defaultSweepMaxVariants },
		},
	)
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "report.png_timeout_seconds",
			need:  func() bool { return r.PNGTimeoutSeconds <= 0 },
			apply: func() { r.PNGTimeoutSeconds = defaultReportPNGTimeout },
		},
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
