package config

import (
	"fmt"
	"strings"

	"barwalk/internal/engine"
)

// Config 是 barwalk 的主配置载体。
type Config struct {
	App      AppConfig               `toml:"app"`
	Data     DataConfig              `toml:"data"`
	Market   MarketConfig            `toml:"market"`
	Backtest BacktestConfig          `toml:"backtest"`
	Sweep    SweepConfig             `toml:"sweep"`
	Report   ReportConfig            `toml:"report"`
	Presets  map[string]PresetConfig `toml:"presets"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// DataConfig 描述本地数据根目录与抓取批量。K 线库、run 结果库与
// sweep 库的具体路径都从 Dir 派生。
type DataConfig struct {
	Dir        string `toml:"dir"`
	FetchBatch int    `toml:"fetch_batch"`
}

// BacktestConfig 是回测服务的缺省参数。
type BacktestConfig struct {
	StrategiesPath   string  `toml:"strategies_path"`
	InitialCash      float64 `toml:"initial_cash"`
	Preset           string  `toml:"preset"`
	Workers          int     `toml:"workers"`
	DefaultSymbol    string  `toml:"default_symbol"`
	DefaultTimeframe string  `toml:"default_timeframe"`
}

// SweepConfig 控制参数扫描的并发与规模上限。
type SweepConfig struct {
	Workers     int `toml:"workers"`
	MaxVariants int `toml:"max_variants"`
}

// ReportConfig 控制报表输出。PNG 依赖外部 headless 浏览器，默认关。
type ReportConfig struct {
	PNG               bool `toml:"png"`
	PNGTimeoutSeconds int  `toml:"png_timeout_seconds"`
}

// PresetConfig 是执行预设的配置形态，Resolve 后交给引擎。
// 字段留空即沿用引擎缺省（price_order 路径、零摩擦）。
type PresetConfig struct {
	PathPolicy     string           `toml:"path_policy"`
	StopsFirst     bool             `toml:"stops_first"`
	PriorityPolicy string           `toml:"priority_policy"`
	Slippage       SlippageConfig   `toml:"slippage"`
	Commission     CommissionConfig `toml:"commission"`
	MaxVolumeFrac  float64          `toml:"max_volume_frac"`
	Remainder      string           `toml:"remainder_policy"`
	Filters        FiltersConfig    `toml:"filters"`
}

type SlippageConfig struct {
	Model     string  `toml:"model"` // fixed | atr
	Bps       float64 `toml:"bps"`
	Offset    float64 `toml:"offset"`
	ATRMult   float64 `toml:"atr_mult"`
	ATRPeriod int     `toml:"atr_period"`
}

type CommissionConfig struct {
	Bps float64 `toml:"bps"`
	Min float64 `toml:"min"`
}

type FiltersConfig struct {
	TickSize    float64 `toml:"tick_size"`
	LotStep     float64 `toml:"lot_step"`
	MinNotional float64 `toml:"min_notional"`
}

// Resolve 把配置形态转成引擎预设并校验。
func (p PresetConfig) Resolve(name string) (engine.Preset, error) {
	out := engine.DefaultPreset()
	out.Name = name
	if v := strings.TrimSpace(p.PathPolicy); v != "" {
		out.Path = engine.PathPolicy(strings.ToLower(v))
	}
	out.StopsFirst = p.StopsFirst
	if v := strings.TrimSpace(p.PriorityPolicy); v != "" {
		out.Priority = engine.PriorityPolicy(strings.ToLower(v))
	}
	switch strings.ToLower(strings.TrimSpace(p.Slippage.Model)) {
	case "", "fixed":
		out.Slippage = engine.FixedSlippage{Bps: p.Slippage.Bps, Offset: p.Slippage.Offset}
	case "atr":
		period := p.Slippage.ATRPeriod
		if period <= 0 {
			period = 14
		}
		out.Slippage = engine.ATRSlippage{Mult: p.Slippage.ATRMult, Key: fmt.Sprintf("atr_%d", period)}
	default:
		return engine.Preset{}, fmt.Errorf("preset %s: 未知 slippage model: %q", name, p.Slippage.Model)
	}
	if p.Commission.Bps < 0 || p.Commission.Min < 0 {
		return engine.Preset{}, fmt.Errorf("preset %s: commission 不可为负", name)
	}
	out.Commission = engine.RateCommission{Bps: p.Commission.Bps, Min: p.Commission.Min}
	out.MaxVolumeFrac = p.MaxVolumeFrac
	if v := strings.TrimSpace(p.Remainder); v != "" {
		out.Remainder = engine.RemainderPolicy(strings.ToLower(v))
	}
	out.Filters = engine.Filters{
		TickSize:    p.Filters.TickSize,
		LotStep:     p.Filters.LotStep,
		MinNotional: p.Filters.MinNotional,
	}
	if err := out.Validate(); err != nil {
		return engine.Preset{}, fmt.Errorf("preset %s: %w", name, err)
	}
	return out, nil
}

// MarketConfig 描述历史行情来源。
type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

// ResolveActiveSource 返回启用的行情来源，缺省指向 Binance 合约。
func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
