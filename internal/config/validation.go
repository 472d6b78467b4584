package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。配置错误一律在启动时报出。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Sweep.validate(); err != nil {
		return err
	}
	presets, err := c.ResolvePresets()
	if err != nil {
		return err
	}
	if _, ok := presets[strings.ToLower(strings.TrimSpace(c.Backtest.Preset))]; !ok {
		return fmt.Errorf("backtest.preset %q is not defined", c.Backtest.Preset)
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.Dir) == "" {
		return fmt.Errorf("data.dir cannot be empty")
	}
	if d.FetchBatch < 100 || d.FetchBatch > 1500 {
		return fmt.Errorf("data.fetch_batch must be in [100,1500]")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if strings.TrimSpace(b.StrategiesPath) == "" {
		return fmt.Errorf("backtest.strategies_path cannot be empty")
	}
	if b.InitialCash <= 0 {
		return fmt.Errorf("backtest.initial_cash must be > 0")
	}
	if b.Workers < 1 || b.Workers > 32 {
		return fmt.Errorf("backtest.workers must be in [1,32]")
	}
	if strings.TrimSpace(b.DefaultSymbol) == "" {
		return fmt.Errorf("backtest.default_symbol cannot be empty")
	}
	if !IsValidInterval(b.DefaultTimeframe) {
		return fmt.Errorf("backtest.default_timeframe is not a valid interval: %q", b.DefaultTimeframe)
	}
	return nil
}

func (s *SweepConfig) validate() error {
	if s.Workers < 1 || s.Workers > 64 {
		return fmt.Errorf("sweep.workers must be in [1,64]")
	}
	if s.MaxVariants < 1 || s.MaxVariants > 10_000 {
		return fmt.Errorf("sweep.max_variants must be in [1,10000]")
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if s == "" {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
