package config

import (
	"os"
	"path/filepath"
	"testing"

	"barwalk/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
app:
  log_level: debug
backtest:
  initial_cash: 50000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
	assert.Equal(t, defaultDataDir, cfg.Data.Dir)
	assert.EqualValues(t, 50_000, cfg.Backtest.InitialCash)
	assert.Equal(t, defaultBacktestPreset, cfg.Backtest.Preset)
	assert.Equal(t, defaultBacktestWorkers, cfg.Backtest.Workers)
	assert.Equal(t, "BTCUSDT", cfg.Backtest.DefaultSymbol)
	assert.Equal(t, defaultSweepWorkers, cfg.Sweep.Workers)

	src := cfg.Market.ResolveActiveSource()
	assert.Equal(t, "binance", src.Name)
	assert.Equal(t, defaultMarketREST, src.RESTBaseURL)
}

func TestLoad_IncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
app:
  http_addr: ":9000"
backtest:
  initial_cash: 25000
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
backtest:
  initial_cash: 75000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// 主文件后合并，覆盖 include 值
	assert.EqualValues(t, 75_000, cfg.Backtest.InitialCash)
	assert.Equal(t, ":9000", cfg.App.HTTPAddr)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"非法日志级别", "app:\n  log_level: loud\n"},
		{"fetch_batch越界", "data:\n  fetch_batch: 9999\n"},
		{"workers越界", "backtest:\n  workers: 99\n"},
		{"未定义的preset", "backtest:\n  preset: ghost\n"},
		{"非法timeframe", "backtest:\n  default_timeframe: soon\n"},
		{"非法路径策略", "presets:\n  broken:\n    path_policy: sideways\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, "config.yaml", tc.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestResolvePresets(t *testing.T) {
	cfg := &Config{
		Presets: map[string]PresetConfig{
			"thin_market": {
				Slippage:      SlippageConfig{Model: "atr", ATRMult: 0.25, ATRPeriod: 7},
				MaxVolumeFrac: 0.02,
				Remainder:     "requeue",
			},
		},
	}
	presets, err := cfg.ResolvePresets()
	require.NoError(t, err)

	// 内置三件套始终在场
	require.Contains(t, presets, "default")
	require.Contains(t, presets, "realistic")
	require.Contains(t, presets, "conservative")
	require.Contains(t, presets, "thin_market")

	def := presets["default"]
	assert.Equal(t, engine.PathPriceOrder, def.Path)
	assert.Zero(t, def.MaxVolumeFrac)

	cons := presets["conservative"]
	assert.Equal(t, engine.PathWorstCase, cons.Path)
	assert.True(t, cons.StopsFirst)

	thin := presets["thin_market"]
	assert.Equal(t, engine.RemainderRequeue, thin.Remainder)
	slip, ok := thin.Slippage.(engine.ATRSlippage)
	require.True(t, ok)
	assert.Equal(t, "atr_7", slip.Key)
	assert.Equal(t, []string{"atr_7"}, thin.IndicatorNames())
}

func TestPresetConfig_Resolve(t *testing.T) {
	t.Run("空配置等于引擎缺省", func(t *testing.T) {
		p, err := PresetConfig{}.Resolve("plain")
		require.NoError(t, err)
		assert.Equal(t, "plain", p.Name)
		assert.Equal(t, engine.PathPriceOrder, p.Path)
		assert.Equal(t, engine.RemainderCancel, p.Remainder)
	})

	t.Run("非法取值拒绝", func(t *testing.T) {
		_, err := PresetConfig{Slippage: SlippageConfig{Model: "psychic"}}.Resolve("x")
		assert.Error(t, err)
		_, err = PresetConfig{Commission: CommissionConfig{Bps: -1}}.Resolve("x")
		assert.Error(t, err)
		_, err = PresetConfig{MaxVolumeFrac: 1.5}.Resolve("x")
		assert.Error(t, err)
		_, err = PresetConfig{Remainder: "hope"}.Resolve("x")
		assert.Error(t, err)
	})
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("1m"))
	assert.True(t, IsValidInterval("4h"))
	assert.True(t, IsValidInterval("1d"))
	assert.False(t, IsValidInterval(""))
	assert.False(t, IsValidInterval("h1"))
	assert.False(t, IsValidInterval("10x"))
}
