package strategy

import (
	"testing"

	"barwalk/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullDefinition() Definition {
	return Definition{
		ID:     "demo",
		Signal: Ref{ID: "sma_cross", Params: map[string]any{"fast": 5, "slow": 20}},
		Filter: &Ref{ID: "trend", Params: map[string]any{"period": 50}},
		Policy: Ref{ID: "bracket", Params: map[string]any{"stop_mode": "atr", "atr_period": 3, "stop_mult": 2}},
		Sizer:  Ref{ID: "atr_risk", Params: map[string]any{"period": 14}},
		Manager: &Ref{ID: "atr_trail", Params: map[string]any{
			"period": 7, "trigger_mult": 2, "trail_mult": 1,
		}},
		Indicators: []string{"rsi_14"},
	}
}

func TestBuild_MergesIndicatorRequirements(t *testing.T) {
	inst, err := Build(fullDefinition())
	require.NoError(t, err)
	require.NotNil(t, inst.Signal)
	require.NotNil(t, inst.Filter)
	require.NotNil(t, inst.Policy)
	require.NotNil(t, inst.Manager)
	require.NotNil(t, inst.Sizer)

	// 信号、过滤器、仓位、policy、manager 加显式声明的并集
	assert.Equal(t, []string{"atr_14", "atr_3", "atr_7", "rsi_14", "sma_20", "sma_5", "sma_50"}, inst.Indicators)
}

func TestBuild_Defaults(t *testing.T) {
	def := Definition{
		ID:     "bare",
		Signal: Ref{ID: "sma_cross"},
		Policy: Ref{ID: "market_open"},
	}
	inst, err := Build(def)
	require.NoError(t, err)

	// 未指定 sizer 时用默认权益比例
	qty := inst.Sizer.Size(engine.StrategyContext{Equity: 10_000}, 100)
	assert.InDelta(t, 10, qty, 1e-12)

	// 未指定 filter 时全部放行
	res := inst.Filter.Evaluate(engine.StrategyContext{}, engine.SignalEvent{Direction: engine.Long})
	assert.True(t, res.Allowed)

	assert.Nil(t, inst.Manager)
	assert.Equal(t, []string{"sma_10", "sma_30"}, inst.Indicators)
}

func TestBuild_UnknownComponents(t *testing.T) {
	base := fullDefinition()

	t.Run("signal", func(t *testing.T) {
		def := base
		def.Signal = Ref{ID: "nope"}
		_, err := Build(def)
		assert.ErrorContains(t, err, "未知 signal")
	})
	t.Run("filter", func(t *testing.T) {
		def := base
		def.Filter = &Ref{ID: "nope"}
		_, err := Build(def)
		assert.ErrorContains(t, err, "未知 filter")
	})
	t.Run("policy", func(t *testing.T) {
		def := base
		def.Policy = Ref{ID: "nope"}
		_, err := Build(def)
		assert.ErrorContains(t, err, "未知 policy")
	})
	t.Run("sizer", func(t *testing.T) {
		def := base
		def.Sizer = Ref{ID: "nope"}
		_, err := Build(def)
		assert.ErrorContains(t, err, "未知 sizer")
	})
	t.Run("manager", func(t *testing.T) {
		def := base
		def.Manager = &Ref{ID: "nope"}
		_, err := Build(def)
		assert.ErrorContains(t, err, "未知 manager")
	})
}

func TestBuild_ParamErrorsCarryComponent(t *testing.T) {
	def := fullDefinition()
	def.Signal.Params = map[string]any{"fast": 30, "slow": 10}
	_, err := Build(def)
	require.Error(t, err)
	assert.ErrorContains(t, err, "signal sma_cross")
	assert.ErrorContains(t, err, "fast 需小于 slow")
}

func TestFactoryIDs(t *testing.T) {
	assert.Equal(t, []string{"donchian_breakout", "ema_cross", "sma_cross"}, SignalIDs())
	assert.Equal(t, []string{"allow_all", "min_atr", "trend"}, FilterIDs())
	assert.Equal(t, []string{"bracket", "market_close", "market_open", "stop_entry"}, PolicyIDs())
	assert.Equal(t, []string{"atr_risk", "fixed_dollar", "fixed_fraction"}, SizerIDs())
	assert.Equal(t, []string{"atr_trail", "chandelier", "fixed_pct", "time_stop"}, ManagerIDs())
}

func TestDecodeDefinition(t *testing.T) {
	t.Run("允许外层包装与数字字符串", func(t *testing.T) {
		raw := []byte(`{"strategy": {
			"id": "demo",
			"signal": {"id": "sma_cross", "params": {"fast": "5", "slow": 20}},
			"policy": {"id": "market_open"},
			"sizer": {"id": "fixed_dollar", "params": {"dollars": "2000"}}
		}}`)
		def, err := DecodeDefinition(raw)
		require.NoError(t, err)
		assert.Equal(t, "demo", def.ID)
		assert.Equal(t, float64(5), def.Signal.Params["fast"])
		assert.Equal(t, float64(20), def.Signal.Params["slow"])
		assert.Equal(t, float64(2000), def.Sizer.Params["dollars"])

		_, err = Build(def)
		assert.NoError(t, err)
	})

	t.Run("裸定义对象直接可用", func(t *testing.T) {
		raw := []byte(`{"signal": {"id": "donchian_breakout"}, "policy": {"id": "market_open"}, "sizer": {"id": "fixed_fraction"}}`)
		def, err := DecodeDefinition(raw)
		require.NoError(t, err)
		assert.Equal(t, "donchian_breakout", def.Signal.ID)
	})

	t.Run("非法输入报错", func(t *testing.T) {
		_, err := DecodeDefinition([]byte(""))
		assert.Error(t, err)
		_, err = DecodeDefinition([]byte("{oops"))
		assert.Error(t, err)
		_, err = DecodeDefinition([]byte("[1,2]"))
		assert.Error(t, err)
	})
}

func TestApplyOverridesSanitizesValues(t *testing.T) {
	def := Definition{
		Signal: Ref{ID: "sma_cross", Params: map[string]any{"fast": float64(10), "slow": float64(30)}},
		Policy: Ref{ID: "market_open"},
		Sizer:  Ref{ID: "fixed_fraction"},
	}
	out, err := ApplyOverrides(def, map[string]any{"signal": map[string]any{"fast": "6"}})
	require.NoError(t, err)
	// 字符串数字归一成 float64，与数字写法得到同一配置指纹
	assert.Equal(t, float64(6), out.Signal.Params["fast"])
	assert.Equal(t, float64(10), def.Signal.Params["fast"], "原定义不受影响")

	_, err = ApplyOverrides(def, map[string]any{"signal": "not-a-map"})
	assert.Error(t, err)

	_, err = ApplyOverrides(def, map[string]any{"unknown": map[string]any{}})
	assert.Error(t, err)
}
