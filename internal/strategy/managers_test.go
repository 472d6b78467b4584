package strategy

import (
	"testing"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manageCtx 在恒定真实波幅为 2 的序列上构造管理输入：
// 收盘逐根 +1、上下各留 1 的影线，atr_2 恒等于 2。
func manageCtx(t *testing.T, closes []float64, names []string, idx int, pos engine.Position) engine.ManageContext {
	t.Helper()
	candles := seriesCandles(closes)
	mctx := engine.ManageContext{Pos: pos, Bars: candles, Idx: idx}
	if len(names) > 0 {
		specs, err := indicator.ParseSpecs(names)
		require.NoError(t, err)
		set, err := indicator.Compute(candles, specs)
		require.NoError(t, err)
		mctx.Ind = set.At(idx)
	}
	return mctx
}

func longPos(entry float64, entryBar int) engine.Position {
	return engine.Position{ID: "pos-1", Symbol: "BTCUSDT", Qty: 2, AvgEntry: entry, EntryBar: entryBar}
}

func shortPos(entry float64, entryBar int) engine.Position {
	return engine.Position{ID: "pos-1", Symbol: "BTCUSDT", Qty: -2, AvgEntry: entry, EntryBar: entryBar}
}

func TestFixedPctManager(t *testing.T) {
	mgr, err := newFixedPctManager(map[string]any{"stop_pct": 0.05, "target_pct": 0.1})
	require.NoError(t, err)

	t.Run("补挂缺失的止损止盈", func(t *testing.T) {
		mctx := manageCtx(t, []float64{100, 100}, nil, 1, longPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 2)

		stop := intents[0]
		assert.Equal(t, engine.IntentSubmit, stop.Kind)
		assert.Equal(t, engine.Stop, stop.Order.Type)
		assert.Equal(t, engine.Sell, stop.Order.Side)
		assert.Equal(t, engine.RoleStop, stop.Order.Role)
		assert.InDelta(t, 95, stop.Order.Stop, 1e-12)
		assert.InDelta(t, 2, stop.Order.Qty, 1e-12)

		target := intents[1]
		assert.Equal(t, engine.Limit, target.Order.Type)
		assert.Equal(t, engine.RoleTarget, target.Order.Role)
		assert.InDelta(t, 110, target.Order.Limit, 1e-12)
	})

	t.Run("空头方向对称", func(t *testing.T) {
		mctx := manageCtx(t, []float64{100, 100}, nil, 1, shortPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 2)
		assert.Equal(t, engine.Buy, intents[0].Order.Side)
		assert.InDelta(t, 105, intents[0].Order.Stop, 1e-12)
		assert.InDelta(t, 90, intents[1].Order.Limit, 1e-12)
	})

	t.Run("已就位则不再动", func(t *testing.T) {
		mctx := manageCtx(t, []float64{100, 100}, nil, 1, longPos(100, 0))
		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 95}
		mctx.Target = &engine.Order{ID: "ord-2", Limit: 110}
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("参数校验", func(t *testing.T) {
		_, err := newFixedPctManager(map[string]any{"stop_pct": 0.6})
		assert.Error(t, err)
		_, err = newFixedPctManager(map[string]any{"target_pct": -0.1})
		assert.Error(t, err)
	})
}

func TestATRTrailManager(t *testing.T) {
	rising := []float64{100, 101, 102, 103, 104}

	t.Run("未激活时只挂起始止损", func(t *testing.T) {
		mgr, err := newATRTrailManager(map[string]any{
			"period": 2, "trigger_mult": 5, "trail_mult": 1, "initial_stop_mult": 1.5,
		})
		require.NoError(t, err)
		// 最优价 105，浮盈 5 < 5*2，未触发
		mctx := manageCtx(t, rising, mgr.Indicators(), 4, longPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.IntentSubmit, intents[0].Kind)
		assert.InDelta(t, 97, intents[0].Order.Stop, 1e-9)

		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 97}
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("激活后跟随最优价", func(t *testing.T) {
		mgr, err := newATRTrailManager(map[string]any{
			"period": 2, "trigger_mult": 1, "trail_mult": 0.5, "step_pct": 0.01,
		})
		require.NoError(t, err)
		// 最优价 105，浮盈 5 >= 1*2；提议 105-0.5*2=104
		mctx := manageCtx(t, rising, mgr.Indicators(), 4, longPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.IntentSubmit, intents[0].Kind)
		assert.InDelta(t, 104, intents[0].Order.Stop, 1e-9)

		// 改善 9 >= 0.01*105，撤换
		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 95}
		intents = mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.IntentReplace, intents[0].Kind)
		assert.Equal(t, "ord-1", intents[0].CancelID)
		assert.InDelta(t, 104, intents[0].Order.Stop, 1e-9)

		// 改善 0.01 < 1.05，按兵不动
		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 103.99}
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("空头镜像", func(t *testing.T) {
		mgr, err := newATRTrailManager(map[string]any{
			"period": 2, "trigger_mult": 1, "trail_mult": 0.5,
		})
		require.NoError(t, err)
		falling := []float64{104, 103, 102, 101, 100}
		// 最优价 99，浮盈 5；提议 99+0.5*2=100
		mctx := manageCtx(t, falling, mgr.Indicators(), 4, shortPos(104, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.Buy, intents[0].Order.Side)
		assert.InDelta(t, 100, intents[0].Order.Stop, 1e-9)
	})

	t.Run("ATR未就绪不动作", func(t *testing.T) {
		mgr, err := newATRTrailManager(map[string]any{"period": 2, "trigger_mult": 1, "trail_mult": 0.5})
		require.NoError(t, err)
		mctx := manageCtx(t, rising, mgr.Indicators(), 1, longPos(100, 0))
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("倍数边界", func(t *testing.T) {
		cases := []map[string]any{
			{"trigger_mult": 0.5},                       // 低于下限
			{"trigger_mult": 6},                         // 超过上限
			{"trigger_mult": 2, "trail_mult": 0.2},      // trail 过小
			{"trigger_mult": 2, "trail_mult": 2.5},      // trail 不小于 trigger
			{"trigger_mult": 2, "initial_stop_mult": 0.5},
			{"trigger_mult": 2, "step_pct": -0.1},
			{"period": 0},
		}
		for _, params := range cases {
			_, err := newATRTrailManager(params)
			assert.Error(t, err, "params=%v", params)
		}
	})
}

func TestChandelierManager(t *testing.T) {
	mgr, err := newChandelierManager(map[string]any{"period": 2, "mult": 0.5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hh_2", "ll_2", "atr_2"}, mgr.Indicators())

	rising := []float64{100, 101, 102}

	t.Run("无止损时按公式挂出", func(t *testing.T) {
		// hh_2=103 atr_2=2，提议 103-0.5*2=102
		mctx := manageCtx(t, rising, mgr.Indicators(), 2, longPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.IntentSubmit, intents[0].Kind)
		assert.InDelta(t, 102, intents[0].Order.Stop, 1e-9)
	})

	t.Run("价位未变不重复撤换", func(t *testing.T) {
		mctx := manageCtx(t, rising, mgr.Indicators(), 2, longPos(100, 0))
		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 102}
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("放松提案照常提交交由引擎钳制", func(t *testing.T) {
		// 窗口滚动后公式值可能低于现价位，这里不自检，
		// 单向收紧由引擎的棘轮统一保证。
		mctx := manageCtx(t, rising, mgr.Indicators(), 2, longPos(100, 0))
		mctx.Stop = &engine.Order{ID: "ord-1", Stop: 102.5}
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.Equal(t, engine.IntentReplace, intents[0].Kind)
		assert.InDelta(t, 102, intents[0].Order.Stop, 1e-9)
	})

	t.Run("空头用最低价加距离", func(t *testing.T) {
		falling := []float64{102, 101, 100}
		// ll_2=99 atr_2=2，提议 99+0.5*2=100
		mctx := manageCtx(t, falling, mgr.Indicators(), 2, shortPos(102, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.InDelta(t, 100, intents[0].Order.Stop, 1e-9)
	})
}

func TestTimeStopManager(t *testing.T) {
	mgr, err := newTimeStopManager(map[string]any{"max_bars": 3})
	require.NoError(t, err)

	t.Run("未到期不动作", func(t *testing.T) {
		mctx := manageCtx(t, []float64{100, 100, 100, 100, 100}, nil, 4, longPos(100, 2))
		assert.Empty(t, mgr.Manage(mctx))
	})

	t.Run("到期市价离场", func(t *testing.T) {
		mctx := manageCtx(t, []float64{100, 100, 100, 100, 100, 100}, nil, 5, longPos(100, 2))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		ord := intents[0].Order
		assert.Equal(t, engine.Market, ord.Type)
		assert.Equal(t, engine.Sell, ord.Side)
		assert.Equal(t, engine.RoleExit, ord.Role)
		assert.Equal(t, "time_stop", ord.Tag)
		assert.True(t, ord.AtOpen)
	})

	t.Run("可选收盘离场", func(t *testing.T) {
		mgr, err := newTimeStopManager(map[string]any{"max_bars": 1, "at_close": true})
		require.NoError(t, err)
		mctx := manageCtx(t, []float64{100, 100}, nil, 1, shortPos(100, 0))
		intents := mgr.Manage(mctx)
		require.Len(t, intents, 1)
		assert.True(t, intents[0].Order.AtClose)
		assert.Equal(t, engine.Buy, intents[0].Order.Side)
	})

	t.Run("max_bars需为正", func(t *testing.T) {
		_, err := newTimeStopManager(map[string]any{"max_bars": 0})
		assert.Error(t, err)
	})
}
