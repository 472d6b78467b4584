package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barwalk/internal/backtest"
	"barwalk/internal/engine"
)

const hourMs = int64(3_600_000)

func sampleInput() PageInput {
	start := int64(1_700_000_000_000)
	values := []float64{10_000, 10_120, 9_980, 10_260, 10_190, 10_430}
	equity := make([]engine.EquityPoint, len(values))
	for i, v := range values {
		equity[i] = engine.EquityPoint{Time: start + int64(i)*hourMs, Bar: i, Equity: v, Cash: v}
	}
	trades := []engine.TradeRecord{
		{
			PositionID: "pos-1", Symbol: "BTCUSDT", Side: engine.Buy, Qty: 0.1,
			EntryTime: equity[1].Time, EntryPrice: 100, ExitTime: equity[3].Time, ExitPrice: 115,
			Pnl: 140, Reason: "signal_flip",
		},
		{
			PositionID: "pos-2", Symbol: "BTCUSDT", Side: engine.Sell, Qty: 0.1,
			EntryTime: equity[4].Time, EntryPrice: 118, ExitTime: equity[5].Time, ExitPrice: 121,
			Pnl: -30, Reason: "stop",
		},
	}
	run := backtest.Run{
		ID:        "run-abc",
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Strategy:  "sma-demo",
		Stats: engine.RunStats{
			InitialBalance: 10_000,
			FinalEquity:    10_430,
			NetProfit:      430,
			ReturnPct:      4.3,
			Trades:         2,
			Wins:           1,
			Losses:         1,
			WinRate:        50,
			MaxDrawdown:    1.38,
		},
	}
	return PageInput{Run: run, Equity: equity, Trades: trades}
}

func TestRenderHTML(t *testing.T) {
	t.Run("Full Page", func(t *testing.T) {
		html, err := RenderHTML(sampleInput())
		require.NoError(t, err)
		body := string(html)

		assert.Contains(t, body, "BTCUSDT 1h | sma-demo")
		assert.Contains(t, body, "trades 2")
		assert.Contains(t, body, "Equity")
		assert.Contains(t, body, "Drawdown")
		assert.Contains(t, body, "Trade PnL")
		assert.Contains(t, body, "Long Entry")
		assert.Contains(t, body, "Short Entry")
		assert.Contains(t, body, "Exit Win")
		assert.Contains(t, body, "Exit Loss")
		assert.Contains(t, body, "triangle")
		assert.Contains(t, body, "diamond")
	})

	t.Run("No Trades Omits Pnl Chart", func(t *testing.T) {
		input := sampleInput()
		input.Trades = nil
		html, err := RenderHTML(input)
		require.NoError(t, err)
		body := string(html)
		assert.Contains(t, body, "Drawdown")
		assert.NotContains(t, body, "Trade PnL")
	})

	t.Run("Unaligned Trade Times Are Skipped", func(t *testing.T) {
		input := sampleInput()
		input.Trades = append(input.Trades, engine.TradeRecord{
			PositionID: "pos-3", Symbol: "BTCUSDT", Side: engine.Buy,
			EntryTime: 1, ExitTime: 2, Pnl: 5,
		})
		_, err := RenderHTML(input)
		require.NoError(t, err)
	})

	t.Run("Empty Equity Rejected", func(t *testing.T) {
		input := sampleInput()
		input.Equity = nil
		_, err := RenderHTML(input)
		require.ErrorContains(t, err, "无法出图")
	})
}

func TestDrawdownSeries(t *testing.T) {
	equity := []engine.EquityPoint{
		{Equity: 100}, {Equity: 110}, {Equity: 99}, {Equity: 104.5}, {Equity: 88},
	}
	dd := drawdownSeries(equity)
	require.Len(t, dd, len(equity))
	want := []float64{0, 0, 10, 5, 20}
	for i := range want {
		assert.InDelta(t, want[i], dd[i], 1e-9, "index %d", i)
	}
}

func TestEquityBounds(t *testing.T) {
	minVal, maxVal := equityBounds([]engine.EquityPoint{{Equity: 50}, {Equity: 20}, {Equity: 80}})
	assert.Equal(t, 20.0, minVal)
	assert.Equal(t, 80.0, maxVal)

	minVal, maxVal = equityBounds(nil)
	assert.Zero(t, minVal)
	assert.Zero(t, maxVal)
}
