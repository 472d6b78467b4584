package backtest

import (
	"context"
	"testing"

	"barwalk/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourMs = int64(3_600_000)

func makeCandles(start int64, n int, step int64) []market.Candle {
	out := make([]market.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		open := start + int64(i)*step
		out = append(out, market.Candle{
			OpenTime:  open,
			CloseTime: open + step - 1,
			Open:      price,
			High:      price + 2,
			Low:       price - 2,
			Close:     price + 1,
			Volume:    10,
			Trades:    5,
		})
		price++
	}
	return out
}

func TestStoreInsertAndQuery(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	base := 100 * hourMs
	candles := makeCandles(base, 6, hourMs)
	n, err := store.InsertCandles(ctx, "btcusdt", "1h", candles)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	t.Run("Range Ascending", func(t *testing.T) {
		got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", base, base+5*hourMs)
		require.NoError(t, err)
		require.Len(t, got, 6)
		assert.Equal(t, candles[0], got[0])
		assert.Equal(t, candles[5], got[5])
	})

	t.Run("Upsert Overwrites", func(t *testing.T) {
		patch := candles[2]
		patch.Close = 999
		_, err := store.InsertCandles(ctx, "BTCUSDT", "1h", []market.Candle{patch})
		require.NoError(t, err)
		got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", patch.OpenTime, patch.OpenTime)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 999.0, got[0].Close)
	})

	t.Run("Query Tail Without Range", func(t *testing.T) {
		got, err := store.QueryCandles(ctx, "BTCUSDT", "1h", 0, 0, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		// 倒序取尾部，返回仍需升序
		assert.Equal(t, candles[3].OpenTime, got[0].OpenTime)
		assert.Equal(t, candles[5].OpenTime, got[2].OpenTime)
	})

	t.Run("Manifest", func(t *testing.T) {
		m, err := store.Manifest(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", m.Symbol)
		assert.Equal(t, "1h", m.Timeframe)
		assert.Equal(t, base, m.MinTime)
		assert.Equal(t, base+5*hourMs, m.MaxTime)
		assert.Equal(t, int64(6), m.Rows)
		assert.NotEmpty(t, m.Path)
	})
}

func TestStoreCheckIntegrity(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)

	base := 200 * hourMs
	// 写入第 0~2 根与第 5~6 根，中间缺第 3、4 根
	head := makeCandles(base, 3, hourMs)
	tail := makeCandles(base+5*hourMs, 2, hourMs)
	_, err = store.InsertCandles(ctx, "ETHUSDT", "1h", append(head, tail...))
	require.NoError(t, err)

	t.Run("Detects Middle Gap", func(t *testing.T) {
		report, err := store.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, base, base+6*hourMs)
		require.NoError(t, err)
		assert.Equal(t, int64(7), report.Expected)
		assert.Equal(t, int64(5), report.Present)
		require.Len(t, report.Gaps, 1)
		assert.Equal(t, base+3*hourMs, report.Gaps[0].From)
		assert.Equal(t, base+4*hourMs, report.Gaps[0].To)
		assert.False(t, report.Complete())
	})

	t.Run("Trailing Gap", func(t *testing.T) {
		report, err := store.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, base, base+8*hourMs)
		require.NoError(t, err)
		require.Len(t, report.Gaps, 2)
		assert.Equal(t, base+7*hourMs, report.Gaps[1].From)
		assert.Equal(t, base+8*hourMs, report.Gaps[1].To)
	})

	t.Run("Complete Range", func(t *testing.T) {
		report, err := store.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, base, base+2*hourMs)
		require.NoError(t, err)
		assert.True(t, report.Complete())
		assert.Empty(t, report.Gaps)
	})

	t.Run("Empty Store Is One Gap", func(t *testing.T) {
		report, err := store.CheckIntegrity(ctx, "SOLUSDT", "1h", tf, base, base+3*hourMs)
		require.NoError(t, err)
		require.Len(t, report.Gaps, 1)
		assert.Equal(t, base, report.Gaps[0].From)
		assert.Equal(t, base+3*hourMs, report.Gaps[0].To)
	})

	t.Run("Rejects Bad Range", func(t *testing.T) {
		_, err := store.CheckIntegrity(ctx, "ETHUSDT", "1h", tf, 0, base)
		assert.Error(t, err)
	})
}
