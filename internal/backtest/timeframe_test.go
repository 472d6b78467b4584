package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	t.Run("Known Keys", func(t *testing.T) {
		tf, err := ParseTimeframe("1h")
		require.NoError(t, err)
		assert.Equal(t, "1h", tf.Key)
		assert.Equal(t, time.Hour, tf.Duration)
		assert.Equal(t, "1h", tf.SourceInterval)
	})

	t.Run("Normalizes Case And Spaces", func(t *testing.T) {
		tf, err := ParseTimeframe("  15M ")
		require.NoError(t, err)
		assert.Equal(t, "15m", tf.Key)
	})

	t.Run("Unknown Key", func(t *testing.T) {
		_, err := ParseTimeframe("7d")
		assert.Error(t, err)
	})

	t.Run("Supported List Sorted", func(t *testing.T) {
		keys := SupportedTimeframes()
		require.NotEmpty(t, keys)
		for _, k := range keys {
			_, err := ParseTimeframe(k)
			assert.NoError(t, err)
		}
		assert.Contains(t, keys, "1m")
		assert.Contains(t, keys, "1w")
	})
}

func TestTimeframeAlign(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)
	step := int64(3_600_000)

	t.Run("Align Down", func(t *testing.T) {
		base := int64(1_700_000_000_000)
		aligned := tf.Align(base)
		assert.Zero(t, aligned%step)
		assert.LessOrEqual(t, aligned, base)
		assert.Equal(t, aligned, tf.Align(aligned))
	})

	t.Run("Range Swaps And Aligns", func(t *testing.T) {
		start, end := tf.AlignRange(7*step+13, 2*step+99)
		assert.Equal(t, 2*step, start)
		assert.Equal(t, 7*step, end)
	})

	t.Run("Range Collapses To Single Bar", func(t *testing.T) {
		start, end := tf.AlignRange(5*step+1, 5*step+2)
		assert.Equal(t, start, end)
	})
}

func TestExpectedCandles(t *testing.T) {
	tf, err := ParseTimeframe("5m")
	require.NoError(t, err)
	step := int64(300_000)

	assert.Equal(t, int64(1), tf.ExpectedCandles(0, 0))
	assert.Equal(t, int64(4), tf.ExpectedCandles(0, 3*step))
	assert.Equal(t, int64(0), tf.ExpectedCandles(step, 0))
}
