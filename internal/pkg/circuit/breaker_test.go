package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Hour)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.True(t, b.Allow(), "第 %d 次失败后不应打开", i+1)
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 2, time.Hour)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	b.RecordFailure()
	require.False(t, b.Allow())

	require.Eventually(t, b.Allow, time.Second, 5*time.Millisecond, "冷却期后应放行探测")
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	t.Run("Probe Failure Reopens", func(t *testing.T) {
		b.RecordFailure()
		assert.Equal(t, StateOpen, b.CurrentState())
		assert.False(t, b.Allow())
	})

	t.Run("Probe Success Closes", func(t *testing.T) {
		require.Eventually(t, b.Allow, time.Second, 5*time.Millisecond)
		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.CurrentState())
		assert.True(t, b.Allow())
	})
}
