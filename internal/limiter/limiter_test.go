package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited_NeverBlocks(t *testing.T) {
	l := Unlimited()
	assert.True(t, l.Unbounded())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, 10*1024*1024))
}

func TestNew_ZeroRateIsUnlimited(t *testing.T) {
	l := New(0)
	assert.True(t, l.Unbounded())
}

func TestWaitN_ChunksLargerThanBurst(t *testing.T) {
	l := New(1 << 20) // 1 MiB/s, burst = max(0.5MiB, 1MiB) = 1MiB
	ctx := context.Background()

	start := time.Now()
	err := l.WaitN(ctx, 2<<20) // request 2 MiB, more than one burst
	elapsed := time.Since(start)

	require.NoError(t, err)
	// Second MiB has to wait for refill; should take measurable time.
	assert.Greater(t, elapsed, 500*time.Millisecond)
}

func TestSetRate_Reconfigures(t *testing.T) {
	l := New(1 << 20)
	l.SetRate(0)
	assert.True(t, l.Unbounded())

	l.SetRate(1 << 20)
	assert.False(t, l.Unbounded())
}

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"1024", 1024},
		{"1K", 1024},
		{"1M", 1 << 20},
		{"1G", 1 << 30},
		{"1M/s", 1 << 20},
		{"1.5M", 1.5 * (1 << 20)},
	}
	for _, c := range cases {
		got, err := ParseRate(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseRate_Invalid(t *testing.T) {
	_, err := ParseRate("abc")
	assert.Error(t, err)

	_, err = ParseRate("-5M")
	assert.Error(t, err)
}
