package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucket_AllowsUpToLimit(t *testing.T) {
	b := NewBucket(3, time.Minute)
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow("agent-1"))
	}
	require.False(t, b.Allow("agent-1"))
}

func TestBucket_PerCallerIsolation(t *testing.T) {
	b := NewBucket(1, time.Minute)
	require.True(t, b.Allow("agent-1"))
	require.True(t, b.Allow("agent-2"))
	require.False(t, b.Allow("agent-1"))
}

func TestBucket_WindowSlides(t *testing.T) {
	b := NewBucket(1, 20*time.Millisecond)
	require.True(t, b.Allow("agent-1"))
	require.False(t, b.Allow("agent-1"))
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow("agent-1"))
}

func TestBucket_RemainingReflectsPrune(t *testing.T) {
	b := NewBucket(2, 20*time.Millisecond)
	require.True(t, b.Allow("agent-1"))
	require.Equal(t, 1, b.Remaining("agent-1"))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 2, b.Remaining("agent-1"))
}

func TestBucket_CleanupDropsIdleCallers(t *testing.T) {
	b := NewBucket(1, 10*time.Millisecond)
	require.True(t, b.Allow("agent-1"))
	time.Sleep(20 * time.Millisecond)
	b.Cleanup()
	b.mu.Lock()
	_, exists := b.hits["agent-1"]
	b.mu.Unlock()
	require.False(t, exists)
}

func TestLimiter_SeparateBucketsForTradeAndRead(t *testing.T) {
	l := New(1, time.Minute, 1, time.Minute)
	require.True(t, l.Trade.Allow("agent-1"))
	require.True(t, l.Read.Allow("agent-1"))
	require.False(t, l.Trade.Allow("agent-1"))
	require.False(t, l.Read.Allow("agent-1"))
}
