package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_BlockAndIsBlocked(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	blocked, err := s.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.Block(ctx, "1.2.3.4", "too many failures", time.Minute))

	blocked, err = s.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestInMemory_BlockExpires(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "1.2.3.4", "reason", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	blocked, err := s.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, blocked, "expired block should no longer report blocked")
}

func TestInMemory_PermanentBlock(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "user:1", "permanent", 0))
	blocked, err := s.IsBlocked(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestInMemory_Unblock(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "1.2.3.4", "reason", time.Minute))
	require.NoError(t, s.Unblock(ctx, "1.2.3.4"))

	blocked, err := s.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestInMemory_GetAllBlocked(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "a", "reason-a", time.Minute))
	require.NoError(t, s.Block(ctx, "b", "reason-b", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	all, err := s.GetAllBlocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "reason-a"}, all, "expired entries must not appear")
}

func TestInMemory_IncrementCounter(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := s.IncrementCounter(ctx, "failures", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	got, err := s.GetCounter(ctx, "failures")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestInMemory_IncrementCounterResetsAfterWindow(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	count, err := s.IncrementCounter(ctx, "failures", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	time.Sleep(5 * time.Millisecond)

	count, err = s.IncrementCounter(ctx, "failures", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "counter should restart at 1 once its window expires")
}

func TestInMemory_GetCounterAbsent(t *testing.T) {
	s := NewInMemory()
	got, err := s.GetCounter(context.Background(), "never-incremented")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestInMemory_PutAndGet(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", "v", time.Minute))

	value, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestInMemory_PutExpires(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemory_ConcurrentIncrement(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	const n = 100
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			_, _ = s.IncrementCounter(ctx, "shared", time.Minute)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	got, err := s.GetCounter(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)
}
