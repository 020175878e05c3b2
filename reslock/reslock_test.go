package reslock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMutualExclusion(t *testing.T) {
	m := NewInMemory(nil)
	ctx := context.Background()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			require.NoError(t, m.AcquireAll(ctx, agent, []string{"db", "cache"}))
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			m.ReleaseAll(agent, []string{"db", "cache"})
		}(string(rune('a' + i)))
	}
	wg.Wait()
	require.Equal(t, int32(1), maxActive)
}

func TestInMemoryReentrancy(t *testing.T) {
	m := NewInMemory(nil)
	ctx := context.Background()
	require.NoError(t, m.AcquireAll(ctx, "agent-1", []string{"db"}))
	// Re-acquiring the same resource as the same agent must not block.
	done := make(chan struct{})
	go func() {
		require.NoError(t, m.AcquireAll(ctx, "agent-1", []string{"db"}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("reentrant acquire blocked")
	}
	m.ReleaseAll("agent-1", []string{"db"})
	m.ReleaseAll("agent-1", []string{"db"})
}

func TestRedisMutualExclusionAndReentrancy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedis(client, "", 0, nil)
	ctx := context.Background()

	require.NoError(t, r.AcquireAll(ctx, "agent-1", []string{"db"}))
	require.NoError(t, r.AcquireAll(ctx, "agent-1", []string{"db"})) // reentrant

	blocked := make(chan error, 1)
	go func() {
		c, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		blocked <- r.AcquireAll(c, "agent-2", []string{"db"})
	}()
	require.Error(t, <-blocked)

	r.ReleaseAll("agent-1", []string{"db"})
	r.ReleaseAll("agent-1", []string{"db"})
	require.NoError(t, r.AcquireAll(ctx, "agent-2", []string{"db"}))
}
