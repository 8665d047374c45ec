package dedupe_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/dedupe"
)

func TestCacheAcquireOnce(t *testing.T) {
	cache := dedupe.NewCache(10, time.Minute)
	key := dedupe.Key("sigma", "abc")
	require.True(t, cache.TryAcquire(key))
	require.False(t, cache.TryAcquire(key))
}

func TestCacheReleaseAllowsRetry(t *testing.T) {
	cache := dedupe.NewCache(10, time.Minute)
	require.True(t, cache.TryAcquire("alpha"))
	cache.Release("alpha")
	require.True(t, cache.TryAcquire("alpha"))
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := dedupe.NewCache(10, 20*time.Millisecond)
	require.True(t, cache.TryAcquire("beta"))
	time.Sleep(25 * time.Millisecond)
	require.True(t, cache.TryAcquire("beta"))
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	cache := dedupe.NewCache(1, time.Minute)
	require.True(t, cache.TryAcquire("first"))
	require.True(t, cache.TryAcquire("second"))
	require.Equal(t, 1, cache.Len())

	require.True(t, cache.TryAcquire("first"))
}

func TestCacheConcurrentAcquire(t *testing.T) {
	cache := dedupe.NewCache(10, time.Minute)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.TryAcquire("gamma") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
