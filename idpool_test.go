package spanz

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		require.Len(t, id, TraceIDLength)
		_, err := hex.DecodeString(id)
		require.NoError(t, err)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestNewSpanID(t *testing.T) {
	id := NewSpanID()
	assert.Len(t, id, SpanIDLength)
	_, err := hex.DecodeString(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewSpanID())
}

func TestPadID(t *testing.T) {
	assert.Equal(t, "00000abc", PadID("abc", 8))
	assert.Equal(t, "abcdef01", PadID("abcdef01", 8))
	assert.Equal(t, "abcdef0123", PadID("abcdef0123", 8), "longer ids are kept")
	assert.Equal(t, "0000", PadID("", 4))
}

func TestIDPoolServesFactoryIDs(t *testing.T) {
	pool := NewIDPool(10, func() string { return "span-id" })
	defer pool.Close()

	assert.Equal(t, "span-id", pool.Get())
}

// A drained pool falls back to calling the factory inline.
func TestIDPoolDrained(t *testing.T) {
	var calls atomic.Int64
	pool := NewIDPool(1, func() string {
		calls.Add(1)
		return "direct-id"
	})
	defer pool.Close()

	for i := 0; i < 5; i++ {
		assert.Equal(t, "direct-id", pool.Get())
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestIDPoolConcurrentGet(t *testing.T) {
	pool := NewIDPool(50, NewSpanID)
	defer pool.Close()

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id := pool.Get()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100, "pooled ids must not repeat")
}

func TestIDPoolGetAfterClose(t *testing.T) {
	pool := NewIDPool(0, func() string { return "after-close" })
	pool.Close()
	pool.Close()

	assert.Equal(t, "after-close", pool.Get())
}
