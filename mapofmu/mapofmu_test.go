package mapofmu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entries returns how many keys are held or waited on
func entries[K comparable](m *M[K]) int {
	m.ml.Lock()
	defer m.ml.Unlock()
	return len(m.ma)
}

func TestLockIsPerKey(t *testing.T) {
	m := New[string]()
	ctx := context.Background()

	a, err := m.Lock(ctx, "a")
	require.NoError(t, err)

	// A different key is not blocked
	b, ok := m.TryLock("b")
	require.True(t, ok)
	b.Unlock()

	_, ok = m.TryLock("a")
	assert.False(t, ok)
	assert.Equal(t, 1, entries(m))

	a.Unlock()
	assert.Zero(t, entries(m))
}

func TestLockSerializesKey(t *testing.T) {
	m := New[int]()

	var active, peak atomic.Int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			u, err := m.Lock(context.Background(), 1)
			if err != nil {
				return
			}
			defer u.Unlock()

			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}

			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, entries(m))
}

func TestLockHonoursContext(t *testing.T) {
	m := New[string]()

	u, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	u.Unlock()
	assert.Zero(t, entries(m))
}
