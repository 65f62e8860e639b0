package temporal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreshold(t *testing.T) {
	t.Run("zero value is latest", func(t *testing.T) {
		var th Threshold
		assert.True(t, th.IsLatest())
		assert.Equal(t, "latest", th.String())
		assert.True(t, th.Includes(time.Now().Add(time.Hour)))
	})

	t.Run("fixed threshold includes boundary", func(t *testing.T) {
		pin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		th := At(pin)

		assert.False(t, th.IsLatest())
		assert.True(t, th.Includes(pin))
		assert.True(t, th.Includes(pin.Add(-time.Nanosecond)))
		assert.False(t, th.Includes(pin.Add(time.Nanosecond)))
		assert.Equal(t, pin.UnixNano(), th.UnixNano())
	})

	t.Run("latest sorts after every instant", func(t *testing.T) {
		far := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
		assert.Greater(t, Latest().UnixNano(), At(far).UnixNano())
	})
}

func TestMonotonicClock(t *testing.T) {
	t.Run("frozen source still advances", func(t *testing.T) {
		frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := NewMonotonicClock(ClockFunc(func() time.Time { return frozen }))

		a := clock.Now()
		b := clock.Now()
		c := clock.Now()

		assert.Equal(t, frozen, a)
		assert.Equal(t, frozen.Add(time.Nanosecond), b)
		assert.Equal(t, frozen.Add(2*time.Nanosecond), c)
	})

	t.Run("observe raises floor", func(t *testing.T) {
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := NewMonotonicClock(ClockFunc(func() time.Time { return base }))
		clock.Observe(base.Add(time.Hour))

		assert.Equal(t, base.Add(time.Hour+time.Nanosecond), clock.Now())
	})

	t.Run("concurrent callers never collide", func(t *testing.T) {
		clock := NewMonotonicClock(nil)
		const n = 200

		var mu sync.Mutex
		seen := make(map[int64]struct{}, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ts := clock.Now().UnixNano()
				mu.Lock()
				seen[ts] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()
		require.Len(t, seen, n)
	})
}
