package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_NowIsMonotonic(t *testing.T) {
	clock := NewClock(0)

	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		ts := clock.Now()
		assert.Greater(t, ts, prev)
		prev = ts
	}
}

func TestClock_FloorAboveWallTime(t *testing.T) {
	future := physicalNow() + 1_000_000_000
	clock := NewClock(future)

	assert.Equal(t, future+1, clock.Now())
	assert.Equal(t, future+2, clock.Now())
}

func TestClock_FrozenPhysicalTime(t *testing.T) {
	clock := NewClock(0)
	clock.physical = func() Timestamp { return 500 }

	assert.Equal(t, Timestamp(500), clock.Now())
	assert.Equal(t, Timestamp(501), clock.Now())
	assert.Equal(t, Timestamp(502), clock.Now())
}

func TestClock_Update(t *testing.T) {
	clock := NewClock(0)
	clock.physical = func() Timestamp { return 100 }

	assert.Equal(t, Timestamp(1000), clock.Update(1000))
	assert.Equal(t, Timestamp(1000), clock.Update(10))
	assert.Equal(t, Timestamp(1001), clock.Now())
	assert.Equal(t, Timestamp(1001), clock.Last())
}

func TestClock_Concurrent(t *testing.T) {
	clock := NewClock(0)
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[Timestamp]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]Timestamp, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, clock.Now())
			}
			mu.Lock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestToTime(t *testing.T) {
	now := time.Now()
	ts := Timestamp(now.UnixNano() / 100)
	assert.WithinDuration(t, now, ToTime(ts), time.Microsecond)
}
