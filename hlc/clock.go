package hlc

import (
	"sync"
	"time"
)

// Timestamp is a record stamp in 100ns units since the Unix epoch.
type Timestamp = uint64

// Clock hands out strictly increasing stamps for local writes. It follows
// physical time when that moves forward and falls back to a logical
// increment otherwise, so stamps never repeat even across clock steps.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	physical func() Timestamp
}

// NewClock creates a clock whose first stamp is strictly greater than floor.
func NewClock(floor Timestamp) *Clock {
	return &Clock{last: floor, physical: physicalNow}
}

func physicalNow() Timestamp {
	return Timestamp(time.Now().UnixNano() / 100)
}

// Now returns a stamp greater than every stamp returned or observed before.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.physical()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Update raises the floor to a stamp seen elsewhere, such as a synced record
// or a migrated batch, and returns the current floor.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.last {
		c.last = remote
	}
	return c.last
}

// Last returns the most recent stamp issued or observed.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// ToTime converts a stamp back to wall time.
func ToTime(ts Timestamp) time.Time {
	return time.Unix(0, int64(ts)*100)
}
