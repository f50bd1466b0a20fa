package verification

import (
	"context"
	"fmt"
	"time"
)

// Countdown measures the time left until an absolute epoch second. It is
// recomputed from the clock on every read and never decremented.
type Countdown struct {
	availableAt int64
	now         func() time.Time
}

// NewCountdown returns a countdown to availableAt. A nil now selects time.Now.
func NewCountdown(availableAt int64, now func() time.Time) Countdown {
	if now == nil {
		now = time.Now
	}
	return Countdown{availableAt: availableAt, now: now}
}

// AvailableAt returns the target epoch second.
func (c Countdown) AvailableAt() int64 {
	return c.availableAt
}

// Seconds returns the whole seconds left, never negative.
func (c Countdown) Seconds() int64 {
	left := c.availableAt - c.now().Unix()
	if left < 0 {
		return 0
	}
	return left
}

// Remaining returns Seconds as a duration.
func (c Countdown) Remaining() time.Duration {
	return time.Duration(c.Seconds()) * time.Second
}

// Ready reports whether the target second has been reached.
func (c Countdown) Ready() bool {
	return c.now().Unix() >= c.availableAt
}

// Label formats the remaining time as m:ss.
func (c Countdown) Label() string {
	s := c.Seconds()
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// Tick emits the remaining seconds immediately and then on every interval
// until it reaches zero, after which the channel is closed.
func (c Countdown) Tick(ctx context.Context, interval time.Duration) <-chan int64 {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan int64, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			left := c.Seconds()
			select {
			case out <- left:
			case <-ctx.Done():
				return
			}
			if left == 0 {
				return
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
