// Package cooldown gates how often one user may draw on a canvas.
//
// The limit is computed on the client from the stored nextDrawAt value and is not
// checked against a trusted server clock.
package cooldown

import (
	"context"
	"errors"
	"math"
	"time"
)

var ErrCoolingDown = errors.New("draw cooldown active")

// CanDraw reports whether a draw is allowed at now.
func CanDraw(now, nextDrawAt time.Time) bool {
	return !now.Before(nextDrawAt)
}

// NextDrawAt returns now + intervalMinutes; 0.2 minutes is 12 seconds.
func NextDrawAt(now time.Time, intervalMinutes float64) time.Time {
	if intervalMinutes <= 0 {
		return now
	}
	d := time.Duration(math.Round(intervalMinutes * float64(time.Minute)))
	return now.Add(d)
}

// Remaining is the cooldown left at now, never negative.
func Remaining(now, nextDrawAt time.Time) time.Duration {
	if d := nextDrawAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RemainingSeconds rounds up so a display never shows 0 while drawing is still blocked.
func RemainingSeconds(now, nextDrawAt time.Time) int {
	d := Remaining(now, nextDrawAt)
	return int((d + time.Second - 1) / time.Second)
}

// Countdown emits the remaining seconds every tick until it reaches zero or ctx ends.
// The values are for display only; CanDraw on the stored nextDrawAt stays authoritative.
func Countdown(ctx context.Context, nextDrawAt time.Time, now func() time.Time, tick time.Duration) <-chan int {
	if now == nil {
		now = time.Now
	}
	if tick <= 0 {
		tick = time.Second
	}
	out := make(chan int, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			left := RemainingSeconds(now(), nextDrawAt)
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
