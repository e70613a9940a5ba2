// Package timectrl drives periodic data refreshes.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the refresh controller.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// Mode describes when the first refresh fires.
type Mode int

const (
	// Immediate refreshes once as soon as the controller starts.
	Immediate Mode = iota
	// Delayed waits one full interval before the first refresh.
	Delayed
)

// Listener runs on every refresh. Listeners run sequentially in registration
// order; a slow listener delays the following ones.
type Listener func(ctx context.Context, at time.Time)

// RefreshController fires registered listeners every Interval, and on demand
// through Trigger.
type RefreshController struct {
	Interval time.Duration
	Mode     Mode

	mu        sync.RWMutex
	clock     Clock
	last      time.Time
	count     int
	listeners []Listener
	trigger   chan struct{}
}

// NewRefreshController constructs a controller. A nil clock uses WallClock.
func NewRefreshController(interval time.Duration, mode Mode, clock Clock) *RefreshController {
	if clock == nil {
		clock = WallClock{}
	}
	return &RefreshController{
		Interval: interval,
		Mode:     mode,
		clock:    clock,
		trigger:  make(chan struct{}, 1),
	}
}

// LastRefresh returns when listeners last ran, or the zero time.
func (rc *RefreshController) LastRefresh() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.last
}

// Refreshes returns how many refresh rounds have completed.
func (rc *RefreshController) Refreshes() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.count
}

// AddListener registers a callback invoked on every refresh.
func (rc *RefreshController) AddListener(fn Listener) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.listeners = append(rc.listeners, fn)
}

// Trigger requests a refresh outside the regular schedule. Requests made
// while one is already pending are coalesced.
func (rc *RefreshController) Trigger() {
	select {
	case rc.trigger <- struct{}{}:
	default:
	}
}

// Start runs the controller until ctx is done, in a separate goroutine. It
// returns a channel that is closed when the controller stops. A non-positive
// Interval disables the periodic schedule; Trigger still works.
func (rc *RefreshController) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var tick <-chan time.Time
		if rc.Interval > 0 {
			ticker := time.NewTicker(rc.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		if rc.Mode == Immediate {
			rc.fire(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case <-rc.trigger:
			}
			rc.fire(ctx)
		}
	}()
	return done
}

func (rc *RefreshController) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := rc.clock.Now()

	rc.mu.RLock()
	listeners := append([]Listener(nil), rc.listeners...)
	rc.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, now)
	}

	rc.mu.Lock()
	rc.last = now
	rc.count++
	rc.mu.Unlock()
}
