// Package render runs recomputes off the interactive path and hands each
// resulting delta back to the interactive context exactly once.
package render

import (
	"context"
	"sync"
)

// Dispatcher delivers a function to the interactive context.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatchFunc) Dispatch(fn func()) { f(fn) }

// MainLoop is a serial executor that stands in for a UI thread. Dispatch
// never blocks; queued functions run one at a time, in order, on the
// goroutine calling Run.
type MainLoop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewMainLoop constructs an idle loop. Call Run to start executing.
func NewMainLoop() *MainLoop {
	return &MainLoop{wake: make(chan struct{}, 1)}
}

// Dispatch queues fn for execution on the loop.
func (m *MainLoop) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of queued functions not yet run.
func (m *MainLoop) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Run executes queued functions until ctx is done, then drains whatever is
// already queued and returns.
func (m *MainLoop) Run(ctx context.Context) error {
	for {
		m.drain()
		select {
		case <-ctx.Done():
			m.drain()
			return nil
		case <-m.wake:
		}
	}
}

func (m *MainLoop) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
	}
}
