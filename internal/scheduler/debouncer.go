// Package scheduler coalesces bursts of triggers into single runs.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Debouncer runs fn once the triggers have been quiet for the window. Every
// Schedule call restarts the wait, so a burst collapses into one trailing run.
type Debouncer struct {
	window time.Duration
	fn     func()
	logger *zap.Logger

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// NewDebouncer constructs a trailing-edge debouncer.
func NewDebouncer(window time.Duration, fn func(), logger *zap.Logger) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fn == nil {
		fn = func() {}
	}
	return &Debouncer{
		window: window,
		fn:     fn,
		logger: logger,
	}
}

// Schedule records a trigger and restarts the quiet window.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.generation++
	generation := d.generation
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() {
		d.fire(generation)
	})
}

// Pending reports whether a run is scheduled but has not started.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending run. Later Schedule calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if d.stopped || generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("debounced run panicked",
				zap.String("operation", "scheduler.fire"),
				zap.String("reason", "panic"),
				zap.Any("panic", recovered),
			)
		}
	}()
	d.fn()
}
