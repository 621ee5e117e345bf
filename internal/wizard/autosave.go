package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SaveFunc persists the current wizard state.
type SaveFunc func(ctx context.Context) error

// AutoSaver coalesces bursts of Trigger calls into a single save, run one
// debounce interval after the last trigger. It is safe for concurrent use.
type AutoSaver struct {
	save   SaveFunc
	delay  time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	destroyed bool

	// running serializes save invocations.
	running sync.Mutex
}

// NewAutoSaver creates an AutoSaver that calls save delay after the last
// Trigger.
func NewAutoSaver(save SaveFunc, delay time.Duration, logger *zap.Logger) *AutoSaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoSaver{save: save, delay: delay, logger: logger}
}

// Trigger schedules a save, replacing any save already pending.
func (a *AutoSaver) Trigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.stopLocked()
	gen := a.gen
	a.timer = time.AfterFunc(a.delay, func() { a.fire(gen) })
}

// Pending reports whether a save is scheduled.
func (a *AutoSaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// fire runs the save scheduled as generation gen, unless it was superseded
// or cancelled after the timer fired.
func (a *AutoSaver) fire(gen uint64) {
	a.mu.Lock()
	if a.destroyed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	_ = a.run(context.Background())
}

// Flush cancels any pending save and saves immediately, returning the save
// error. After Destroy it returns nil without saving.
func (a *AutoSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.stopLocked()
	a.mu.Unlock()

	return a.run(ctx)
}

// Cancel drops any pending save.
func (a *AutoSaver) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

// Destroy drops any pending save and disables the AutoSaver.
func (a *AutoSaver) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	a.destroyed = true
}

// stopLocked stops the pending timer and invalidates its generation, so a
// timer that already fired but has not yet taken the lock becomes a no-op.
func (a *AutoSaver) stopLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *AutoSaver) run(ctx context.Context) (err error) {
	a.running.Lock()
	defer a.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("auto-save panicked: %v", r)
		}
		if err != nil {
			a.logger.Warn("auto-save failed", zap.Error(err))
		}
	}()
	return a.save(ctx)
}
