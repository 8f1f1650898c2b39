package replica

import (
	"sync"
	"time"
)

// debouncer runs action once after a quiet period. Every Trigger restarts
// the period, so a burst of writes produces a single flush.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

func newDebouncer(duration time.Duration, action func()) *debouncer {
	return &debouncer{duration: duration, action: action}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	// Invalidate any timer that already fired but has not taken the lock.
	d.seq++
	current := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != current {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()

		d.action()
	})
}

// Cancel drops a pending action, including one whose timer already fired
// but has not started. It does not wait for a running one.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *debouncer) cancelLocked() {
	d.seq++
	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// CancelAndWait drops a pending action and waits for a running one.
func (d *debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}
