package replica

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	var calls int32
	d := newDebouncer(30*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("action ran %d times, want 1", got)
	}
}

func TestDebouncerResetsOnTrigger(t *testing.T) {
	var fired atomic.Int64
	start := time.Now()
	d := newDebouncer(40*time.Millisecond, func() { fired.Store(int64(time.Since(start))) })

	d.Trigger()
	time.Sleep(25 * time.Millisecond)
	d.Trigger()
	time.Sleep(100 * time.Millisecond)

	if elapsed := time.Duration(fired.Load()); elapsed < 60*time.Millisecond {
		t.Fatalf("action fired after %v, expected the second trigger to restart the window", elapsed)
	}
}

func TestDebouncerCancel(t *testing.T) {
	var calls int32
	d := newDebouncer(20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	d.Trigger()
	d.CancelAndWait()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("cancelled action ran")
	}
}

func TestDebouncerCancelAfterTimerFired(t *testing.T) {
	var calls int32
	d := newDebouncer(time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	d.Trigger()

	// Hold the lock until the timer has fired and is waiting for it.
	d.mu.Lock()
	time.Sleep(30 * time.Millisecond)
	d.cancelLocked()
	d.mu.Unlock()

	d.wg.Wait()
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("action ran after Cancel")
	}
}
