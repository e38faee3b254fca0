package main

import (
	"sync"
	"time"
)

// autoTriggerTimer is a single-shot watchdog. Re-arming replaces any pending
// expiry; a callback from a replaced or disarmed timer is never run.
type autoTriggerTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (a *autoTriggerTimer) arm(timeout time.Duration, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(timeout, func() {
		a.mu.Lock()
		current := a.gen == gen && a.timer != nil
		if current {
			a.timer = nil
		}
		a.mu.Unlock()
		if current {
			fire()
		}
	})
}

func (a *autoTriggerTimer) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *autoTriggerTimer) armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}
