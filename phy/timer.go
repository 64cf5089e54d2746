package phy

import (
	"sync"
	"time"
)

// Timer triggers its fire callback once or periodically. The callback is
// expected to do nothing but kick the dispatcher; it runs in the timer
// context and must not block. Cancel is synchronous and idempotent: when
// it returns the callback is not running and will never run again.
type Timer struct {
	name string
	fire func()

	mutex sync.Mutex
	cond  *sync.Cond

	timer     *time.Timer
	period    time.Duration
	firing    bool
	cancelled bool
}

func newTimer(name string, fire func()) *Timer {
	t := &Timer{
		name: name,
		fire: fire,
	}
	t.cond = sync.NewCond(&t.mutex)

	return t
}

// Arm schedules a single expiry after d, replacing any earlier schedule.
func (t *Timer) Arm(d time.Duration) {
	t.arm(d, 0)
}

// ArmPeriodic schedules an expiry every d, replacing any earlier schedule.
func (t *Timer) ArmPeriodic(d time.Duration) {
	t.arm(d, d)
}

func (t *Timer) arm(d time.Duration, period time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	/* Re-arming a cancelled timer would resurrect a producer during
	 * teardown */
	if t.cancelled {
		return
	}

	t.period = period

	if t.timer == nil {
		t.timer = time.AfterFunc(d, t.expire)
	} else {
		t.timer.Stop()
		t.timer.Reset(d)
	}
}

func (t *Timer) expire() {
	t.mutex.Lock()
	if t.cancelled {
		t.mutex.Unlock()
		return
	}
	t.firing = true
	t.mutex.Unlock()

	t.fire()

	t.mutex.Lock()
	t.firing = false
	if !t.cancelled && t.period > 0 {
		t.timer.Reset(t.period)
	}
	t.cond.Broadcast()
	t.mutex.Unlock()
}

// Cancel stops the timer and waits for an in-flight callback to return.
// Cancelling an already fired or already cancelled timer is a no-op.
func (t *Timer) Cancel() {
	t.mutex.Lock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	for t.firing {
		t.cond.Wait()
	}
	t.mutex.Unlock()
}
