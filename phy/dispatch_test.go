package phy

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatal("Condition not reached in time")
}

func TestDispatcherDormantUntilStart(t *testing.T) {
	var runs uint32
	d := newDispatcher(func() {
		atomic.AddUint32(&runs, 1)
	})

	d.Kick()
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadUint32(&runs) != 0 {
		t.Error("Run happened before Start")
	}

	d.Start()
	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&runs) == 1
	})

	d.Stop()
}

func TestDispatcherCoalesce(t *testing.T) {
	var runs uint32
	gate := make(chan struct{})

	d := newDispatcher(func() {
		atomic.AddUint32(&runs, 1)
		<-gate
	})

	d.Start()
	d.Kick()

	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&runs) == 1
	})

	/* All of these arrive while the first run is still executing */
	for i := 0; i < 10; i++ {
		d.Kick()
	}

	gate <- struct{}{}

	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&runs) == 2
	})
	gate <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadUint32(&runs) != 2 {
		t.Error("Coalesced kicks caused more than one extra run")
	}

	d.Stop()
}

func TestDispatcherStopDrains(t *testing.T) {
	var runs uint32
	release := make(chan struct{})

	d := newDispatcher(func() {
		atomic.AddUint32(&runs, 1)
		<-release
	})

	d.Start()
	d.Kick()

	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&runs) == 1
	})

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Error("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("Stop did not return after the run completed")
	}

	/* Kicking a stopped dispatcher must not run anything */
	d.Kick()
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadUint32(&runs) != 1 {
		t.Error("Run happened after Stop")
	}
}

func TestDispatcherSelfStop(t *testing.T) {
	var d *dispatcher
	var runs uint32
	returned := make(chan struct{})

	d = newDispatcher(func() {
		atomic.AddUint32(&runs, 1)
		d.Stop()
		close(returned)
	})

	d.Start()
	d.Kick()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from the processing routine deadlocked")
	}

	/* An outside Stop still joins the exiting worker */
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Stop did not return after a self stop")
	}

	d.Kick()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadUint32(&runs) != 1 {
		t.Error("Run happened after self stop")
	}
}

func TestDispatcherStopNeverStarted(t *testing.T) {
	d := newDispatcher(func() {})

	done := make(chan struct{})
	go func() {
		d.Stop()
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Stop of a never started dispatcher blocked")
	}

	/* Start after Stop is refused */
	d.Start()
	d.Kick()
	time.Sleep(50 * time.Millisecond)
}
