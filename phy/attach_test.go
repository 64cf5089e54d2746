package phy

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	mutex sync.Mutex
	regs  [256]byte

	failReads bool
	maxTx     int
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{}
	t.regs[RegDeviceID] = 0x91
	return t
}

func (f *fakeTransport) Tx(w, r []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(w) == 0 {
		return errors.New("no register address")
	}
	if f.failReads && len(r) > 0 {
		return errors.New("bus timeout")
	}

	reg := int(w[0])
	for i, v := range w[1:] {
		f.regs[(reg+i)%256] = v
	}
	for i := range r {
		r[i] = f.regs[(reg+i)%256]
	}

	return nil
}

func (f *fakeTransport) MaxTxSize() int {
	if f.maxTx != 0 {
		return f.maxTx
	}
	return 128
}

type fakeSM struct {
	initErr    error
	gate       chan struct{}
	detachSelf bool

	chip *Chip

	runs          uint32
	concurrent    int32
	maxConcurrent int32
	shutdowns     uint32
}

func (s *fakeSM) Init(chip *Chip) error {
	s.chip = chip
	return s.initErr
}

func (s *fakeSM) ProcessEvent() error {
	n := atomic.AddInt32(&s.concurrent, 1)
	for {
		max := atomic.LoadInt32(&s.maxConcurrent)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxConcurrent, max, n) {
			break
		}
	}

	if s.gate != nil {
		<-s.gate
	}

	if s.detachSelf {
		s.detachSelf = false
		s.chip.Detach()
	}

	atomic.AddUint32(&s.runs, 1)
	atomic.AddInt32(&s.concurrent, -1)
	return nil
}

func (s *fakeSM) Shutdown() {
	atomic.AddUint32(&s.shutdowns, 1)
}

func testConfig(id string, transport Transport, sm StateMachine, pin *fakePin) Config {
	cfg := Config{
		DeviceID:     id,
		Transport:    transport,
		StateMachine: sm,

		/* Far enough out that only explicit triggers cause runs */
		PollInterval: time.Hour,
	}

	if pin != nil {
		cfg.ConfigureGPIO = func() (IRQPin, error) {
			return pin, nil
		}
	}

	return cfg
}

func attached(id string) bool {
	for _, m := range AttachedDevices() {
		if m == id {
			return true
		}
	}
	return false
}

func TestAttachValidation(t *testing.T) {
	transport := newFakeTransport()
	sm := &fakeSM{}

	tests := []Config{
		{DeviceID: "attach-val", StateMachine: sm},
		{Transport: transport, StateMachine: sm},
		{DeviceID: "attach-val", Transport: transport},
		{DeviceID: "attach-val", Transport: transport, StateMachine: sm, PollInterval: -time.Second},
	}

	for i, cfg := range tests {
		if _, err := Attach(cfg); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Config %d did not return ErrInvalidArgument: %v", i, err)
		}
	}

	if attached("attach-val") {
		t.Error("Failed attach left a registry entry")
	}
}

func TestAttachCapabilityMissing(t *testing.T) {
	transport := newFakeTransport()
	transport.maxTx = 4

	_, err := Attach(testConfig("attach-cap", transport, &fakeSM{}, nil))
	if !errors.Is(err, ErrCapabilityMissing) {
		t.Error("Undersized transport did not return ErrCapabilityMissing:", err)
	}
}

func TestAttachDuplicate(t *testing.T) {
	chip, err := Attach(testConfig("attach-dup", newFakeTransport(), &fakeSM{}, nil))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	_, err = Attach(testConfig("attach-dup", newFakeTransport(), &fakeSM{}, nil))
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Error("Second attach did not return ErrAlreadyAttached:", err)
	}

	chip.Detach()

	if attached("attach-dup") {
		t.Error("Detach left a registry entry")
	}

	/* After detach the identity is free again */
	chip, err = Attach(testConfig("attach-dup", newFakeTransport(), &fakeSM{}, nil))
	if err != nil {
		t.Fatal("Attach after detach failed:", err)
	}
	chip.Detach()
}

func TestAttachDeviceUnresponsive(t *testing.T) {
	transport := newFakeTransport()
	transport.failReads = true

	_, err := Attach(testConfig("attach-dead", transport, &fakeSM{}, nil))
	if !errors.Is(err, ErrDeviceUnresponsive) {
		t.Error("Dead device did not return ErrDeviceUnresponsive:", err)
	}

	if attached("attach-dead") {
		t.Error("Failed attach left a registry entry")
	}
}

func TestAttachUnsupportedDevice(t *testing.T) {
	transport := newFakeTransport()
	transport.regs[RegDeviceID] = 0x12

	_, err := Attach(testConfig("attach-unsup", transport, &fakeSM{}, nil))
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Error("Unknown device id did not return ErrUnsupportedDevice:", err)
	}
}

func TestAttachGPIOFailure(t *testing.T) {
	cfg := testConfig("attach-gpio", newFakeTransport(), &fakeSM{}, nil)
	cfg.ConfigureGPIO = func() (IRQPin, error) {
		return nil, errors.New("pin is busy")
	}

	_, err := Attach(cfg)
	if !errors.Is(err, ErrGPIOConfig) {
		t.Error("GPIO failure did not return ErrGPIOConfig:", err)
	}

	if attached("attach-gpio") {
		t.Error("Failed attach left a registry entry")
	}
}

func TestAttachStateMachineFailure(t *testing.T) {
	initErr := errors.New("device in wrong mode")
	sm := &fakeSM{initErr: initErr}
	pin := newFakePin()

	_, err := Attach(testConfig("attach-sm", newFakeTransport(), sm, pin))
	if !errors.Is(err, initErr) {
		t.Error("Attach did not propagate the state machine error:", err)
	}

	if atomic.LoadInt32(&pin.halted) != 1 {
		t.Error("Unwind did not release the interrupt line")
	}
	if atomic.LoadUint32(&sm.runs) != 0 {
		t.Error("Event processing ran for a failed attach")
	}
	if atomic.LoadUint32(&sm.shutdowns) != 0 {
		t.Error("Shutdown called for a state machine that never initialized")
	}
	if attached("attach-sm") {
		t.Error("Failed attach left a registry entry")
	}
}

func TestInterruptCausesRun(t *testing.T) {
	sm := &fakeSM{}
	pin := newFakePin()

	chip, err := Attach(testConfig("attach-irq", newFakeTransport(), sm, pin))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}
	defer chip.Detach()

	/* The activation kick produces the first run */
	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&sm.runs) >= 1
	})

	count := atomic.LoadUint32(&sm.runs)
	pin.edges <- struct{}{}

	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&sm.runs) > count
	})
}

func TestDispatchCoalescing(t *testing.T) {
	sm := &fakeSM{gate: make(chan struct{})}

	chip, err := Attach(testConfig("attach-coalesce", newFakeTransport(), sm, nil))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}
	defer func() {
		chip.Detach()
	}()

	/* The activation kick starts a run that blocks on the gate */
	waitUntil(t, time.Second, func() bool {
		return atomic.LoadInt32(&sm.concurrent) == 1
	})

	for i := 0; i < 10; i++ {
		chip.Dispatch()
	}

	sm.gate <- struct{}{}
	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&sm.runs) == 1
	})

	/* The ten requests collapse into a single followup run */
	sm.gate <- struct{}{}
	waitUntil(t, time.Second, func() bool {
		return atomic.LoadUint32(&sm.runs) == 2
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadUint32(&sm.runs) != 2 {
		t.Error("Coalesced dispatch requests caused more than one extra run")
	}
}

func TestRunsMutuallyExclusive(t *testing.T) {
	sm := &fakeSM{}
	pin := newFakePin()

	chip, err := Attach(testConfig("attach-mutex", newFakeTransport(), sm, pin))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				chip.Dispatch()
				time.Sleep(time.Millisecond)
			}
		}()
	}

	for i := 0; i < 10; i++ {
		pin.edges <- struct{}{}
		time.Sleep(5 * time.Millisecond)
	}

	wg.Wait()
	chip.Detach()

	if max := atomic.LoadInt32(&sm.maxConcurrent); max != 1 {
		t.Error("Event processing ran concurrently:", max)
	}
}

func TestDetachDrainsInFlightRun(t *testing.T) {
	sm := &fakeSM{gate: make(chan struct{})}
	pin := newFakePin()
	transport := newFakeTransport()

	closes := uint32(0)
	cfg := testConfig("attach-drain", transport, sm, pin)
	cfg.CloseTransport = func() error {
		atomic.AddUint32(&closes, 1)
		return nil
	}

	chip, err := Attach(cfg)
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	waitUntil(t, time.Second, func() bool {
		return atomic.LoadInt32(&sm.concurrent) == 1
	})

	detached := make(chan struct{})
	go func() {
		chip.Detach()
		close(detached)
	}()

	/* Detach must wait out the in-flight run. The interrupt watcher can
	 * take one wait slice to notice the stop, so probe well past it. */
	select {
	case <-detached:
		t.Error("Detach returned while a run was in flight")
	case <-time.After(250 * time.Millisecond):
	}

	sm.gate <- struct{}{}

	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("Detach did not return after the run completed")
	}

	if atomic.LoadUint32(&sm.shutdowns) != 1 {
		t.Error("Shutdown not called exactly once")
	}
	if atomic.LoadInt32(&pin.halted) != 1 {
		t.Error("Interrupt line not released")
	}
	if atomic.LoadUint32(&closes) != 1 {
		t.Error("Transport not closed exactly once")
	}
	if chip.Status().State != "destroyed" {
		t.Error("Chip not destroyed:", chip.Status().State)
	}

	/* No run can start anymore, even with triggers still firing */
	count := atomic.LoadUint32(&sm.runs)
	chip.Dispatch()
	pin.edges <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadUint32(&sm.runs) != count {
		t.Error("Run happened after detach")
	}

	/* A second detach is a no-op */
	chip.Detach()
	if atomic.LoadUint32(&sm.shutdowns) != 1 {
		t.Error("Second detach called Shutdown again")
	}
}

func TestDetachFromEventRoutine(t *testing.T) {
	sm := &fakeSM{detachSelf: true}
	pin := newFakePin()

	chip, err := Attach(testConfig("attach-selfdetach", newFakeTransport(), sm, pin))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	/* The activation kick runs the routine, which detaches its own chip.
	 * The teardown must complete instead of deadlocking on the worker. */
	waitUntil(t, 2*time.Second, func() bool {
		return chip.Status().State == "destroyed"
	})

	if atomic.LoadUint32(&sm.shutdowns) != 1 {
		t.Error("Shutdown not called exactly once")
	}
	if atomic.LoadInt32(&pin.halted) != 1 {
		t.Error("Interrupt line not released")
	}
	if attached("attach-selfdetach") {
		t.Error("Detach left a registry entry")
	}

	count := atomic.LoadUint32(&sm.runs)
	chip.Dispatch()
	pin.edges <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadUint32(&sm.runs) != count {
		t.Error("Run happened after detach")
	}

	/* An outside Detach after the self detach is a no-op */
	chip.Detach()
	if atomic.LoadUint32(&sm.shutdowns) != 1 {
		t.Error("Second detach called Shutdown again")
	}
}

func TestAttachLimit(t *testing.T) {
	SetAttachLimit(len(AttachedDevices()) + 1)
	defer SetAttachLimit(0)

	chip, err := Attach(testConfig("attach-limit-1", newFakeTransport(), &fakeSM{}, nil))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	_, err = Attach(testConfig("attach-limit-2", newFakeTransport(), &fakeSM{}, nil))
	if !errors.Is(err, ErrAllocationFailure) {
		t.Error("Attach over the limit did not return ErrAllocationFailure:", err)
	}
	if attached("attach-limit-2") {
		t.Error("Failed attach left a registry entry")
	}

	chip.Detach()
}

func TestPollingFallback(t *testing.T) {
	sm := &fakeSM{}

	cfg := testConfig("attach-poll", newFakeTransport(), sm, nil)
	cfg.PollInterval = 10 * time.Millisecond

	chip, err := Attach(cfg)
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	/* Without an interrupt line only the timer produces runs */
	waitUntil(t, 2*time.Second, func() bool {
		return atomic.LoadUint32(&sm.runs) >= 3
	})

	chip.Detach()

	count := atomic.LoadUint32(&sm.runs)
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadUint32(&sm.runs) != count {
		t.Error("Polling timer ran after detach")
	}
}

func TestAttachHooks(t *testing.T) {
	var attachHook, detachHook uint32
	sm := &fakeSM{}

	cfg := testConfig("attach-hooks", newFakeTransport(), sm, nil)
	cfg.Hooks = Hooks{
		AttachComplete: func(chip *Chip) {
			atomic.AddUint32(&attachHook, 1)
		},
		DetachBegin: func(chip *Chip) {
			atomic.AddUint32(&detachHook, 1)
		},
	}

	chip, err := Attach(cfg)
	if err != nil {
		t.Fatal("Attach failed:", err)
	}

	if atomic.LoadUint32(&attachHook) != 1 {
		t.Error("AttachComplete hook not called")
	}

	chip.Detach()
	chip.Detach()

	if atomic.LoadUint32(&detachHook) != 1 {
		t.Error("DetachBegin hook not called exactly once")
	}
}

func TestChipStatus(t *testing.T) {
	sm := &fakeSM{}

	chip, err := Attach(testConfig("attach-status", newFakeTransport(), sm, nil))
	if err != nil {
		t.Fatal("Attach failed:", err)
	}
	defer chip.Detach()

	waitUntil(t, time.Second, func() bool {
		return chip.Status().Dispatches >= 1
	})

	st := chip.Status()
	if st.DeviceID != "attach-status" {
		t.Error("Wrong device id:", st.DeviceID)
	}
	if st.State != "active" {
		t.Error("Wrong state:", st.State)
	}
	if chip.Revision().Version != 0x9 {
		t.Error("Wrong revision:", chip.Revision())
	}
}
