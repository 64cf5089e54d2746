package phy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Lifecycle states of a chip instance. Transitions are strictly forward on
// attach and strictly reverse on detach; the value only ever increases.
const (
	stateUninitialized uint32 = iota
	stateValidated
	stateAllocated
	stateHardwareReady
	stateActive
	stateTearingDown
	stateDestroyed
)

func stateName(s uint32) string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateValidated:
		return "validated"
	case stateAllocated:
		return "allocated"
	case stateHardwareReady:
		return "hardware-ready"
	case stateActive:
		return "active"
	case stateTearingDown:
		return "tearing-down"
	case stateDestroyed:
		return "destroyed"
	}
	return "invalid"
}

// Chip is the single owned record of one attached device. All mutable chip
// data is protected by the lock; the lifecycle fields are written only by
// the attach/detach context before and after the data is shared.
type Chip struct {
	deviceID       string
	transport      Transport
	closeTransport func() error
	log            *logrus.Entry

	/* Guards all chip data mutated by the dispatch worker and the
	 * control surface */
	mutex sync.Mutex

	state uint32

	pin *chipPin
	irq *irqBridge

	disp *dispatcher

	timerMutex sync.Mutex
	timers     []*Timer
	pollTimer  *Timer

	sm    StateMachine
	hooks Hooks

	revision Revision

	dispatches uint64
	lastRunErr string
}

// chipPin wraps the IRQPin so the release path can tell whether it was
// already halted by a failed attach.
type chipPin struct {
	IRQPin
	halted bool
}

func (c *Chip) setState(s uint32) {
	atomic.StoreUint32(&c.state, s)
}

func (c *Chip) loadState() uint32 {
	return atomic.LoadUint32(&c.state)
}

// ID returns the device identity the chip is registered under.
func (c *Chip) ID() string {
	return c.deviceID
}

// Revision returns the decoded identity read during attach.
func (c *Chip) Revision() Revision {
	return c.revision
}

// Status is a snapshot of the chip for the control/status surface.
type Status struct {
	DeviceID       string
	State          string
	DeviceRevision string
	Dispatches     uint64
	LastRunError   string `json:",omitempty"`
}

// Status returns a consistent snapshot of the chip state.
func (c *Chip) Status() Status {
	st := Status{
		DeviceID:       c.deviceID,
		State:          stateName(c.loadState()),
		DeviceRevision: c.revision.String(),
		Dispatches:     atomic.LoadUint64(&c.dispatches),
	}

	c.mutex.Lock()
	st.LastRunError = c.lastRunErr
	c.mutex.Unlock()

	return st
}

// Locked runs f while holding the chip lock. The control surface uses this
// for compound accesses that must not interleave with the dispatch worker.
func (c *Chip) Locked(f func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	f()
}

// Dispatch requests a run of the event-processing routine, as if an
// interrupt had fired. It is a no-op unless the chip is active.
func (c *Chip) Dispatch() {
	if c.loadState() != stateActive {
		return
	}

	c.disp.Kick()
}

// NewDispatchTimer creates a timer whose expiry kicks the dispatcher. The
// state machine uses these for protocol timeouts; they are cancelled
// automatically during detach and must not be armed afterwards.
func (c *Chip) NewDispatchTimer(name string) *Timer {
	t := newTimer(name, c.kickFromTimer)

	c.timerMutex.Lock()
	if c.loadState() >= stateTearingDown {
		t.Cancel()
	} else {
		c.timers = append(c.timers, t)
	}
	c.timerMutex.Unlock()

	return t
}

func (c *Chip) kickFromTimer() {
	if c.disp != nil {
		c.disp.Kick()
	}
}

func (c *Chip) cancelTimers() {
	c.timerMutex.Lock()
	timers := c.timers
	c.timerMutex.Unlock()

	for _, t := range timers {
		t.Cancel()
	}
}

// processEvents is the event-processing routine run by the dispatch
// worker. It serializes on the chip lock and feeds the state machine. A
// transient error is logged and dropped: the next trigger or the polling
// timer is the recovery path, a wedged bus must not tear down the device.
func (c *Chip) processEvents() {
	if c.loadState() != stateActive {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.sm.ProcessEvent()

	atomic.AddUint64(&c.dispatches, 1)

	if err != nil {
		c.lastRunErr = err.Error()
		c.log.Warnf("Event processing failed: %v", err)
	} else {
		c.lastRunErr = ""
	}
}

// RegisterRead reads len(buf) bytes starting at reg. It may be called from
// the attach/detach context, or from the dispatch worker which already
// holds the chip lock.
func (c *Chip) RegisterRead(reg Register, buf []byte) error {
	var tx [1]byte
	tx[0] = byte(reg)

	if err := c.transport.Tx(tx[:], buf); err != nil {
		return fmt.Errorf("%w: read 0x%02x: %v", ErrTransport, byte(reg), err)
	}

	return nil
}

// RegisterWrite writes buf starting at reg.
func (c *Chip) RegisterWrite(reg Register, buf []byte) error {
	tx := make([]byte, len(buf)+1)
	tx[0] = byte(reg)
	copy(tx[1:], buf)

	if err := c.transport.Tx(tx, nil); err != nil {
		return fmt.Errorf("%w: write 0x%02x: %v", ErrTransport, byte(reg), err)
	}

	return nil
}

// ReadByte reads a single register.
func (c *Chip) ReadByte(reg Register) (byte, error) {
	var buf [1]byte
	err := c.RegisterRead(reg, buf[:])
	return buf[0], err
}

// WriteByte writes a single register.
func (c *Chip) WriteByte(reg Register, value byte) error {
	return c.RegisterWrite(reg, []byte{value})
}

// UpdateByte replaces the masked bits of a register with value.
func (c *Chip) UpdateByte(reg Register, mask byte, value byte) error {
	old, err := c.ReadByte(reg)
	if err != nil {
		return err
	}

	return c.WriteByte(reg, (old&^mask)|(value&mask))
}
