// Package phy implements the attach/detach lifecycle and event dispatching
// for a FUSB302-class USB Power-Delivery PHY reachable over a register
// oriented bus (I2C/SMBus). The package owns the per-device chip state,
// brings up interrupt handling, deferred work and timers, hands control to
// a protocol state machine, and reverses all of it safely on removal.
//
// The bus itself, the protocol state machine and the user-facing control
// surface are collaborators injected through Config; this package only
// sequences and serializes them.
package phy

import (
	"io/ioutil"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport performs a write-then-read register transaction on the bus the
// chip is attached to. Passing nil for w or r skips that phase. It may only
// be called from the attach/detach context or the dispatch worker.
type Transport interface {
	Tx(w, r []byte) error
}

// TransportLimits is optionally implemented by a Transport to report the
// largest transfer it can perform in one transaction.
type TransportLimits interface {
	MaxTxSize() int
}

// IRQPin is a configured interrupt input line. WaitForEdge blocks until a
// qualifying edge occurred or the timeout passed. Read returns true while
// the interrupt line is asserted. Halt releases the line; after Halt no
// edge will be reported anymore.
type IRQPin interface {
	WaitForEdge(timeout time.Duration) bool
	Read() bool
	Halt() error
}

// StateMachine is the protocol core driven by this package. Init is called
// once during attach, before any event can be delivered. ProcessEvent is
// called from the dispatch worker only, with the chip lock held, and should
// re-derive all pending work from the chip registers. Shutdown is called
// during detach after the dispatch worker has drained.
type StateMachine interface {
	Init(chip *Chip) error
	ProcessEvent() error
	Shutdown()
}

// Hooks are the lifecycle callbacks of the control/status surface.
type Hooks struct {
	// AttachComplete runs after the chip reached the active state.
	AttachComplete func(chip *Chip)

	// DetachBegin runs when teardown starts, before any producer is
	// stopped.
	DetachBegin func(chip *Chip)
}

// Config describes one chip instance to Attach.
type Config struct {
	// DeviceID is the unique bus identity of the chip, for example
	// "/dev/i2c-1/0x22". A second Attach for the same identity is refused.
	DeviceID string

	// Transport is the register bus the chip is reachable over.
	Transport Transport

	// CloseTransport, if set, is called at the very end of Detach.
	CloseTransport func() error

	// ConfigureGPIO configures the interrupt line and returns its handle.
	// If nil the chip runs on the polling timer alone.
	ConfigureGPIO func() (IRQPin, error)

	// StateMachine is the protocol core to start on this chip.
	StateMachine StateMachine

	// PollInterval is the period of the polling fallback timer. Zero
	// selects a default that depends on whether an interrupt line is
	// available.
	PollInterval time.Duration

	Hooks  Hooks
	Logger *logrus.Entry
}

// Poll intervals used when Config.PollInterval is zero. Without an
// interrupt line the chip state must be re-derived often enough to keep
// protocol timeouts honest.
const (
	defaultPollInterval = 500 * time.Millisecond
	noIRQPollInterval   = 100 * time.Millisecond
)

// minTransferSize is the smallest usable bus transaction: one register
// address plus the 7-byte status block read by the state machine.
const minTransferSize = 8

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return logrus.NewEntry(l)
}
