package phy

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Attach validates the device described by cfg, allocates and registers
// its chip state, brings up interrupt handling, dispatching and timers,
// starts the state machine and finally activates event delivery. On any
// failure all resources acquired so far are released in reverse
// acquisition order and the originating error is returned: the device is
// left as if the attach never happened.
func Attach(cfg Config) (*Chip, error) {
	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}

	/* Stage 1: validate the request */
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidArgument)
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: no device identity", ErrInvalidArgument)
	}
	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("%w: no state machine", ErrInvalidArgument)
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("%w: negative poll interval", ErrInvalidArgument)
	}

	if l, ok := cfg.Transport.(TransportLimits); ok {
		if max := l.MaxTxSize(); max > 0 && max < minTransferSize {
			return nil, fmt.Errorf("%w: transport limited to %d byte transfers, need %d", ErrCapabilityMissing, max, minTransferSize)
		}
	}

	c := &Chip{
		deviceID:       cfg.DeviceID,
		transport:      cfg.Transport,
		closeTransport: cfg.CloseTransport,
		sm:             cfg.StateMachine,
		hooks:          cfg.Hooks,
		log:            log.WithField("device", cfg.DeviceID),
	}
	c.setState(stateValidated)

	var release []func()
	fail := func(err error) (*Chip, error) {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		c.setState(stateDestroyed)
		c.log.Warnf("Attach failed: %v", err)
		return nil, err
	}

	/* Stage 2: allocate the chip state. The lock is ready before any
	 * subsystem that could produce concurrent work exists. */
	if err := registerChip(cfg.DeviceID, c); err != nil {
		c.setState(stateDestroyed)
		return nil, err
	}
	release = append(release, func() { unregisterChip(cfg.DeviceID, c) })
	c.setState(stateAllocated)

	/* Stage 3: verify the device is what we expect */
	id, err := c.ReadByte(RegDeviceID)
	if err != nil {
		return fail(fmt.Errorf("%w: identity check: %v", ErrDeviceUnresponsive, err))
	}

	revision, ok := decodeDeviceID(id)
	if !ok {
		return fail(fmt.Errorf("%w: device id 0x%02x", ErrUnsupportedDevice, id))
	}
	c.revision = revision
	c.log.Infof("Device check passed: %v", revision)

	/* Stage 4: interrupt line, dormant until activation */
	if cfg.ConfigureGPIO != nil {
		pin, err := cfg.ConfigureGPIO()
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrGPIOConfig, err))
		}
		if pin == nil {
			return fail(fmt.Errorf("%w: no pin handle", ErrGPIOConfig))
		}

		c.pin = &chipPin{IRQPin: pin}
		c.irq = newIRQBridge(c.pin, c.Dispatch, c.log)
		release = append(release, func() {
			c.irq.stop()
			c.haltPin()
		})
	}

	/* Stage 5: dispatch worker, dormant */
	c.disp = newDispatcher(c.processEvents)
	release = append(release, c.disp.Stop)

	/* Stage 6: polling fallback timer, dormant */
	c.pollTimer = c.NewDispatchTimer("poll")
	release = append(release, c.cancelTimers)

	c.setState(stateHardwareReady)

	/* Stage 7: protocol state machine */
	if err := c.sm.Init(c); err != nil {
		return fail(err)
	}

	/* Stage 8: go live. Only now can an interrupt or timer reach the
	 * state machine. */
	c.setState(stateActive)
	c.disp.Start()
	if c.irq != nil {
		c.irq.start()
	}
	c.pollTimer.ArmPeriodic(c.pollInterval(cfg.PollInterval))
	c.disp.Kick()

	c.log.Infof("Attach complete")

	if c.hooks.AttachComplete != nil {
		c.hooks.AttachComplete(c)
	}

	return c, nil
}

func (c *Chip) pollInterval(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if c.irq == nil {
		return noIRQPollInterval
	}
	return defaultPollInterval
}

func (c *Chip) haltPin() {
	if c.pin == nil || c.pin.halted {
		return
	}
	c.pin.halted = true

	if err := c.pin.Halt(); err != nil {
		c.log.Warnf("Releasing interrupt line failed: %v", err)
	}
}

// Detach tears the chip down and releases every resource attach acquired,
// in reverse order: timers, then interrupt delivery, then the dispatch
// worker, then the state machine, then the line and transport handles.
// Detach never fails; release errors are logged only. It blocks until an
// in-flight event-processing run has finished and guarantees that no run
// can start afterwards, even if an external trigger still fires. Calling
// Detach again, or concurrently, is a no-op.
//
// Detach may also be called from inside the event-processing routine, for
// example by a state machine reacting to a fatal device condition; the
// teardown then completes on the worker before the final run returns.
func (c *Chip) Detach() {
	if !atomic.CompareAndSwapUint32(&c.state, stateActive, stateTearingDown) {
		return
	}

	c.log.Infof("Detaching")

	if c.hooks.DetachBegin != nil {
		c.hooks.DetachBegin(c)
	}

	/* Producers first: timers, then the interrupt watcher. After these
	 * return neither can kick the dispatcher again. */
	c.cancelTimers()
	if c.irq != nil {
		c.irq.stop()
	}

	/* Drain the worker. Waits for an in-flight run. */
	c.disp.Stop()

	/* Either the worker has exited or we are running on it, so the
	 * shutdown call cannot race ProcessEvent */
	c.sm.Shutdown()

	c.haltPin()

	if c.closeTransport != nil {
		if err := c.closeTransport(); err != nil {
			c.log.Warnf("Closing transport failed: %v", err)
		}
	}

	unregisterChip(c.deviceID, c)
	c.setState(stateDestroyed)

	c.log.Infof("Detach complete")
}

// Close detaches the chip. It exists so a chip can be managed by lifecycle
// runners expecting an io.Closer and never returns an error.
func (c *Chip) Close() error {
	c.Detach()
	return nil
}
