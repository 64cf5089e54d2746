package phy

import "errors"

// Errors returned by Attach and the register accessors. They are wrapped
// with detail where they occur; match with errors.Is.
var (
	// ErrInvalidArgument is returned when a Config is malformed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedDevice is returned when the chip identifies itself as
	// something this driver does not handle.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrCapabilityMissing is returned when the transport cannot perform
	// the transaction sizes the driver requires.
	ErrCapabilityMissing = errors.New("transport capability missing")

	// ErrAllocationFailure is returned when a chip instance cannot be
	// allocated, for example because the attach limit was reached.
	ErrAllocationFailure = errors.New("allocation failed")

	// ErrDeviceUnresponsive is returned when the identity check cannot
	// reach the chip.
	ErrDeviceUnresponsive = errors.New("device is not responding")

	// ErrGPIOConfig is returned when the interrupt line cannot be
	// configured.
	ErrGPIOConfig = errors.New("gpio configuration failed")

	// ErrTransport wraps transient bus failures. At runtime these are
	// logged and retried on the next trigger, never fatal.
	ErrTransport = errors.New("transport error")

	// ErrAlreadyAttached is returned when a chip with the same device
	// identity is already attached.
	ErrAlreadyAttached = errors.New("device is already attached")
)
