package gpioman

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports an invalid argument or a misused pin or channel.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrPinState reports an operation on a pin configured for the wrong
	// direction, or not configured at all. It also matches ErrConfiguration.
	ErrPinState = fmt.Errorf("%w: wrong pin state", ErrConfiguration)
	// ErrTimeout reports a WaitForEdge deadline that elapsed without a
	// matching edge.
	ErrTimeout = errors.New("timeout waiting for edge")
	// ErrHardwareUnavailable reports that the platform has no usable hardware
	// PWM peripheral (missing device-tree overlay or pwm chip).
	ErrHardwareUnavailable = errors.New("hardware pwm unavailable")
	// ErrDriver reports a failed peripheral access (permissions, device busy,
	// line lost). Background watcher failures surface wrapped in it on the
	// next operation touching the pin.
	ErrDriver = errors.New("driver error")
	// ErrPinReset reports a blocking WaitForEdge interrupted by ResetPin or
	// Cleanup on the same pin.
	ErrPinReset = errors.New("pin reset while waiting")
	// ErrWaitInProgress reports a WaitForEdge on a pin that already has an
	// outstanding waiter.
	ErrWaitInProgress = errors.New("wait already in progress")
	// ErrBusClosed reports an I2C operation before Open or after Close.
	ErrBusClosed = errors.New("i2c bus is not open")
)
