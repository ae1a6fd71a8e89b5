package gpioman

import "time"

// PinState represents the logical state of a pin (Low or High).
type PinState bool

const (
	Low  PinState = false
	High PinState = true
)

func (s PinState) String() string {
	if s == High {
		return "High"
	}
	return "Low"
}

// LogicLevel selects how physical voltage maps to logical High/Low.
type LogicLevel uint8

const (
	// ActiveHigh means logical High is voltage present. The default.
	ActiveHigh LogicLevel = iota
	// ActiveLow inverts the mapping: logical High is voltage absent.
	// Writes, reads, edge directions and PWM waveforms are all inverted.
	ActiveLow
)

func (l LogicLevel) String() string {
	if l == ActiveLow {
		return "active-low"
	}
	return "active-high"
}

// PullMode represents the internal pull resistor applied to an input pin.
type PullMode uint8

const (
	// PullAuto picks the pull so the idle read is the inactive logic level:
	// pull-down for active-high pins, pull-up for active-low pins. The default.
	PullAuto PullMode = iota
	PullUp
	PullDown
	// PullExternal disables the internal resistor; the circuit provides one.
	PullExternal
)

func (p PullMode) String() string {
	switch p {
	case PullAuto:
		return "auto"
	case PullUp:
		return "pull-up"
	case PullDown:
		return "pull-down"
	case PullExternal:
		return "external"
	default:
		return "unknown"
	}
}

// TriggerEdge represents the logical signal edge a callback or wait reacts to.
type TriggerEdge uint8

const (
	// EdgeBoth matches rising and falling edges. The default.
	EdgeBoth TriggerEdge = iota
	EdgeRising
	EdgeFalling
)

func (e TriggerEdge) String() string {
	switch e {
	case EdgeBoth:
		return "both"
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return "unknown"
	}
}

// PWMPolarity represents the output polarity of a hardware PWM channel.
type PWMPolarity uint8

const (
	PolarityNormal PWMPolarity = iota
	PolarityInversed
)

func (p PWMPolarity) String() string {
	if p == PolarityInversed {
		return "inversed"
	}
	return "normal"
}

// LineEvent is one raw pin transition reported by a Driver.
type LineEvent struct {
	// Rising is the physical direction of the transition.
	Rising bool
	// Time is the moment of the transition. Drivers without hardware
	// timestamps stamp arrival time instead.
	Time time.Time
}

// EdgeEvent is an accepted, debounced transition as delivered to callbacks
// and to WaitForEdge callers.
type EdgeEvent struct {
	// Pin is the BCM pin number the event occurred on.
	Pin int
	// Edge is the logical direction, EdgeRising or EdgeFalling.
	Edge TriggerEdge
	// Time is the wall-clock timestamp of the transition.
	Time time.Time
}

// EdgeHandler is invoked for each accepted edge event matching its filter.
type EdgeHandler func(EdgeEvent)

// Driver provides raw access to GPIO lines. Levels at this layer are always
// physical; logic-level mapping happens above it.
type Driver interface {
	// OpenInput claims pin as an input with the given pull resistor.
	// The pull is never PullAuto; it is resolved before the driver is called.
	OpenInput(pin int, pull PullMode) error
	// OpenOutput claims pin as an output driven to the given physical level.
	OpenOutput(pin int, high bool) error
	// ReadLevel returns the physical level of the pin.
	ReadLevel(pin int) (bool, error)
	// WriteLevel drives the pin to the given physical level.
	WriteLevel(pin int, high bool) error
	// Watch arms edge detection on both physical edges and returns the event
	// source. The channel is closed by Unwatch, or without Unwatch when the
	// line fails.
	Watch(pin int) (<-chan LineEvent, error)
	// Unwatch disarms edge detection and closes the event channel.
	Unwatch(pin int) error
	// ResetPin releases the pin back to its unclaimed state.
	ResetPin(pin int) error
	// Close releases all driver resources.
	Close() error
}

// PWMChannelDriver provides raw access to the hardware PWM channels.
type PWMChannelDriver interface {
	// Export claims a hardware channel.
	Export(channel int) error
	// Configure sets the waveform. pulse must not exceed period.
	Configure(channel int, period, pulse time.Duration, inverted bool) error
	// Enable starts driving the waveform.
	Enable(channel int) error
	// Disable stops driving the waveform.
	Disable(channel int) error
	// Unexport releases the channel.
	Unexport(channel int) error
}
