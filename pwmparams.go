package gpioman

import (
	"fmt"
	"time"
)

// defaultPWMFrequency applies when neither a frequency nor a period is given.
const defaultPWMFrequency = 60.0

// pwmTiming is the period of a waveform, tagged with whichever representation
// the caller set last. The other representation is derived on demand, so
// Frequency and Period always agree (period = 1/frequency).
type pwmTiming struct {
	byFrequency bool
	freqHz      float64       // authoritative when byFrequency
	period      time.Duration // authoritative otherwise
}

func timingFromFrequency(hz float64) (pwmTiming, error) {
	if hz <= 0 {
		return pwmTiming{}, fmt.Errorf("%w: frequency must be greater than 0, got %g", ErrConfiguration, hz)
	}
	return pwmTiming{byFrequency: true, freqHz: hz}, nil
}

func timingFromPeriod(period time.Duration) (pwmTiming, error) {
	if period <= 0 {
		return pwmTiming{}, fmt.Errorf("%w: period must be greater than 0, got %v", ErrConfiguration, period)
	}
	return pwmTiming{period: period}, nil
}

// timingFromConfig interprets a (FrequencyHz, Period) pair from a config
// struct. The two are mutually exclusive; both zero selects the 60 Hz default.
func timingFromConfig(hz float64, period time.Duration) (pwmTiming, error) {
	switch {
	case hz != 0 && period != 0:
		return pwmTiming{}, fmt.Errorf("%w: frequency and period are mutually exclusive", ErrConfiguration)
	case period != 0:
		return timingFromPeriod(period)
	case hz != 0:
		return timingFromFrequency(hz)
	default:
		return timingFromFrequency(defaultPWMFrequency)
	}
}

func (t pwmTiming) Frequency() float64 {
	if t.byFrequency {
		return t.freqHz
	}
	return float64(time.Second) / float64(t.period)
}

func (t pwmTiming) Period() time.Duration {
	if t.byFrequency {
		return time.Duration(float64(time.Second) / t.freqHz)
	}
	return t.period
}

// pwmWidth is the active portion of a waveform, tagged with whichever
// representation the caller set last. A duty-authoritative width scales with
// the period; a pulse-authoritative width is preserved when the period
// changes and the duty cycle is re-derived.
type pwmWidth struct {
	byDuty  bool
	dutyPct float64       // authoritative when byDuty
	pulse   time.Duration // authoritative otherwise
}

func widthFromDuty(pct float64) (pwmWidth, error) {
	if pct < 0 || pct > 100 {
		return pwmWidth{}, fmt.Errorf("%w: duty cycle must be between 0 and 100, got %g", ErrConfiguration, pct)
	}
	return pwmWidth{byDuty: true, dutyPct: pct}, nil
}

func widthFromPulse(pulse, period time.Duration) (pwmWidth, error) {
	if pulse < 0 {
		return pwmWidth{}, fmt.Errorf("%w: pulse width must not be negative, got %v", ErrConfiguration, pulse)
	}
	if pulse > period {
		return pwmWidth{}, fmt.Errorf("%w: pulse width %v exceeds period %v", ErrConfiguration, pulse, period)
	}
	return pwmWidth{pulse: pulse}, nil
}

// widthFromConfig interprets a (DutyCyclePct, PulseWidth) pair from a config
// struct. The two are mutually exclusive; both zero means 0% duty.
func widthFromConfig(dutyPct float64, pulse, period time.Duration) (pwmWidth, error) {
	switch {
	case dutyPct != 0 && pulse != 0:
		return pwmWidth{}, fmt.Errorf("%w: duty cycle and pulse width are mutually exclusive", ErrConfiguration)
	case pulse != 0:
		return widthFromPulse(pulse, period)
	default:
		return widthFromDuty(dutyPct)
	}
}

func (w pwmWidth) DutyCycle(period time.Duration) float64 {
	if w.byDuty {
		return w.dutyPct
	}
	if period <= 0 {
		return 0
	}
	return float64(w.pulse) / float64(period) * 100
}

func (w pwmWidth) PulseWidth(period time.Duration) time.Duration {
	if w.byDuty {
		return time.Duration(float64(period) * w.dutyPct / 100)
	}
	return w.pulse
}

// validFor rejects a pulse-authoritative width that no longer fits a new
// period. Duty-authoritative widths fit any period by construction.
func (w pwmWidth) validFor(period time.Duration) error {
	if !w.byDuty && w.pulse > period {
		return fmt.Errorf("%w: pulse width %v exceeds period %v", ErrConfiguration, w.pulse, period)
	}
	return nil
}

// resolvePWM returns the concrete (period, pulse) pair handed to drivers and
// the software timing loop.
func resolvePWM(t pwmTiming, w pwmWidth) (period, pulse time.Duration) {
	period = t.Period()
	pulse = w.PulseWidth(period)
	return period, pulse
}
