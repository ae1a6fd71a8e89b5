package gpioman

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// softPWM generates a PWM waveform on an ordinary output pin by toggling it
// from a goroutine. Edges land on an absolute deadline grid (base + n*period
// on the engine clock), so jitter in one cycle never accumulates into drift.
// The engine goroutine takes only e.mu, never the owning pin's lock.
type softPWM struct {
	pin    int
	logic  LogicLevel
	clk    clock.Clock
	driver Driver

	mu      sync.Mutex
	timing  pwmTiming
	width   pwmWidth
	running bool
	stop    chan struct{}
	done    chan struct{}

	changed chan struct{} // nudges a parked waveform, capacity 1
}

// PWMConfig configures SetupPWM. FrequencyHz and Period are mutually
// exclusive, as are DutyCyclePct and PulseWidth; leaving both of a pair zero
// selects 60 Hz at 0% duty. The parameter given stays authoritative: a
// period change keeps a percentage duty cycle and rejects a pulse width that
// no longer fits.
type PWMConfig struct {
	FrequencyHz  float64
	Period       time.Duration
	DutyCyclePct float64
	PulseWidth   time.Duration
	// Logic selects the voltage mapping of the waveform. Defaults to
	// ActiveHigh.
	Logic LogicLevel
}

// SetupPWM configures an unconfigured pin for software PWM. The pin becomes
// an output resting at logical Low with the waveform stopped; StartPWM
// begins generation. Direct writes through SetOutputPin are refused while
// the pin carries a waveform.
// This method is concurrent safe.
func (m *GPIOManager) SetupPWM(num int, cfg PWMConfig) error {
	timing, err := timingFromConfig(cfg.FrequencyHz, cfg.Period)
	if err != nil {
		return err
	}
	width, err := widthFromConfig(cfg.DutyCyclePct, cfg.PulseWidth, timing.Period())
	if err != nil {
		return err
	}

	p, err := m.reg.claim(num)
	if err != nil {
		return err
	}
	if err := m.reg.driver.OpenOutput(num, physicalLevel(Low, cfg.Logic)); err != nil {
		m.reg.abandon(p)
		return fmt.Errorf("%w: open pin %d as output: %w", ErrDriver, num, err)
	}
	p.dir = dirOutput
	p.logic = cfg.Logic
	p.state = Low
	p.pwm = &softPWM{
		pin:     num,
		logic:   cfg.Logic,
		clk:     m.reg.clk,
		driver:  m.reg.driver,
		timing:  timing,
		width:   width,
		changed: make(chan struct{}, 1),
	}
	p.mu.Unlock()

	period, pulse := resolvePWM(timing, width)
	globalLogger.Debug(fmt.Sprintf("pin %d configured for software pwm (period=%s, pulse=%s, logic=%s)", num, period, pulse, cfg.Logic))
	return nil
}

// updatePWM runs f against the pin's engine with the pin locked.
func (m *GPIOManager) updatePWM(num int, f func(e *softPWM) error) error {
	p, err := m.reg.lookup(num)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pwm == nil {
		return fmt.Errorf("%w: pin %d is not configured for pwm", ErrPinState, num)
	}
	return f(p.pwm)
}

// SetPWMDutyCycle sets the duty cycle in percent, making it the
// authoritative width parameter. The change takes effect at the next cycle
// boundary.
// This method is concurrent safe.
func (m *GPIOManager) SetPWMDutyCycle(num int, pct float64) error {
	return m.updatePWM(num, func(e *softPWM) error {
		w, err := widthFromDuty(pct)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.width = w
		e.mu.Unlock()
		e.poke()
		return nil
	})
}

// SetPWMPulseWidth sets the active pulse width, making it the authoritative
// width parameter. The pulse must fit the current period. The change takes
// effect at the next cycle boundary.
// This method is concurrent safe.
func (m *GPIOManager) SetPWMPulseWidth(num int, pulse time.Duration) error {
	return m.updatePWM(num, func(e *softPWM) error {
		e.mu.Lock()
		w, err := widthFromPulse(pulse, e.timing.Period())
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.width = w
		e.mu.Unlock()
		e.poke()
		return nil
	})
}

// SetPWMFrequency sets the cycle frequency in hertz, making it the
// authoritative timing parameter. An authoritative pulse width that does not
// fit the new period is rejected. The change takes effect at the next cycle
// boundary.
// This method is concurrent safe.
func (m *GPIOManager) SetPWMFrequency(num int, hz float64) error {
	return m.updatePWM(num, func(e *softPWM) error {
		t, err := timingFromFrequency(hz)
		if err != nil {
			return err
		}
		return e.retime(t)
	})
}

// SetPWMPeriod sets the cycle period, making it the authoritative timing
// parameter. An authoritative pulse width that does not fit the new period
// is rejected. The change takes effect at the next cycle boundary.
// This method is concurrent safe.
func (m *GPIOManager) SetPWMPeriod(num int, period time.Duration) error {
	return m.updatePWM(num, func(e *softPWM) error {
		t, err := timingFromPeriod(period)
		if err != nil {
			return err
		}
		return e.retime(t)
	})
}

// PWMFrequency returns the cycle frequency in hertz.
// This method is concurrent safe.
func (m *GPIOManager) PWMFrequency(num int) (float64, error) {
	var hz float64
	err := m.updatePWM(num, func(e *softPWM) error {
		e.mu.Lock()
		hz = e.timing.Frequency()
		e.mu.Unlock()
		return nil
	})
	return hz, err
}

// PWMPeriod returns the cycle period.
// This method is concurrent safe.
func (m *GPIOManager) PWMPeriod(num int) (time.Duration, error) {
	var period time.Duration
	err := m.updatePWM(num, func(e *softPWM) error {
		e.mu.Lock()
		period = e.timing.Period()
		e.mu.Unlock()
		return nil
	})
	return period, err
}

// PWMDutyCycle returns the duty cycle in percent, derived from the pulse
// width when that is the authoritative parameter.
// This method is concurrent safe.
func (m *GPIOManager) PWMDutyCycle(num int) (float64, error) {
	var pct float64
	err := m.updatePWM(num, func(e *softPWM) error {
		e.mu.Lock()
		pct = e.width.DutyCycle(e.timing.Period())
		e.mu.Unlock()
		return nil
	})
	return pct, err
}

// PWMPulseWidth returns the active pulse width, derived from the duty cycle
// when that is the authoritative parameter.
// This method is concurrent safe.
func (m *GPIOManager) PWMPulseWidth(num int) (time.Duration, error) {
	var pulse time.Duration
	err := m.updatePWM(num, func(e *softPWM) error {
		e.mu.Lock()
		pulse = e.width.PulseWidth(e.timing.Period())
		e.mu.Unlock()
		return nil
	})
	return pulse, err
}

// StartPWM starts waveform generation. Starting a running pin is a no-op.
// This method is concurrent safe.
func (m *GPIOManager) StartPWM(num int) error {
	return m.updatePWM(num, func(e *softPWM) error {
		e.start()
		return nil
	})
}

// StopPWM stops waveform generation and parks the pin at logical Low.
// Stopping a stopped pin is a no-op.
// This method is concurrent safe.
func (m *GPIOManager) StopPWM(num int) error {
	return m.updatePWM(num, func(e *softPWM) error {
		e.halt()
		return nil
	})
}

// --- Engine ---

// retime swaps the timing parameter, checking the width still fits.
func (e *softPWM) retime(t pwmTiming) error {
	e.mu.Lock()
	if err := e.width.validFor(t.Period()); err != nil {
		e.mu.Unlock()
		return err
	}
	e.timing = t
	e.mu.Unlock()
	e.poke()
	return nil
}

// poke nudges the engine so a parked waveform re-reads its parameters.
// Tokens merge; a pending nudge is enough.
func (e *softPWM) poke() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

func (e *softPWM) snapshot() (period, pulse time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return resolvePWM(e.timing, e.width)
}

func (e *softPWM) start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()
	go e.run(stop, done)
	globalLogger.Debug(fmt.Sprintf("pin %d: software pwm started", e.pin))
}

// halt stops the engine goroutine, waits for it to exit and parks the pin at
// logical Low. Halting a stopped engine is a no-op.
func (e *softPWM) halt() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	<-done
	e.write(false)
	globalLogger.Debug(fmt.Sprintf("pin %d: software pwm stopped", e.pin))
}

// run is the waveform loop. Parameters are re-read at each cycle boundary; a
// change re-anchors the deadline grid there. Degenerate widths (0% or 100%
// duty) hold the line steady without busy toggling.
func (e *softPWM) run(stop, done chan struct{}) {
	defer close(done)

	base := e.clk.Now()
	var cycle int64
	for {
		select {
		case <-e.changed:
			base = e.clk.Now()
			cycle = 0
		default:
		}
		period, pulse := e.snapshot()

		if pulse <= 0 || pulse >= period {
			e.write(pulse >= period)
			select {
			case <-stop:
				return
			case <-e.changed:
				base = e.clk.Now()
				cycle = 0
			}
			continue
		}

		cycleStart := base.Add(time.Duration(cycle) * period)
		e.write(true)
		if !e.sleepUntil(cycleStart.Add(pulse), stop) {
			return
		}
		e.write(false)
		if !e.sleepUntil(cycleStart.Add(period), stop) {
			return
		}
		cycle++
		// A stalled scheduler skips whole cycles instead of bursting the
		// backlog.
		if behind := e.clk.Now().Sub(base.Add(time.Duration(cycle) * period)); behind > 0 {
			cycle += int64(behind / period)
		}
	}
}

// sleepUntil sleeps on the engine clock until an absolute deadline, waking
// early only to stop. It reports false when stopped.
func (e *softPWM) sleepUntil(deadline time.Time, stop chan struct{}) bool {
	d := deadline.Sub(e.clk.Now())
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-stop:
		return false
	case <-e.clk.After(d):
		return true
	}
}

func (e *softPWM) write(active bool) {
	if err := e.driver.WriteLevel(e.pin, physicalLevel(PinState(active), e.logic)); err != nil {
		globalLogger.Warn(fmt.Sprintf("pwm pin %d: write: %v", e.pin, err))
	}
}
