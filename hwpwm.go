package gpioman

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// pwmChannel is the desired state of one hardware channel.
type pwmChannel struct {
	timing   pwmTiming
	width    pwmWidth
	polarity PWMPolarity
	running  bool
}

// PWMManager drives the SoC's two hardware PWM channels through the kernel
// pwmchip interface. Unlike software PWM the waveform is generated by the
// peripheral and survives scheduling stalls. With the usual overlay channel
// 0 appears on GPIO18 and channel 1 on GPIO19.
type PWMManager struct {
	mu       sync.Mutex
	driver   PWMChannelDriver
	channels map[int]*pwmChannel
}

var (
	pwmOnce sync.Once
	pwmMgr  *PWMManager
	pwmErr  error
)

// NewPWM returns the process-wide manager backed by the sysfs pwmchip
// driver. It fails with ErrHardwareUnavailable when the kernel exposes no
// PWM chip.
func NewPWM() (*PWMManager, error) {
	pwmOnce.Do(func() {
		d, err := newSysfsPWMDriver()
		if err != nil {
			pwmErr = err
			return
		}
		pwmMgr = NewPWMWithDriver(d)
	})
	if pwmErr != nil {
		return nil, pwmErr
	}
	return pwmMgr, nil
}

// NewPWMWithDriver returns a manager with its own channel table on top of
// the given driver. Intended for tests.
func NewPWMWithDriver(d PWMChannelDriver) *PWMManager {
	return &PWMManager{driver: d, channels: make(map[int]*pwmChannel)}
}

// ChannelConfig configures SetupChannel. FrequencyHz and Period are mutually
// exclusive, as are DutyCyclePct and PulseWidth; leaving both of a pair zero
// selects 60 Hz at 0% duty.
type ChannelConfig struct {
	FrequencyHz  float64
	Period       time.Duration
	DutyCyclePct float64
	PulseWidth   time.Duration
	// Polarity inverts the waveform in hardware. Defaults to
	// PolarityNormal.
	Polarity PWMPolarity
}

func validChannel(ch int) error {
	if ch != 0 && ch != 1 {
		return fmt.Errorf("%w: pwm channel must be 0 or 1, got %d", ErrConfiguration, ch)
	}
	return nil
}

// wrapChannelErr keeps ErrHardwareUnavailable recognizable and labels
// everything else a driver failure.
func wrapChannelErr(op string, ch int, err error) error {
	if errors.Is(err, ErrHardwareUnavailable) {
		return fmt.Errorf("%s pwm channel %d: %w", op, ch, err)
	}
	return fmt.Errorf("%w: %s pwm channel %d: %w", ErrDriver, op, ch, err)
}

// SetupChannel exports and programs a hardware channel. The channel starts
// disabled; StartChannel enables output.
// This method is concurrent safe.
func (m *PWMManager) SetupChannel(ch int, cfg ChannelConfig) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	timing, err := timingFromConfig(cfg.FrequencyHz, cfg.Period)
	if err != nil {
		return err
	}
	width, err := widthFromConfig(cfg.DutyCyclePct, cfg.PulseWidth, timing.Period())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch]; ok {
		return fmt.Errorf("%w: pwm channel %d is already configured", ErrPinState, ch)
	}
	if err := m.driver.Export(ch); err != nil {
		return wrapChannelErr("export", ch, err)
	}
	c := &pwmChannel{timing: timing, width: width, polarity: cfg.Polarity}
	if err := m.apply(ch, c); err != nil {
		if uerr := m.driver.Unexport(ch); uerr != nil {
			globalLogger.Warn(fmt.Sprintf("unexport pwm channel %d: %v", ch, uerr))
		}
		return err
	}
	m.channels[ch] = c

	period, pulse := resolvePWM(timing, width)
	globalLogger.Debug(fmt.Sprintf("pwm channel %d configured (period=%s, pulse=%s, polarity=%s)", ch, period, pulse, cfg.Polarity))
	return nil
}

// apply programs the channel's period, pulse and polarity. Callers hold m.mu.
func (m *PWMManager) apply(ch int, c *pwmChannel) error {
	period, pulse := resolvePWM(c.timing, c.width)
	if err := m.driver.Configure(ch, period, pulse, c.polarity == PolarityInversed); err != nil {
		return wrapChannelErr("configure", ch, err)
	}
	return nil
}

// channel looks up a configured channel. Callers hold m.mu.
func (m *PWMManager) channel(ch int) (*pwmChannel, error) {
	if err := validChannel(ch); err != nil {
		return nil, err
	}
	c, ok := m.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: pwm channel %d is not configured", ErrPinState, ch)
	}
	return c, nil
}

// update runs f against a configured channel under the manager lock.
func (m *PWMManager) update(ch int, f func(c *pwmChannel) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.channel(ch)
	if err != nil {
		return err
	}
	return f(c)
}

// StartChannel enables waveform output. Starting a running channel is a
// no-op.
// This method is concurrent safe.
func (m *PWMManager) StartChannel(ch int) error {
	return m.update(ch, func(c *pwmChannel) error {
		if c.running {
			return nil
		}
		if err := m.driver.Enable(ch); err != nil {
			return wrapChannelErr("enable", ch, err)
		}
		c.running = true
		return nil
	})
}

// StopChannel disables waveform output; the pin rests at the inactive
// level. Stopping a stopped channel is a no-op.
// This method is concurrent safe.
func (m *PWMManager) StopChannel(ch int) error {
	return m.update(ch, func(c *pwmChannel) error {
		if !c.running {
			return nil
		}
		if err := m.driver.Disable(ch); err != nil {
			return wrapChannelErr("disable", ch, err)
		}
		c.running = false
		return nil
	})
}

// ResetChannel disables a channel and returns it to the kernel.
// This method is concurrent safe.
func (m *PWMManager) ResetChannel(ch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.channel(ch)
	if err != nil {
		return err
	}
	var errs error
	if c.running {
		if err := m.driver.Disable(ch); err != nil {
			errs = multierr.Append(errs, wrapChannelErr("disable", ch, err))
		}
	}
	if err := m.driver.Unexport(ch); err != nil {
		errs = multierr.Append(errs, wrapChannelErr("unexport", ch, err))
	}
	delete(m.channels, ch)
	globalLogger.Debug(fmt.Sprintf("pwm channel %d reset", ch))
	return errs
}

// SetChannelDutyCycle sets the duty cycle in percent, making it the
// authoritative width parameter, and reprograms the hardware immediately.
// This method is concurrent safe.
func (m *PWMManager) SetChannelDutyCycle(ch int, pct float64) error {
	return m.update(ch, func(c *pwmChannel) error {
		w, err := widthFromDuty(pct)
		if err != nil {
			return err
		}
		prev := c.width
		c.width = w
		if err := m.apply(ch, c); err != nil {
			c.width = prev
			return err
		}
		return nil
	})
}

// SetChannelPulseWidth sets the active pulse width, making it the
// authoritative width parameter, and reprograms the hardware immediately.
// The pulse must fit the current period.
// This method is concurrent safe.
func (m *PWMManager) SetChannelPulseWidth(ch int, pulse time.Duration) error {
	return m.update(ch, func(c *pwmChannel) error {
		w, err := widthFromPulse(pulse, c.timing.Period())
		if err != nil {
			return err
		}
		prev := c.width
		c.width = w
		if err := m.apply(ch, c); err != nil {
			c.width = prev
			return err
		}
		return nil
	})
}

// SetChannelFrequency sets the frequency in hertz, making it the
// authoritative timing parameter, and reprograms the hardware immediately.
// An authoritative pulse width that does not fit the new period is rejected.
// This method is concurrent safe.
func (m *PWMManager) SetChannelFrequency(ch int, hz float64) error {
	return m.update(ch, func(c *pwmChannel) error {
		t, err := timingFromFrequency(hz)
		if err != nil {
			return err
		}
		return m.reapplyTiming(ch, c, t)
	})
}

// SetChannelPeriod sets the cycle period, making it the authoritative timing
// parameter, and reprograms the hardware immediately. An authoritative pulse
// width that does not fit the new period is rejected.
// This method is concurrent safe.
func (m *PWMManager) SetChannelPeriod(ch int, period time.Duration) error {
	return m.update(ch, func(c *pwmChannel) error {
		t, err := timingFromPeriod(period)
		if err != nil {
			return err
		}
		return m.reapplyTiming(ch, c, t)
	})
}

// SetChannelPolarity flips the hardware polarity and reprograms the channel.
// This method is concurrent safe.
func (m *PWMManager) SetChannelPolarity(ch int, pol PWMPolarity) error {
	return m.update(ch, func(c *pwmChannel) error {
		prev := c.polarity
		c.polarity = pol
		if err := m.apply(ch, c); err != nil {
			c.polarity = prev
			return err
		}
		return nil
	})
}

// reapplyTiming swaps the timing parameter with rollback on a hardware
// failure. Callers hold m.mu.
func (m *PWMManager) reapplyTiming(ch int, c *pwmChannel, t pwmTiming) error {
	if err := c.width.validFor(t.Period()); err != nil {
		return err
	}
	prev := c.timing
	c.timing = t
	if err := m.apply(ch, c); err != nil {
		c.timing = prev
		return err
	}
	return nil
}

// ChannelFrequency returns the channel frequency in hertz.
// This method is concurrent safe.
func (m *PWMManager) ChannelFrequency(ch int) (float64, error) {
	var hz float64
	err := m.update(ch, func(c *pwmChannel) error {
		hz = c.timing.Frequency()
		return nil
	})
	return hz, err
}

// ChannelPeriod returns the channel period.
// This method is concurrent safe.
func (m *PWMManager) ChannelPeriod(ch int) (time.Duration, error) {
	var period time.Duration
	err := m.update(ch, func(c *pwmChannel) error {
		period = c.timing.Period()
		return nil
	})
	return period, err
}

// ChannelDutyCycle returns the duty cycle in percent, derived from the pulse
// width when that is the authoritative parameter.
// This method is concurrent safe.
func (m *PWMManager) ChannelDutyCycle(ch int) (float64, error) {
	var pct float64
	err := m.update(ch, func(c *pwmChannel) error {
		pct = c.width.DutyCycle(c.timing.Period())
		return nil
	})
	return pct, err
}

// ChannelPulseWidth returns the active pulse width, derived from the duty
// cycle when that is the authoritative parameter.
// This method is concurrent safe.
func (m *PWMManager) ChannelPulseWidth(ch int) (time.Duration, error) {
	var pulse time.Duration
	err := m.update(ch, func(c *pwmChannel) error {
		pulse = c.width.PulseWidth(c.timing.Period())
		return nil
	})
	return pulse, err
}

// ChannelPolarity returns the hardware polarity.
// This method is concurrent safe.
func (m *PWMManager) ChannelPolarity(ch int) (PWMPolarity, error) {
	var pol PWMPolarity
	err := m.update(ch, func(c *pwmChannel) error {
		pol = c.polarity
		return nil
	})
	return pol, err
}

// Cleanup disables and unexports every configured channel.
// This method is concurrent safe.
func (m *PWMManager) Cleanup() error {
	m.mu.Lock()
	chans := make([]int, 0, len(m.channels))
	for ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	sort.Ints(chans)

	var errs error
	for _, ch := range chans {
		if err := m.ResetChannel(ch); err != nil {
			if errors.Is(err, ErrPinState) {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
