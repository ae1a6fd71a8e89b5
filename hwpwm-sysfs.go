package gpioman

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// pwmChipDir is the sysfs root of the Pi's PWM controller. It exists once a
// device tree overlay enables the peripheral, for example dtoverlay=pwm-2chan.
const pwmChipDir = "/sys/class/pwm/pwmchip0"

// sysfsPWM programs hardware channels through the sysfs pwmchip files.
type sysfsPWM struct {
	chipDir string
}

func newSysfsPWMDriver() (*sysfsPWM, error) {
	if _, err := os.Stat(pwmChipDir); err != nil {
		return nil, fmt.Errorf("%w: %s: %v (is a pwm overlay enabled?)", ErrHardwareUnavailable, pwmChipDir, err)
	}
	return &sysfsPWM{chipDir: pwmChipDir}, nil
}

func (d *sysfsPWM) channelDir(ch int) string {
	return filepath.Join(d.chipDir, fmt.Sprintf("pwm%d", ch))
}

func (d *sysfsPWM) writeChip(name, value string) error {
	return writeSysfs(filepath.Join(d.chipDir, name), value)
}

func (d *sysfsPWM) writeChannel(ch int, name, value string) error {
	return writeSysfs(filepath.Join(d.channelDir(ch), name), value)
}

func writeSysfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Export asks the kernel for the channel and waits briefly for the channel
// directory to appear.
func (d *sysfsPWM) Export(ch int) error {
	dir := d.channelDir(ch)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := d.writeChip("export", strconv.Itoa(ch)); err != nil {
		return err
	}
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(filepath.Join(dir, "period")); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("pwm channel %d did not appear under %s", ch, d.chipDir)
}

// Configure programs period, pulse and polarity. The kernel rejects a duty
// cycle longer than the period at any instant, so the duty is dropped to
// zero before the period moves.
func (d *sysfsPWM) Configure(ch int, period, pulse time.Duration, inverted bool) error {
	if err := d.writeChannel(ch, "duty_cycle", "0"); err != nil {
		return err
	}
	if err := d.writeChannel(ch, "period", strconv.FormatInt(period.Nanoseconds(), 10)); err != nil {
		return err
	}
	if err := d.writeChannel(ch, "duty_cycle", strconv.FormatInt(pulse.Nanoseconds(), 10)); err != nil {
		return err
	}
	pol := "normal"
	if inverted {
		pol = "inversed"
	}
	if err := d.writeChannel(ch, "polarity", pol); err != nil {
		// Some kernels refuse polarity changes while the channel is
		// enabled.
		globalLogger.Warn(fmt.Sprintf("pwm channel %d: set polarity %s: %v", ch, pol, err))
	}
	return nil
}

func (d *sysfsPWM) Enable(ch int) error  { return d.writeChannel(ch, "enable", "1") }
func (d *sysfsPWM) Disable(ch int) error { return d.writeChannel(ch, "enable", "0") }

// Unexport returns the channel to the kernel.
func (d *sysfsPWM) Unexport(ch int) error {
	return d.writeChip("unexport", strconv.Itoa(ch))
}
