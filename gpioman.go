// Package gpioman controls Raspberry-Pi-class GPIO pins: per-pin input and
// output configuration with logic-level mapping, debounced edge callbacks and
// blocking edge waits, software PWM waveforms on any output pin, the two
// hardware PWM channels, and I2C devices. All managers created by New share
// one process-wide pin registry, so independent parts of a program cannot
// configure the same pin twice behind each other's backs.
package gpioman

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// direction of a configured pin.
type direction uint8

const (
	dirUnconfigured direction = iota
	dirInput
	dirOutput
)

// pin is the registry record for one configured pin. mu serializes every
// operation on the pin; failMu only guards the background failure slot so the
// watcher goroutine never has to take mu.
type pin struct {
	mu          sync.Mutex
	num         int
	dir         direction
	logic       LogicLevel
	pull        PullMode // resolved pull, inputs only
	state       PinState // last commanded logical state, outputs only
	resetOnExit bool

	sub *subscription // event plumbing, non-nil while the pin is watched
	pwm *softPWM      // non-nil when the pin is configured for software PWM

	failMu  sync.Mutex
	failErr error
}

// fail records a background failure. The first error wins.
func (p *pin) fail(err error) {
	p.failMu.Lock()
	if p.failErr == nil {
		p.failErr = err
	}
	p.failMu.Unlock()
}

func (p *pin) failed() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}

func (p *pin) clearFailure() {
	p.failMu.Lock()
	p.failErr = nil
	p.failMu.Unlock()
}

// registry is the process-wide pin table. Every GPIOManager handle points at
// one registry instance; New hands out the shared default one.
type registry struct {
	mu     sync.Mutex
	driver Driver
	clk    clock.Clock
	pins   map[int]*pin
}

func newRegistry(d Driver, clk clock.Clock) *registry {
	return &registry{
		driver: d,
		clk:    clk,
		pins:   make(map[int]*pin),
	}
}

// claim inserts a locked, half-configured record for num. The caller finishes
// configuring and unlocks, or calls abandon when the driver refuses the pin.
func (r *registry) claim(num int) (*pin, error) {
	p := &pin{num: num, resetOnExit: true}
	p.mu.Lock()
	r.mu.Lock()
	if _, ok := r.pins[num]; ok {
		r.mu.Unlock()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pin %d is already configured", ErrPinState, num)
	}
	r.pins[num] = p
	r.mu.Unlock()
	return p, nil
}

func (r *registry) abandon(p *pin) {
	r.mu.Lock()
	delete(r.pins, p.num)
	r.mu.Unlock()
	p.mu.Unlock()
}

func (r *registry) lookup(num int) (*pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[num]
	if !ok {
		return nil, fmt.Errorf("%w: pin %d is not configured", ErrPinState, num)
	}
	return p, nil
}

func (r *registry) pinNumbers() []int {
	r.mu.Lock()
	nums := make([]int, 0, len(r.pins))
	for n := range r.pins {
		nums = append(nums, n)
	}
	r.mu.Unlock()
	sort.Ints(nums)
	return nums
}

// resetPin tears down everything attached to the pin (software PWM, watcher,
// callbacks, a pending waiter) before releasing it, so no background activity
// references a reconfigured pin.
func (r *registry) resetPin(num int) error {
	p, err := r.lookup(num)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir == dirUnconfigured {
		// Lost a race with a concurrent reset.
		return fmt.Errorf("%w: pin %d is not configured", ErrPinState, num)
	}

	if p.pwm != nil {
		p.pwm.halt()
		p.pwm = nil
	}
	if p.sub != nil {
		p.sub.close(r.driver)
		p.sub = nil
	}

	var errs error
	// Outputs always park at logical Low; only the line release below is
	// optional.
	if p.dir == dirOutput {
		if err := r.driver.WriteLevel(num, physicalLevel(Low, p.logic)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: drive pin %d low: %w", ErrDriver, num, err))
		}
	}
	if p.resetOnExit {
		if err := r.driver.ResetPin(num); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: release pin %d: %w", ErrDriver, num, err))
		}
	}

	p.dir = dirUnconfigured
	p.clearFailure()
	r.mu.Lock()
	delete(r.pins, num)
	r.mu.Unlock()

	globalLogger.Debug(fmt.Sprintf("pin %d reset", num))
	return errs
}

// GPIOManager is a handle on the pin registry. Handles from New all view the
// same process-wide registry; NewWithDriver creates an isolated one.
type GPIOManager struct {
	reg *registry
}

var (
	defaultOnce sync.Once
	defaultReg  *registry
	defaultErr  error
)

// New returns a manager backed by the default periph.io driver. Every manager
// returned by New shares one process-wide pin registry.
func New() (*GPIOManager, error) {
	defaultOnce.Do(func() {
		d, err := NewPeriphDriver()
		if err != nil {
			defaultErr = err
			return
		}
		defaultReg = newRegistry(d, clock.New())
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return &GPIOManager{reg: defaultReg}, nil
}

// NewWithDriver returns a manager with its own registry on top of the given
// driver. Intended for tests and for alternative backends such as
// NewGpiochipDriver or NewRpioDriver.
func NewWithDriver(d Driver) *GPIOManager {
	return &GPIOManager{reg: newRegistry(d, clock.New())}
}

// InputConfig configures an input pin. The zero value selects automatic pull
// resolution and active-high logic.
type InputConfig struct {
	// Pull selects the internal pull resistor. Defaults to PullAuto.
	Pull PullMode
	// Logic selects the voltage mapping. Defaults to ActiveHigh.
	Logic LogicLevel
}

// OutputConfig configures an output pin. The zero value starts the pin at
// logical Low with active-high logic.
type OutputConfig struct {
	// State is the initial logical state. Defaults to Low.
	State PinState
	// Logic selects the voltage mapping. Defaults to ActiveHigh.
	Logic LogicLevel
}

// AddInputPin configures a pin as an input. The pin must not be configured
// already; ResetPin releases it for reconfiguration.
// This method is concurrent safe.
func (m *GPIOManager) AddInputPin(num int, cfg InputConfig) error {
	p, err := m.reg.claim(num)
	if err != nil {
		return err
	}

	pull := resolvePull(cfg.Pull, cfg.Logic)
	if err := m.reg.driver.OpenInput(num, pull); err != nil {
		m.reg.abandon(p)
		return fmt.Errorf("%w: open pin %d as input: %w", ErrDriver, num, err)
	}

	p.dir = dirInput
	p.logic = cfg.Logic
	p.pull = pull
	p.mu.Unlock()

	globalLogger.Debug(fmt.Sprintf("pin %d configured as input (pull=%s, logic=%s)", num, pull, cfg.Logic))
	return nil
}

// AddOutputPin configures a pin as an output driven to the configured initial
// state. The pin must not be configured already.
// This method is concurrent safe.
func (m *GPIOManager) AddOutputPin(num int, cfg OutputConfig) error {
	p, err := m.reg.claim(num)
	if err != nil {
		return err
	}

	if err := m.reg.driver.OpenOutput(num, physicalLevel(cfg.State, cfg.Logic)); err != nil {
		m.reg.abandon(p)
		return fmt.Errorf("%w: open pin %d as output: %w", ErrDriver, num, err)
	}

	p.dir = dirOutput
	p.logic = cfg.Logic
	p.state = cfg.State
	p.mu.Unlock()

	globalLogger.Debug(fmt.Sprintf("pin %d configured as output (state=%s, logic=%s)", num, cfg.State, cfg.Logic))
	return nil
}

// SetOutputPin drives an output pin to the given logical state. Pins
// configured for software PWM refuse direct writes; use the PWM setters.
// This method is concurrent safe.
func (m *GPIOManager) SetOutputPin(num int, state PinState) error {
	p, err := m.reg.lookup(num)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir != dirOutput {
		return fmt.Errorf("%w: pin %d is not an output", ErrPinState, num)
	}
	if p.pwm != nil {
		return fmt.Errorf("%w: pin %d is configured for pwm", ErrPinState, num)
	}
	if err := m.reg.driver.WriteLevel(num, physicalLevel(state, p.logic)); err != nil {
		return fmt.Errorf("%w: write pin %d: %w", ErrDriver, num, err)
	}
	p.state = state
	return nil
}

// GetPin reads the logical state of an input pin. Output pins reject reads;
// their last commanded state is what the caller already knows.
// This method is concurrent safe.
func (m *GPIOManager) GetPin(num int) (PinState, error) {
	p, err := m.reg.lookup(num)
	if err != nil {
		return Low, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir != dirInput {
		return Low, fmt.Errorf("%w: pin %d is not an input", ErrPinState, num)
	}
	if err := p.failed(); err != nil {
		return Low, fmt.Errorf("%w: pin %d watcher failed: %w", ErrDriver, num, err)
	}
	high, err := m.reg.driver.ReadLevel(num)
	if err != nil {
		return Low, fmt.Errorf("%w: read pin %d: %w", ErrDriver, num, err)
	}
	return logicalState(high, p.logic), nil
}

// SetResetOnExit controls whether ResetPin and Cleanup release the line back
// to the hardware default (an input). Outputs are driven to logical Low and
// background tasks torn down either way; when false the line itself stays
// claimed with that level.
// This method is concurrent safe.
func (m *GPIOManager) SetResetOnExit(num int, reset bool) error {
	p, err := m.reg.lookup(num)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir == dirUnconfigured {
		return fmt.Errorf("%w: pin %d is not configured", ErrPinState, num)
	}
	p.resetOnExit = reset
	return nil
}

// ResetPin returns a pin to the unconfigured state: the software PWM engine
// and edge watcher are stopped, callbacks cleared, and a pending WaitForEdge
// fails with ErrPinReset before this method returns.
// This method is concurrent safe.
func (m *GPIOManager) ResetPin(num int) error {
	return m.reg.resetPin(num)
}

// Cleanup resets every configured pin. It is a barrier: when it returns, all
// watchers and PWM engines have exited, every previously configured output
// (with reset-on-exit set) rests at logical Low and no waiter is blocked.
// This method is concurrent safe.
func (m *GPIOManager) Cleanup() error {
	var errs error
	for _, num := range m.reg.pinNumbers() {
		if err := m.reg.resetPin(num); err != nil {
			// A pin reset concurrently is already in the desired state.
			if errors.Is(err, ErrPinState) {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	globalLogger.Info("gpio cleanup complete")
	return nil
}

// --- Logic level mapping ---

// resolvePull turns PullAuto into the concrete pull for the logic level:
// the idle read must be the inactive logic level.
func resolvePull(pull PullMode, logic LogicLevel) PullMode {
	if pull != PullAuto {
		return pull
	}
	if logic == ActiveLow {
		return PullUp
	}
	return PullDown
}

// physicalLevel maps a logical state through the pin's logic level.
func physicalLevel(s PinState, logic LogicLevel) bool {
	if logic == ActiveLow {
		return s == Low
	}
	return s == High
}

// logicalState maps a physical level back to the logical state.
func logicalState(high bool, logic LogicLevel) PinState {
	if logic == ActiveLow {
		return PinState(!high)
	}
	return PinState(high)
}

// logicalEdge maps a physical transition direction to the logical edge.
func logicalEdge(rising bool, logic LogicLevel) TriggerEdge {
	if logic == ActiveLow {
		rising = !rising
	}
	if rising {
		return EdgeRising
	}
	return EdgeFalling
}
