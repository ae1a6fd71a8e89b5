package gpioman

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	SetLogger(nil) // Silence logs
	os.Exit(m.Run())
}

// --- Mocks ---

// mockDriver is an in-memory Driver. Tests drive watched inputs through
// inject and observe outputs through the recorded write history.
type mockDriver struct {
	mu      sync.Mutex
	inputs  map[int]PullMode
	outputs map[int]bool
	writes  map[int][]bool
	levels  map[int]bool // physical level returned by ReadLevel
	watches map[int]chan LineEvent
	resets  []int
	closed  bool

	openInputErr  error
	openOutputErr error
	readErr       error
	writeErr      error
	watchErr      error

	onWrite func(pin int, high bool)
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		inputs:  make(map[int]PullMode),
		outputs: make(map[int]bool),
		writes:  make(map[int][]bool),
		levels:  make(map[int]bool),
		watches: make(map[int]chan LineEvent),
	}
}

func (d *mockDriver) OpenInput(pin int, pull PullMode) error {
	if d.openInputErr != nil {
		return d.openInputErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs[pin] = pull
	return nil
}

func (d *mockDriver) OpenOutput(pin int, high bool) error {
	if d.openOutputErr != nil {
		return d.openOutputErr
	}
	d.mu.Lock()
	d.outputs[pin] = high
	d.writes[pin] = append(d.writes[pin], high)
	d.mu.Unlock()
	if d.onWrite != nil {
		d.onWrite(pin, high)
	}
	return nil
}

func (d *mockDriver) ReadLevel(pin int) (bool, error) {
	if d.readErr != nil {
		return false, d.readErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin], nil
}

func (d *mockDriver) WriteLevel(pin int, high bool) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.mu.Lock()
	d.outputs[pin] = high
	d.writes[pin] = append(d.writes[pin], high)
	d.mu.Unlock()
	if d.onWrite != nil {
		d.onWrite(pin, high)
	}
	return nil
}

func (d *mockDriver) Watch(pin int) (<-chan LineEvent, error) {
	if d.watchErr != nil {
		return nil, d.watchErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan LineEvent, 64)
	d.watches[pin] = ch
	return ch, nil
}

func (d *mockDriver) Unwatch(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.watches[pin]; ok {
		close(ch)
		delete(d.watches, pin)
	}
	return nil
}

func (d *mockDriver) ResetPin(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets = append(d.resets, pin)
	delete(d.inputs, pin)
	delete(d.outputs, pin)
	return nil
}

func (d *mockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// inject delivers a physical edge to the watcher goroutine.
func (d *mockDriver) inject(pin int, rising bool, at time.Time) {
	d.mu.Lock()
	ch := d.watches[pin]
	d.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- LineEvent{Rising: rising, Time: at}
}

// failWatch closes the event channel without an Unwatch, simulating the
// line dying under the watcher.
func (d *mockDriver) failWatch(pin int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.watches[pin]; ok {
		close(ch)
		delete(d.watches, pin)
	}
}

func (d *mockDriver) pull(pin int) PullMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs[pin]
}

func (d *mockDriver) level(pin int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[pin]
}

func (d *mockDriver) writeHistory(pin int) []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.writes[pin]...)
}

func (d *mockDriver) watchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watches)
}

func (d *mockDriver) resetHistory() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.resets...)
}

// drain reads delivered events until none arrive for the quiet period.
func drain(ch chan EdgeEvent, quiet time.Duration) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		case <-time.After(quiet):
			return n
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// --- Tests ---

func TestAddInputPinPullResolution(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	// Active-high without an explicit pull idles low, so auto picks
	// pull-down.
	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	if got := drv.pull(17); got != PullDown {
		t.Errorf("Expected auto pull to resolve to PullDown, got %s", got)
	}

	// Active-low idles at the high voltage, so auto picks pull-up.
	if err := m.AddInputPin(18, InputConfig{Logic: ActiveLow}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	if got := drv.pull(18); got != PullUp {
		t.Errorf("Expected auto pull to resolve to PullUp, got %s", got)
	}

	// An explicit pull wins over the logic level.
	if err := m.AddInputPin(19, InputConfig{Pull: PullUp}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	if got := drv.pull(19); got != PullUp {
		t.Errorf("Expected explicit PullUp to stick, got %s", got)
	}
}

func TestDoubleConfigureRejected(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddInputPin(4, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	err := m.AddOutputPin(4, OutputConfig{})
	if !errors.Is(err, ErrPinState) {
		t.Fatalf("Expected ErrPinState for a second configuration, got %v", err)
	}
	// Pin state errors are configuration errors too.
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrPinState to match ErrConfiguration, got %v", err)
	}
}

func TestAddOutputPinInitialState(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddOutputPin(5, OutputConfig{State: High}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if !drv.level(5) {
		t.Error("Expected active-high High to drive the line high")
	}

	// Active-low inverts the initial drive.
	if err := m.AddOutputPin(6, OutputConfig{State: High, Logic: ActiveLow}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if drv.level(6) {
		t.Error("Expected active-low High to drive the line low")
	}
}

func TestSetOutputPin(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddOutputPin(5, OutputConfig{Logic: ActiveLow}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if err := m.SetOutputPin(5, High); err != nil {
		t.Fatalf("SetOutputPin failed: %v", err)
	}
	if drv.level(5) {
		t.Error("Expected active-low High to write a physical low")
	}
	if err := m.SetOutputPin(5, Low); err != nil {
		t.Fatalf("SetOutputPin failed: %v", err)
	}
	if !drv.level(5) {
		t.Error("Expected active-low Low to write a physical high")
	}

	if err := m.SetOutputPin(99, High); !errors.Is(err, ErrPinState) {
		t.Errorf("Expected ErrPinState for an unconfigured pin, got %v", err)
	}
	if err := m.AddInputPin(7, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	if err := m.SetOutputPin(7, High); !errors.Is(err, ErrPinState) {
		t.Errorf("Expected ErrPinState when writing an input, got %v", err)
	}
}

func TestGetPin(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddInputPin(7, InputConfig{Logic: ActiveLow}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}

	// Physical low on an active-low pin reads as logical High.
	drv.levels[7] = false
	state, err := m.GetPin(7)
	if err != nil {
		t.Fatalf("GetPin failed: %v", err)
	}
	if state != High {
		t.Errorf("Expected High, got %s", state)
	}

	drv.levels[7] = true
	state, err = m.GetPin(7)
	if err != nil {
		t.Fatalf("GetPin failed: %v", err)
	}
	if state != Low {
		t.Errorf("Expected Low, got %s", state)
	}

	// Outputs reject reads; the caller already knows the commanded state.
	if err := m.AddOutputPin(8, OutputConfig{}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if _, err := m.GetPin(8); !errors.Is(err, ErrPinState) {
		t.Errorf("Expected ErrPinState reading an output, got %v", err)
	}
}

func TestResetPin(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddOutputPin(5, OutputConfig{State: High}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if err := m.ResetPin(5); err != nil {
		t.Fatalf("ResetPin failed: %v", err)
	}

	// Reset drives the output low and releases the line.
	history := drv.writeHistory(5)
	if len(history) == 0 || history[len(history)-1] != false {
		t.Errorf("Expected the last write to be low, history: %v", history)
	}
	if got := drv.resetHistory(); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected driver reset of pin 5, got %v", got)
	}

	// Double reset fails, reconfiguration succeeds.
	if err := m.ResetPin(5); !errors.Is(err, ErrPinState) {
		t.Errorf("Expected ErrPinState on double reset, got %v", err)
	}
	if err := m.AddInputPin(5, InputConfig{}); err != nil {
		t.Errorf("Expected pin 5 to be reconfigurable after reset: %v", err)
	}
}

func TestResetPinKeepsClaimWhenAsked(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddOutputPin(5, OutputConfig{State: High}); err != nil {
		t.Fatalf("AddOutputPin failed: %v", err)
	}
	if err := m.SetResetOnExit(5, false); err != nil {
		t.Fatalf("SetResetOnExit failed: %v", err)
	}
	if err := m.ResetPin(5); err != nil {
		t.Fatalf("ResetPin failed: %v", err)
	}

	// The output still parks at logical Low; only the line release is
	// skipped.
	history := drv.writeHistory(5)
	if len(history) == 0 || history[len(history)-1] != false {
		t.Errorf("Expected the last write to be low, history: %v", history)
	}
	if got := drv.resetHistory(); len(got) != 0 {
		t.Errorf("Expected no driver reset, got %v", got)
	}
	// The registry slot is free either way.
	if err := m.AddInputPin(5, InputConfig{}); err != nil {
		t.Errorf("Expected pin 5 to be reconfigurable: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	for _, pin := range []int{22, 5, 13} {
		if err := m.AddOutputPin(pin, OutputConfig{State: High}); err != nil {
			t.Fatalf("AddOutputPin(%d) failed: %v", pin, err)
		}
	}
	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	// Pins are released in ascending order and parked low.
	if got := drv.resetHistory(); len(got) != 3 || got[0] != 5 || got[1] != 13 || got[2] != 22 {
		t.Errorf("Expected resets [5 13 22], got %v", got)
	}
	for _, pin := range []int{5, 13, 22} {
		if drv.level(pin) {
			t.Errorf("Expected pin %d parked low", pin)
		}
	}
	if _, err := m.GetPin(22); !errors.Is(err, ErrPinState) {
		t.Errorf("Expected pins to be unconfigured after Cleanup, got %v", err)
	}
}

func TestOpenFailureLeavesPinUnconfigured(t *testing.T) {
	drv := newMockDriver()
	drv.openInputErr = errors.New("line busy")
	m := NewWithDriver(drv)

	err := m.AddInputPin(17, InputConfig{})
	if !errors.Is(err, ErrDriver) {
		t.Fatalf("Expected ErrDriver, got %v", err)
	}

	// The failed claim must not leak a registry entry.
	drv.openInputErr = nil
	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Errorf("Expected pin 17 to be free after a failed open: %v", err)
	}
}
