package gpioman

import (
	"errors"
	"testing"
	"time"
)

func TestDebounceFilterDiscardsInsideWindow(t *testing.T) {
	f := debounceFilter{window: 5 * time.Millisecond}
	base := time.Now()

	if !f.accept(base) {
		t.Fatal("Expected the first event to pass")
	}
	if f.accept(base.Add(3 * time.Millisecond)) {
		t.Error("Expected an event inside the window to be discarded")
	}
	// Discarded events do not restart the window: the next event is
	// measured against the accepted one, not the discarded one.
	if !f.accept(base.Add(5 * time.Millisecond)) {
		t.Error("Expected an event one full window after the accepted one to pass")
	}
}

func TestDebounceFilterBounceTrain(t *testing.T) {
	f := debounceFilter{window: 5 * time.Millisecond}
	base := time.Now()

	// A bounce every millisecond for 20ms. If discards restarted the
	// window the pin would go mute; instead one event passes per window.
	var passed int
	for i := 0; i <= 20; i++ {
		if f.accept(base.Add(time.Duration(i) * time.Millisecond)) {
			passed++
		}
	}
	if passed != 5 {
		t.Errorf("Expected 5 events to pass (0, 5, 10, 15, 20ms), got %d", passed)
	}
}

func TestDebounceFilterDisabled(t *testing.T) {
	f := debounceFilter{}
	base := time.Now()
	for i := 0; i < 3; i++ {
		if !f.accept(base.Add(time.Duration(i) * time.Microsecond)) {
			t.Fatal("Expected every event to pass with no window")
		}
	}
}

func TestWatcherFailureMarksPin(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	if _, err := m.AssignCallback(17, func(EdgeEvent) {}, CallbackConfig{}); err != nil {
		t.Fatalf("AssignCallback failed: %v", err)
	}

	// The event stream dying without an Unwatch marks the pin failed.
	drv.failWatch(17)
	waitFor(t, 2*time.Second, func() bool {
		_, err := m.GetPin(17)
		return errors.Is(err, ErrDriver)
	})

	// New registrations surface the failure too.
	if _, err := m.AssignCallback(17, func(EdgeEvent) {}, CallbackConfig{}); !errors.Is(err, ErrDriver) {
		t.Errorf("Expected ErrDriver assigning on a failed pin, got %v", err)
	}

	// Reset clears the failure and the pin works again.
	if err := m.ResetPin(17); err != nil {
		t.Fatalf("ResetPin failed: %v", err)
	}
	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin after reset failed: %v", err)
	}
	if _, err := m.GetPin(17); err != nil {
		t.Errorf("Expected a clean read after reconfiguration, got %v", err)
	}
}

func TestWatcherReleasedWhenIdle(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}
	id, err := m.AssignCallback(17, func(EdgeEvent) {}, CallbackConfig{})
	if err != nil {
		t.Fatalf("AssignCallback failed: %v", err)
	}
	if drv.watchCount() != 1 {
		t.Fatal("Expected the pin to be watched while a callback is assigned")
	}

	if err := m.UnassignCallback(17, id); err != nil {
		t.Fatalf("UnassignCallback failed: %v", err)
	}
	if drv.watchCount() != 0 {
		t.Error("Expected the watch to be released once nothing consumes events")
	}
}

func TestDispatchQueueOverflowDrops(t *testing.T) {
	drv := newMockDriver()
	m := NewWithDriver(drv)

	if err := m.AddInputPin(17, InputConfig{}); err != nil {
		t.Fatalf("AddInputPin failed: %v", err)
	}

	// A blocked handler stalls the dispatcher while the watcher keeps
	// accepting events; the queue overflows and drops instead of
	// stalling the watcher.
	release := make(chan struct{})
	delivered := make(chan EdgeEvent, dispatchQueueDepth*4)
	_, err := m.AssignCallback(17, func(ev EdgeEvent) {
		delivered <- ev
		<-release
	}, CallbackConfig{Debounce: -1})
	if err != nil {
		t.Fatalf("AssignCallback failed: %v", err)
	}

	base := time.Now()
	// At most one event can be in the handler and dispatchQueueDepth in
	// the queue; the rest must be dropped.
	total := dispatchQueueDepth * 2
	for i := 0; i < total; i++ {
		drv.inject(17, i%2 == 0, base.Add(time.Duration(i)*time.Second))
	}
	// Wait for the first delivery so the queue has settled, then unblock
	// the handler and count what drains.
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first callback")
	}
	close(release)

	got := 1 + drain(delivered, 300*time.Millisecond)
	if got < dispatchQueueDepth {
		t.Errorf("Expected at least %d deliveries, got %d", dispatchQueueDepth, got)
	}
	if got >= total {
		t.Errorf("Expected overflow to drop events, but all %d arrived", total)
	}
}
