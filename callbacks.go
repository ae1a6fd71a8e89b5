package gpioman

import (
	"fmt"
	"time"
)

// DefaultDebounce is the quiet window applied when a CallbackConfig or
// WaitConfig leaves Debounce at zero.
const DefaultDebounce = 2 * time.Millisecond

// callbackEntry is one registered handler.
type callbackEntry struct {
	id      int
	handler EdgeHandler
	edge    TriggerEdge
}

// CallbackConfig configures AssignCallback. The zero value triggers on both
// edges with the default debounce window.
type CallbackConfig struct {
	// Edge selects which logical edges invoke the handler. Defaults to
	// EdgeBoth.
	Edge TriggerEdge
	// Debounce is the quiet window of the pin's shared callback filter.
	// Zero selects DefaultDebounce, a negative value disables debouncing.
	// Only the first registration on a pin sets the window; later
	// registrations inherit it.
	Debounce time.Duration
}

// debounceWindow maps the config encoding to a filter window.
func debounceWindow(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultDebounce
	}
	if d < 0 {
		return 0
	}
	return d
}

// AssignCallback registers a handler for edges on an input pin and returns
// an identifier for UnassignCallback. Handlers on one pin run on a single
// dispatcher goroutine in registration order, so a handler that blocks
// delays the ones after it; a handler that panics is logged and contained.
// This method is concurrent safe.
func (m *GPIOManager) AssignCallback(num int, handler EdgeHandler, cfg CallbackConfig) (int, error) {
	if handler == nil {
		return 0, fmt.Errorf("%w: nil callback handler", ErrConfiguration)
	}
	p, err := m.reg.lookup(num)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir != dirInput {
		return 0, fmt.Errorf("%w: pin %d is not an input", ErrPinState, num)
	}
	if err := p.failed(); err != nil {
		return 0, fmt.Errorf("%w: pin %d watcher failed: %w", ErrDriver, num, err)
	}
	if err := m.reg.ensureSubscription(p); err != nil {
		return 0, err
	}

	s := p.sub
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callbacks) == 0 {
		s.filter = debounceFilter{window: debounceWindow(cfg.Debounce)}
	}
	s.nextID++
	id := s.nextID
	s.callbacks = append(s.callbacks, &callbackEntry{id: id, handler: handler, edge: cfg.Edge})
	globalLogger.Debug(fmt.Sprintf("pin %d: callback %d assigned (edge=%s)", num, id, cfg.Edge))
	return id, nil
}

// UnassignCallback removes one handler by its identifier. The watcher stays
// armed while other handlers or a pending wait remain.
// This method is concurrent safe.
func (m *GPIOManager) UnassignCallback(num, id int) error {
	p, err := m.reg.lookup(num)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sub
	if s == nil {
		return fmt.Errorf("%w: pin %d has no callback %d", ErrConfiguration, num, id)
	}
	s.mu.Lock()
	found := false
	for i, e := range s.callbacks {
		if e.id == id {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			found = true
			break
		}
	}
	if found && len(s.callbacks) == 0 {
		// The next first registration picks a fresh window.
		s.filter = debounceFilter{}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: pin %d has no callback %d", ErrConfiguration, num, id)
	}
	m.reg.maybeReleaseSubscription(p)
	return nil
}

// UnassignCallbacks removes every handler on the pin. A pin without
// callbacks is not an error.
// This method is concurrent safe.
func (m *GPIOManager) UnassignCallbacks(num int) error {
	p, err := m.reg.lookup(num)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sub
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.callbacks = nil
	s.filter = debounceFilter{}
	s.mu.Unlock()
	m.reg.maybeReleaseSubscription(p)
	return nil
}

// runDispatcher drains the event queue, invoking callbacks in registration
// order one event at a time. It exits when close drains the queue.
func (s *subscription) runDispatcher() {
	defer close(s.dispatcherDone)
	for ev := range s.dispatch {
		s.mu.Lock()
		entries := make([]*callbackEntry, len(s.callbacks))
		copy(entries, s.callbacks)
		s.dispatching = len(entries) > 0
		s.mu.Unlock()
		for _, e := range entries {
			if e.edge != EdgeBoth && e.edge != ev.Edge {
				continue
			}
			s.invoke(e, ev)
		}
		s.mu.Lock()
		s.dispatching = false
		s.mu.Unlock()
	}
}

// invoke runs one handler, containing panics so a bad handler cannot kill
// the dispatcher.
func (s *subscription) invoke(e *callbackEntry, ev EdgeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			globalLogger.Error(fmt.Sprintf("pin %d: callback %d panicked: %v", s.pin, e.id, rec))
		}
	}()
	e.handler(ev)
}
