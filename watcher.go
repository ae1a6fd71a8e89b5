package gpioman

import (
	"fmt"
	"sync"
	"time"
)

// dispatchQueueDepth bounds the callback queue. A full queue drops events
// rather than stalling the watcher.
const dispatchQueueDepth = 16

// debounceFilter suppresses contact bounce. The first event is accepted and
// opens a quiet window; events inside the window are discarded and do not
// restart it, so a long bounce train cannot mute the pin forever. It compares
// driver event timestamps only and never reads a clock.
type debounceFilter struct {
	window time.Duration
	last   time.Time
}

// accept reports whether the event at t passes the filter and, if so,
// advances the quiet window.
func (f *debounceFilter) accept(t time.Time) bool {
	if f.window > 0 && !f.last.IsZero() && t.Sub(f.last) < f.window {
		return false
	}
	f.last = t
	return true
}

// subscription owns the event plumbing for one watched input: the watcher
// goroutine draining the driver channel, the dispatcher goroutine running
// callbacks, the callback list and the waiter slot. The watcher and
// dispatcher only ever take s.mu, never the owning pin's lock.
type subscription struct {
	mu        sync.Mutex
	pin       int
	logic     LogicLevel
	filter    debounceFilter // callback debounce, fixed at first assignment
	callbacks []*callbackEntry
	nextID    int
	waiter    *waiter

	dispatch    chan EdgeEvent
	stopped     bool
	dispatching bool // a handler is running on the dispatcher right now

	watcherDone    chan struct{}
	dispatcherDone chan struct{}
}

// ensureSubscription starts watching the pin if nothing does yet. Must be
// called with p.mu held.
func (r *registry) ensureSubscription(p *pin) error {
	if p.sub != nil {
		return nil
	}
	events, err := r.driver.Watch(p.num)
	if err != nil {
		return fmt.Errorf("%w: watch pin %d: %w", ErrDriver, p.num, err)
	}
	s := &subscription{
		pin:            p.num,
		logic:          p.logic,
		dispatch:       make(chan EdgeEvent, dispatchQueueDepth),
		watcherDone:    make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	p.sub = s
	go r.runWatcher(p, s, events)
	go s.runDispatcher()
	return nil
}

// maybeReleaseSubscription stops watching once nothing consumes events.
// Must be called with p.mu held.
func (r *registry) maybeReleaseSubscription(p *pin) {
	s := p.sub
	if s == nil {
		return
	}
	s.mu.Lock()
	idle := len(s.callbacks) == 0 && s.waiter == nil
	s.mu.Unlock()
	if idle {
		s.close(r.driver)
		p.sub = nil
	}
}

// runWatcher drains the driver event channel until Unwatch closes it. A
// channel that closes while the subscription is live means the line died
// underneath us; the pin is marked failed so reads and new registrations
// surface the error.
func (r *registry) runWatcher(p *pin, s *subscription, events <-chan LineEvent) {
	defer close(s.watcherDone)
	for ev := range events {
		s.deliver(ev)
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		err := fmt.Errorf("%w: event stream for pin %d closed", ErrDriver, s.pin)
		p.fail(err)
		globalLogger.Error(err.Error())
	}
}

// deliver routes one physical event. The callback path and the waiter hold
// independent debounce filters; each advances on every event it accepts, in
// either direction, and edge matching happens after debouncing.
func (s *subscription) deliver(raw LineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := EdgeEvent{Pin: s.pin, Edge: logicalEdge(raw.Rising, s.logic), Time: raw.Time}

	if len(s.callbacks) > 0 && s.filter.accept(raw.Time) {
		select {
		case s.dispatch <- ev:
		default:
			globalLogger.Warn(fmt.Sprintf("pin %d: dispatch queue full, dropping %s event", s.pin, ev.Edge))
		}
	}

	if w := s.waiter; w != nil && w.filter.accept(raw.Time) {
		if w.edge == EdgeBoth || w.edge == ev.Edge {
			s.waiter = nil
			w.ch <- waitResult{ev: ev}
		}
	}
}

// close tears down the watcher and dispatcher and waits for them to exit. A
// pending waiter fails with ErrPinReset. Safe to call with the owning pin's
// mu held; neither goroutine takes it. The dispatcher is joined only when it
// is between handlers: the caller may BE a handler unassigning or resetting
// its own pin, and a mid-handler dispatcher drains the closed queue and
// exits on its own. Clearing the callback list first guarantees no handler
// starts after close begins.
func (s *subscription) close(d Driver) {
	s.mu.Lock()
	s.stopped = true
	w := s.waiter
	s.waiter = nil
	s.callbacks = nil
	midHandler := s.dispatching
	s.mu.Unlock()

	if w != nil {
		w.ch <- waitResult{err: fmt.Errorf("%w: pin %d", ErrPinReset, s.pin)}
	}

	if err := d.Unwatch(s.pin); err != nil {
		globalLogger.Warn(fmt.Sprintf("unwatch pin %d: %v", s.pin, err))
	}
	<-s.watcherDone
	close(s.dispatch)
	if midHandler {
		return
	}
	<-s.dispatcherDone
}
