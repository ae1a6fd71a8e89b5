package gpioman

import (
	"context"
	"fmt"
	"time"
)

// waiter is a parked WaitForEdge call. ch is buffered and the slot-clearing
// protocol in deliver, close and cancelWait guarantees at most one send, so
// nothing ever blocks on it.
type waiter struct {
	edge   TriggerEdge
	filter debounceFilter
	ch     chan waitResult
}

type waitResult struct {
	ev  EdgeEvent
	err error
}

// WaitConfig configures WaitForEdge. The zero value waits for either edge,
// without a deadline, with the default debounce window.
type WaitConfig struct {
	// Edge selects which logical edge satisfies the wait. Defaults to
	// EdgeBoth.
	Edge TriggerEdge
	// Timeout bounds the wait; expiry returns ErrTimeout. Zero or negative
	// means no deadline.
	Timeout time.Duration
	// Debounce is the quiet window of this wait's private filter,
	// independent of the pin's callback filter. Zero selects
	// DefaultDebounce, a negative value disables debouncing.
	Debounce time.Duration
}

// WaitForEdge blocks until a debounced edge of the requested direction
// arrives on an input pin, the timeout or ctx expires, or the pin is reset.
// Only one wait may be pending per pin; a concurrent second call fails with
// ErrWaitInProgress.
// This method is concurrent safe.
func (m *GPIOManager) WaitForEdge(ctx context.Context, num int, cfg WaitConfig) (EdgeEvent, error) {
	p, err := m.reg.lookup(num)
	if err != nil {
		return EdgeEvent{}, err
	}

	p.mu.Lock()
	if p.dir != dirInput {
		p.mu.Unlock()
		return EdgeEvent{}, fmt.Errorf("%w: pin %d is not an input", ErrPinState, num)
	}
	if err := p.failed(); err != nil {
		p.mu.Unlock()
		return EdgeEvent{}, fmt.Errorf("%w: pin %d watcher failed: %w", ErrDriver, num, err)
	}
	if err := m.reg.ensureSubscription(p); err != nil {
		p.mu.Unlock()
		return EdgeEvent{}, err
	}
	s := p.sub
	w := &waiter{
		edge:   cfg.Edge,
		filter: debounceFilter{window: debounceWindow(cfg.Debounce)},
		ch:     make(chan waitResult, 1),
	}
	s.mu.Lock()
	if s.waiter != nil {
		s.mu.Unlock()
		p.mu.Unlock()
		return EdgeEvent{}, fmt.Errorf("%w: pin %d", ErrWaitInProgress, num)
	}
	s.waiter = w
	s.mu.Unlock()
	p.mu.Unlock()

	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		t := m.reg.clk.Timer(cfg.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-w.ch:
		m.finishWait(p, s)
		return res.ev, res.err
	case <-timeout:
		if m.cancelWait(p, s, w) {
			return EdgeEvent{}, fmt.Errorf("%w: pin %d", ErrTimeout, num)
		}
		res := <-w.ch
		return res.ev, res.err
	case <-ctx.Done():
		if m.cancelWait(p, s, w) {
			return EdgeEvent{}, ctx.Err()
		}
		res := <-w.ch
		return res.ev, res.err
	}
}

// finishWait releases the watcher if this wait was its last consumer.
func (m *GPIOManager) finishWait(p *pin, s *subscription) {
	p.mu.Lock()
	if p.sub == s {
		m.reg.maybeReleaseSubscription(p)
	}
	p.mu.Unlock()
}

// cancelWait withdraws the waiter. It reports false when an edge or a pin
// reset won the race, in which case the result is already buffered in w.ch.
func (m *GPIOManager) cancelWait(p *pin, s *subscription, w *waiter) bool {
	s.mu.Lock()
	cleared := s.waiter == w
	if cleared {
		s.waiter = nil
	}
	s.mu.Unlock()

	p.mu.Lock()
	if p.sub == s {
		m.reg.maybeReleaseSubscription(p)
	}
	p.mu.Unlock()
	return cleared
}
