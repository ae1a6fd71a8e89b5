package gpioman

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePollInterval bounds how long the watch goroutine stays parked in
// WaitForEdge before rechecking its stop flag.
const edgePollInterval = 100 * time.Millisecond

// periphPin is one line held by the driver. The registry serializes calls
// per pin, so the watch fields need no lock of their own.
type periphPin struct {
	io   gpio.PinIO
	pull gpio.Pull

	stop   chan struct{}
	events chan LineEvent
	done   chan struct{}
}

// periphDriver implements Driver on top of periph.io, the portable default
// backend. Edge events carry the receive timestamp rather than a kernel
// timestamp, close enough for debouncing human-scale inputs.
type periphDriver struct {
	mu   sync.Mutex
	pins map[int]*periphPin
}

// NewPeriphDriver initializes the periph.io host and returns the default
// Driver.
func NewPeriphDriver() (Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}
	return &periphDriver{pins: make(map[int]*periphPin)}, nil
}

func lookupLine(num int) (gpio.PinIO, error) {
	io := gpioreg.ByName(fmt.Sprintf("GPIO%d", num))
	if io == nil {
		return nil, fmt.Errorf("no such pin GPIO%d", num)
	}
	return io, nil
}

func periphPull(p PullMode) gpio.Pull {
	switch p {
	case PullUp:
		return gpio.PullUp
	case PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

func (d *periphDriver) OpenInput(num int, pull PullMode) error {
	io, err := lookupLine(num)
	if err != nil {
		return err
	}
	pPull := periphPull(pull)
	if err := io.In(pPull, gpio.NoEdge); err != nil {
		return err
	}
	d.mu.Lock()
	d.pins[num] = &periphPin{io: io, pull: pPull}
	d.mu.Unlock()
	return nil
}

func (d *periphDriver) OpenOutput(num int, high bool) error {
	io, err := lookupLine(num)
	if err != nil {
		return err
	}
	if err := io.Out(gpio.Level(high)); err != nil {
		return err
	}
	d.mu.Lock()
	d.pins[num] = &periphPin{io: io}
	d.mu.Unlock()
	return nil
}

func (d *periphDriver) pin(num int) (*periphPin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pins[num]
	if !ok {
		return nil, fmt.Errorf("pin %d is not open", num)
	}
	return p, nil
}

func (d *periphDriver) ReadLevel(num int) (bool, error) {
	p, err := d.pin(num)
	if err != nil {
		return false, err
	}
	return p.io.Read() == gpio.High, nil
}

func (d *periphDriver) WriteLevel(num int, high bool) error {
	p, err := d.pin(num)
	if err != nil {
		return err
	}
	return p.io.Out(gpio.Level(high))
}

// Watch re-opens the line with both-edge detection and starts a goroutine
// turning edge wakeups into line events.
func (d *periphDriver) Watch(num int) (<-chan LineEvent, error) {
	p, err := d.pin(num)
	if err != nil {
		return nil, err
	}
	if p.events != nil {
		return nil, fmt.Errorf("pin %d is already watched", num)
	}
	if err := p.io.In(p.pull, gpio.BothEdges); err != nil {
		return nil, err
	}
	p.stop = make(chan struct{})
	p.events = make(chan LineEvent, dispatchQueueDepth)
	p.done = make(chan struct{})
	go watchLine(p.io, p.stop, p.events, p.done)
	return p.events, nil
}

// watchLine forwards edge wakeups until stopped. WaitForEdge gets a short
// timeout so a stop request is noticed on an idle line; the direction comes
// from sampling the level right after the wakeup.
func watchLine(io gpio.PinIO, stop chan struct{}, events chan LineEvent, done chan struct{}) {
	defer close(done)
	defer close(events)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !io.WaitForEdge(edgePollInterval) {
			continue
		}
		ev := LineEvent{Rising: io.Read() == gpio.High, Time: time.Now()}
		select {
		case events <- ev:
		case <-stop:
			return
		}
	}
}

func (d *periphDriver) Unwatch(num int) error {
	p, err := d.pin(num)
	if err != nil {
		return err
	}
	if p.events == nil {
		return nil
	}
	close(p.stop)
	<-p.done
	p.stop, p.events, p.done = nil, nil, nil
	// Drop edge detection, keep the line as a plain input.
	return p.io.In(p.pull, gpio.NoEdge)
}

// ResetPin returns the line to a floating input and forgets it.
func (d *periphDriver) ResetPin(num int) error {
	d.mu.Lock()
	p, ok := d.pins[num]
	delete(d.pins, num)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if p.events != nil {
		close(p.stop)
		<-p.done
	}
	return p.io.In(gpio.Float, gpio.NoEdge)
}

// Close resets every open line.
func (d *periphDriver) Close() error {
	d.mu.Lock()
	nums := make([]int, 0, len(d.pins))
	for n := range d.pins {
		nums = append(nums, n)
	}
	d.mu.Unlock()
	sort.Ints(nums)

	var errs error
	for _, n := range nums {
		if err := d.ResetPin(n); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reset pin %d: %w", n, err))
		}
	}
	return errs
}
