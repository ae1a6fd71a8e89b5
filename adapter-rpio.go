//go:build linux

package gpioman

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"go.uber.org/multierr"
)

// rpioPollInterval is how often a watched pin's edge detect register is
// sampled.
const rpioPollInterval = 5 * time.Millisecond

type rpioPin struct {
	pin  rpio.Pin
	stop chan struct{}
	done chan struct{}
}

// rpioDriver implements Driver on memory-mapped BCM283x registers through
// go-rpio. Reads and writes skip the kernel entirely; edge detection is
// polled from the event status register, so edges shorter than the poll
// interval can be missed and timestamps are taken at poll time.
type rpioDriver struct {
	mu   sync.Mutex
	pins map[int]*rpioPin
}

// NewRpioDriver maps the GPIO registers. It needs /dev/gpiomem access or
// root.
func NewRpioDriver() (Driver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("map gpio registers: %w", err)
	}
	return &rpioDriver{pins: make(map[int]*rpioPin)}, nil
}

func (d *rpioDriver) OpenInput(num int, pull PullMode) error {
	p := rpio.Pin(num)
	p.Input()
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	default:
		p.PullOff()
	}
	d.mu.Lock()
	d.pins[num] = &rpioPin{pin: p}
	d.mu.Unlock()
	return nil
}

func (d *rpioDriver) OpenOutput(num int, high bool) error {
	p := rpio.Pin(num)
	p.Output()
	if high {
		p.High()
	} else {
		p.Low()
	}
	d.mu.Lock()
	d.pins[num] = &rpioPin{pin: p}
	d.mu.Unlock()
	return nil
}

func (d *rpioDriver) pin(num int) (*rpioPin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pins[num]
	if !ok {
		return nil, fmt.Errorf("pin %d is not open", num)
	}
	return p, nil
}

func (d *rpioDriver) ReadLevel(num int) (bool, error) {
	p, err := d.pin(num)
	if err != nil {
		return false, err
	}
	return p.pin.Read() == rpio.High, nil
}

func (d *rpioDriver) WriteLevel(num int, high bool) error {
	p, err := d.pin(num)
	if err != nil {
		return err
	}
	if high {
		p.pin.High()
	} else {
		p.pin.Low()
	}
	return nil
}

// Watch arms the hardware edge detect for both directions and polls it.
func (d *rpioDriver) Watch(num int) (<-chan LineEvent, error) {
	p, err := d.pin(num)
	if err != nil {
		return nil, err
	}
	if p.stop != nil {
		return nil, fmt.Errorf("pin %d is already watched", num)
	}
	p.pin.Detect(rpio.AnyEdge)
	p.pin.EdgeDetected() // clear anything pending from before the watch

	out := make(chan LineEvent, dispatchQueueDepth)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go pollEdges(p.pin, out, p.stop, p.done)
	return out, nil
}

func pollEdges(pin rpio.Pin, out chan LineEvent, stop, done chan struct{}) {
	defer close(done)
	defer close(out)
	ticker := time.NewTicker(rpioPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !pin.EdgeDetected() {
				continue
			}
			ev := LineEvent{Rising: pin.Read() == rpio.High, Time: time.Now()}
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
	}
}

func (d *rpioDriver) Unwatch(num int) error {
	p, err := d.pin(num)
	if err != nil {
		return err
	}
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
	p.pin.Detect(rpio.NoEdge)
	return nil
}

// ResetPin disarms detection and returns the pin to a floating input.
func (d *rpioDriver) ResetPin(num int) error {
	d.mu.Lock()
	p, ok := d.pins[num]
	delete(d.pins, num)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if p.stop != nil {
		close(p.stop)
		<-p.done
		p.pin.Detect(rpio.NoEdge)
	}
	p.pin.Input()
	p.pin.PullOff()
	return nil
}

// Close resets every open pin and unmaps the registers.
func (d *rpioDriver) Close() error {
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
	return multierr.Append(errs, rpio.Close())
}
