//go:build linux

package gpioman

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mkch/gpio"
	"go.uber.org/multierr"
)

// chipLine is one line held by the gpiochip driver. Inputs keep an event
// handle from the moment they open; outputs remember their last driven
// level because the character device does not read it back.
type chipLine struct {
	out     *gpio.Line
	in      *gpio.LineWithEvent
	lastOut byte

	stop chan struct{}
	done chan struct{}
}

// gpiochipDriver implements Driver on the Linux GPIO character device. Edge
// timestamps come from the kernel, so debouncing is immune to scheduling
// delay between the edge and its delivery.
type gpiochipDriver struct {
	chip *gpio.Chip

	mu    sync.Mutex
	lines map[int]*chipLine
}

// NewGpiochipDriver opens a GPIO character device, /dev/gpiochip0 when
// device is empty. The kernel interface cannot program pull resistors;
// requested pulls are logged and left to the boot configuration.
func NewGpiochipDriver(device string) (Driver, error) {
	if device == "" {
		device = "/dev/gpiochip0"
	}
	chip, err := gpio.OpenChip(device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return &gpiochipDriver{chip: chip, lines: make(map[int]*chipLine)}, nil
}

func levelByte(high bool) byte {
	if high {
		return 1
	}
	return 0
}

func (d *gpiochipDriver) OpenInput(num int, pull PullMode) error {
	if pull != PullExternal {
		globalLogger.Warn(fmt.Sprintf("pin %d: gpiochip cannot set pull %s, relying on boot configuration", num, pull))
	}
	in, err := d.chip.OpenLineWithEvents(uint32(num), gpio.Input, gpio.BothEdges, "gpioman")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.lines[num] = &chipLine{in: in}
	d.mu.Unlock()
	return nil
}

func (d *gpiochipDriver) OpenOutput(num int, high bool) error {
	out, err := d.chip.OpenLine(uint32(num), levelByte(high), gpio.Output, "gpioman")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.lines[num] = &chipLine{out: out, lastOut: levelByte(high)}
	d.mu.Unlock()
	return nil
}

func (d *gpiochipDriver) line(num int) (*chipLine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[num]
	if !ok {
		return nil, fmt.Errorf("pin %d is not open", num)
	}
	return l, nil
}

func (d *gpiochipDriver) ReadLevel(num int) (bool, error) {
	l, err := d.line(num)
	if err != nil {
		return false, err
	}
	if l.in != nil {
		v, err := l.in.Value()
		if err != nil {
			return false, err
		}
		return v != 0, nil
	}
	return l.lastOut != 0, nil
}

func (d *gpiochipDriver) WriteLevel(num int, high bool) error {
	l, err := d.line(num)
	if err != nil {
		return err
	}
	if l.out == nil {
		return fmt.Errorf("pin %d is not an output", num)
	}
	if err := l.out.SetValue(levelByte(high)); err != nil {
		return err
	}
	l.lastOut = levelByte(high)
	return nil
}

// Watch forwards the kernel event stream. An event queued before the watch
// started is drained first so stale bounces do not replay. The chip keeps
// only the newest undelivered event, so bursts conflate rather than queue.
func (d *gpiochipDriver) Watch(num int) (<-chan LineEvent, error) {
	l, err := d.line(num)
	if err != nil {
		return nil, err
	}
	if l.in == nil {
		return nil, fmt.Errorf("pin %d is not an input", num)
	}
	if l.stop != nil {
		return nil, fmt.Errorf("pin %d is already watched", num)
	}

	for {
		select {
		case <-l.in.Events():
			continue
		default:
		}
		break
	}

	out := make(chan LineEvent, dispatchQueueDepth)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go forwardChipEvents(l.in.Events(), out, l.stop, l.done)
	return out, nil
}

func forwardChipEvents(in <-chan *gpio.Event, out chan LineEvent, stop, done chan struct{}) {
	defer close(done)
	defer close(out)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			select {
			case out <- LineEvent{Rising: ev.RisingEdge, Time: ev.Time}:
			case <-stop:
				return
			}
		}
	}
}

func (d *gpiochipDriver) Unwatch(num int) error {
	l, err := d.line(num)
	if err != nil {
		return err
	}
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil
	return nil
}

// ResetPin closes the line handles; the kernel returns the line to its
// default state.
func (d *gpiochipDriver) ResetPin(num int) error {
	d.mu.Lock()
	l, ok := d.lines[num]
	delete(d.lines, num)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if l.stop != nil {
		close(l.stop)
		<-l.done
	}
	var errs error
	if l.in != nil {
		errs = multierr.Append(errs, l.in.Close())
	}
	if l.out != nil {
		errs = multierr.Append(errs, l.out.Close())
	}
	return errs
}

// Close resets every open line and releases the chip.
func (d *gpiochipDriver) Close() error {
	d.mu.Lock()
	nums := make([]int, 0, len(d.lines))
	for n := range d.lines {
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
	return multierr.Append(errs, d.chip.Close())
}
