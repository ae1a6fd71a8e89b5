package gpioman

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// I2CManager talks to devices on one I2C bus. Open binds the manager to a
// bus number; every transfer before Open or after Close fails with
// ErrBusClosed. Transfers hold the manager lock, so concurrent callers
// serialize per manager and Close waits out an in-flight transfer.
type I2CManager struct {
	mu     sync.Mutex
	bus    i2c.Bus
	closer io.Closer
}

// NewI2C returns a manager with no bus open.
func NewI2C() *I2CManager {
	return &I2CManager{}
}

// NewI2CWithBus returns a manager bound to the given bus. Intended for
// tests and pre-opened buses; Close only closes buses that implement
// io.Closer.
func NewI2CWithBus(bus i2c.Bus) *I2CManager {
	m := &I2CManager{bus: bus}
	if c, ok := bus.(io.Closer); ok {
		m.closer = c
	}
	return m
}

// Open opens the numbered bus (1 on every recent Pi, 0 on the original
// board). Opening while a bus is already open closes the old one first.
// This method is concurrent safe.
func (m *I2CManager) Open(bus int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		if err := m.closeLocked(); err != nil {
			globalLogger.Warn(fmt.Sprintf("close i2c bus: %v", err))
		}
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("%w: initialize host: %w", ErrDriver, err)
	}
	b, err := i2creg.Open(strconv.Itoa(bus))
	if err != nil {
		return fmt.Errorf("%w: open i2c bus %d: %w", ErrDriver, bus, err)
	}
	m.bus = b
	m.closer = b
	globalLogger.Debug(fmt.Sprintf("i2c bus %d open", bus))
	return nil
}

// Close releases the bus. Transfers fail with ErrBusClosed afterwards;
// closing a closed manager is a no-op.
// This method is concurrent safe.
func (m *I2CManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *I2CManager) closeLocked() error {
	if m.bus == nil {
		return nil
	}
	var err error
	if m.closer != nil {
		err = m.closer.Close()
	}
	m.bus = nil
	m.closer = nil
	return err
}

// tx runs one transfer against a device address.
func (m *I2CManager) tx(addr uint16, w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return ErrBusClosed
	}
	d := i2c.Dev{Bus: m.bus, Addr: addr}
	if err := d.Tx(w, r); err != nil {
		return fmt.Errorf("%w: i2c device 0x%02x: %w", ErrDriver, addr, err)
	}
	return nil
}

// WriteByte sends one bare byte to the device.
// This method is concurrent safe.
func (m *I2CManager) WriteByte(addr uint16, b byte) error {
	return m.tx(addr, []byte{b}, nil)
}

// ReadByte reads one bare byte from the device.
// This method is concurrent safe.
func (m *I2CManager) ReadByte(addr uint16) (byte, error) {
	var r [1]byte
	if err := m.tx(addr, nil, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// WriteByteData writes one byte to a device register.
// This method is concurrent safe.
func (m *I2CManager) WriteByteData(addr uint16, reg, b byte) error {
	return m.tx(addr, []byte{reg, b}, nil)
}

// ReadByteData reads one byte from a device register.
// This method is concurrent safe.
func (m *I2CManager) ReadByteData(addr uint16, reg byte) (byte, error) {
	var r [1]byte
	if err := m.tx(addr, []byte{reg}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// Write sends raw bytes to the device.
// This method is concurrent safe.
func (m *I2CManager) Write(addr uint16, data []byte) error {
	return m.tx(addr, data, nil)
}

// Read fills buf from the device.
// This method is concurrent safe.
func (m *I2CManager) Read(addr uint16, buf []byte) error {
	return m.tx(addr, nil, buf)
}

// WriteBlockData writes a block to a device register.
// This method is concurrent safe.
func (m *I2CManager) WriteBlockData(addr uint16, reg byte, data []byte) error {
	w := make([]byte, 0, len(data)+1)
	w = append(w, reg)
	w = append(w, data...)
	return m.tx(addr, w, nil)
}

// ReadBlockData reads len(buf) bytes from a device register.
// This method is concurrent safe.
func (m *I2CManager) ReadBlockData(addr uint16, reg byte, buf []byte) error {
	return m.tx(addr, []byte{reg}, buf)
}

// WriteRead writes then reads in one transaction, the usual access pattern
// for devices with multi-byte registers.
// This method is concurrent safe.
func (m *I2CManager) WriteRead(addr uint16, w, r []byte) error {
	return m.tx(addr, w, r)
}

// WriteReadBlockData writes a register address plus payload, then reads
// len(buf) bytes back in the same transaction.
// This method is concurrent safe.
func (m *I2CManager) WriteReadBlockData(addr uint16, reg byte, w, buf []byte) error {
	out := make([]byte, 0, len(w)+1)
	out = append(out, reg)
	out = append(out, w...)
	return m.tx(addr, out, buf)
}
