package gpioman

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"periph.io/x/conn/v3/physic"
)

// --- Mocks ---

// busTx is one recorded transaction: the device address, the written bytes
// and how many bytes the caller asked to read back.
type busTx struct {
	addr uint16
	w    []byte
	rlen int
}

type mockBus struct {
	txs     []busTx
	rxQueue [][]byte // Queue of responses to return for subsequent reads
	txErr   error
	closed  bool
}

func (m *mockBus) Tx(addr uint16, w, r []byte) error {
	if m.txErr != nil {
		return m.txErr
	}
	m.txs = append(m.txs, busTx{addr: addr, w: append([]byte(nil), w...), rlen: len(r)})

	if len(r) > 0 && len(m.rxQueue) > 0 {
		// Pop the next response
		nextRx := m.rxQueue[0]
		m.rxQueue = m.rxQueue[1:]

		n := len(r)
		if len(nextRx) < n {
			n = len(nextRx)
		}
		copy(r, nextRx[:n])
	}
	return nil
}

func (m *mockBus) queueRx(data []byte) {
	m.rxQueue = append(m.rxQueue, data)
}

func (m *mockBus) String() string { return "mockI2C" }

func (m *mockBus) SetSpeed(f physic.Frequency) error { return nil }
func (m *mockBus) Close() error {
	m.closed = true
	return nil
}

// --- Tests ---

func TestI2CWriteOps(t *testing.T) {
	bus := &mockBus{}
	m := NewI2CWithBus(bus)

	if err := m.WriteByte(0x48, 0xAA); err != nil {
		t.Fatalf("WriteByte failed: %v", err)
	}
	if err := m.WriteByteData(0x48, 0x01, 0x80); err != nil {
		t.Fatalf("WriteByteData failed: %v", err)
	}
	if err := m.Write(0x48, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.WriteBlockData(0x48, 0x10, []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("WriteBlockData failed: %v", err)
	}

	want := [][]byte{
		{0xAA},
		{0x01, 0x80},       // register, value
		{0x01, 0x02, 0x03}, // raw payload
		{0x10, 0xDE, 0xAD}, // register prefixed to the block
	}
	if len(bus.txs) != len(want) {
		t.Fatalf("Expected %d transactions, got %d", len(want), len(bus.txs))
	}
	for i, tx := range bus.txs {
		if tx.addr != 0x48 {
			t.Errorf("Tx %d: expected address 0x48, got 0x%02x", i, tx.addr)
		}
		if !bytes.Equal(tx.w, want[i]) {
			t.Errorf("Tx %d: expected write %X, got %X", i, want[i], tx.w)
		}
		if tx.rlen != 0 {
			t.Errorf("Tx %d: expected a pure write, read length %d", i, tx.rlen)
		}
	}
}

func TestI2CReadOps(t *testing.T) {
	bus := &mockBus{}
	m := NewI2CWithBus(bus)

	bus.queueRx([]byte{0x2A})
	b, err := m.ReadByte(0x76)
	if err != nil {
		t.Fatalf("ReadByte failed: %v", err)
	}
	if b != 0x2A {
		t.Errorf("Expected 0x2A, got 0x%02x", b)
	}
	if tx := bus.txs[0]; len(tx.w) != 0 || tx.rlen != 1 {
		t.Errorf("Expected a bare 1-byte read, got write %X read %d", tx.w, tx.rlen)
	}

	// A register read writes the register address in the same transaction.
	bus.queueRx([]byte{0x60})
	b, err = m.ReadByteData(0x76, 0xD0)
	if err != nil {
		t.Fatalf("ReadByteData failed: %v", err)
	}
	if b != 0x60 {
		t.Errorf("Expected 0x60, got 0x%02x", b)
	}
	if tx := bus.txs[1]; !bytes.Equal(tx.w, []byte{0xD0}) || tx.rlen != 1 {
		t.Errorf("Expected register 0xD0 then 1 byte back, got write %X read %d", tx.w, tx.rlen)
	}

	bus.queueRx([]byte{0x01, 0x02, 0x03, 0x04})
	buf := make([]byte, 4)
	if err := m.Read(0x76, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("Expected 01020304, got %X", buf)
	}

	bus.queueRx([]byte{0x11, 0x22, 0x33})
	blk := make([]byte, 3)
	if err := m.ReadBlockData(0x76, 0xF7, blk); err != nil {
		t.Fatalf("ReadBlockData failed: %v", err)
	}
	if tx := bus.txs[3]; !bytes.Equal(tx.w, []byte{0xF7}) || tx.rlen != 3 {
		t.Errorf("Expected register 0xF7 then 3 bytes back, got write %X read %d", tx.w, tx.rlen)
	}
	if !bytes.Equal(blk, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("Expected 112233, got %X", blk)
	}
}

func TestI2CWriteRead(t *testing.T) {
	bus := &mockBus{}
	m := NewI2CWithBus(bus)

	bus.queueRx([]byte{0xBE, 0xEF})
	r := make([]byte, 2)
	if err := m.WriteRead(0x40, []byte{0xFA, 0x00}, r); err != nil {
		t.Fatalf("WriteRead failed: %v", err)
	}
	if tx := bus.txs[0]; !bytes.Equal(tx.w, []byte{0xFA, 0x00}) || tx.rlen != 2 {
		t.Errorf("Expected write FA00 read 2, got write %X read %d", tx.w, tx.rlen)
	}
	if !bytes.Equal(r, []byte{0xBE, 0xEF}) {
		t.Errorf("Expected BEEF, got %X", r)
	}

	bus.queueRx([]byte{0x55})
	out := make([]byte, 1)
	if err := m.WriteReadBlockData(0x40, 0x0F, []byte{0x01}, out); err != nil {
		t.Fatalf("WriteReadBlockData failed: %v", err)
	}
	if tx := bus.txs[1]; !bytes.Equal(tx.w, []byte{0x0F, 0x01}) {
		t.Errorf("Expected the register prefixed to the payload, got %X", tx.w)
	}
	if out[0] != 0x55 {
		t.Errorf("Expected 0x55, got 0x%02x", out[0])
	}
}

func TestI2CBusClosed(t *testing.T) {
	m := NewI2C()
	if err := m.WriteByte(0x48, 0x01); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed before Open, got %v", err)
	}
	if _, err := m.ReadByte(0x48); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed before Open, got %v", err)
	}

	bus := &mockBus{}
	m = NewI2CWithBus(bus)
	if err := m.WriteByte(0x48, 0x01); err != nil {
		t.Fatalf("WriteByte failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !bus.closed {
		t.Error("Expected Close to reach the bus")
	}
	if err := m.WriteByte(0x48, 0x01); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed after Close, got %v", err)
	}
	// Closing twice is a no-op.
	if err := m.Close(); err != nil {
		t.Errorf("Expected a second Close to succeed, got %v", err)
	}
}

func TestI2CDeviceErrorWrapped(t *testing.T) {
	bus := &mockBus{txErr: errors.New("remote I/O error")}
	m := NewI2CWithBus(bus)

	err := m.WriteByte(0x48, 0x01)
	if !errors.Is(err, ErrDriver) {
		t.Fatalf("Expected ErrDriver, got %v", err)
	}
	// The device address names the culprit on a shared bus.
	if !strings.Contains(err.Error(), "0x48") {
		t.Errorf("Expected the address in the error, got %q", err.Error())
	}
}
