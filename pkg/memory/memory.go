// Package memory provides the byte-level view of a target process that
// the unwinder reads saved registers from. Implementations are
// expected to fail cleanly on out of range addresses, the unwinder
// never assumes a read will succeed.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type Memory interface {
	// ReadMemory fills buf with the bytes at addr.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrOutOfRange is returned (wrapped) when a read falls outside the
// address range an implementation covers.
var ErrOutOfRange = errors.New("memory read out of range")

// ReadUintRaw reads an unsigned integer of the given byte size at addr.
func ReadUintRaw(mem Memory, addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	var buf [8]byte
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("invalid integer size %d", size)
	}
	if _, err := mem.ReadMemory(buf[:size], addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf[:2])), nil
	case 4:
		return uint64(order.Uint32(buf[:4])), nil
	case 8:
		return order.Uint64(buf[:8]), nil
	}
	// Odd sizes only show up in hand-written debug info.
	var v uint64
	if order == binary.ByteOrder(binary.BigEndian) {
		for i := 0; i < size; i++ {
			v = (v << 8) | uint64(buf[i])
		}
	} else {
		for i := size - 1; i >= 0; i-- {
			v = (v << 8) | uint64(buf[i])
		}
	}
	return v, nil
}

// Buffer is a Memory over an in-process byte slice mapped at a fixed
// base address.
type Buffer struct {
	base uint64
	data []byte
}

// NewBuffer returns a Buffer exposing data at addresses
// [base, base+len(data)).
func NewBuffer(base uint64, data []byte) *Buffer {
	return &Buffer{base: base, data: data}
}

// ReadMemory implements Memory.
func (b *Buffer) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < b.base || addr-b.base >= uint64(len(b.data)) {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	off := addr - b.base
	if uint64(len(b.data))-off < uint64(len(buf)) {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	copy(buf, b.data[off:])
	return len(buf), nil
}
