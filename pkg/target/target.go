// Package target declares the interfaces the unwinder consumes from the
// process layer (memory) and the symbol layer (function ranges).
package target

import (
	"encoding/binary"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is a MemoryReader that can also modify memory. The
// unwinder never writes; higher ABI layers do.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// UnreadableError is returned when a memory probe cannot be satisfied in
// full.
type UnreadableError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *UnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
	}
	return fmt.Sprintf("could not read %d bytes at %#x", e.Len, e.Addr)
}

func (e *UnreadableError) Unwrap() error {
	return e.Err
}

// ReadFull reads exactly len(buf) bytes at addr. Short reads are reported
// as *UnreadableError.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	if mem == nil {
		return &UnreadableError{Addr: addr, Len: len(buf)}
	}
	n, err := mem.ReadMemory(buf, addr)
	if err != nil || n != len(buf) {
		return &UnreadableError{Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// ReadUint reads an unsigned integer of size bytes (1, 2, 4 or 8) at addr.
func ReadUint(mem MemoryReader, order binary.ByteOrder, addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size <= 0 || size > len(buf) {
		return 0, fmt.Errorf("unsupported integer size %d", size)
	}
	if err := ReadFull(mem, buf[:size], addr); err != nil {
		return 0, err
	}
	return DecodeUint(order, buf[:size]), nil
}

// DecodeUint decodes an unsigned integer from buf, which must be 1, 2, 4 or
// 8 bytes long. Wider buffers are truncated to their least significant 8
// bytes.
func DecodeUint(order binary.ByteOrder, buf []byte) uint64 {
	switch len(buf) {
	case 0:
		return 0
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(order.Uint16(buf))
	case 4:
		return uint64(order.Uint32(buf))
	case 8:
		return order.Uint64(buf)
	}
	var v uint64
	if order == binary.BigEndian {
		if len(buf) > 8 {
			buf = buf[len(buf)-8:]
		}
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return v
	}
	if len(buf) > 8 {
		buf = buf[:8]
	}
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// EncodeUint writes v into buf using the given byte order, truncating or
// zero extending it to len(buf) bytes.
func EncodeUint(order binary.ByteOrder, buf []byte, v uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(v)
	case 2:
		order.PutUint16(buf, uint16(v))
	case 4:
		order.PutUint32(buf, uint32(v))
	case 8:
		order.PutUint64(buf, v)
	default:
		for i := range buf {
			buf[i] = 0
		}
		if order == binary.BigEndian {
			for i := len(buf) - 1; i >= 0 && v != 0; i-- {
				buf[i] = byte(v)
				v >>= 8
			}
			return
		}
		for i := 0; i < len(buf) && v != 0; i++ {
			buf[i] = byte(v)
			v >>= 8
		}
	}
}

// Function is the address range of a function, as reported by the symbol
// layer.
type Function struct {
	Name  string
	Entry uint64
	End   uint64
	// Stub is set for linker generated call stubs.
	Stub bool
}

// Contains returns true if pc is inside fn.
func (fn *Function) Contains(pc uint64) bool {
	return pc >= fn.Entry && pc < fn.End
}

// SymbolLookup maps addresses to the function containing them.
type SymbolLookup interface {
	FunctionContaining(pc uint64) (*Function, bool)
}
