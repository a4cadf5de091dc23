package proc

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

// MaxStringLen bounds ReadString and ReadStringUTF16.
const MaxStringLen = 1 << 20

const (
	stringChunk = 64
	pageSize    = 4096
)

// ReadMemory copies len(dst) bytes at addr out of the process. A short
// read is an error; dst may have been partially filled.
func (p *Process) ReadMemory(dst []byte, addr uint64) (int, error) {
	if err := p.live("read memory"); err != nil {
		return 0, err
	}
	n, err := p.target.ReadMemory(dst, addr)
	if err == nil && n < len(dst) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return n, externalError(fmt.Sprintf("read memory at %#x", addr), err)
	}
	return n, nil
}

// WriteMemory copies src into the process at addr. Partial writes are not
// undone.
func (p *Process) WriteMemory(addr uint64, src []byte) error {
	if err := p.live("write memory"); err != nil {
		return err
	}
	n, err := p.target.WriteMemory(addr, src)
	if err == nil && n < len(src) {
		err = io.ErrShortWrite
	}
	return externalError(fmt.Sprintf("write memory at %#x", addr), err)
}

// ReadAt implements io.ReaderAt over the process address space.
func (p *Process) ReadAt(b []byte, off int64) (int, error) {
	return p.ReadMemory(b, uint64(off))
}

func (p *Process) ReadUint8(addr uint64) (uint8, error) {
	buf := make([]byte, 1)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("ReadUint8 failed: %w", err)
	}
	return buf[0], nil
}

func (p *Process) ReadUint16(addr uint64) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("ReadUint16 failed: %w", err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (p *Process) ReadUint32(addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("ReadUint32 failed: %w", err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (p *Process) ReadUint64(addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, fmt.Errorf("ReadUint64 failed: %w", err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// readChunks reads unit sized elements starting at addr until a zero unit,
// never crossing into the next page before the current one is consumed.
func (p *Process) readChunks(addr uint64, unit int, emit func([]byte) bool) error {
	buf := make([]byte, stringChunk)
	for total := 0; total < MaxStringLen; {
		n := stringChunk
		if room := pageSize - int(addr%pageSize); room < n {
			n = room
		}
		n -= n % unit
		if n == 0 {
			n = unit
		}
		// the terminator may sit right before an unreadable byte
		got, err := p.ReadMemory(buf[:n], addr)
		for i := 0; i+unit <= got; i += unit {
			if !emit(buf[i : i+unit]) {
				return nil
			}
		}
		if err != nil {
			return err
		}
		addr += uint64(n)
		total += n
	}
	return errorf(KindInvalidArgument, "read string", "no terminator within %d bytes", MaxStringLen)
}

// ReadString reads a NUL terminated byte string.
func (p *Process) ReadString(addr uint64) (string, error) {
	var out []byte
	err := p.readChunks(addr, 1, func(b []byte) bool {
		if b[0] == 0 {
			return false
		}
		out = append(out, b[0])
		return true
	})
	if err != nil {
		return "", fmt.Errorf("failed to read string: %w", err)
	}
	return string(out), nil
}

// ReadStringUTF16 reads a NUL terminated little endian UTF-16 string.
func (p *Process) ReadStringUTF16(addr uint64) (string, error) {
	var out []uint16
	err := p.readChunks(addr, 2, func(b []byte) bool {
		u := binary.LittleEndian.Uint16(b)
		if u == 0 {
			return false
		}
		out = append(out, u)
		return true
	})
	if err != nil {
		return "", fmt.Errorf("failed to read utf16 string: %w", err)
	}
	return string(utf16.Decode(out)), nil
}

// Malloc allocates size bytes of readable, writable and executable memory
// inside the process.
func (p *Process) Malloc(size uint64) (uint64, error) {
	if err := p.attached("malloc"); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, errorf(KindInvalidArgument, "malloc", "zero size")
	}
	a, ok := p.target.(Allocator)
	if !ok {
		return 0, errorf(KindUnsupported, "malloc", "platform cannot allocate remote memory")
	}
	addr, err := a.Allocate(size)
	if err != nil {
		return 0, externalError("malloc", err)
	}
	p.allocs[addr] = size
	return addr, nil
}

// Free releases memory returned by Malloc.
func (p *Process) Free(addr uint64) error {
	size, ok := p.allocs[addr]
	if !ok {
		return errorf(KindNotFound, "free", "no allocation at %#x", addr)
	}
	a, ok := p.target.(Allocator)
	if !ok {
		return errorf(KindUnsupported, "free", "platform cannot allocate remote memory")
	}
	if err := a.Free(addr, size); err != nil {
		return externalError("free", err)
	}
	delete(p.allocs, addr)
	return nil
}
