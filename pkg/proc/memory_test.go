package proc_test

import (
	"errors"
	"syscall"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/tracer/pkg/interval"
	"github.com/monsterxx03/tracer/pkg/proc"
)

func utf16le(s string) []byte {
	var out []byte
	for _, u := range utf16.Encode([]rune(s)) {
		out = append(out, byte(u), byte(u>>8))
	}
	return append(out, 0, 0)
}

func TestReadMemory(t *testing.T) {
	f := newFixture(t)
	f.tgt.Map(0x10000, []byte("hello\x00world\x00"))
	f.tgt.Map(0x20000, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	p := f.attach(t, proc.Handlers{}, 0)

	buf := make([]byte, 5)
	n, err := p.ReadMemory(buf, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	s, err := p.ReadString(0x10000)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	s, err = p.ReadString(0x10006)
	require.NoError(t, err)
	assert.Equal(t, "world", s)

	u8, err := p.ReadUint8(0x20000)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), u8)
	u16, err := p.ReadUint16(0x20000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), u16)
	u32, err := p.ReadUint32(0x20000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), u32)
	u64, err := p.ReadUint64(0x20000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), u64)
}

func TestReadMemoryFaults(t *testing.T) {
	f := newFixture(t)
	f.tgt.Map(0x10000, []byte("abc"))
	p := f.attach(t, proc.Handlers{}, 0)

	_, err := p.ReadMemory(make([]byte, 4), 0x90000)
	assert.ErrorIs(t, err, proc.ErrExternal)
	var perr *proc.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, syscall.EFAULT, perr.Errno)

	// runs off the end of the mapping
	n, err := p.ReadMemory(make([]byte, 8), 0x10000)
	assert.ErrorIs(t, err, proc.ErrExternal)
	assert.Equal(t, 3, n)

	_, err = p.ReadString(0x10000)
	assert.ErrorIs(t, err, proc.ErrExternal)
	_, err = p.ReadUint64(0x90000)
	assert.ErrorContains(t, err, "ReadUint64 failed")
}

func TestReadStringAcrossPages(t *testing.T) {
	f := newFixture(t)
	// a string that starts just before a page boundary, with the next
	// page mapped separately
	f.tgt.Map(0x30ffc, []byte("abcd"))
	f.tgt.Map(0x31000, []byte("efg\x00"))
	p := f.attach(t, proc.Handlers{}, 0)

	s, err := p.ReadString(0x30ffc)
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", s)
}

func TestReadStringEndsBeforeUnmapped(t *testing.T) {
	f := newFixture(t)
	f.tgt.Map(0x50000, []byte("ab\x00"))
	f.tgt.Map(0x60000, utf16le("cd"))
	p := f.attach(t, proc.Handlers{}, 0)

	s, err := p.ReadString(0x50000)
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
	s, err = p.ReadStringUTF16(0x60000)
	require.NoError(t, err)
	assert.Equal(t, "cd", s)

	// unterminated before the fault still fails
	_, err = p.ReadString(0x50000 + 3)
	assert.ErrorIs(t, err, proc.ErrExternal)
}

func TestReadStringUTF16(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"ascii", "kernel32.dll"},
		{"bmp", "größe"},
		{"surrogate pair", "smile \U0001F600"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.tgt.Map(0x40000, utf16le(tt.in))
			p := f.attach(t, proc.Handlers{}, 0)

			s, err := p.ReadStringUTF16(0x40000)
			require.NoError(t, err)
			assert.Equal(t, tt.in, s)
		})
	}
}

func TestMemoryAfterDetach(t *testing.T) {
	f := newFixture(t)
	f.tgt.Map(0x10000, []byte("abc"))
	p := f.attach(t, proc.Handlers{}, 0)
	require.NoError(t, p.Detach())

	_, err := p.ReadMemory(make([]byte, 1), 0x10000)
	assert.ErrorIs(t, err, proc.ErrNotAttached)
	assert.ErrorIs(t, p.WriteMemory(0x10000, []byte{1}), proc.ErrNotAttached)
}

func TestMallocFree(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)

	addr, err := p.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, p.WriteMemory(addr, []byte("payload")))
	assert.Equal(t, []byte("payload"), f.tgt.Bytes(addr, 7))

	require.NoError(t, p.Free(addr))
	assert.Nil(t, f.tgt.Bytes(addr, 1))
	assert.ErrorIs(t, p.Free(addr), proc.ErrNotFound)

	_, err = p.Malloc(0)
	assert.ErrorIs(t, err, proc.ErrInvalidArgument)
}

func TestMemoryMap(t *testing.T) {
	f := newFixture(t)
	f.tgt.Areas = []proc.MmapArea{
		{Start: 0x400000, End: 0x401000, Prot: proc.ProtRead, Path: "/usr/bin/target"},
		{Start: 0x401000, End: 0x403000, Prot: proc.ProtRead | proc.ProtExec, Offset: 0x1000, Path: "/usr/bin/target"},
		{Start: 0x7f0000, End: 0x7f2000, Prot: proc.ProtRead | proc.ProtExec, Path: "/lib/libc.so.6"},
		{Start: 0x7ff000, End: 0x800000, Prot: proc.ProtRead | proc.ProtWrite},
		{Start: 0x900000, End: 0x900000},
	}
	f.tgt.Modules = nil
	p := f.attach(t, proc.Handlers{}, 0)

	_, ok := p.MmapFind(0x401000)
	assert.False(t, ok, "map is empty until loaded")

	require.NoError(t, p.MmapLoad())
	assert.Len(t, p.Mmap(), 4)

	a, ok := p.MmapFind(0x402fff)
	require.True(t, ok)
	assert.Equal(t, uint64(0x401000), a.Start)
	assert.Equal(t, "r-xp", a.Prot.String())
	_, ok = p.MmapFind(0x403000)
	assert.False(t, ok)

	var got []uint64
	cur := p.MmapQuery(0x400800, 0x7f0001)
	for cur.Next() {
		got = append(got, cur.Value().Start)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []uint64{0x400000, 0x401000, 0x7f0000}, got)

	cur = p.MmapQuery(0x10, 0x10)
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), interval.ErrBounds)

	m := p.ModuleAt(0x401234)
	require.NotNil(t, m)
	assert.Equal(t, "target", m.Name)
	assert.Nil(t, p.ModuleAt(0x7ff100))
}
