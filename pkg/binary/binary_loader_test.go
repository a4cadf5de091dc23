package binary

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadSelf opens the running test binary, which is an ELF file on Linux.
func loadSelf(t *testing.T) *ELFLoader {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF on " + runtime.GOOS)
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	l := NewBinaryLoader()
	require.NoError(t, l.Load(exe))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLoadErrors(t *testing.T) {
	l := NewBinaryLoader()
	assert.ErrorIs(t, l.Load("testdata/does-not-exist"), ErrBinaryNotFound)
	assert.ErrorIs(t, l.Load("binary_loader.go"), ErrInvalidExecutable)

	_, err := NewBinaryLoader().GetSymbols()
	assert.Error(t, err)
}

func TestSymbols(t *testing.T) {
	l := loadSelf(t)
	assert.Equal(t, 8, l.PtrSize())

	sym, err := l.FindSymbol("runtime.main")
	require.NoError(t, err)
	assert.NotZero(t, sym.Value)
	assert.NotZero(t, sym.Size)

	_, err = l.FindSymbol("no.such.symbol")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	name, off, ok := l.Describe(sym.Value + 1)
	require.True(t, ok)
	assert.Equal(t, "runtime.main", name)
	assert.Equal(t, uint64(1), off)

	_, _, ok = l.Describe(0)
	assert.False(t, ok)
}

func TestExportsAreRelocated(t *testing.T) {
	l := loadSelf(t)
	sym, err := l.FindSymbol("runtime.main")
	require.NoError(t, err)

	link := l.LinkBase()
	tests := []struct {
		name string
		base uint64
	}{
		{"at link address", link},
		{"moved", link + 0x7f0000000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exports, err := l.Exports(tt.base)
			require.NoError(t, err)
			assert.Equal(t, sym.Value+tt.base-link, exports["runtime.main"])
		})
	}
}

func TestCache(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF on " + runtime.GOOS)
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	c := NewCache()
	a, err := c.Load(exe)
	require.NoError(t, err)
	b, err := c.Load(exe)
	require.NoError(t, err)
	assert.Same(t, a, b)

	exports, err := c.Exports(exe, a.LinkBase())
	require.NoError(t, err)
	assert.Contains(t, exports, "runtime.main")

	_, err = c.Exports("testdata/does-not-exist", 0)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	require.NoError(t, c.Close())
}
