package procmaps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/monsterxx03/tracer/pkg/proc"
)

func TestReadProcMaps(t *testing.T) {
	ranges, err := Read("testdata/proc", 4242)
	require.NoError(t, err)
	require.Len(t, ranges, 10)

	tests := []struct {
		idx  int
		want Range
	}{
		{0, Range{Start: 0x400000, End: 0x005af000,
			Perm: "r-xp", Offset: 0x00000000,
			Dev: unix.Mkdev(0x103, 0x02), Inode: 5789181, Filename: "/bin/snet"}},
		{6, Range{Start: 0x7fa392342000, End: 0x7fa392343000,
			Perm: "rw-p", Offset: 0x28000, Dev: unix.Mkdev(0x103, 0x02), Inode: 12980870, Filename: "/lib/x86_64-linux-gnu/ld-2.27.so"}},
		{7, Range{Start: 0x7fa392343000, End: 0x7fa392344000, Perm: "rw-p",
			Offset: 0x00000000, Dev: 0, Inode: 0, Filename: ""}},
		{9, Range{Start: 0xffffffffff600000, End: 0xffffffffff601000, Perm: "r-xp",
			Offset: 0x00000000, Dev: 0, Inode: 0, Filename: "[vsyscall]"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ranges[tt.idx], "range %d", tt.idx)
	}
	assert.True(t, ranges[8].IsShare())
	assert.Equal(t, uint64(0x1af000), ranges[0].Size())
}

func TestReadMissingProcess(t *testing.T) {
	_, err := Read("testdata/proc", 1)
	assert.Error(t, err)
}

func TestAreas(t *testing.T) {
	ranges, err := Read("testdata/proc", 4242)
	require.NoError(t, err)
	areas := Areas(ranges)
	require.Len(t, areas, len(ranges))

	assert.Equal(t, proc.MmapArea{
		Start: 0x7fa392300000, End: 0x7fa392319000,
		Offset: 0x1e7000, Path: "/lib/x86_64-linux-gnu/libc-2.27.so",
	}, areas[4])
	assert.Equal(t, proc.ProtRead|proc.ProtExec, areas[0].Prot)
	assert.Equal(t, "rw-s", areas[8].Prot.String())
}

func TestImages(t *testing.T) {
	ranges, err := Read("testdata/proc", 4242)
	require.NoError(t, err)

	assert.Equal(t, []Image{
		{Base: 0x400000, Path: "/bin/snet"},
		{Base: 0x7fa392119000, Path: "/lib/x86_64-linux-gnu/libc-2.27.so"},
		{Base: 0x7fa39231a000, Path: "/lib/x86_64-linux-gnu/ld-2.27.so"},
	}, Images(ranges))
}

func TestDiff(t *testing.T) {
	a := Image{Base: 0x1000, Path: "/a"}
	b := Image{Base: 0x2000, Path: "/b"}
	c := Image{Base: 0x3000, Path: "/c"}
	// same file mapped at a new base counts as unload plus load
	moved := Image{Base: 0x4000, Path: "/a"}

	tests := []struct {
		name         string
		before       []Image
		after        []Image
		wantLoaded   []Image
		wantUnloaded []Image
	}{
		{"nothing changed", []Image{a, b}, []Image{a, b}, nil, nil},
		{"first snapshot", nil, []Image{a, b}, []Image{a, b}, nil},
		{"load and unload", []Image{a, b}, []Image{a, c}, []Image{c}, []Image{b}},
		{"remapped", []Image{a}, []Image{moved}, []Image{moved}, []Image{a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, unloaded := Diff(tt.before, tt.after)
			assert.Equal(t, tt.wantLoaded, loaded)
			assert.Equal(t, tt.wantUnloaded, unloaded)
		})
	}
}
