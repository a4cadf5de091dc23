package termui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/monsterxx03/tracer/pkg/api"
)

func testSnapshot() *snapshot {
	return &snapshot{
		threads: []api.ThreadInfo{
			{TID: 100, State: "suspended", Main: true, PC: "0x401000", Breakpoints: 1},
			{TID: 101, State: "running"},
		},
		breakpoints: []api.BreakpointInfo{
			{ID: 1, Kind: "software", Address: "0x401000", Symbol: "libc!malloc", Hits: 3, Enabled: true},
			{ID: 2, Kind: "hardware", Address: "0x601000", Type: "write", Size: 8},
		},
		modules: []api.ModuleInfo{
			{Name: "target", Base: "0x400000", Path: "/usr/bin/target"},
			{Name: "libc.so.6", Base: "0x7f0000000000", Path: "/lib/libc.so.6"},
		},
		areas: []api.AreaInfo{
			{Start: "0x400000", End: "0x402000", Prot: "r-x", Size: 0x2000, Path: "/usr/bin/target"},
			{Start: "0x7ffd000", End: "0x7fff000", Prot: "rw-", Size: 0x2000, Path: "[stack]"},
		},
	}
}

func TestTableRows(t *testing.T) {
	tests := []struct {
		name   string
		view   view
		filter string
		header []string
		rows   [][]string
	}{
		{
			name:   "threads",
			view:   viewThreads,
			header: []string{"TID", "State", "PC", "Breakpoints"},
			rows: [][]string{
				{"100*", "suspended", "0x401000", "1"},
				{"101", "running", "", "0"},
			},
		},
		{
			name:   "threads filtered",
			view:   viewThreads,
			filter: "RUN",
			header: []string{"TID", "State", "PC", "Breakpoints"},
			rows:   [][]string{{"101", "running", "", "0"}},
		},
		{
			name:   "breakpoints",
			view:   viewBreakpoints,
			header: []string{"ID", "Kind", "Address", "Symbol", "Hits", "Enabled"},
			rows: [][]string{
				{"1", "software", "0x401000", "libc!malloc", "3", "true"},
				{"2", "hardware/write:8", "0x601000", "", "0", "false"},
			},
		},
		{
			name:   "modules filtered",
			view:   viewModules,
			filter: "libc",
			header: []string{"Base", "Name", "Path"},
			rows:   [][]string{{"0x7f0000000000", "libc.so.6", "/lib/libc.so.6"}},
		},
		{
			name:   "maps filtered by prot",
			view:   viewMaps,
			filter: "rw",
			header: []string{"Start", "End", "Prot", "Size", "Path"},
			rows:   [][]string{{"0x7ffd000", "0x7fff000", "rw-", "8.00KB", "[stack]"}},
		},
		{
			name:   "nothing matches",
			view:   viewModules,
			filter: "zzz",
			header: []string{"Base", "Name", "Path"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, rows := tableRows(tt.view, testSnapshot(), tt.filter)
			assert.Equal(t, tt.header, header)
			assert.Equal(t, tt.rows, rows)
		})
	}
}

func TestEventRate(t *testing.T) {
	prev := api.Stats{Events: 10}
	assert.InDelta(t, 5.0, eventRate(prev, api.Stats{Events: 20}, 2*time.Second), 1e-9)
	assert.Zero(t, eventRate(prev, api.Stats{Events: 20}, 0))
	assert.Zero(t, eventRate(prev, api.Stats{Events: 5}, time.Second))
}
