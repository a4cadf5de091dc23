package proc_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/proc/proctest"
)

const (
	testPID  = 4242
	textBase = 0x400000
	bpAddr   = 0x401000
	origByte = 0x55
)

type fixture struct {
	pl   *proctest.Platform
	tgt  *proctest.Target
	core *proc.Core
}

// newFixture declares a process whose text has origByte at bpAddr. extra
// threads are reported besides the main thread.
func newFixture(t *testing.T, extra ...int) *fixture {
	t.Helper()
	pl := proctest.New()
	tgt := pl.AddProcess(testPID, "/usr/bin/target", textBase)
	text := make([]byte, 0x2000)
	text[bpAddr-textBase] = origByte
	tgt.Map(textBase, text)
	tgt.ExtraThreads = extra
	return &fixture{pl: pl, tgt: tgt, core: proc.NewCore(pl, 0)}
}

func (f *fixture) attach(t *testing.T, h proc.Handlers, opts proc.Options) *proc.Process {
	t.Helper()
	p, err := f.core.Attach(testPID, h, opts)
	require.NoError(t, err)
	require.NoError(t, f.core.Pump())
	require.Equal(t, proc.StateAttached, p.State())
	return p
}

func (f *fixture) emit(t *testing.T, evs ...proc.RawEvent) {
	t.Helper()
	f.pl.Emit(evs...)
	require.NoError(t, f.core.Pump())
}

func (f *fixture) byteAt(addr uint64) byte {
	b := f.tgt.Bytes(addr, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

// logIndex returns the position of the first log line starting with
// prefix, or -1.
func logIndex(log []string, prefix string) int {
	for i, l := range log {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

func record(out *[]string, name string, act proc.Action) proc.HandlerFunc {
	return func(ev *proc.Event) proc.Action {
		*out = append(*out, name)
		return act
	}
}
