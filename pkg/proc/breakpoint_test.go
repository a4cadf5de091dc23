package proc_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/proc/proctest"
)

func TestSoftwareBreakpointHitAndRestore(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)

	var events []*proc.Event
	bp := proc.NewSoftwareBreakpoint(bpAddr, func(ev *proc.Event) proc.Action {
		events = append(events, ev)
		return proc.Forward
	}, "cookie")
	require.NoError(t, p.SetBreakpoint(bp))
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))
	assert.True(t, bp.Set())
	assert.NotZero(t, bp.ID())

	f.tgt.Threads[testPID].PC = bpAddr + 1
	f.emit(t, proctest.Breakpoint(testPID, testPID, bpAddr))

	require.Len(t, events, 1)
	ev := events[0]
	assert.Same(t, bp, ev.Breakpoint)
	assert.Equal(t, "cookie", ev.Cookie)
	assert.Equal(t, uint64(bpAddr), ev.Address)
	assert.Equal(t, testPID, ev.Thread.ID)
	assert.Equal(t, uint64(1), bp.Hits())

	// the original instruction runs once, with the thread stepping
	assert.Equal(t, byte(origByte), f.byteAt(bpAddr))
	assert.Equal(t, uint64(bpAddr), f.tgt.Threads[testPID].PC)
	assert.Equal(t, proctest.Continue{TID: testPID, Forward: false, Step: true}, f.tgt.LastContinue())
	main := p.MainThread()
	assert.Same(t, bp, main.PendingRestore())

	f.emit(t, proctest.SingleStep(testPID, testPID, proc.DR6SingleStep))
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))
	assert.Nil(t, main.PendingRestore())
	assert.Equal(t, proctest.Continue{TID: testPID}, f.tgt.LastContinue())
	assert.Len(t, events, 1)

	require.NoError(t, p.RemoveBreakpoint(bp))
	assert.Equal(t, byte(origByte), f.byteAt(bpAddr))
	assert.False(t, bp.Set())
}

func TestBreakpointUniqueness(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)

	first := proc.NewSoftwareBreakpoint(bpAddr, nil, nil)
	require.NoError(t, p.SetBreakpoint(first))

	second := proc.NewSoftwareBreakpoint(bpAddr, nil, nil)
	err := p.SetBreakpoint(second)
	assert.ErrorIs(t, err, proc.ErrAlreadyExists)
	var exists proc.BreakpointExistsError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, uint64(bpAddr), exists.Addr)
	assert.False(t, second.Set())

	// the same breakpoint cannot be set twice either
	first.Address = bpAddr + 1
	assert.ErrorIs(t, p.SetBreakpoint(first), proc.ErrAlreadyExists)
	first.Address = bpAddr

	assert.ErrorIs(t, p.RemoveBreakpoint(second), proc.ErrNotFound)
	require.NoError(t, p.RemoveBreakpoint(first))
	err = p.RemoveBreakpoint(first)
	assert.ErrorIs(t, err, proc.ErrNotFound)
	var missing proc.NoBreakpointError
	assert.True(t, errors.As(err, &missing))

	require.NoError(t, p.SetBreakpoint(second))
	assert.Same(t, second, p.FindBreakpoint(bpAddr))
	assert.Nil(t, p.FindBreakpoint(bpAddr+1))
}

func TestBreakpointSetFailureKeepsBreakpointReusable(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)
	bp := proc.NewSoftwareBreakpoint(bpAddr, nil, nil)

	f.tgt.WriteErr = syscall.EPERM
	err := p.SetBreakpoint(bp)
	assert.ErrorIs(t, err, proc.ErrExternal)
	assert.False(t, bp.Set())
	assert.Nil(t, p.FindBreakpoint(bpAddr))

	f.tgt.WriteErr = nil
	require.NoError(t, p.SetBreakpoint(bp))
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))

	assert.ErrorIs(t, p.SetBreakpoint(proc.NewSoftwareBreakpoint(0x10, nil, nil)), proc.ErrExternal)
}

func TestBreakpointVariants(t *testing.T) {
	tests := []struct {
		name        string
		configure   func(bp *proc.Breakpoint)
		wantHandler bool
		wantSet     bool
		wantStep    bool
		// a second trap at the address finds no breakpoint
		wantGone bool
	}{
		{
			name:        "plain",
			configure:   func(*proc.Breakpoint) {},
			wantHandler: true,
			wantSet:     true,
			wantStep:    true,
		},
		{
			name:        "one shot",
			configure:   func(bp *proc.Breakpoint) { bp.Flags |= proc.BreakpointOneShot },
			wantHandler: true,
			wantGone:    true,
		},
		{
			name: "condition false",
			configure: func(bp *proc.Breakpoint) {
				bp.Flags |= proc.BreakpointConditional
				bp.Condition = func(*proc.Event) bool { return false }
			},
			wantSet:  true,
			wantStep: true,
		},
		{
			name: "condition true",
			configure: func(bp *proc.Breakpoint) {
				bp.Flags |= proc.BreakpointConditional
				bp.Condition = func(ev *proc.Event) bool { return ev.Thread.Main() }
			},
			wantHandler: true,
			wantSet:     true,
			wantStep:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var unclaimed []*proc.Event
			p := f.attach(t, proc.Handlers{Breakpoint: func(ev *proc.Event) proc.Action {
				unclaimed = append(unclaimed, ev)
				return proc.Forward
			}}, 0)
			var called bool
			bp := proc.NewSoftwareBreakpoint(bpAddr, func(*proc.Event) proc.Action {
				called = true
				return proc.Forward
			}, nil)
			tt.configure(bp)
			require.NoError(t, p.SetBreakpoint(bp))

			f.emit(t, proctest.Breakpoint(testPID, testPID, bpAddr))

			assert.Equal(t, tt.wantHandler, called)
			assert.Equal(t, uint64(1), bp.Hits())
			assert.Equal(t, tt.wantSet, bp.Set())
			assert.Equal(t, byte(origByte), f.byteAt(bpAddr))
			assert.Equal(t, proctest.Continue{TID: testPID, Step: tt.wantStep}, f.tgt.LastContinue())
			assert.Empty(t, unclaimed)

			if !tt.wantGone {
				return
			}
			assert.Nil(t, p.FindBreakpoint(bpAddr))
			f.emit(t, proctest.Breakpoint(testPID, testPID, bpAddr))
			require.Len(t, unclaimed, 1)
			assert.Nil(t, unclaimed[0].Breakpoint)
			assert.Equal(t, uint64(bpAddr), unclaimed[0].Address)
			assert.Equal(t, uint64(1), bp.Hits())
			assert.Equal(t, proctest.Continue{TID: testPID, Forward: true}, f.tgt.LastContinue())
		})
	}
}

func TestDisabledBreakpoint(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)
	var hits int
	bp := proc.NewSoftwareBreakpoint(bpAddr, func(*proc.Event) proc.Action {
		hits++
		return proc.Forward
	}, nil)
	require.NoError(t, p.SetBreakpoint(bp))

	require.NoError(t, bp.Disable())
	assert.False(t, bp.Enabled())
	assert.Equal(t, byte(origByte), f.byteAt(bpAddr))
	assert.Same(t, bp, p.FindBreakpoint(bpAddr))

	// a trap left over from before the disable is still swallowed
	f.emit(t, proctest.Breakpoint(testPID, testPID, bpAddr))
	assert.Zero(t, hits)
	assert.False(t, f.tgt.LastContinue().Forward)

	require.NoError(t, bp.Enable())
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))

	disabled := proc.NewSoftwareBreakpoint(bpAddr+8, nil, nil)
	disabled.Flags |= proc.BreakpointDisabled
	require.NoError(t, p.SetBreakpoint(disabled))
	assert.Equal(t, byte(0), f.byteAt(bpAddr+8))
	require.NoError(t, disabled.Enable())
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr+8))
}

func TestDisableFailureKeepsBreakpointEnabled(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)
	bp := proc.NewSoftwareBreakpoint(bpAddr, nil, nil)
	require.NoError(t, p.SetBreakpoint(bp))

	f.tgt.WriteErr = syscall.EPERM
	assert.ErrorIs(t, bp.Disable(), proc.ErrExternal)
	assert.True(t, bp.Enabled())
	assert.True(t, bp.Set())
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))

	f.tgt.WriteErr = nil
	require.NoError(t, bp.Disable())
	assert.False(t, bp.Enabled())
	assert.Equal(t, byte(origByte), f.byteAt(bpAddr))
}

func TestThreadExitKeepsBreakpointArmed(t *testing.T) {
	const tid = 4243
	f := newFixture(t, tid)
	p := f.attach(t, proc.Handlers{}, 0)
	bp := proc.NewSoftwareBreakpoint(bpAddr, nil, nil)
	require.NoError(t, p.SetBreakpoint(bp))

	f.emit(t, proctest.Breakpoint(testPID, tid, bpAddr))
	require.Equal(t, byte(origByte), f.byteAt(bpAddr))
	require.Same(t, bp, p.Thread(tid).PendingRestore())

	// the thread dies before its step over completes
	f.tgt.ExitThread(tid, 0)
	require.NoError(t, f.core.Pump())

	assert.Nil(t, p.Thread(tid))
	assert.True(t, bp.Set())
	assert.Equal(t, byte(0xCC), f.byteAt(bpAddr))
	assert.Same(t, bp, p.FindBreakpoint(bpAddr))
}

func TestUnregisteredTrap(t *testing.T) {
	t.Run("forwarded by default", func(t *testing.T) {
		f := newFixture(t)
		f.attach(t, proc.Handlers{}, 0)
		f.emit(t, proctest.Breakpoint(testPID, testPID, 0x402000))
		assert.True(t, f.tgt.LastContinue().Forward)
	})
	t.Run("claimed by low level handler", func(t *testing.T) {
		f := newFixture(t)
		var got *proc.Event
		f.attach(t, proc.Handlers{Breakpoint: func(ev *proc.Event) proc.Action {
			got = ev
			return proc.Drop
		}}, 0)
		f.emit(t, proctest.Breakpoint(testPID, testPID, 0x402000))
		require.NotNil(t, got)
		assert.Nil(t, got.Breakpoint)
		assert.Equal(t, uint64(0x402000), got.Address)
		assert.False(t, f.tgt.LastContinue().Forward)
	})
	t.Run("requested break is never forwarded", func(t *testing.T) {
		f := newFixture(t)
		var requested bool
		p := f.attach(t, proc.Handlers{Breakpoint: func(ev *proc.Event) proc.Action {
			requested = ev.Requested
			return proc.Forward
		}}, 0)
		require.NoError(t, p.Break())
		require.NoError(t, f.core.Pump())
		assert.True(t, requested)
		assert.False(t, f.tgt.LastContinue().Forward)
	})
}

func TestUserSingleStep(t *testing.T) {
	f := newFixture(t)
	var steps int
	p := f.attach(t, proc.Handlers{SingleStep: func(*proc.Event) proc.Action {
		steps++
		return proc.Drop
	}}, 0)
	main := p.MainThread()
	main.SetSingleStep(true)

	f.emit(t, proctest.Breakpoint(testPID, testPID, 0x402000))
	assert.True(t, f.tgt.LastContinue().Step)

	f.emit(t, proctest.SingleStep(testPID, testPID, proc.DR6SingleStep))
	assert.Equal(t, 1, steps)
	assert.Equal(t, proctest.Continue{TID: testPID, Step: true}, f.tgt.LastContinue())

	main.SetSingleStep(false)
	f.emit(t, proctest.SingleStep(testPID, testPID, proc.DR6SingleStep))
	assert.Equal(t, 2, steps)
	assert.Equal(t, proctest.Continue{TID: testPID}, f.tgt.LastContinue())
}

func TestHardwareBreakpoint(t *testing.T) {
	const extra = 4243
	f := newFixture(t, extra)
	p := f.attach(t, proc.Handlers{}, 0)

	var hitTID int
	bp := proc.NewHardwareBreakpoint(bpAddr, proc.HWExecute, 1, func(ev *proc.Event) proc.Action {
		hitTID = ev.Thread.ID
		return proc.Forward
	}, nil)
	require.NoError(t, p.SetBreakpoint(bp))
	assert.Equal(t, byte(origByte), f.byteAt(bpAddr))

	for _, tid := range []int{testPID, extra} {
		regs := f.tgt.Threads[tid].Regs
		assert.Equal(t, uint64(bpAddr), regs.Address(0), "tid %d", tid)
		assert.Equal(t, uint64(1), regs.Control(), "tid %d", tid)
		assert.Equal(t, proc.ScopeProcess, regs.Slots[0].Scope)
	}

	// threads created later inherit the breakpoint
	f.emit(t, proc.RawEvent{Kind: proc.RawCreateThread, PID: testPID, TID: 4250, Stopped: true})
	assert.Equal(t, uint64(bpAddr), f.tgt.Threads[4250].Regs.Address(0))
	assert.Equal(t, uint64(1), f.tgt.Threads[4250].Regs.Control())

	f.emit(t, proctest.SingleStep(testPID, extra, 1))
	assert.Equal(t, extra, hitTID)
	assert.Zero(t, f.tgt.Threads[extra].Regs.Control())
	assert.Equal(t, uint64(1), f.tgt.Threads[testPID].Regs.Control())
	assert.True(t, f.tgt.LastContinue().Step)

	f.emit(t, proctest.SingleStep(testPID, extra, proc.DR6SingleStep))
	assert.Equal(t, uint64(1), f.tgt.Threads[extra].Regs.Control())
	assert.False(t, f.tgt.LastContinue().Step)

	require.NoError(t, p.RemoveBreakpoint(bp))
	for _, tid := range []int{testPID, extra, 4250} {
		assert.Zero(t, f.tgt.Threads[tid].Regs.Control(), "tid %d", tid)
	}
}

func TestHardwareBreakpointSlots(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)

	for i := range proc.NumDebugSlots {
		bp := proc.NewHardwareBreakpoint(0x500000+uint64(i)*8, proc.HWWrite, 8, nil, nil)
		require.NoError(t, p.SetBreakpoint(bp))
	}
	// write, 8 bytes: RW=01 LEN=10 in every slot
	assert.Equal(t, uint64(0x99990055), f.tgt.Threads[testPID].Regs.Control())

	err := p.SetBreakpoint(proc.NewHardwareBreakpoint(0x600000, proc.HWWrite, 4, nil, nil))
	assert.ErrorIs(t, err, proc.ErrExternal)
	var perr *proc.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, syscall.ENOSPC, perr.Errno)
}

func TestHardwareBreakpointValidation(t *testing.T) {
	tests := []struct {
		name string
		typ  proc.HWType
		size int
		addr uint64
	}{
		{"execute wider than one byte", proc.HWExecute, 4, 0x1000},
		{"bad size", proc.HWWrite, 3, 0x1000},
		{"misaligned", proc.HWReadWrite, 4, 0x1002},
		{"bad type", proc.HWType(2), 1, 0x1000},
	}
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.SetBreakpoint(proc.NewHardwareBreakpoint(tt.addr, tt.typ, tt.size, nil, nil))
			assert.ErrorIs(t, err, proc.ErrInvalidArgument)
		})
	}
}

func TestThreadScopedBreakpoints(t *testing.T) {
	const extra = 4243
	f := newFixture(t, extra)
	p := f.attach(t, proc.Handlers{}, 0)
	th := p.Thread(extra)
	require.NotNil(t, th)

	err := th.SetBreakpoint(proc.NewSoftwareBreakpoint(bpAddr, nil, nil))
	assert.ErrorIs(t, err, proc.ErrUnsupported)

	var hits int
	bp := proc.NewHardwareBreakpoint(0x500000, proc.HWReadWrite, 4, func(*proc.Event) proc.Action {
		hits++
		return proc.Forward
	}, nil)
	require.NoError(t, th.SetBreakpoint(bp))
	assert.Equal(t, proc.ScopeThread, bp.Scope())
	assert.Same(t, bp, th.FindBreakpoint(0x500000))
	assert.Nil(t, p.FindBreakpoint(0x500000))
	assert.NotZero(t, f.tgt.Threads[extra].Regs.Control())
	assert.Zero(t, f.tgt.Threads[testPID].Regs.Control())

	f.emit(t, proctest.SingleStep(testPID, extra, 1))
	assert.Equal(t, 1, hits)

	require.NoError(t, th.RemoveBreakpoint(bp))
	assert.Zero(t, f.tgt.Threads[extra].Regs.Control())
	assert.ErrorIs(t, th.RemoveBreakpoint(bp), proc.ErrNotFound)
}

func TestUnknownDebugRegisterHit(t *testing.T) {
	f := newFixture(t)
	var status uint64
	f.attach(t, proc.Handlers{DebugRegister: func(ev *proc.Event) proc.Action {
		status = ev.DebugStatus
		return proc.Drop
	}}, 0)

	f.emit(t, proctest.SingleStep(testPID, testPID, 1<<2))
	assert.Equal(t, uint64(1<<2), status)
	assert.False(t, f.tgt.LastContinue().Forward)
}

func TestSymbolBreakpoint(t *testing.T) {
	f := newFixture(t)
	f.tgt.Modules = []proctest.Module{{Base: 0x7f0000, Path: "/lib/libc.so.6"}}
	f.tgt.ExportTable["/lib/libc.so.6"] = map[string]uint64{"malloc": 0x7f1234}
	f.tgt.Map(0x7f1234, []byte{0x41})
	p := f.attach(t, proc.Handlers{}, 0)

	bp := &proc.Breakpoint{Symbol: "libc!malloc"}
	require.NoError(t, p.SetBreakpoint(bp))
	assert.Equal(t, uint64(0x7f1234), bp.ResolvedAddress())
	assert.Equal(t, byte(0xCC), f.byteAt(0x7f1234))
	assert.Contains(t, bp.String(), "libc!malloc@0x7f1234")

	err := p.SetBreakpoint(&proc.Breakpoint{Symbol: "libc!free"})
	assert.ErrorIs(t, err, proc.ErrNotFound)
}

func TestBreakpointsAreListedInAddressOrder(t *testing.T) {
	f := newFixture(t)
	p := f.attach(t, proc.Handlers{}, 0)
	for _, addr := range []uint64{bpAddr + 0x20, bpAddr, bpAddr + 0x10} {
		require.NoError(t, p.SetBreakpoint(proc.NewSoftwareBreakpoint(addr, nil, nil)))
	}
	var got []uint64
	for bp := range p.Breakpoints() {
		got = append(got, bp.ResolvedAddress())
	}
	assert.Equal(t, []uint64{bpAddr, bpAddr + 0x10, bpAddr + 0x20}, got)
}
