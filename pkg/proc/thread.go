package proc

import (
	"cmp"
	"iter"

	"github.com/monsterxx03/tracer/pkg/avl"
)

type ThreadState int

const (
	ThreadSuspended ThreadState = iota
	ThreadRunning
	ThreadExited
)

var threadStateStrings = map[ThreadState]string{
	ThreadSuspended: "suspended",
	ThreadRunning:   "running",
	ThreadExited:    "exited",
}

func (s ThreadState) String() string { return threadStateStrings[s] }

type ThreadFlags uint32

const (
	FlagMain ThreadFlags = 1 << iota
	FlagTraced
	// FlagSingleStep is requested by the user with SetSingleStep.
	FlagSingleStep
	// FlagSingleStepInternal steps over a suppressed breakpoint.
	FlagSingleStepInternal
	FlagHWBreakpoint
)

// Thread wraps a traced thread.
type Thread struct {
	ID int

	process *Process
	ctx     ThreadContext
	node    *avl.Node[*Thread]
	state   ThreadState
	flags   ThreadFlags

	regs      DebugRegisters
	slotSites [NumDebugSlots]*breakpointSite
	// restore is the breakpoint suppressed for the next single step.
	restore     *breakpointSite
	breakpoints *avl.Tree[*breakpointSite]
}

func compareThreads(a, b *Thread) int { return cmp.Compare(a.ID, b.ID) }

func newThread(p *Process, tid int, ctx ThreadContext, flags ThreadFlags) *Thread {
	return &Thread{
		ID:          tid,
		process:     p,
		ctx:         ctx,
		state:       ThreadSuspended,
		flags:       flags | FlagTraced,
		breakpoints: newSiteTree(),
	}
}

func (t *Thread) Process() *Process  { return t.process }
func (t *Thread) State() ThreadState { return t.state }
func (t *Thread) Flags() ThreadFlags { return t.flags }
func (t *Thread) Main() bool         { return t.flags&FlagMain != 0 }

// DebugRegisters returns a copy of the debug register mirror.
func (t *Thread) DebugRegisters() DebugRegisters { return t.regs }

// PendingRestore returns the breakpoint re-armed after the next single step.
func (t *Thread) PendingRestore() *Breakpoint {
	if t.restore == nil {
		return nil
	}
	return t.restore.bp
}

// SetSingleStep makes the thread trap after every instruction until turned
// off. The traps go to the SingleStep handler.
func (t *Thread) SetSingleStep(on bool) {
	if on {
		t.flags |= FlagSingleStep
	} else {
		t.flags &^= FlagSingleStep
	}
}

func (t *Thread) stepping() bool {
	return t.flags&(FlagSingleStep|FlagSingleStepInternal) != 0
}

func (t *Thread) PC() (uint64, error) {
	pc, err := t.ctx.PC()
	return pc, externalError("get pc", err)
}

func (t *Thread) SetPC(pc uint64) error {
	return externalError("set pc", t.ctx.SetPC(pc))
}

// Breakpoints yields the thread scoped breakpoints in address order.
func (t *Thread) Breakpoints() iter.Seq[*Breakpoint] {
	return func(yield func(*Breakpoint) bool) {
		for s := range t.breakpoints.All() {
			if !yield(s.bp) {
				return
			}
		}
	}
}

func (t *Thread) programSlot(i int, s *breakpointSite, scope Scope) error {
	prev, prevSite := t.regs.Slots[i], t.slotSites[i]
	t.regs.Slots[i] = DebugSlot{
		Address: s.addr,
		Type:    s.bp.Type,
		Size:    s.bp.Size,
		Scope:   scope,
		Enabled: true,
		Used:    true,
	}
	t.slotSites[i] = s
	if err := t.applyDebugRegisters(); err != nil {
		t.regs.Slots[i], t.slotSites[i] = prev, prevSite
		return err
	}
	return nil
}

func (t *Thread) clearSlot(i int) error {
	t.regs.Slots[i] = DebugSlot{}
	t.slotSites[i] = nil
	return t.applyDebugRegisters()
}

func (t *Thread) applyDebugRegisters() error {
	if t.regs.Any() {
		t.flags |= FlagHWBreakpoint
	} else {
		t.flags &^= FlagHWBreakpoint
	}
	return externalError("set debug registers", t.ctx.SetDebugRegisters(&t.regs))
}

// inherit copies the process scoped hardware breakpoints into a new thread.
func (t *Thread) inherit() error {
	var changed bool
	for i, s := range t.process.hwSlots {
		if s == nil {
			continue
		}
		t.regs.Slots[i] = DebugSlot{
			Address: s.addr,
			Type:    s.bp.Type,
			Size:    s.bp.Size,
			Scope:   ScopeProcess,
			Enabled: true,
			Used:    true,
		}
		t.slotSites[i] = s
		changed = true
	}
	if !changed {
		return nil
	}
	return t.applyDebugRegisters()
}
