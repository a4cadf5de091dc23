package proc

import (
	"fmt"
	"iter"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/monsterxx03/tracer/pkg/avl"
	"github.com/monsterxx03/tracer/pkg/event"
	"github.com/monsterxx03/tracer/pkg/interval"
	"github.com/monsterxx03/tracer/pkg/logflags"
)

// State is the lifecycle stage of a traced process.
type State int

const (
	StateInit State = iota
	StateCreated
	StateAttached
	StateDetachBottom
	StateDetachTop
	StateDetached
	StateExited
)

var stateNames = [...]string{
	StateInit:         "init",
	StateCreated:      "created",
	StateAttached:     "attached",
	StateDetachBottom: "detach-bottom",
	StateDetachTop:    "detach-top",
	StateDetached:     "detached",
	StateExited:       "exited",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options tune event delivery for one process.
type Options uint32

const (
	// OptionSecondChance delivers second chance exceptions to handlers.
	OptionSecondChance Options = 1 << iota
)

// Stats counts dispatched events. Safe for concurrent reads.
type Stats struct {
	Events      atomic.Uint64
	Exceptions  atomic.Uint64
	Breakpoints atomic.Uint64
	Forwarded   atomic.Uint64
}

// Process is a traced process. Unless noted otherwise its methods must be
// called from the goroutine running Core.Run, typically from an event
// handler or through Core.Call.
type Process struct {
	PID int

	created uint64
	state   State
	options Options
	core    *Core
	target  Target
	node    *avl.Node[*Process]

	threads     *avl.Tree[*Thread]
	modules     []*Module
	mainModule  *Module
	breakpoints *avl.Tree[*breakpointSite]
	hwSlots     [NumDebugSlots]*breakpointSite
	mmap        *interval.Tree[*MmapArea]
	allocs      map[uint64]uint64

	stacks   [EventModuleUnload + 1]event.Stack[*Event]
	handlers Handlers

	// dispatching is set while handlers run for one of our events.
	dispatching bool
	wow64Seen   bool
	detachErr   error

	bpSeq atomic.Uint64
	stats Stats
	log   *logrus.Entry
	bplog *logrus.Entry
}

func newProcess(c *Core, pid int, h Handlers, opts Options) *Process {
	p := &Process{
		PID:         pid,
		options:     opts,
		core:        c,
		threads:     avl.New(compareThreads),
		breakpoints: newSiteTree(),
		mmap:        newMmapTree(),
		allocs:      map[uint64]uint64{},
		handlers:    h,
		log:         logflags.Dispatch().WithField("pid", pid),
		bplog:       logflags.Breakpoint().WithField("pid", pid),
	}
	for k := EventAttached; k <= EventModuleUnload; k++ {
		if fn := h.structural(k); fn != nil {
			p.stacks[k].Push(fn, h.Cookie)
		}
	}
	return p
}

func (p *Process) State() State       { return p.state }
func (p *Process) Options() Options   { return p.options }
func (p *Process) Core() *Core        { return p.core }
func (p *Process) Stats() *Stats      { return &p.stats }
func (p *Process) Handle() Handle     { return Handle{PID: p.PID, Created: p.created} }
func (p *Process) MainThread() *Thread {
	for t := range p.Threads() {
		if t.Main() {
			return t
		}
	}
	return nil
}

func (p *Process) SetOptions(opts Options) { p.options = opts }

// attached fails unless breakpoints and remote code may be used.
func (p *Process) attached(op string) error {
	switch p.state {
	case StateCreated, StateAttached:
		return nil
	}
	return errorf(KindNotAttached, op, "process %d is %s", p.PID, p.state)
}

// live fails once the process cannot be accessed any more.
func (p *Process) live(op string) error {
	switch p.state {
	case StateDetached, StateExited:
		return errorf(KindNotAttached, op, "process %d is %s", p.PID, p.state)
	}
	if p.target == nil {
		return errorf(KindNotAttached, op, "process %d has no target", p.PID)
	}
	return nil
}

// Thread returns the thread with the given id, or nil.
func (p *Process) Thread(tid int) *Thread {
	n := p.threads.Search(func(t *Thread) int {
		switch {
		case tid < t.ID:
			return -1
		case tid > t.ID:
			return 1
		}
		return 0
	})
	if n == nil {
		return nil
	}
	return n.Value
}

// Threads yields the threads in id order.
func (p *Process) Threads() iter.Seq[*Thread] { return p.threads.All() }

func (p *Process) ThreadCount() int { return p.threads.Len() }

// Modules yields the modules in load order.
func (p *Process) Modules() iter.Seq[*Module] { return slices.Values(p.modules) }

// Breakpoints yields the process wide breakpoints in address order.
func (p *Process) Breakpoints() iter.Seq[*Breakpoint] {
	return func(yield func(*Breakpoint) bool) {
		for s := range p.breakpoints.All() {
			if !yield(s.bp) {
				return
			}
		}
	}
}

// Push registers fn on top of the handler stack of a structural event kind.
func (p *Process) Push(kind EventKind, fn HandlerFunc, cookie any) (*EventHandler, error) {
	if !kind.structural() {
		return nil, errorf(KindInvalidArgument, "push handler", "%s events have a single handler, use SetHandler", kind)
	}
	return p.stacks[kind].Push(fn, cookie), nil
}

// SetHandler replaces the handler of an exception event kind. A nil fn
// restores the default behaviour.
func (p *Process) SetHandler(kind EventKind, fn HandlerFunc) error {
	slot := p.handlers.slot(kind)
	if slot == nil {
		return errorf(KindInvalidArgument, "set handler", "%s events use handler stacks, use Push", kind)
	}
	*slot = fn
	return nil
}

func (p *Process) callStack(kind EventKind, ev *Event) Action {
	ev.Kind = kind
	return p.stacks[kind].Call(ev)
}

func (p *Process) callSlot(kind EventKind, ev *Event, def Action) Action {
	fn := *p.handlers.slot(kind)
	if fn == nil {
		return def
	}
	ev.Kind = kind
	return fn(ev)
}

func (p *Process) newEvent(kind EventKind, t *Thread) *Event {
	return &Event{Kind: kind, Process: p, Thread: t}
}

func (p *Process) exceptionEvent(kind EventKind, t *Thread, ev *RawEvent) *Event {
	e := p.newEvent(kind, t)
	e.Address = ev.Address
	e.FaultAddress = ev.FaultAddress
	e.Code = ev.Code
	e.FirstChance = ev.FirstChance
	e.Requested = ev.Requested
	e.DebugStatus = ev.DebugStatus
	return e
}

// addThread registers a thread reported by the platform and runs the
// thread-create handlers.
func (p *Process) addThread(tid int, flags ThreadFlags) *Thread {
	if t := p.Thread(tid); t != nil {
		p.log.WithField("tid", tid).Warn("thread reported twice")
		return t
	}
	ctx, err := p.target.OpenThread(tid)
	if err != nil {
		p.log.WithError(err).WithField("tid", tid).Error("open thread")
		return nil
	}
	t := newThread(p, tid, ctx, flags)
	t.node, _ = p.threads.Insert(t)
	if err := t.inherit(); err != nil {
		p.bplog.WithError(err).WithField("tid", tid).Error("inherit hardware breakpoints")
	}
	p.callStack(EventThreadCreate, p.newEvent(EventThreadCreate, t))
	return t
}

// releaseThread drops a thread and its thread scoped breakpoints.
func (p *Process) releaseThread(t *Thread) error {
	var errs *multierror.Error
	for _, s := range collectSites(t.breakpoints) {
		if err := s.unset(); err != nil {
			errs = multierror.Append(errs, err)
		}
		p.forgetSite(s)
	}
	// a trap lifted for this thread's step over is still owed to the others
	if s := t.restore; s != nil && s.armed && s.thread == nil && s.bp.Kind == Software {
		if err := s.ops.restore(t, s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	t.restore = nil
	t.state = ThreadExited
	if t.node != nil {
		p.threads.Delete(t.node)
		t.node = nil
	}
	if err := t.ctx.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close thread %d: %w", t.ID, err))
	}
	return errs.ErrorOrNil()
}

// Break asks the process to stop with a breakpoint event.
func (p *Process) Break() error {
	if err := p.attached("break"); err != nil {
		return err
	}
	return externalError("break", p.target.Break())
}

// Detach stops tracing the process after uninstalling every breakpoint.
// Called from a handler, the detach completes once the handler returns and
// the returned error is nil.
func (p *Process) Detach() error {
	if err := p.attached("detach"); err != nil {
		return err
	}
	p.state = StateDetachBottom
	if p.dispatching {
		return nil
	}
	return p.core.settle(p)
}

// detachBottom uninstalls breakpoints and internal single steps.
func (p *Process) detachBottom() {
	var errs *multierror.Error
	if err := p.removeAllBreakpoints(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for t := range p.Threads() {
		t.flags &^= FlagSingleStepInternal | FlagSingleStep
		t.restore = nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		p.log.WithError(err).Error("restore breakpoints before detach")
		p.detachErr = err
	}
	p.state = StateDetachTop
}

// detachTop hands the process back to the OS.
func (p *Process) detachTop() {
	if err := p.target.Detach(); err != nil {
		p.log.WithError(err).Error("detach")
		p.detachErr = multierror.Append(p.detachErr, externalError("detach", err))
		return
	}
	p.state = StateDetached
	p.log.Info("detached")
	p.destroy()
}

// prepareResume re-arms pending breakpoints with an internal single step.
func (p *Process) prepareResume() {
	for t := range p.Threads() {
		if t.restore != nil {
			t.flags |= FlagSingleStepInternal
		}
	}
}

// destroy releases everything the process owns and unlinks it from its
// core. Failures are logged; there is nobody left to return them to.
func (p *Process) destroy() {
	var errs *multierror.Error
	if err := p.target.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close target: %w", err))
	}
	for i := range p.stacks {
		p.stacks[i].Clear()
	}
	p.handlers = Handlers{}

	for _, s := range collectSites(p.breakpoints) {
		if err := s.unset(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("breakpoint %s: %w", s.bp, err))
		}
		p.forgetSite(s)
	}
	for _, t := range slices.Collect(p.Threads()) {
		if err := p.releaseThread(t); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.modules = nil
	p.mainModule = nil
	p.mmap.Clear()
	p.allocs = map[uint64]uint64{}
	p.core.unlink(p)

	if err := errs.ErrorOrNil(); err != nil {
		entry := p.log.WithError(err)
		if p.state == StateExited {
			entry.Debug("teardown after exit")
		} else {
			entry.Warn("teardown")
		}
	}
}
