package proc

import (
	"cmp"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/monsterxx03/tracer/pkg/avl"
)

// BreakpointKind selects how a breakpoint is implemented.
type BreakpointKind uint8

const (
	// Software breakpoints patch a trap instruction into the code.
	Software BreakpointKind = iota
	// Hardware breakpoints use the debug registers of every thread.
	Hardware
)

func (k BreakpointKind) String() string {
	if k == Hardware {
		return "hardware"
	}
	return "software"
}

type BreakpointFlags uint32

const (
	// BreakpointOneShot removes the breakpoint the first time it fires.
	BreakpointOneShot BreakpointFlags = 1 << iota
	BreakpointDisabled
	// BreakpointConditional calls Condition before Handler and skips the
	// handler when it returns false.
	BreakpointConditional
)

// Breakpoint describes a breakpoint owned by the caller. While set, the
// engine keeps an internal site pointing back to it; the Breakpoint must not
// be modified until it is removed.
type Breakpoint struct {
	// Address is used unless Symbol names an export, "module!name" or
	// just "name".
	Address uint64
	Symbol  string

	Kind BreakpointKind
	// Type and Size apply to hardware breakpoints.
	Type HWType
	Size int

	Flags     BreakpointFlags
	Handler   HandlerFunc
	Cookie    any
	Condition func(ev *Event) bool

	id   uint64
	hits atomic.Uint64
	site *breakpointSite
}

// NewSoftwareBreakpoint returns a process wide trap instruction breakpoint.
func NewSoftwareBreakpoint(addr uint64, h HandlerFunc, cookie any) *Breakpoint {
	return &Breakpoint{Address: addr, Kind: Software, Handler: h, Cookie: cookie}
}

// NewHardwareBreakpoint returns a debug register breakpoint.
func NewHardwareBreakpoint(addr uint64, t HWType, size int, h HandlerFunc, cookie any) *Breakpoint {
	return &Breakpoint{Address: addr, Kind: Hardware, Type: t, Size: size, Handler: h, Cookie: cookie}
}

// ID is unique within the process the breakpoint was first set in.
func (bp *Breakpoint) ID() uint64 { return bp.id }

// Hits counts how often the breakpoint fired. Safe for concurrent use.
func (bp *Breakpoint) Hits() uint64 { return bp.hits.Load() }

// Set reports whether the breakpoint is installed.
func (bp *Breakpoint) Set() bool { return bp.site != nil }

// ResolvedAddress is the address the breakpoint is installed at.
func (bp *Breakpoint) ResolvedAddress() uint64 {
	if bp.site != nil {
		return bp.site.addr
	}
	return bp.Address
}

func (bp *Breakpoint) Scope() Scope {
	if bp.site != nil && bp.site.thread != nil {
		return ScopeThread
	}
	return ScopeProcess
}

func (bp *Breakpoint) Enabled() bool { return bp.Flags&BreakpointDisabled == 0 }

// Disable lifts the breakpoint from the program but keeps it registered.
func (bp *Breakpoint) Disable() error {
	if !bp.Enabled() {
		return nil
	}
	if s := bp.site; s != nil && s.armed {
		if err := s.unset(); err != nil {
			return err
		}
	}
	bp.Flags |= BreakpointDisabled
	return nil
}

// Enable re-installs a disabled breakpoint.
func (bp *Breakpoint) Enable() error {
	if bp.Enabled() {
		return nil
	}
	if s := bp.site; s != nil && !s.armed {
		if err := s.set(); err != nil {
			return err
		}
	}
	bp.Flags &^= BreakpointDisabled
	return nil
}

func (bp *Breakpoint) String() string {
	where := fmt.Sprintf("%#x", bp.ResolvedAddress())
	if bp.Symbol != "" {
		where = bp.Symbol + "@" + where
	}
	return fmt.Sprintf("#%d %s %s", bp.id, bp.Kind, where)
}

// breakpointOps installs one kind of breakpoint.
type breakpointOps interface {
	threadSet(t *Thread, s *breakpointSite) error
	threadRemove(t *Thread, s *breakpointSite) error
	processSet(p *Process, s *breakpointSite) error
	processRemove(p *Process, s *breakpointSite) error
	// suppress lets the thread execute past the breakpoint once.
	suppress(t *Thread, s *breakpointSite) error
	// restore re-arms a suppressed breakpoint.
	restore(t *Thread, s *breakpointSite) error
}

func opsFor(k BreakpointKind) breakpointOps {
	if k == Hardware {
		return hardwareOps{}
	}
	return softwareOps{}
}

// breakpointSite is the engine's record of an installed breakpoint. There is
// at most one per address in a process tree or a thread tree.
type breakpointSite struct {
	addr    uint64
	bp      *Breakpoint
	ops     breakpointOps
	process *Process
	// thread is set for thread scoped sites.
	thread *Thread
	node   *avl.Node[*breakpointSite]
	armed  bool

	// orig holds the bytes under a software trap.
	orig []byte
	// slot is the debug register of a hardware breakpoint, -1 if none.
	slot int
}

func compareSites(a, b *breakpointSite) int { return cmp.Compare(a.addr, b.addr) }

func newSiteTree() *avl.Tree[*breakpointSite] { return avl.New(compareSites) }

func findSite(tr *avl.Tree[*breakpointSite], addr uint64) *breakpointSite {
	n := tr.Search(func(s *breakpointSite) int { return cmp.Compare(addr, s.addr) })
	if n == nil {
		return nil
	}
	return n.Value
}

func (s *breakpointSite) set() error {
	var err error
	if s.thread != nil {
		err = s.ops.threadSet(s.thread, s)
	} else {
		err = s.ops.processSet(s.process, s)
	}
	if err == nil {
		s.armed = true
	}
	return err
}

func (s *breakpointSite) unset() error {
	if !s.armed {
		return nil
	}
	var err error
	if s.thread != nil {
		err = s.ops.threadRemove(s.thread, s)
	} else {
		err = s.ops.processRemove(s.process, s)
	}
	if err == nil {
		s.armed = false
	}
	return err
}

func (p *Process) resolve(bp *Breakpoint) (uint64, error) {
	if bp.Symbol == "" {
		return bp.Address, nil
	}
	addr, err := p.ExportFind(bp.Symbol)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func (p *Process) newSite(bp *Breakpoint, addr uint64, t *Thread) (*breakpointSite, error) {
	if bp.Kind == Hardware {
		if err := validHWBreakpoint(bp.Type, bp.Size, addr); err != nil {
			return nil, newError(KindInvalidArgument, "set breakpoint", err)
		}
	}
	if bp.site != nil {
		return nil, errorf(KindAlreadyExists, "set breakpoint", "%s is already set", bp)
	}
	return &breakpointSite{addr: addr, bp: bp, ops: opsFor(bp.Kind), process: p, thread: t, slot: -1}, nil
}

func (p *Process) register(bp *Breakpoint, s *breakpointSite, tr *avl.Tree[*breakpointSite]) {
	n, _ := tr.Insert(s)
	s.node = n
	bp.site = s
	if bp.id == 0 {
		bp.id = p.bpSeq.Inc()
	}
	p.bplog.WithField("breakpoint", bp.String()).Debug("breakpoint set")
}

// SetBreakpoint installs bp for every thread of the process. When setting
// fails bp is left untouched and may be reused.
func (p *Process) SetBreakpoint(bp *Breakpoint) error {
	if err := p.attached("set breakpoint"); err != nil {
		return err
	}
	addr, err := p.resolve(bp)
	if err != nil {
		return err
	}
	if findSite(p.breakpoints, addr) != nil {
		return newError(KindAlreadyExists, "set breakpoint", BreakpointExistsError{Addr: addr})
	}
	s, err := p.newSite(bp, addr, nil)
	if err != nil {
		return err
	}
	if bp.Enabled() {
		if err := s.set(); err != nil {
			return err
		}
	}
	p.register(bp, s, p.breakpoints)
	return nil
}

// RemoveBreakpoint uninstalls a process wide breakpoint.
func (p *Process) RemoveBreakpoint(bp *Breakpoint) error {
	addr, err := p.resolve(bp)
	if err != nil {
		return err
	}
	s := findSite(p.breakpoints, addr)
	if s == nil || s.bp != bp {
		return newError(KindNotFound, "remove breakpoint", NoBreakpointError{Addr: addr})
	}
	return p.removeSite(s)
}

// FindBreakpoint returns the process wide breakpoint at addr.
func (p *Process) FindBreakpoint(addr uint64) *Breakpoint {
	if s := findSite(p.breakpoints, addr); s != nil {
		return s.bp
	}
	return nil
}

// SetBreakpoint installs bp for this thread only. Software breakpoints
// cannot be thread scoped.
func (t *Thread) SetBreakpoint(bp *Breakpoint) error {
	p := t.process
	if err := p.attached("set breakpoint"); err != nil {
		return err
	}
	addr, err := p.resolve(bp)
	if err != nil {
		return err
	}
	if findSite(t.breakpoints, addr) != nil {
		return newError(KindAlreadyExists, "set breakpoint", BreakpointExistsError{Addr: addr, TID: t.ID})
	}
	s, err := p.newSite(bp, addr, t)
	if err != nil {
		return err
	}
	if bp.Enabled() {
		if err := s.set(); err != nil {
			return err
		}
	}
	p.register(bp, s, t.breakpoints)
	return nil
}

func (t *Thread) RemoveBreakpoint(bp *Breakpoint) error {
	addr, err := t.process.resolve(bp)
	if err != nil {
		return err
	}
	s := findSite(t.breakpoints, addr)
	if s == nil || s.bp != bp {
		return newError(KindNotFound, "remove breakpoint", NoBreakpointError{Addr: addr})
	}
	return t.process.removeSite(s)
}

func (t *Thread) FindBreakpoint(addr uint64) *Breakpoint {
	if s := findSite(t.breakpoints, addr); s != nil {
		return s.bp
	}
	return nil
}

// removeSite uninstalls s and drops it from its tree. The site stays
// registered when the platform refuses to uninstall it.
func (p *Process) removeSite(s *breakpointSite) error {
	if err := s.unset(); err != nil {
		return err
	}
	p.forgetSite(s)
	return nil
}

func (p *Process) forgetSite(s *breakpointSite) {
	tr := p.breakpoints
	if s.thread != nil {
		tr = s.thread.breakpoints
	}
	if s.node != nil {
		tr.Delete(s.node)
		s.node = nil
	}
	for t := range p.Threads() {
		if t.restore == s {
			t.restore = nil
		}
	}
	if s.bp.site == s {
		s.bp.site = nil
	}
	p.bplog.WithField("breakpoint", s.bp.String()).Debug("breakpoint removed")
}

// handleBreakpoint decides what a trap at addr means. Registered breakpoints
// are always dropped; unknown traps belong to the program unless the low
// level breakpoint handler claims them.
func (p *Process) handleBreakpoint(t *Thread, addr uint64, ev *RawEvent) Action {
	s := findSite(t.breakpoints, addr)
	if s == nil {
		s = findSite(p.breakpoints, addr)
	}
	if s == nil {
		act := p.callSlot(EventBreakpoint, p.exceptionEvent(EventBreakpoint, t, ev), Forward)
		if ev.Requested {
			return Drop
		}
		return act
	}
	return p.breakpointHit(t, s, ev)
}

func (p *Process) breakpointHit(t *Thread, s *breakpointSite, ev *RawEvent) Action {
	bp := s.bp
	if !bp.Enabled() {
		return Drop
	}
	if err := s.ops.suppress(t, s); err != nil {
		p.bplog.WithError(err).WithField("breakpoint", bp.String()).Error("suppress breakpoint")
	}
	bp.hits.Inc()

	if bp.Flags&BreakpointOneShot != 0 {
		if err := p.removeSite(s); err != nil {
			p.bplog.WithError(err).WithField("breakpoint", bp.String()).Error("remove one-shot breakpoint")
		}
	} else {
		t.restore = s
	}

	e := p.exceptionEvent(EventBreakpoint, t, ev)
	e.Breakpoint = bp
	e.Address = s.addr
	e.Cookie = bp.Cookie
	if bp.Flags&BreakpointConditional != 0 && bp.Condition != nil && !bp.Condition(e) {
		return Drop
	}
	if bp.Handler != nil {
		bp.Handler(e)
	}
	return Drop
}

// removeAllBreakpoints uninstalls every site of the process and its threads.
func (p *Process) removeAllBreakpoints() error {
	var errs *multierror.Error
	sites := collectSites(p.breakpoints)
	for t := range p.Threads() {
		sites = append(sites, collectSites(t.breakpoints)...)
	}
	for _, s := range sites {
		if err := s.unset(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("breakpoint %s: %w", s.bp, err))
		}
		p.forgetSite(s)
	}
	return errs.ErrorOrNil()
}

func collectSites(tr *avl.Tree[*breakpointSite]) []*breakpointSite {
	sites := make([]*breakpointSite, 0, tr.Len())
	for s := range tr.All() {
		sites = append(sites, s)
	}
	return sites
}
