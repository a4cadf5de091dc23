// Package proctest provides an in-memory platform for exercising the tracing
// engine without a real debuggee. Every call that changes the fake process
// is appended to Platform.Log, so tests can assert on ordering.
package proctest

import (
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/monsterxx03/tracer/pkg/proc"
)

// Platform is a scripted proc.Platform.
type Platform struct {
	// Log records side effects in call order.
	Log []string

	targets map[int]*Target
	pending []proc.RawEvent
	ready   chan struct{}
	nextPID int
	nextTID int

	// AttachErr, when set, fails the next Attach.
	AttachErr error
}

func New() *Platform {
	return &Platform{
		targets: map[int]*Target{},
		ready:   make(chan struct{}, 1),
		nextPID: 5000,
		nextTID: 9000,
	}
}

func (pl *Platform) logf(format string, args ...any) {
	pl.Log = append(pl.Log, fmt.Sprintf(format, args...))
}

// ResetLog clears Log.
func (pl *Platform) ResetLog() { pl.Log = nil }

// AddProcess declares a process that Attach may pick up. Its main thread
// has the same id as the process.
func (pl *Platform) AddProcess(pid int, path string, base uint64) *Target {
	t := &Target{
		pl:          pl,
		pid:         pid,
		Path:        path,
		Base:        base,
		CreatedAt:   uint64(pid) * 1000,
		Threads:     map[int]*Thread{pid: {TID: pid}},
		ExportTable: map[string]map[string]uint64{},
		nextAlloc:   0x7f0000000000,
	}
	pl.targets[pid] = t
	return t
}

// Target returns a declared process.
func (pl *Platform) Target(pid int) *Target { return pl.targets[pid] }

// Emit queues events for the next Poll.
func (pl *Platform) Emit(evs ...proc.RawEvent) {
	pl.pending = append(pl.pending, evs...)
	select {
	case pl.ready <- struct{}{}:
	default:
	}
}

func (pl *Platform) Attach(pid int) (proc.Target, error) {
	if err := pl.AttachErr; err != nil {
		pl.AttachErr = nil
		return nil, err
	}
	t, ok := pl.targets[pid]
	if !ok {
		return nil, syscall.ESRCH
	}
	pl.logf("attach %d", pid)
	t.announce()
	return t, nil
}

// Exec declares a new process for path and attaches to it.
func (pl *Platform) Exec(path string, argv []string) (proc.Target, error) {
	pid := pl.nextPID
	pl.nextPID++
	t := pl.AddProcess(pid, path, 0x400000)
	t.Argv = argv
	pl.logf("exec %s", path)
	t.announce()
	return t, nil
}

func (pl *Platform) Ready() <-chan struct{} { return pl.ready }

func (pl *Platform) Poll() ([]proc.RawEvent, error) {
	evs := pl.pending
	pl.pending = nil
	return evs, nil
}

func (pl *Platform) Close() error { return nil }

// Breakpoint builds the trap event a thread reports after hitting int3 at
// addr.
func Breakpoint(pid, tid int, addr uint64) proc.RawEvent {
	return proc.RawEvent{
		Kind:        proc.RawException,
		PID:         pid,
		TID:         tid,
		Code:        proc.CodeBreakpoint,
		Address:     addr,
		FirstChance: true,
		Stopped:     true,
	}
}

// SingleStep builds a debug trap with the given DR6 value.
func SingleStep(pid, tid int, dr6 uint64) proc.RawEvent {
	return proc.RawEvent{
		Kind:        proc.RawException,
		PID:         pid,
		TID:         tid,
		Code:        proc.CodeSingleStep,
		DebugStatus: dr6,
		FirstChance: true,
		Stopped:     true,
	}
}

// Exception builds a first chance exception event.
func Exception(pid, tid int, code uint32, addr uint64) proc.RawEvent {
	return proc.RawEvent{
		Kind:        proc.RawException,
		PID:         pid,
		TID:         tid,
		Code:        code,
		Address:     addr,
		FirstChance: true,
		Stopped:     true,
	}
}

// Module is a library reported at attach time.
type Module struct {
	Base uint64
	Path string
}

// Continue records one Target.Continue call.
type Continue struct {
	TID     int
	Forward bool
	Step    bool
}

type region struct {
	addr uint64
	data []byte
}

// Target is a fake traced process.
type Target struct {
	pl   *Platform
	pid  int
	Path string
	Base uint64
	Argv []string

	CreatedAt uint64
	Threads   map[int]*Thread
	// ExtraThreads are reported, besides the main thread, at attach.
	ExtraThreads []int
	Modules      []Module
	// ExportTable maps a module path to its symbols.
	ExportTable map[string]map[string]uint64
	Areas       []proc.MmapArea
	Continues   []Continue

	Detached  bool
	Closed    bool
	DetachErr error
	// WriteErr, when set, fails every memory write.
	WriteErr error

	regions   []*region
	nextAlloc uint64
}

// Thread is the fake state of a traced thread.
type Thread struct {
	TID    int
	PC     uint64
	Regs   proc.DebugRegisters
	Open   bool
	Closed bool
	Entry  uint64
	Arg    uint64
}

func (t *Target) announce() {
	evs := []proc.RawEvent{{
		Kind: proc.RawCreateProcess,
		PID:  t.pid,
		TID:  t.pid,
		Base: t.Base,
		Path: t.Path,
	}}
	for _, tid := range t.ExtraThreads {
		if _, ok := t.Threads[tid]; !ok {
			t.Threads[tid] = &Thread{TID: tid}
		}
		evs = append(evs, proc.RawEvent{Kind: proc.RawCreateThread, PID: t.pid, TID: tid, Stopped: true})
	}
	for _, m := range t.Modules {
		evs = append(evs, proc.RawEvent{Kind: proc.RawLoadModule, PID: t.pid, TID: t.pid, Base: m.Base, Path: m.Path})
	}
	evs = append(evs, Breakpoint(t.pid, t.pid, t.Threads[t.pid].PC))
	t.pl.Emit(evs...)
}

// Map backs [addr, addr+len(data)) with a copy of data.
func (t *Target) Map(addr uint64, data []byte) {
	t.regions = append(t.regions, &region{addr: addr, data: append([]byte(nil), data...)})
}

// Bytes returns n bytes at addr, or nil when unmapped.
func (t *Target) Bytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	if _, err := t.ReadMemory(buf, addr); err != nil {
		return nil
	}
	return buf
}

func (t *Target) find(addr uint64) *region {
	for _, r := range t.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

func (t *Target) PID() int        { return t.pid }
func (t *Target) Created() uint64 { return t.CreatedAt }

func (t *Target) ReadMemory(dst []byte, addr uint64) (int, error) {
	n := 0
	for n < len(dst) {
		r := t.find(addr + uint64(n))
		if r == nil {
			return n, syscall.EFAULT
		}
		n += copy(dst[n:], r.data[addr+uint64(n)-r.addr:])
	}
	return n, nil
}

func (t *Target) WriteMemory(addr uint64, src []byte) (int, error) {
	if t.WriteErr != nil {
		return 0, t.WriteErr
	}
	n := 0
	for n < len(src) {
		r := t.find(addr + uint64(n))
		if r == nil {
			return n, syscall.EFAULT
		}
		n += copy(r.data[addr+uint64(n)-r.addr:], src[n:])
	}
	t.pl.logf("write %#x % x", addr, src)
	return n, nil
}

func (t *Target) OpenThread(tid int) (proc.ThreadContext, error) {
	th, ok := t.Threads[tid]
	if !ok {
		th = &Thread{TID: tid}
		t.Threads[tid] = th
	}
	th.Open = true
	t.pl.logf("open-thread %d", tid)
	return &threadContext{t: t, th: th}, nil
}

func (t *Target) Continue(ev *proc.RawEvent, forward, step bool) error {
	t.Continues = append(t.Continues, Continue{TID: ev.TID, Forward: forward, Step: step})
	t.pl.logf("continue %d forward=%t step=%t", ev.TID, forward, step)
	return nil
}

// LastContinue returns the most recent Continue call.
func (t *Target) LastContinue() Continue {
	if len(t.Continues) == 0 {
		return Continue{}
	}
	return t.Continues[len(t.Continues)-1]
}

func (t *Target) Break() error {
	t.pl.logf("break %d", t.pid)
	ev := Breakpoint(t.pid, t.pid, t.Threads[t.pid].PC)
	ev.Requested = true
	t.pl.Emit(ev)
	return nil
}

func (t *Target) Detach() error {
	t.pl.logf("detach %d", t.pid)
	if t.DetachErr != nil {
		return t.DetachErr
	}
	t.Detached = true
	return nil
}

func (t *Target) Close() error {
	t.pl.logf("close %d", t.pid)
	t.Closed = true
	return nil
}

func (t *Target) MemoryMap() ([]proc.MmapArea, error) {
	return append([]proc.MmapArea(nil), t.Areas...), nil
}

func (t *Target) Allocate(size uint64) (uint64, error) {
	addr := t.nextAlloc
	t.nextAlloc += (size + 0xfff) &^ 0xfff
	t.Map(addr, make([]byte, size))
	t.pl.logf("allocate %#x %d", addr, size)
	return addr, nil
}

func (t *Target) Free(addr, size uint64) error {
	for i, r := range t.regions {
		if r.addr == addr {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			t.pl.logf("free %#x %d", addr, size)
			return nil
		}
	}
	return syscall.EINVAL
}

// CreateThread starts a stopped thread at entry and queues its
// create-thread event.
func (t *Target) CreateThread(entry, arg uint64) (int, error) {
	tid := t.pl.nextTID
	t.pl.nextTID++
	t.Threads[tid] = &Thread{TID: tid, PC: entry, Entry: entry, Arg: arg}
	t.pl.logf("create-thread %d entry=%#x arg=%#x", tid, entry, arg)
	t.pl.Emit(proc.RawEvent{Kind: proc.RawCreateThread, PID: t.pid, TID: tid, Stopped: true})
	return tid, nil
}

// ExitThread queues the exit of tid.
func (t *Target) ExitThread(tid, code int) {
	t.pl.Emit(proc.RawEvent{Kind: proc.RawExitThread, PID: t.pid, TID: tid, ExitCode: code})
}

// Exit queues the exit of the process.
func (t *Target) Exit(code int) {
	t.pl.Emit(proc.RawEvent{Kind: proc.RawExitProcess, PID: t.pid, TID: t.pid, ExitCode: code})
}

func (t *Target) Exports(m *proc.Module) (map[string]uint64, error) {
	syms, ok := t.ExportTable[m.Path]
	if !ok {
		return nil, fmt.Errorf("no export table for %s", filepath.Base(m.Path))
	}
	return syms, nil
}

type threadContext struct {
	t  *Target
	th *Thread
}

func (c *threadContext) ID() int { return c.th.TID }

func (c *threadContext) PC() (uint64, error) { return c.th.PC, nil }

func (c *threadContext) SetPC(pc uint64) error {
	c.th.PC = pc
	c.t.pl.logf("set-pc %d %#x", c.th.TID, pc)
	return nil
}

func (c *threadContext) SetDebugRegisters(r *proc.DebugRegisters) error {
	c.th.Regs = *r
	c.t.pl.logf("set-dr %d dr7=%#x", c.th.TID, r.Control())
	return nil
}

func (c *threadContext) Close() error {
	c.th.Closed = true
	c.t.pl.logf("close-thread %d", c.th.TID)
	return nil
}
