//go:build linux && amd64

package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/procmaps"
)

type thread struct {
	tid      int
	stopped  bool
	stepping bool
	// fresh threads were created by clone and have not stopped yet.
	fresh bool
	// stopSent is set while a SIGSTOP sent by the tracer is undelivered.
	stopSent bool
	// trapPC is the address of the int3 the thread is stopped on.
	trapPC   uint64
	deferred unix.Signal
}

func (th *thread) takeDeferred() unix.Signal {
	sig := th.deferred
	th.deferred = 0
	return sig
}

// injection is the start state of a thread made by CreateThread.
type injection struct {
	entry uint64
	arg   uint64
	sp    uint64
}

// Target is one process traced with ptrace.
type Target struct {
	pl      *Platform
	pid     int
	created uint64
	exe     string
	mem     *os.File

	threads map[int]*thread
	inject  map[int]injection
	images  []procmaps.Image
	gone    bool
	log     *logrus.Entry
}

func newTarget(pl *Platform, pid int, created uint64, exe string) *Target {
	t := &Target{
		pl:      pl,
		pid:     pid,
		created: created,
		exe:     exe,
		threads: map[int]*thread{},
		inject:  map[int]injection{},
		log:     pl.log.WithField("pid", pid),
	}
	pl.targets[pid] = t
	return t
}

func (t *Target) PID() int        { return t.pid }
func (t *Target) Created() uint64 { return t.created }

func (t *Target) addThread(tid int) *thread {
	th := &thread{tid: tid}
	t.threads[tid] = th
	t.pl.tids[tid] = t
	return th
}

func (t *Target) forget(tid int) {
	delete(t.threads, tid)
	delete(t.inject, tid)
	delete(t.pl.tids, tid)
}

func (t *Target) openMemory() error {
	f, err := os.OpenFile(filepath.Join(procfs.DefaultMountPoint, strconv.Itoa(t.pid), "mem"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open memory of %d: %w", t.pid, err)
	}
	t.mem = f
	return nil
}

// attachThread waits for the stop caused by PTRACE_ATTACH.
func (t *Target) attachThread(tid int) error {
	th := t.addThread(tid)
	th.stopSent = true
	if err := t.waitStop(th, false); err != nil {
		return err
	}
	return unix.PtraceSetOptions(tid, ptraceOptions)
}

// announce queues the events describing a freshly traced process. The
// main thread must be stopped.
func (t *Target) announce(others []int) {
	images, err := t.pl.images(t.pid)
	if err != nil {
		t.log.WithError(err).Warn("read memory map")
	}
	t.images = images

	create := proc.RawEvent{Kind: proc.RawCreateProcess, PID: t.pid, TID: t.pid, Path: t.exe}
	var libs []proc.RawEvent
	for _, img := range images {
		if img.Path == t.exe && create.Base == 0 {
			create.Base = img.Base
			continue
		}
		libs = append(libs, proc.RawEvent{Kind: proc.RawLoadModule, PID: t.pid, TID: t.pid, Base: img.Base, Path: img.Path})
	}
	evs := []proc.RawEvent{create}
	for _, tid := range others {
		evs = append(evs, proc.RawEvent{Kind: proc.RawCreateThread, PID: t.pid, TID: tid, Stopped: true})
	}
	evs = append(evs, libs...)

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		t.log.WithError(err).Warn("read registers")
	}
	evs = append(evs, proc.RawEvent{
		Kind:        proc.RawException,
		PID:         t.pid,
		TID:         t.pid,
		Code:        proc.CodeBreakpoint,
		Address:     regs.Rip,
		FirstChance: true,
		Stopped:     true,
	})
	t.pl.emit(evs...)
}

// waitStop waits until th delivers the SIGSTOP the tracer expects. Other
// signals arriving first are deferred. With hold set, a trap stop ends the
// wait and is reported as an event; otherwise traps are discarded.
func (t *Target) waitStop(th *thread, hold bool) error {
	for th.stopSent || th.fresh {
		ws, ok := t.pl.orphans[th.tid]
		if ok {
			delete(t.pl.orphans, th.tid)
		} else if _, err := unix.Wait4(th.tid, &ws, unix.WALL, nil); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		switch {
		case ws.Exited() || ws.Signaled():
			t.exited(th.tid, exitCode(ws))
			return unix.ESRCH
		case isCloneEvent(ws):
			t.recordClone(th.tid)
		case ws.TrapCause() > 0:
		case ws.StopSignal() == unix.SIGSTOP:
			th.stopSent = false
			th.fresh = false
			th.stopped = true
			return nil
		case ws.StopSignal() == unix.SIGTRAP && hold:
			t.stopped(th.tid, ws)
			t.pl.signal()
			return nil
		case ws.StopSignal() == unix.SIGTRAP:
			t.dropTrap(th)
		default:
			th.deferred = ws.StopSignal()
		}
		if err := ptraceCont(th.tid, 0); err != nil {
			return err
		}
	}
	return nil
}

// dropTrap discards a trap stop. A thread that hit an int3 which is gone
// by now is moved back onto the restored instruction.
func (t *Target) dropTrap(th *thread) {
	si, err := getSiginfo(th.tid)
	if err != nil || (si.Code != siKernel && si.Code != trapBrkpt) {
		return
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.tid, &regs); err != nil {
		return
	}
	t.rewind(th.tid, regs.Rip-1)
}

// rewind sets the pc of tid to addr unless an int3 is still there.
func (t *Target) rewind(tid int, addr uint64) {
	b := make([]byte, 1)
	if _, err := t.ReadMemory(b, addr); err != nil || b[0] == trapByte {
		return
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return
	}
	regs.Rip = addr
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		t.log.WithError(err).WithField("tid", tid).Warn("rewind pc")
	}
}

// stopThread interrupts a running thread. ours is false when the thread
// was already stopped, or stopped for an event that is now queued.
func (t *Target) stopThread(th *thread) (ours bool, err error) {
	if th.stopped {
		return false, nil
	}
	if !th.stopSent && !th.fresh {
		if err := unix.Tgkill(t.pid, th.tid, unix.SIGSTOP); err != nil {
			return false, err
		}
		th.stopSent = true
	}
	if err := t.waitStop(th, true); err != nil {
		return false, err
	}
	return !th.stopSent, nil
}

// withStopped runs fn while th is stopped and restarts it afterwards if
// it had been running.
func (t *Target) withStopped(th *thread, fn func(th *thread) error) error {
	ours, err := t.stopThread(th)
	if err != nil {
		return err
	}
	err = fn(th)
	if ours {
		if rerr := t.resume(th, th.takeDeferred()); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (t *Target) resume(th *thread, sig unix.Signal) error {
	th.stopped = false
	if th.stepping {
		return ptraceStep(th.tid, sig)
	}
	return ptraceCont(th.tid, sig)
}

func (t *Target) recordClone(parent int) {
	msg, err := unix.PtraceGetEventMsg(parent)
	if err != nil {
		t.log.WithError(err).WithField("tid", parent).Warn("clone event")
		return
	}
	child := int(msg)
	t.addThread(child).fresh = true
	if _, ok := t.pl.orphans[child]; ok {
		t.pl.signal()
	}
}

// stopped handles a stop reported by Poll.
func (t *Target) stopped(tid int, ws unix.WaitStatus) {
	th := t.threads[tid]
	if th == nil {
		return
	}
	th.stopped = true
	sig := ws.StopSignal()
	switch {
	case isCloneEvent(ws):
		t.recordClone(tid)
		t.resumeOrLog(th, 0)
		return
	case ws.TrapCause() > 0:
		t.resumeOrLog(th, 0)
		return
	case th.fresh:
		t.firstStop(th, sig)
		return
	case sig == unix.SIGSTOP && th.stopSent:
		th.stopSent = false
		t.resumeOrLog(th, 0)
		return
	}
	t.pl.emit(t.exception(th, sig)...)
}

func (t *Target) resumeOrLog(th *thread, sig unix.Signal) {
	if err := t.resume(th, sig); err != nil {
		t.log.WithError(err).WithField("tid", th.tid).Warn("resume")
	}
}

// firstStop reports a new thread. Injected threads are moved to their
// entry point before anything else runs.
func (t *Target) firstStop(th *thread, sig unix.Signal) {
	th.fresh = false
	if sig != unix.SIGSTOP {
		th.deferred = sig
	}
	if inj, ok := t.inject[th.tid]; ok {
		var regs unix.PtraceRegs
		err := unix.PtraceGetRegs(th.tid, &regs)
		if err == nil {
			regs.Rip = inj.entry
			regs.Rdi = inj.arg
			regs.Rsp = inj.sp
			regs.Orig_rax = ^uint64(0)
			err = unix.PtraceSetRegs(th.tid, &regs)
		}
		if err != nil {
			t.log.WithError(err).WithField("tid", th.tid).Error("start injected thread")
		}
	}
	t.pl.emit(proc.RawEvent{Kind: proc.RawCreateThread, PID: t.pid, TID: th.tid, Stopped: true})
}

// exception builds the events for a signal stop: module changes first,
// then the exception itself.
func (t *Target) exception(th *thread, sig unix.Signal) []proc.RawEvent {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.tid, &regs); err != nil {
		t.log.WithError(err).WithField("tid", th.tid).Warn("read registers")
	}
	si, err := getSiginfo(th.tid)
	if err != nil {
		t.log.WithError(err).WithField("tid", th.tid).Warn("read siginfo")
		si.Code = siKernel
	}
	ev := proc.RawEvent{
		Kind:        proc.RawException,
		PID:         t.pid,
		TID:         th.tid,
		Address:     regs.Rip,
		FirstChance: true,
		Signal:      int(sig),
		Stopped:     true,
	}
	if sig != unix.SIGTRAP {
		ev.Code = signalCode(sig, si.Code)
		ev.FaultAddress = si.Addr
		return []proc.RawEvent{ev}
	}

	evs := t.refreshModules(th.tid)
	ev.Signal = 0
	switch {
	case si.Code <= 0:
		ev.Code = proc.CodeBreakpoint
		ev.Requested = true
	case si.Code == trapTrace:
		ev.Code = proc.CodeSingleStep
		ev.DebugStatus = proc.DR6SingleStep | t.takeDR6(th.tid)
	case si.Code == trapHWBkpt:
		ev.Code = proc.CodeSingleStep
		ev.DebugStatus = t.takeDR6(th.tid)
	default:
		ev.Code = proc.CodeBreakpoint
		ev.Address = regs.Rip - 1
		ev.Signal = int(unix.SIGTRAP)
		th.trapPC = ev.Address
	}
	return append(evs, ev)
}

// takeDR6 reads and clears the debug status register.
func (t *Target) takeDR6(tid int) uint64 {
	dr6, err := peekDebugReg(tid, 6)
	if err != nil {
		t.log.WithError(err).WithField("tid", tid).Warn("read dr6")
		return 0
	}
	if err := pokeDebugReg(tid, 6, 0); err != nil {
		t.log.WithError(err).WithField("tid", tid).Warn("clear dr6")
	}
	return dr6
}

// refreshModules diffs the executable mappings against the last look.
func (t *Target) refreshModules(tid int) []proc.RawEvent {
	images, err := t.pl.images(t.pid)
	if err != nil {
		t.log.WithError(err).Debug("read memory map")
		return nil
	}
	loaded, unloaded := procmaps.Diff(t.images, images)
	t.images = images
	var evs []proc.RawEvent
	for _, img := range unloaded {
		evs = append(evs, proc.RawEvent{Kind: proc.RawUnloadModule, PID: t.pid, TID: tid, Base: img.Base, Path: img.Path})
	}
	for _, img := range loaded {
		evs = append(evs, proc.RawEvent{Kind: proc.RawLoadModule, PID: t.pid, TID: tid, Base: img.Base, Path: img.Path})
	}
	return evs
}

func (t *Target) exited(tid, code int) {
	t.forget(tid)
	if tid != t.pid {
		t.pl.emit(proc.RawEvent{Kind: proc.RawExitThread, PID: t.pid, TID: tid, ExitCode: code})
		return
	}
	for other := range t.threads {
		t.forget(other)
	}
	t.gone = true
	t.pl.emit(proc.RawEvent{Kind: proc.RawExitProcess, PID: t.pid, TID: tid, ExitCode: code})
}

func memError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) {
		return unix.EFAULT
	}
	return err
}

func (t *Target) ReadMemory(dst []byte, addr uint64) (int, error) {
	if t.mem == nil || t.gone {
		return 0, unix.ESRCH
	}
	n, err := t.mem.ReadAt(dst, int64(addr))
	return n, memError(err)
}

func (t *Target) WriteMemory(addr uint64, src []byte) (int, error) {
	if t.mem == nil || t.gone {
		return 0, unix.ESRCH
	}
	n, err := t.mem.WriteAt(src, int64(addr))
	return n, memError(err)
}

func (t *Target) OpenThread(tid int) (proc.ThreadContext, error) {
	if t.threads[tid] == nil {
		return nil, unix.ESRCH
	}
	return &threadContext{t: t, tid: tid}, nil
}

func (t *Target) Continue(ev *proc.RawEvent, forward, step bool) error {
	th := t.threads[ev.TID]
	if th == nil || !th.stopped {
		return nil
	}
	var sig unix.Signal
	if forward {
		sig = unix.Signal(ev.Signal)
	}
	if sig == 0 {
		sig = th.takeDeferred()
	}
	th.stepping = step
	th.trapPC = 0
	return t.resume(th, sig)
}

func (t *Target) Break() error {
	return unix.Tgkill(t.pid, t.pid, unix.SIGTRAP)
}

// Detach releases every thread, including threads cloned while detaching.
func (t *Target) Detach() error {
	var result *multierror.Error
	for len(t.threads) > 0 {
		for tid, th := range t.threads {
			if err := t.detachThread(th); err != nil {
				result = multierror.Append(result, fmt.Errorf("thread %d: %w", tid, err))
			}
			t.forget(tid)
		}
	}
	delete(t.pl.targets, t.pid)
	t.log.Info("detached")
	return result.ErrorOrNil()
}

func (t *Target) detachThread(th *thread) error {
	if th.stopped && th.stopSent {
		// a queued event stopped the thread before our SIGSTOP did
		if th.trapPC != 0 {
			t.rewind(th.tid, th.trapPC)
		}
		th.trapPC = 0
		if err := ptraceCont(th.tid, 0); err != nil {
			return err
		}
		th.stopped = false
	}
	if !th.stopped && !th.stopSent && !th.fresh {
		if err := unix.Tgkill(t.pid, th.tid, unix.SIGSTOP); err != nil {
			return err
		}
		th.stopSent = true
	}
	if err := t.waitStop(th, false); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	if th.trapPC != 0 {
		t.rewind(th.tid, th.trapPC)
	}
	return ptraceDetach(th.tid, th.takeDeferred())
}

func (t *Target) Close() error {
	for tid := range t.threads {
		t.forget(tid)
	}
	delete(t.pl.targets, t.pid)
	if t.mem == nil {
		return nil
	}
	err := t.mem.Close()
	t.mem = nil
	return err
}

func (t *Target) MemoryMap() ([]proc.MmapArea, error) {
	ranges, err := procmaps.ReadProcMaps(t.pid)
	if err != nil {
		return nil, err
	}
	return procmaps.Areas(ranges), nil
}

func (t *Target) Exports(m *proc.Module) (map[string]uint64, error) {
	return t.pl.bins.Exports(m.Path, m.Base)
}

func (t *Target) Allocate(size uint64) (uint64, error) {
	return t.remoteSyscall(unix.SYS_MMAP, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uint64(0), 0)
}

func (t *Target) Free(addr, size uint64) error {
	_, err := t.remoteSyscall(unix.SYS_MUNMAP, addr, size)
	return err
}

// CreateThread clones a thread running entry(arg) on a new stack. When
// entry returns, the exit stub ends the thread with its return value.
func (t *Target) CreateThread(entry, arg uint64) (int, error) {
	// TODO: unmap the stacks of injected threads once they exit.
	stack, err := t.Allocate(injectStackSize)
	if err != nil {
		return 0, err
	}
	sp := stack + injectStackSize - 8
	ret := make([]byte, 8)
	binary.LittleEndian.PutUint64(ret, stack)
	if _, err := t.WriteMemory(stack, exitStub); err != nil {
		return 0, err
	}
	if _, err := t.WriteMemory(sp, ret); err != nil {
		return 0, err
	}

	const flags = unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES | unix.CLONE_SIGHAND |
		unix.CLONE_THREAD | unix.CLONE_SYSVSEM
	tid, err := t.remoteSyscall(unix.SYS_CLONE, flags, sp, 0, 0, 0)
	if err != nil {
		return 0, err
	}
	t.inject[int(tid)] = injection{entry: entry, arg: arg, sp: sp}
	t.log.WithFields(logrus.Fields{"tid": tid, "entry": entry}).Debug("cloned thread")
	return int(tid), nil
}

// remoteSyscall makes a stopped thread execute one system call. A running
// main thread is stopped for the call and restarted afterwards.
func (t *Target) remoteSyscall(nr uint64, args ...uint64) (uint64, error) {
	if t.mem == nil || t.gone {
		return 0, unix.ESRCH
	}
	var ret uint64
	call := func(th *thread) error {
		var err error
		ret, err = t.syscallOn(th, nr, args)
		return err
	}
	if th := t.threads[t.pid]; th != nil && th.stopped {
		return ret, call(th)
	}
	for _, th := range t.threads {
		if th.stopped {
			return ret, call(th)
		}
	}
	main := t.threads[t.pid]
	if main == nil {
		return 0, unix.ESRCH
	}
	return ret, t.withStopped(main, call)
}

func (t *Target) syscallOn(th *thread, nr uint64, args []uint64) (ret uint64, err error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(th.tid, &saved); err != nil {
		return 0, err
	}
	orig := make([]byte, len(syscallInsn))
	if _, err := t.ReadMemory(orig, saved.Rip); err != nil {
		return 0, err
	}
	if _, err := t.WriteMemory(saved.Rip, syscallInsn); err != nil {
		return 0, err
	}
	defer func() {
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if _, werr := t.WriteMemory(saved.Rip, orig); werr != nil {
			result = multierror.Append(result, werr)
		}
		if rerr := unix.PtraceSetRegs(th.tid, &saved); rerr != nil {
			result = multierror.Append(result, rerr)
		}
		err = result.ErrorOrNil()
	}()

	regs := saved
	regs.Rax = nr
	regs.Orig_rax = ^uint64(0)
	for i, r := range []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9} {
		if i < len(args) {
			*r = args[i]
		}
	}
	if err := unix.PtraceSetRegs(th.tid, &regs); err != nil {
		return 0, err
	}
	if err := t.stepSyscall(th); err != nil {
		return 0, err
	}
	if err := unix.PtraceGetRegs(th.tid, &regs); err != nil {
		return 0, err
	}
	if v := int64(regs.Rax); v < 0 && v >= -4095 {
		return 0, unix.Errno(-v)
	}
	return regs.Rax, nil
}

// stepSyscall single-steps over the planted syscall instruction.
func (t *Target) stepSyscall(th *thread) error {
	for {
		if err := ptraceStep(th.tid, 0); err != nil {
			return err
		}
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(th.tid, &ws, unix.WALL, nil)
			if err == nil {
				break
			}
			if !errors.Is(err, unix.EINTR) {
				return err
			}
		}
		switch {
		case ws.Exited() || ws.Signaled():
			t.exited(th.tid, exitCode(ws))
			return unix.ESRCH
		case isCloneEvent(ws):
			t.recordClone(th.tid)
		case ws.StopSignal() == unix.SIGTRAP:
			return nil
		case ws.StopSignal() == unix.SIGSTOP && th.stopSent:
			th.stopSent = false
		default:
			th.deferred = ws.StopSignal()
		}
	}
}

type threadContext struct {
	t   *Target
	tid int
}

func (c *threadContext) ID() int { return c.tid }

func (c *threadContext) with(fn func(th *thread) error) error {
	th := c.t.threads[c.tid]
	if th == nil {
		return unix.ESRCH
	}
	return c.t.withStopped(th, fn)
}

func (c *threadContext) PC() (uint64, error) {
	var regs unix.PtraceRegs
	err := c.with(func(th *thread) error {
		return unix.PtraceGetRegs(th.tid, &regs)
	})
	return regs.Rip, err
}

func (c *threadContext) SetPC(pc uint64) error {
	return c.with(func(th *thread) error {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(th.tid, &regs); err != nil {
			return err
		}
		regs.Rip = pc
		return unix.PtraceSetRegs(th.tid, &regs)
	})
}

func (c *threadContext) SetDebugRegisters(r *proc.DebugRegisters) error {
	return c.with(func(th *thread) error {
		return setDebugRegisters(th.tid, r)
	})
}

func (c *threadContext) Close() error { return nil }
