//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/monsterxx03/tracer/pkg/binary"
	"github.com/monsterxx03/tracer/pkg/logflags"
	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/procmaps"
)

// Platform traces processes with ptrace. A helper goroutine peeks at
// pending wait statuses with waitid(WNOWAIT); they are only consumed by
// Poll, on the tracer thread.
type Platform struct {
	fs   procfs.FS
	bins *binary.Cache

	targets map[int]*Target
	// tids maps every known thread to its process.
	tids map[int]*Target
	// orphans are stops of clone children reported before the clone event
	// of their parent.
	orphans map[int]unix.WaitStatus
	pending []proc.RawEvent

	ready     chan struct{}
	rearm     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

func New() (*Platform, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	pl := &Platform{
		fs:      fs,
		bins:    binary.NewCache(),
		targets: map[int]*Target{},
		tids:    map[int]*Target{},
		orphans: map[int]unix.WaitStatus{},
		ready:   make(chan struct{}, 1),
		rearm:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logflags.Native(),
	}
	go pl.wait()
	return pl, nil
}

func (pl *Platform) Ready() <-chan struct{} { return pl.ready }

func (pl *Platform) signal() {
	select {
	case pl.ready <- struct{}{}:
	default:
	}
}

func (pl *Platform) rearmWaiter() {
	select {
	case pl.rearm <- struct{}{}:
	default:
	}
}

// wait runs on its own goroutine and never consumes a status.
func (pl *Platform) wait() {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_ALL, 0, &info, unix.WEXITED|unix.WSTOPPED|unix.WNOWAIT|unix.WALL, nil)
		switch {
		case err == nil:
			pl.signal()
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// nothing traced yet
		default:
			pl.log.WithError(err).Error("waitid")
		}
		select {
		case <-pl.rearm:
		case <-pl.done:
			return
		}
	}
}

func (pl *Platform) Close() error {
	pl.closeOnce.Do(func() { close(pl.done) })
	return pl.bins.Close()
}

// Poll reaps every pending wait status without blocking.
func (pl *Platform) Poll() ([]proc.RawEvent, error) {
	defer pl.rearmWaiter()
	for {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) || (err == nil && tid == 0) {
			break
		}
		if err != nil {
			return pl.flush(), err
		}
		pl.status(tid, ws)
	}
	for tid, ws := range pl.orphans {
		if pl.tids[tid] != nil {
			delete(pl.orphans, tid)
			pl.status(tid, ws)
		}
	}
	return pl.flush(), nil
}

func (pl *Platform) flush() []proc.RawEvent {
	evs := pl.pending
	pl.pending = nil
	return evs
}

func (pl *Platform) emit(evs ...proc.RawEvent) {
	pl.pending = append(pl.pending, evs...)
}

func (pl *Platform) status(tid int, ws unix.WaitStatus) {
	t := pl.tids[tid]
	if t == nil {
		if ws.Stopped() {
			pl.orphans[tid] = ws
			return
		}
		pl.log.WithField("tid", tid).Debug("status of untraced child")
		return
	}
	switch {
	case ws.Exited() || ws.Signaled():
		t.exited(tid, exitCode(ws))
	case ws.Stopped():
		t.stopped(tid, ws)
	}
}

// Attach stops every thread of pid and queues the events that describe
// the process as it is.
func (pl *Platform) Attach(pid int) (proc.Target, error) {
	if _, ok := pl.targets[pid]; ok {
		return nil, unix.EEXIST
	}
	p, err := pl.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, unix.ESRCH)
	}
	stat, err := p.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read stat of %d: %w", pid, err)
	}
	exe, err := p.Executable()
	if err != nil {
		pl.log.WithError(err).WithField("pid", pid).Warn("no executable path")
	}

	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("ptrace attach %d: %w", pid, err)
	}
	t := newTarget(pl, pid, stat.Starttime, exe)
	if err := t.attachThread(pid); err != nil {
		t.Detach()
		t.Close()
		return nil, err
	}

	threads, err := pl.fs.AllThreads(pid)
	if err != nil {
		pl.log.WithError(err).WithField("pid", pid).Warn("list threads")
	}
	var others []int
	for _, th := range threads {
		if th.PID == pid {
			continue
		}
		if err := unix.PtraceAttach(th.PID); err != nil {
			pl.log.WithError(err).WithField("tid", th.PID).Debug("attach thread")
			continue
		}
		if err := t.attachThread(th.PID); err != nil {
			// exited in the meantime
			pl.log.WithError(err).WithField("tid", th.PID).Debug("attach thread")
			continue
		}
		others = append(others, th.PID)
	}

	if err := t.openMemory(); err != nil {
		t.Detach()
		t.Close()
		return nil, err
	}
	t.announce(others)
	pl.signal()
	pl.rearmWaiter()
	return t, nil
}

// Exec starts path stopped at its first instruction.
func (pl *Platform) Exec(path string, argv []string) (proc.Target, error) {
	cmd := exec.Command(path)
	if len(argv) > 0 {
		cmd.Args = argv
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return nil, fmt.Errorf("wait for %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("%s exited before it could be traced: %w", filepath.Base(path), unix.ESRCH)
	}

	var created uint64
	if p, err := pl.fs.Proc(pid); err == nil {
		if stat, err := p.Stat(); err == nil {
			created = stat.Starttime
		}
	}
	exe, err := filepath.EvalSymlinks(cmd.Path)
	if err == nil {
		exe, err = filepath.Abs(exe)
	}
	if err != nil {
		exe = cmd.Path
	}
	t := newTarget(pl, pid, created, exe)
	t.addThread(pid).stopped = true
	if err := unix.PtraceSetOptions(pid, ptraceOptions); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		t.Close()
		return nil, fmt.Errorf("ptrace set options: %w", err)
	}
	if err := t.openMemory(); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		t.Close()
		return nil, err
	}
	t.announce(nil)
	pl.signal()
	pl.rearmWaiter()
	pl.log.WithFields(logrus.Fields{"pid": pid, "path": exe}).Info("started")
	return t, nil
}

// images reads the executable mappings of pid.
func (pl *Platform) images(pid int) ([]procmaps.Image, error) {
	ranges, err := procmaps.ReadProcMaps(pid)
	if err != nil {
		return nil, err
	}
	return procmaps.Images(ranges), nil
}
