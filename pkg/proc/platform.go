package proc

import "fmt"

// RawEventKind is the kind of a platform debug event.
type RawEventKind int

const (
	RawCreateProcess RawEventKind = iota
	RawCreateThread
	RawExitThread
	RawExitProcess
	RawLoadModule
	RawUnloadModule
	RawException
)

var rawEventKindNames = [...]string{
	RawCreateProcess: "create-process",
	RawCreateThread:  "create-thread",
	RawExitThread:    "exit-thread",
	RawExitProcess:   "exit-process",
	RawLoadModule:    "load-module",
	RawUnloadModule:  "unload-module",
	RawException:     "exception",
}

func (k RawEventKind) String() string {
	if int(k) < len(rawEventKindNames) {
		return rawEventKindNames[k]
	}
	return fmt.Sprintf("raw(%d)", int(k))
}

// RawEvent is a debug event as reported by a Platform.
type RawEvent struct {
	Kind RawEventKind
	PID  int
	TID  int

	// Base and Path describe the module of load/unload events and the main
	// module of create-process events.
	Base         uint64
	Path         string
	ModuleHandle any

	Code         uint32
	Address      uint64
	FaultAddress uint64
	FirstChance  bool
	// Requested marks traps the debugger caused with Break.
	Requested   bool
	DebugStatus uint64
	ExitCode    int

	// Signal is delivered to the thread when the event is forwarded.
	Signal int
	// Stopped is set when the thread is held until Continue is called.
	Stopped bool
}

func (ev *RawEvent) String() string {
	s := fmt.Sprintf("%s pid=%d tid=%d", ev.Kind, ev.PID, ev.TID)
	switch ev.Kind {
	case RawException:
		s += fmt.Sprintf(" code=%#x addr=%#x first=%t", ev.Code, ev.Address, ev.FirstChance)
	case RawLoadModule, RawUnloadModule, RawCreateProcess:
		s += fmt.Sprintf(" base=%#x path=%s", ev.Base, ev.Path)
	case RawExitProcess, RawExitThread:
		s += fmt.Sprintf(" exit=%d", ev.ExitCode)
	}
	return s
}

// Platform is the OS debugging facility driven by a Core. All methods are
// called from the goroutine running Core.Run, except Ready.
type Platform interface {
	// Attach starts tracing pid. The events describing the attach are
	// returned by later Poll calls.
	Attach(pid int) (Target, error)
	// Ready is signalled when Poll has events to return.
	Ready() <-chan struct{}
	// Poll returns the pending events without blocking.
	Poll() ([]RawEvent, error)
	Close() error
}

// Execer is implemented by platforms that can start programs under trace.
type Execer interface {
	Exec(path string, argv []string) (Target, error)
}

// Target is the platform side of one traced process.
type Target interface {
	PID() int
	// Created is the creation time used in Handle.
	Created() uint64

	ReadMemory(dst []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, src []byte) (int, error)

	OpenThread(tid int) (ThreadContext, error)
	// Continue releases the thread of a stopped event. forward delivers
	// an exception to the program, step arms a single-step trap.
	Continue(ev *RawEvent, forward, step bool) error
	// Break makes the process report a breakpoint event soon.
	Break() error
	// Detach stops tracing. The process keeps running.
	Detach() error
	// Close releases platform resources. It is the first step of process
	// teardown.
	Close() error
}

// ThreadContext is the platform side of one traced thread.
type ThreadContext interface {
	ID() int
	PC() (uint64, error)
	SetPC(pc uint64) error
	SetDebugRegisters(r *DebugRegisters) error
	Close() error
}

// MemoryMapper lists the address space of a target.
type MemoryMapper interface {
	MemoryMap() ([]MmapArea, error)
}

// Allocator manages memory inside a target.
type Allocator interface {
	// Allocate maps size bytes readable, writable and executable.
	Allocate(size uint64) (uint64, error)
	Free(addr, size uint64) error
}

// ThreadCreator starts threads inside a target. The new thread must not
// run before its create-thread event has been dispatched.
type ThreadCreator interface {
	CreateThread(entry, arg uint64) (int, error)
}

// ExportLoader resolves the exported symbols of a loaded module to
// absolute addresses.
type ExportLoader interface {
	Exports(m *Module) (map[string]uint64, error)
}
