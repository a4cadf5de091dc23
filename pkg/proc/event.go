package proc

import (
	"fmt"

	"github.com/monsterxx03/tracer/pkg/event"
)

type Action = event.Action

const (
	Forward = event.Forward
	Drop    = event.Drop
)

// EventKind names the typed events delivered to handlers.
type EventKind int

const (
	EventAttached EventKind = iota
	EventProcessExit
	EventThreadCreate
	EventThreadExit
	EventModuleLoad
	EventModuleUnload

	EventBreakpoint
	EventSingleStep
	EventSegfault
	EventIllegalInstruction
	EventDivideByZero
	EventPrivInstruction
	EventUnknownException
	EventDebugRegister
)

var eventKindNames = [...]string{
	EventAttached:           "attached",
	EventProcessExit:        "process-exit",
	EventThreadCreate:       "thread-create",
	EventThreadExit:         "thread-exit",
	EventModuleLoad:         "module-load",
	EventModuleUnload:       "module-unload",
	EventBreakpoint:         "breakpoint",
	EventSingleStep:         "single-step",
	EventSegfault:           "segfault",
	EventIllegalInstruction: "illegal-instruction",
	EventDivideByZero:       "divide-by-zero",
	EventPrivInstruction:    "priv-instruction",
	EventUnknownException:   "unknown-exception",
	EventDebugRegister:      "debug-register",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// structural reports whether handlers for k live on a stack.
func (k EventKind) structural() bool { return k <= EventModuleUnload }

// Event is what handlers receive. Fields not meaningful for the kind are
// zero.
type Event struct {
	Kind    EventKind
	Process *Process
	Thread  *Thread
	Module  *Module

	// Breakpoint is the registered breakpoint that fired, or nil for
	// unregistered traps.
	Breakpoint *Breakpoint
	Address    uint64
	// FaultAddress is the accessed address of a segfault when known.
	FaultAddress uint64
	Code         uint32
	FirstChance  bool
	// Requested is set on traps caused by Process.Break.
	Requested bool
	// DebugStatus carries the DR6 value of debug traps.
	DebugStatus uint64
	ExitCode    int

	// Cookie is the value registered with the handler being called.
	Cookie any
}

func (e *Event) SetCookie(c any) { e.Cookie = c }

// HandlerFunc handles an event and says whether it is forwarded to older
// handlers and finally the program, or dropped.
type HandlerFunc = event.Func[*Event]

// EventHandler is the registration returned by Process.Push.
type EventHandler = event.Handler[*Event]

// Handlers is the set of callbacks supplied when tracing starts. Structural
// callbacks become the bottom entry of the matching stack; exception
// callbacks fill the single slots. Nil entries are skipped.
type Handlers struct {
	Attached     HandlerFunc
	ProcessExit  HandlerFunc
	ThreadCreate HandlerFunc
	ThreadExit   HandlerFunc
	ModuleLoad   HandlerFunc
	ModuleUnload HandlerFunc

	// Breakpoint sees traps no registered breakpoint claims.
	Breakpoint         HandlerFunc
	SingleStep         HandlerFunc
	Segfault           HandlerFunc
	IllegalInstruction HandlerFunc
	DivideByZero       HandlerFunc
	PrivInstruction    HandlerFunc
	UnknownException   HandlerFunc
	DebugRegister      HandlerFunc

	// Cookie is passed to every structural callback above.
	Cookie any
}

func (h *Handlers) slot(k EventKind) *HandlerFunc {
	switch k {
	case EventBreakpoint:
		return &h.Breakpoint
	case EventSingleStep:
		return &h.SingleStep
	case EventSegfault:
		return &h.Segfault
	case EventIllegalInstruction:
		return &h.IllegalInstruction
	case EventDivideByZero:
		return &h.DivideByZero
	case EventPrivInstruction:
		return &h.PrivInstruction
	case EventUnknownException:
		return &h.UnknownException
	case EventDebugRegister:
		return &h.DebugRegister
	}
	return nil
}

func (h *Handlers) structural(k EventKind) HandlerFunc {
	switch k {
	case EventAttached:
		return h.Attached
	case EventProcessExit:
		return h.ProcessExit
	case EventThreadCreate:
		return h.ThreadCreate
	case EventThreadExit:
		return h.ThreadExit
	case EventModuleLoad:
		return h.ModuleLoad
	case EventModuleUnload:
		return h.ModuleUnload
	}
	return nil
}
