//go:build linux && amd64

package native

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/monsterxx03/tracer/pkg/proc"
)

// offsetof(struct user, u_debugreg) on x86-64.
const debugRegOffset = 848

// si_code values of SIGTRAP.
const (
	trapBrkpt  = 1
	trapTrace  = 2
	trapHWBkpt = 4
	siKernel   = 0x80
)

const ptraceOptions = unix.PTRACE_O_TRACECLONE

func ptrace(req, tid int, addr, data uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if e != 0 {
		return e
	}
	return nil
}

func ptraceCont(tid int, sig unix.Signal) error {
	return ptrace(unix.PTRACE_CONT, tid, 0, uintptr(sig))
}

func ptraceStep(tid int, sig unix.Signal) error {
	return ptrace(unix.PTRACE_SINGLESTEP, tid, 0, uintptr(sig))
}

func ptraceDetach(tid int, sig unix.Signal) error {
	return ptrace(unix.PTRACE_DETACH, tid, 0, uintptr(sig))
}

// siginfo is the x86-64 siginfo_t layout up to si_addr.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

func getSiginfo(tid int) (siginfo, error) {
	var si siginfo
	err := ptrace(unix.PTRACE_GETSIGINFO, tid, 0, uintptr(unsafe.Pointer(&si)))
	return si, err
}

func peekDebugReg(tid, i int) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := unix.PtracePeekUser(tid, uintptr(debugRegOffset+i*8), buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func pokeDebugReg(tid, i int, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	_, err := unix.PtracePokeUser(tid, uintptr(debugRegOffset+i*8), buf)
	return err
}

// setDebugRegisters disables every slot first so the kernel never sees an
// enabled slot with a stale address.
func setDebugRegisters(tid int, r *proc.DebugRegisters) error {
	if err := pokeDebugReg(tid, 7, 0); err != nil {
		return err
	}
	for i := range proc.NumDebugSlots {
		if err := pokeDebugReg(tid, i, r.Address(i)); err != nil {
			return err
		}
	}
	if dr7 := r.Control(); dr7 != 0 {
		return pokeDebugReg(tid, 7, dr7)
	}
	return nil
}

// signalCode maps a fault signal onto an exception code.
func signalCode(sig unix.Signal, code int32) uint32 {
	switch sig {
	case unix.SIGSEGV, unix.SIGBUS:
		if code == siKernel {
			return proc.CodePrivInstruction
		}
		return proc.CodeAccessViolation
	case unix.SIGILL:
		return proc.CodeIllegalInstruction
	case unix.SIGFPE:
		return proc.CodeIntDivideByZero
	}
	return proc.SignalCode(int(sig))
}

func isCloneEvent(ws unix.WaitStatus) bool {
	return ws.Stopped() && ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE
}

func exitCode(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
