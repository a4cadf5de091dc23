// Package native is the proc.Platform of the machine the tracer runs on.
// Linux on x86-64 is implemented with ptrace; elsewhere New fails.
//
// Every method must be called from the goroutine running proc.Core.Run,
// which keeps itself on one OS thread, because ptrace only accepts requests
// from the thread that attached.
package native

import "errors"

// ErrUnsupported is returned by New on platforms without a backend.
var ErrUnsupported = errors.New("native tracing is not supported on this platform")

// exitStub is placed after the code of an injected thread and used as its
// return address: mov edi, eax; mov eax, SYS_exit; syscall.
var exitStub = []byte{0x89, 0xc7, 0xb8, 0x3c, 0x00, 0x00, 0x00, 0x0f, 0x05}

// syscallInsn is the x86-64 syscall instruction.
var syscallInsn = []byte{0x0f, 0x05}

const (
	injectStackSize = 64 << 10
	trapByte        = 0xCC
)
