package proc

// Exception codes carried by RawEvent.Code. Platforms without native codes
// map their signals onto these.
const (
	CodeBreakpoint          uint32 = 0x80000003
	CodeSingleStep          uint32 = 0x80000004
	CodeAccessViolation     uint32 = 0xC0000005
	CodeInvalidHandle       uint32 = 0xC0000008
	CodeIllegalInstruction  uint32 = 0xC000001D
	CodeIntDivideByZero     uint32 = 0xC0000094
	CodePrivInstruction     uint32 = 0xC0000096
	CodeWX86SingleStep      uint32 = 0x4000001E
	CodeWX86Breakpoint      uint32 = 0x4000001F
	CodeDbgPrintExceptionC  uint32 = 0x40010006
	CodeUnknownSignalPrefix uint32 = 0xE0000000
)

// alwaysSecondChance lists exceptions that are delivered to handlers even
// when they are not first chance.
func alwaysSecondChance(code uint32) bool {
	switch code {
	case CodeInvalidHandle, CodeDbgPrintExceptionC:
		return true
	}
	return false
}

// suppressSecondChance reports whether ev must be forwarded untouched.
func suppressSecondChance(opts Options, ev *RawEvent) bool {
	if ev.FirstChance || opts&OptionSecondChance != 0 {
		return false
	}
	return !alwaysSecondChance(ev.Code)
}

// SignalCode is the exception code used for a POSIX signal without a
// dedicated mapping.
func SignalCode(sig int) uint32 { return CodeUnknownSignalPrefix | uint32(sig) }

// exceptionKind maps a code onto the event handlers see.
func exceptionKind(code uint32) EventKind {
	switch code {
	case CodeBreakpoint, CodeWX86Breakpoint:
		return EventBreakpoint
	case CodeSingleStep, CodeWX86SingleStep:
		return EventSingleStep
	case CodeAccessViolation:
		return EventSegfault
	case CodeIllegalInstruction:
		return EventIllegalInstruction
	case CodeIntDivideByZero:
		return EventDivideByZero
	case CodePrivInstruction:
		return EventPrivInstruction
	}
	return EventUnknownException
}
