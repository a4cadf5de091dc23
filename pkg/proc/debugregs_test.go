package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugControl(t *testing.T) {
	tests := []struct {
		name  string
		slots map[int]DebugSlot
		want  uint64
	}{
		{"empty", nil, 0},
		{"execute in slot 0", map[int]DebugSlot{0: {Type: HWExecute, Size: 1, Enabled: true}}, 0x1},
		{"write 2 in slot 1", map[int]DebugSlot{1: {Type: HWWrite, Size: 2, Enabled: true}}, 0x4 | 0x5<<20},
		{"readwrite 4 in slot 2", map[int]DebugSlot{2: {Type: HWReadWrite, Size: 4, Enabled: true}}, 0x10 | 0xf<<24},
		{"write 8 in slot 3", map[int]DebugSlot{3: {Type: HWWrite, Size: 8, Enabled: true}}, 0x40 | 0x9<<28},
		{"disabled slot", map[int]DebugSlot{0: {Type: HWWrite, Size: 4, Used: true}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r DebugRegisters
			for i, s := range tt.slots {
				r.Slots[i] = s
			}
			assert.Equal(t, tt.want, r.Control())
		})
	}
}

func TestDebugRegistersFree(t *testing.T) {
	var r DebugRegisters
	assert.Equal(t, 0, r.Free())
	assert.False(t, r.Any())

	r.Slots[0].Used = true
	r.Slots[1] = DebugSlot{Used: true, Enabled: true}
	assert.Equal(t, 2, r.Free())
	assert.True(t, r.Any())

	r.Slots[2].Used = true
	r.Slots[3].Used = true
	assert.Equal(t, -1, r.Free())
}

func TestSuppressSecondChance(t *testing.T) {
	tests := []struct {
		name  string
		first bool
		code  uint32
		opts  Options
		want  bool
	}{
		{"first chance", true, CodeAccessViolation, 0, false},
		{"second chance", false, CodeAccessViolation, 0, true},
		{"second chance requested", false, CodeAccessViolation, OptionSecondChance, false},
		{"invalid handle", false, CodeInvalidHandle, 0, false},
		{"debug print", false, CodeDbgPrintExceptionC, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &RawEvent{Code: tt.code, FirstChance: tt.first}
			assert.Equal(t, tt.want, suppressSecondChance(tt.opts, ev))
		})
	}
}

func TestExceptionKind(t *testing.T) {
	assert.Equal(t, EventBreakpoint, exceptionKind(CodeWX86Breakpoint))
	assert.Equal(t, EventSingleStep, exceptionKind(CodeWX86SingleStep))
	assert.Equal(t, EventSegfault, exceptionKind(CodeAccessViolation))
	assert.Equal(t, EventUnknownException, exceptionKind(SignalCode(17)))
	assert.Equal(t, uint32(0xE0000011), SignalCode(17))
}

func TestErrorMatching(t *testing.T) {
	err := externalError("read memory", &Error{Kind: KindNotFound, Op: "inner"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExternal)

	assert.NoError(t, externalError("noop", nil))
	assert.Equal(t, "attach: invalid argument: bad pid", errorf(KindInvalidArgument, "attach", "bad pid").Error())
}
