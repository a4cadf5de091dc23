package proc

import "fmt"

// HWType is the access that triggers a hardware breakpoint.
type HWType uint8

const (
	HWExecute   HWType = 0
	HWWrite     HWType = 1
	HWReadWrite HWType = 3
)

func (t HWType) String() string {
	switch t {
	case HWExecute:
		return "execute"
	case HWWrite:
		return "write"
	case HWReadWrite:
		return "readwrite"
	}
	return fmt.Sprintf("hwtype(%d)", uint8(t))
}

// Scope says whether a breakpoint applies to a whole process or a thread.
type Scope uint8

const (
	ScopeProcess Scope = iota
	ScopeThread
)

func (s Scope) String() string {
	if s == ScopeThread {
		return "thread"
	}
	return "process"
}

const NumDebugSlots = 4

// DR6 bits.
const (
	DR6SlotMask   = 0xf
	DR6SingleStep = 1 << 14
)

// DebugSlot mirrors one of DR0-DR3 and its DR7 control bits.
type DebugSlot struct {
	Address uint64
	Type    HWType
	Size    int
	Scope   Scope
	Enabled bool
	// Used is set while a breakpoint owns the slot, even if the slot is
	// temporarily disabled.
	Used bool
}

// DebugRegisters is the per thread mirror of the x86 debug registers.
type DebugRegisters struct {
	Slots [NumDebugSlots]DebugSlot
}

// Control encodes the DR7 value for the enabled slots: local enable bit
// 2*i, type at 16+4*i, length at 18+4*i.
func (r *DebugRegisters) Control() uint64 {
	var dr7 uint64
	for i, s := range r.Slots {
		if !s.Enabled {
			continue
		}
		dr7 |= 1 << (2 * i)
		dr7 |= uint64(s.Type) << (16 + 4*i)
		dr7 |= uint64(lenBits(s.Size)) << (18 + 4*i)
	}
	return dr7
}

// Address returns DRi.
func (r *DebugRegisters) Address(i int) uint64 { return r.Slots[i].Address }

// Free returns the first slot no breakpoint owns, or -1.
func (r *DebugRegisters) Free() int {
	for i, s := range r.Slots {
		if !s.Used {
			return i
		}
	}
	return -1
}

func (r *DebugRegisters) Any() bool {
	for _, s := range r.Slots {
		if s.Enabled {
			return true
		}
	}
	return false
}

func lenBits(size int) uint8 {
	switch size {
	case 2:
		return 1
	case 4:
		return 3
	case 8:
		return 2
	}
	return 0
}

func validHWBreakpoint(t HWType, size int, addr uint64) error {
	switch t {
	case HWExecute:
		if size != 1 {
			return fmt.Errorf("execute breakpoints must have size 1, got %d", size)
		}
		return nil
	case HWWrite, HWReadWrite:
	default:
		return fmt.Errorf("unsupported hardware breakpoint type %s", t)
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("unsupported hardware breakpoint size %d", size)
	}
	if addr%uint64(size) != 0 {
		return fmt.Errorf("address %#x not aligned to %d", addr, size)
	}
	return nil
}
