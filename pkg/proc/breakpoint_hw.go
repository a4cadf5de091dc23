package proc

import (
	"errors"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

var errNoDebugSlot = &Error{
	Kind:  KindExternal,
	Op:    "set breakpoint",
	Errno: syscall.ENOSPC,
	Err:   errors.New("no free debug register"),
}

// hardwareOps programs the debug registers. A process scoped breakpoint
// holds the same slot in every thread; threads created later inherit it.
type hardwareOps struct{}

func (hardwareOps) threadSet(t *Thread, s *breakpointSite) error {
	slot := t.regs.Free()
	if slot < 0 || t.process.hwSlots[slot] != nil {
		return errNoDebugSlot
	}
	if err := t.programSlot(slot, s, ScopeThread); err != nil {
		return err
	}
	s.slot = slot
	return nil
}

func (hardwareOps) threadRemove(t *Thread, s *breakpointSite) error {
	if s.slot < 0 {
		return nil
	}
	if err := t.clearSlot(s.slot); err != nil {
		return err
	}
	if t.restore == s {
		t.restore = nil
	}
	s.slot = -1
	return nil
}

func (hardwareOps) processSet(p *Process, s *breakpointSite) error {
	slot := p.freeDebugSlot()
	if slot < 0 {
		return errNoDebugSlot
	}
	var done []*Thread
	for t := range p.Threads() {
		if err := t.programSlot(slot, s, ScopeProcess); err != nil {
			for _, d := range done {
				if cerr := d.clearSlot(slot); cerr != nil {
					p.bplog.WithError(cerr).WithField("tid", d.ID).Warn("roll back debug register")
				}
			}
			return err
		}
		done = append(done, t)
	}
	p.hwSlots[slot] = s
	s.slot = slot
	return nil
}

func (hardwareOps) processRemove(p *Process, s *breakpointSite) error {
	if s.slot < 0 {
		return nil
	}
	var errs *multierror.Error
	for t := range p.Threads() {
		if t.slotSites[s.slot] == s {
			if err := t.clearSlot(s.slot); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if t.restore == s {
			t.restore = nil
		}
	}
	p.hwSlots[s.slot] = nil
	s.slot = -1
	return errs.ErrorOrNil()
}

func (hardwareOps) suppress(t *Thread, s *breakpointSite) error {
	if s.slot < 0 || t.slotSites[s.slot] != s {
		return nil
	}
	t.regs.Slots[s.slot].Enabled = false
	return t.applyDebugRegisters()
}

func (hardwareOps) restore(t *Thread, s *breakpointSite) error {
	if s.slot < 0 || t.slotSites[s.slot] != s {
		return nil
	}
	t.regs.Slots[s.slot].Enabled = true
	return t.applyDebugRegisters()
}

// freeDebugSlot returns a slot no thread uses, or -1.
func (p *Process) freeDebugSlot() int {
	for i := range NumDebugSlots {
		if p.hwSlots[i] != nil {
			continue
		}
		free := true
		for t := range p.Threads() {
			if t.regs.Slots[i].Used {
				free = false
				break
			}
		}
		if free {
			return i
		}
	}
	return -1
}
