package proc

// trapInstruction is the x86 int3 opcode.
var trapInstruction = []byte{0xCC}

// softwareOps patches trapInstruction over the code. The trap is reported
// after the instruction executed, so suppressing rewinds the thread.
type softwareOps struct{}

func (softwareOps) threadSet(t *Thread, s *breakpointSite) error {
	return errorf(KindUnsupported, "set breakpoint", "software breakpoints cannot be scoped to thread %d", t.ID)
}

func (softwareOps) threadRemove(t *Thread, s *breakpointSite) error {
	return errorf(KindUnsupported, "remove breakpoint", "software breakpoints cannot be scoped to thread %d", t.ID)
}

func (softwareOps) processSet(p *Process, s *breakpointSite) error {
	orig := make([]byte, len(trapInstruction))
	if _, err := p.ReadMemory(orig, s.addr); err != nil {
		return err
	}
	if err := p.WriteMemory(s.addr, trapInstruction); err != nil {
		return err
	}
	s.orig = orig
	return nil
}

func (softwareOps) processRemove(p *Process, s *breakpointSite) error {
	if err := p.WriteMemory(s.addr, s.orig); err != nil {
		return err
	}
	for t := range p.Threads() {
		if t.restore == s {
			t.restore = nil
		}
	}
	return nil
}

func (softwareOps) suppress(t *Thread, s *breakpointSite) error {
	if err := t.process.WriteMemory(s.addr, s.orig); err != nil {
		return err
	}
	return t.SetPC(s.addr)
}

func (softwareOps) restore(t *Thread, s *breakpointSite) error {
	return t.process.WriteMemory(s.addr, trapInstruction)
}
