package proc

import "math/bits"

// dispatch turns one raw event into handler calls and registry updates and
// returns what should happen to the event in the program.
func (p *Process) dispatch(ev *RawEvent) Action {
	p.stats.Events.Inc()
	p.dispatching = true
	defer func() { p.dispatching = false }()

	switch ev.Kind {
	case RawCreateProcess:
		return p.onCreateProcess(ev)
	case RawCreateThread:
		return p.onCreateThread(ev)
	case RawExitThread:
		return p.onExitThread(ev)
	case RawExitProcess:
		return p.onExitProcess(ev)
	case RawLoadModule:
		return p.onLoadModule(ev)
	case RawUnloadModule:
		return p.onUnloadModule(ev)
	case RawException:
		p.stats.Exceptions.Inc()
		act := p.onException(ev)
		if act == Forward {
			p.stats.Forwarded.Inc()
		}
		return act
	}
	p.log.WithField("event", ev.String()).Error("unknown event kind")
	return Drop
}

func (p *Process) onCreateProcess(ev *RawEvent) Action {
	if p.state != StateInit {
		p.log.WithField("state", p.state).Warn("process created twice")
	} else {
		p.state = StateCreated
	}
	if ev.TID != 0 {
		p.addThread(ev.TID, FlagMain)
	}
	if ev.Path != "" || ev.Base != 0 {
		if m, added := p.addModule(ev.Base, ev.Path, ev.ModuleHandle); added {
			e := p.newEvent(EventModuleLoad, p.Thread(ev.TID))
			e.Module = m
			p.callStack(EventModuleLoad, e)
		}
	}
	return Forward
}

func (p *Process) onCreateThread(ev *RawEvent) Action {
	if p.Thread(ev.TID) != nil {
		p.log.WithField("tid", ev.TID).Warn("thread created twice")
		return Forward
	}
	p.addThread(ev.TID, 0)
	return Forward
}

func (p *Process) onExitThread(ev *RawEvent) Action {
	t := p.Thread(ev.TID)
	if t == nil {
		p.log.WithField("tid", ev.TID).Error("exit of unknown thread")
		return Drop
	}
	e := p.newEvent(EventThreadExit, t)
	e.ExitCode = ev.ExitCode
	act := p.callStack(EventThreadExit, e)
	if err := p.releaseThread(t); err != nil {
		p.log.WithError(err).WithField("tid", t.ID).Warn("release thread")
	}
	return act
}

func (p *Process) onExitProcess(ev *RawEvent) Action {
	e := p.newEvent(EventProcessExit, p.Thread(ev.TID))
	e.ExitCode = ev.ExitCode
	act := p.callStack(EventProcessExit, e)
	p.state = StateExited
	p.log.WithField("code", ev.ExitCode).Info("process exited")
	return act
}

func (p *Process) onLoadModule(ev *RawEvent) Action {
	m, added := p.addModule(ev.Base, ev.Path, ev.ModuleHandle)
	if !added {
		p.log.WithField("base", ev.Base).Warn("module loaded twice")
		return Drop
	}
	e := p.newEvent(EventModuleLoad, p.Thread(ev.TID))
	e.Module = m
	return p.callStack(EventModuleLoad, e)
}

func (p *Process) onUnloadModule(ev *RawEvent) Action {
	m := p.ModuleByBase(ev.Base)
	if m == nil {
		p.log.WithField("base", ev.Base).Error("unload of unknown module")
		return Drop
	}
	e := p.newEvent(EventModuleUnload, p.Thread(ev.TID))
	e.Module = m
	act := p.callStack(EventModuleUnload, e)
	p.removeModule(m)
	return act
}

func (p *Process) onException(ev *RawEvent) Action {
	t := p.Thread(ev.TID)
	if t == nil {
		p.log.WithField("event", ev.String()).Error("exception on unknown thread")
		return Drop
	}
	if suppressSecondChance(p.options, ev) {
		return Forward
	}

	switch ev.Code {
	case CodeBreakpoint, CodeWX86Breakpoint:
		return p.onTrap(t, ev)
	case CodeSingleStep, CodeWX86SingleStep:
		return p.onSingleStep(t, ev)
	}
	kind := exceptionKind(ev.Code)
	return p.callSlot(kind, p.exceptionEvent(kind, t, ev), Forward)
}

func (p *Process) onTrap(t *Thread, ev *RawEvent) Action {
	if (p.state == StateInit || p.state == StateCreated) && ev.Code == CodeBreakpoint {
		p.state = StateAttached
		p.log.Info("attached")
		p.callStack(EventAttached, p.newEvent(EventAttached, t))
		return Drop
	}
	if ev.Code == CodeWX86Breakpoint && !p.wow64Seen {
		p.wow64Seen = true
		return Drop
	}
	p.stats.Breakpoints.Inc()
	return p.handleBreakpoint(t, ev.Address, ev)
}

func (p *Process) onSingleStep(t *Thread, ev *RawEvent) Action {
	if hit := ev.DebugStatus & DR6SlotMask; hit != 0 {
		slot := bits.TrailingZeros64(hit)
		if s := t.slotSites[slot]; s != nil {
			p.stats.Breakpoints.Inc()
			return p.breakpointHit(t, s, ev)
		}
		return p.callSlot(EventDebugRegister, p.exceptionEvent(EventDebugRegister, t, ev), Forward)
	}

	if t.flags&FlagSingleStepInternal != 0 {
		t.flags &^= FlagSingleStepInternal
		if s := t.restore; s != nil {
			t.restore = nil
			if err := s.ops.restore(t, s); err != nil {
				p.bplog.WithError(err).WithField("breakpoint", s.bp.String()).Error("restore breakpoint")
			}
		}
		if t.flags&FlagSingleStep == 0 {
			return Drop
		}
	}

	def := Forward
	if t.flags&FlagSingleStep != 0 {
		def = Drop
	}
	return p.callSlot(EventSingleStep, p.exceptionEvent(EventSingleStep, t, ev), def)
}
