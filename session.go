package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/tracer/pkg/api"
	"github.com/monsterxx03/tracer/pkg/native"
	"github.com/monsterxx03/tracer/pkg/proc"
)

const (
	attachTimeout = 10 * time.Second
	stopTimeout   = 10 * time.Second
)

// session is a core running on its own goroutine.
type session struct {
	core     *proc.Core
	svc      *api.Service
	platform *native.Platform
	cancel   context.CancelFunc
	errc     chan error
}

func startSession(ctx context.Context, opts proc.CoreOptions) (*session, error) {
	pl, err := native.New()
	if err != nil {
		return nil, err
	}
	core := proc.NewCore(pl, opts)
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		core:     core,
		svc:      api.NewService(core),
		platform: pl,
		cancel:   cancel,
		errc:     make(chan error, 1),
	}
	go func() {
		s.errc <- core.Run(ctx)
	}()
	return s, nil
}

// attach traces pid and waits until the platform confirmed it.
func (s *session) attach(ctx context.Context, pid int, opts proc.Options) error {
	attached := make(chan struct{})
	h := proc.Handlers{
		Attached: func(ev *proc.Event) proc.Action {
			close(attached)
			return proc.Forward
		},
	}
	if _, err := s.core.AttachRemote(ctx, pid, h, opts); err != nil {
		return err
	}
	select {
	case <-attached:
		return nil
	case err := <-s.errc:
		s.errc <- err
		return fmt.Errorf("attach %d: event loop stopped: %w", pid, err)
	case <-time.After(attachTimeout):
		return fmt.Errorf("attach %d: timed out", pid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until the core returns by itself or ctx is done, in which
// case every process is detached first.
func (s *session) wait(ctx context.Context) error {
	select {
	case err := <-s.errc:
		s.errc <- err
		s.close()
		return err
	case <-ctx.Done():
		return s.stop()
	}
}

// stop detaches every process and shuts the core down.
func (s *session) stop() error {
	s.core.Quit()
	var err error
	select {
	case err = <-s.errc:
		s.errc <- err
	case <-time.After(stopTimeout):
		err = errors.New("timed out detaching")
	}
	s.close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *session) close() {
	s.cancel()
	if err := s.platform.Close(); err != nil {
		logrus.WithError(err).Warn("close platform")
	}
}

// parseBreakpoint reads [hw:<type>:<size>:]<target>[!] where target is an
// address, an export or module!export. A trailing ! makes it one-shot.
func parseBreakpoint(spec string) (api.BreakpointRequest, error) {
	var req api.BreakpointRequest
	if rest, ok := strings.CutPrefix(spec, "hw:"); ok {
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return req, fmt.Errorf("breakpoint %q: want hw:<type>:<size>:<target>", spec)
		}
		if _, err := api.ParseHWType(parts[0]); err != nil {
			return req, fmt.Errorf("breakpoint %q: %w", spec, err)
		}
		size, err := strconv.Atoi(parts[1])
		if err != nil {
			return req, fmt.Errorf("breakpoint %q: bad size: %w", spec, err)
		}
		req.Hardware, req.Type, req.Size = true, parts[0], size
		spec = parts[2]
	}
	if s, ok := strings.CutSuffix(spec, "!"); ok {
		req.OneShot = true
		spec = s
	}
	if spec == "" {
		return req, errors.New("empty breakpoint")
	}
	if addr, err := api.ParseAddress(spec); err == nil {
		req.Address = addr
	} else {
		req.Symbol = spec
	}
	return req, nil
}

// tracer prints the events of the processes it is installed on.
type tracer struct {
	w       io.Writer
	specs   []string
	pending map[int][]*proc.Breakpoint
}

func newTracer(w io.Writer, specs []string) *tracer {
	return &tracer{w: w, specs: specs, pending: map[int][]*proc.Breakpoint{}}
}

func (tr *tracer) handlers() proc.Handlers {
	return proc.Handlers{
		Attached:           tr.attached,
		ProcessExit:        tr.print,
		ThreadCreate:       tr.print,
		ThreadExit:         tr.print,
		ModuleLoad:         tr.moduleLoad,
		ModuleUnload:       tr.print,
		Breakpoint:         tr.trap,
		Segfault:           tr.print,
		IllegalInstruction: tr.print,
		DivideByZero:       tr.print,
		PrivInstruction:    tr.print,
		UnknownException:   tr.print,
		DebugRegister:      tr.print,
	}
}

func (tr *tracer) newBreakpoint(req api.BreakpointRequest) *proc.Breakpoint {
	bp := &proc.Breakpoint{Address: req.Address, Symbol: req.Symbol, Handler: tr.hit}
	if req.Hardware {
		bp.Kind = proc.Hardware
		bp.Type, _ = api.ParseHWType(req.Type)
		bp.Size = req.Size
	}
	if req.OneShot {
		bp.Flags |= proc.BreakpointOneShot
	}
	return bp
}

func (tr *tracer) attached(ev *proc.Event) proc.Action {
	tr.print(ev)
	for _, spec := range tr.specs {
		req, err := parseBreakpoint(spec)
		if err != nil {
			fmt.Fprintf(tr.w, "[%d] %v\n", ev.Process.PID, err)
			continue
		}
		tr.pending[ev.Process.PID] = append(tr.pending[ev.Process.PID], tr.newBreakpoint(req))
	}
	tr.retry(ev.Process)
	return proc.Forward
}

func (tr *tracer) moduleLoad(ev *proc.Event) proc.Action {
	tr.print(ev)
	tr.retry(ev.Process)
	return proc.Forward
}

// retry sets the breakpoints whose symbol was not resolvable before.
func (tr *tracer) retry(p *proc.Process) {
	var left []*proc.Breakpoint
	for _, bp := range tr.pending[p.PID] {
		err := p.SetBreakpoint(bp)
		var perr *proc.Error
		switch {
		case err == nil:
			fmt.Fprintf(tr.w, "[%d] breakpoint #%d set at %#x\n", p.PID, bp.ID(), bp.ResolvedAddress())
		case errors.As(err, &perr) && perr.Kind == proc.KindNotFound:
			left = append(left, bp)
		default:
			fmt.Fprintf(tr.w, "[%d] breakpoint %s: %v\n", p.PID, bp, err)
		}
	}
	tr.pending[p.PID] = left
}

func (tr *tracer) hit(ev *proc.Event) proc.Action {
	tr.print(ev)
	return proc.Drop
}

// trap swallows the traps we asked for and passes the rest on.
func (tr *tracer) trap(ev *proc.Event) proc.Action {
	tr.print(ev)
	if ev.Requested {
		return proc.Drop
	}
	return proc.Forward
}

func (tr *tracer) print(ev *proc.Event) proc.Action {
	fmt.Fprintln(tr.w, describe(ev))
	return proc.Forward
}

func describe(ev *proc.Event) string {
	var b strings.Builder
	if ev.Process != nil {
		fmt.Fprintf(&b, "[%d] ", ev.Process.PID)
	}
	b.WriteString(ev.Kind.String())
	if ev.Thread != nil {
		fmt.Fprintf(&b, " tid=%d", ev.Thread.ID)
	}
	switch ev.Kind {
	case proc.EventProcessExit:
		fmt.Fprintf(&b, " code=%d", ev.ExitCode)
	case proc.EventModuleLoad, proc.EventModuleUnload:
		if ev.Module != nil {
			fmt.Fprintf(&b, " base=%#x path=%s", ev.Module.Base, ev.Module.Path)
		}
	case proc.EventSegfault:
		fmt.Fprintf(&b, " addr=%#x fault=%#x", ev.Address, ev.FaultAddress)
	case proc.EventBreakpoint:
		fmt.Fprintf(&b, " addr=%#x", ev.Address)
		if ev.Breakpoint != nil {
			fmt.Fprintf(&b, " id=%d hits=%d", ev.Breakpoint.ID(), ev.Breakpoint.Hits())
			if ev.Breakpoint.Symbol != "" {
				fmt.Fprintf(&b, " symbol=%s", ev.Breakpoint.Symbol)
			}
		}
		if ev.Requested {
			b.WriteString(" requested")
		}
	case proc.EventDebugRegister:
		fmt.Fprintf(&b, " addr=%#x dr6=%#x", ev.Address, ev.DebugStatus)
	case proc.EventAttached, proc.EventThreadCreate, proc.EventThreadExit:
	default:
		fmt.Fprintf(&b, " addr=%#x code=%#x", ev.Address, ev.Code)
	}
	if ev.Kind > proc.EventModuleUnload && !ev.FirstChance {
		b.WriteString(" second-chance")
	}
	return b.String()
}

// dumpHex prints data read at addr in rows of 16 bytes.
func dumpHex(w io.Writer, addr uint64, hexData string) error {
	data, err := hex.DecodeString(hexData)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		var ascii strings.Builder
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				ascii.WriteByte(c)
			} else {
				ascii.WriteByte('.')
			}
		}
		if _, err := fmt.Fprintf(w, "0x%016x  %-47s  |%s|\n", addr+uint64(off), fmt.Sprintf("% x", row), ascii.String()); err != nil {
			return err
		}
	}
	return nil
}
