// Package api exposes a running proc.Core over HTTP and MCP. Every request
// is executed on the event loop with Core.Call.
package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/tracer/pkg/logflags"
	"github.com/monsterxx03/tracer/pkg/proc"
)

// maxRead bounds a single memory read request.
const maxRead = 1 << 20

type ProcessInfo struct {
	PID         int    `json:"pid"`
	Handle      string `json:"handle"`
	State       string `json:"state"`
	Threads     int    `json:"threads"`
	Modules     int    `json:"modules"`
	Breakpoints int    `json:"breakpoints"`
	Main        string `json:"main,omitempty"`
	Stats       Stats  `json:"stats"`
}

type Stats struct {
	Events      uint64 `json:"events"`
	Exceptions  uint64 `json:"exceptions"`
	Breakpoints uint64 `json:"breakpoints"`
	Forwarded   uint64 `json:"forwarded"`
}

type ThreadInfo struct {
	TID         int    `json:"tid"`
	State       string `json:"state"`
	Main        bool   `json:"main"`
	PC          string `json:"pc,omitempty"`
	Breakpoints int    `json:"breakpoints"`
}

type ModuleInfo struct {
	Name string `json:"name"`
	Base string `json:"base"`
	Path string `json:"path"`
}

type AreaInfo struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Prot   string `json:"prot"`
	Size   uint64 `json:"size"`
	Offset uint64 `json:"offset"`
	Path   string `json:"path,omitempty"`
}

type BreakpointInfo struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Symbol  string `json:"symbol,omitempty"`
	Type    string `json:"type,omitempty"`
	Size    int    `json:"size,omitempty"`
	Enabled bool   `json:"enabled"`
	OneShot bool   `json:"one_shot"`
	Hits    uint64 `json:"hits"`
}

// BreakpointRequest describes a breakpoint to set. Symbol wins over
// Address.
type BreakpointRequest struct {
	Address uint64 `json:"address"`
	Symbol  string `json:"symbol"`
	// Hardware selects a debug register breakpoint with Type and Size.
	Hardware bool   `json:"hardware"`
	Type     string `json:"type"`
	Size     int    `json:"size"`
	OneShot  bool   `json:"one_shot"`
}

type Memory struct {
	Address string `json:"address"`
	Size    int    `json:"size"`
	Hex     string `json:"hex"`
}

// Service answers queries about the processes of a core. It is safe for
// concurrent use; the core must be running.
type Service struct {
	core *proc.Core
	log  *logrus.Entry
}

func NewService(core *proc.Core) *Service {
	return &Service{core: core, log: logflags.API()}
}

func (s *Service) Core() *proc.Core { return s.core }

// withProcess runs fn on the event loop with the process pid.
func (s *Service) withProcess(ctx context.Context, pid int, fn func(p *proc.Process) error) error {
	return s.core.Call(ctx, func(c *proc.Core) error {
		p := c.Process(pid)
		if p == nil {
			return &proc.Error{Kind: proc.KindNotFound, Op: "lookup", Err: fmt.Errorf("process %d is not traced", pid)}
		}
		return fn(p)
	})
}

func hexAddr(v uint64) string { return fmt.Sprintf("%#x", v) }

func processInfo(p *proc.Process) ProcessInfo {
	info := ProcessInfo{
		PID:     p.PID,
		Handle:  p.Handle().String(),
		State:   p.State().String(),
		Threads: p.ThreadCount(),
	}
	for range p.Modules() {
		info.Modules++
	}
	for range p.Breakpoints() {
		info.Breakpoints++
	}
	if m := p.MainModule(); m != nil {
		info.Main = m.Path
	}
	st := p.Stats()
	info.Stats = Stats{
		Events:      st.Events.Load(),
		Exceptions:  st.Exceptions.Load(),
		Breakpoints: st.Breakpoints.Load(),
		Forwarded:   st.Forwarded.Load(),
	}
	return info
}

func (s *Service) Processes(ctx context.Context) ([]ProcessInfo, error) {
	var out []ProcessInfo
	err := s.core.Call(ctx, func(c *proc.Core) error {
		for p := range c.Processes() {
			out = append(out, processInfo(p))
		}
		return nil
	})
	return out, err
}

func (s *Service) Process(ctx context.Context, pid int) (ProcessInfo, error) {
	var out ProcessInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		out = processInfo(p)
		return nil
	})
	return out, err
}

func (s *Service) Threads(ctx context.Context, pid int) ([]ThreadInfo, error) {
	var out []ThreadInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		for t := range p.Threads() {
			ti := ThreadInfo{TID: t.ID, State: t.State().String(), Main: t.Main()}
			if t.State() == proc.ThreadSuspended {
				if pc, err := t.PC(); err == nil {
					ti.PC = hexAddr(pc)
				}
			}
			for range t.Breakpoints() {
				ti.Breakpoints++
			}
			out = append(out, ti)
		}
		return nil
	})
	return out, err
}

func (s *Service) Modules(ctx context.Context, pid int) ([]ModuleInfo, error) {
	var out []ModuleInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		for m := range p.Modules() {
			out = append(out, ModuleInfo{Name: m.Name, Base: hexAddr(m.Base), Path: m.Path})
		}
		return nil
	})
	return out, err
}

// Maps reloads the memory map of pid and returns it in address order.
func (s *Service) Maps(ctx context.Context, pid int) ([]AreaInfo, error) {
	var out []AreaInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		if err := p.MmapLoad(); err != nil {
			return err
		}
		for _, a := range p.Mmap() {
			out = append(out, AreaInfo{
				Start:  hexAddr(a.Start),
				End:    hexAddr(a.End),
				Prot:   a.Prot.String(),
				Size:   a.End - a.Start,
				Offset: a.Offset,
				Path:   a.Path,
			})
		}
		return nil
	})
	return out, err
}

func breakpointInfo(bp *proc.Breakpoint) BreakpointInfo {
	info := BreakpointInfo{
		ID:      bp.ID(),
		Kind:    bp.Kind.String(),
		Address: hexAddr(bp.ResolvedAddress()),
		Symbol:  bp.Symbol,
		Enabled: bp.Enabled(),
		OneShot: bp.Flags&proc.BreakpointOneShot != 0,
		Hits:    bp.Hits(),
	}
	if bp.Kind == proc.Hardware {
		info.Type = bp.Type.String()
		info.Size = bp.Size
	}
	return info
}

func (s *Service) Breakpoints(ctx context.Context, pid int) ([]BreakpointInfo, error) {
	var out []BreakpointInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		for bp := range p.Breakpoints() {
			out = append(out, breakpointInfo(bp))
		}
		return nil
	})
	return out, err
}

// ParseHWType accepts the names HWType.String produces.
func ParseHWType(s string) (proc.HWType, error) {
	switch strings.ToLower(s) {
	case "", "execute", "x":
		return proc.HWExecute, nil
	case "write", "w":
		return proc.HWWrite, nil
	case "readwrite", "rw":
		return proc.HWReadWrite, nil
	}
	return 0, fmt.Errorf("unknown hardware breakpoint type %q", s)
}

// SetBreakpoint installs a counting breakpoint. Hits are visible through
// Breakpoints.
func (s *Service) SetBreakpoint(ctx context.Context, pid int, req BreakpointRequest) (BreakpointInfo, error) {
	bp := &proc.Breakpoint{Address: req.Address, Symbol: req.Symbol}
	if req.Hardware {
		typ, err := ParseHWType(req.Type)
		if err != nil {
			return BreakpointInfo{}, &proc.Error{Kind: proc.KindInvalidArgument, Op: "set breakpoint", Err: err}
		}
		bp.Kind = proc.Hardware
		bp.Type = typ
		bp.Size = req.Size
		if bp.Size == 0 {
			bp.Size = 1
		}
	}
	if req.OneShot {
		bp.Flags |= proc.BreakpointOneShot
	}
	var out BreakpointInfo
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		if err := p.SetBreakpoint(bp); err != nil {
			return err
		}
		out = breakpointInfo(bp)
		return nil
	})
	if err == nil {
		s.log.WithFields(logrus.Fields{"pid": pid, "breakpoint": out.ID}).Info("breakpoint set")
	}
	return out, err
}

// RemoveBreakpoint removes the breakpoint with the given id.
func (s *Service) RemoveBreakpoint(ctx context.Context, pid int, id uint64) error {
	return s.withProcess(ctx, pid, func(p *proc.Process) error {
		for bp := range p.Breakpoints() {
			if bp.ID() == id {
				return p.RemoveBreakpoint(bp)
			}
		}
		return &proc.Error{Kind: proc.KindNotFound, Op: "remove breakpoint", Err: fmt.Errorf("no breakpoint #%d", id)}
	})
}

func (s *Service) ReadMemory(ctx context.Context, pid int, addr uint64, size int) (Memory, error) {
	if size <= 0 || size > maxRead {
		return Memory{}, &proc.Error{Kind: proc.KindInvalidArgument, Op: "read memory", Err: fmt.Errorf("size %d out of range", size)}
	}
	buf := make([]byte, size)
	var n int
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		var err error
		n, err = p.ReadMemory(buf, addr)
		return err
	})
	if err != nil {
		return Memory{}, err
	}
	return Memory{Address: hexAddr(addr), Size: n, Hex: hex.EncodeToString(buf[:n])}, nil
}

func (s *Service) ReadString(ctx context.Context, pid int, addr uint64) (string, error) {
	var out string
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		var err error
		out, err = p.ReadString(addr)
		return err
	})
	return out, err
}

// Export resolves "module!symbol" or "symbol".
func (s *Service) Export(ctx context.Context, pid int, name string) (uint64, error) {
	var addr uint64
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		var err error
		addr, err = p.ExportFind(name)
		return err
	})
	return addr, err
}

// Exports lists the exports of one module sorted by name.
func (s *Service) Exports(ctx context.Context, pid int, module string) ([]string, error) {
	var names []string
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		m := p.ModuleByName(module)
		if m == nil {
			return &proc.Error{Kind: proc.KindNotFound, Op: "exports", Err: fmt.Errorf("no module %q", module)}
		}
		exports, err := m.Exports()
		if err != nil {
			return err
		}
		for name := range exports {
			names = append(names, name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Attach starts tracing pid without handlers of its own.
func (s *Service) Attach(ctx context.Context, pid int, opts proc.Options) (proc.Handle, error) {
	h, err := s.core.AttachRemote(ctx, pid, proc.Handlers{}, opts)
	if err == nil {
		s.log.WithField("pid", pid).Info("attached")
	}
	return h, err
}

func (s *Service) Detach(ctx context.Context, pid int) error {
	var h proc.Handle
	err := s.withProcess(ctx, pid, func(p *proc.Process) error {
		h = p.Handle()
		return nil
	})
	if err != nil {
		return err
	}
	return s.core.DetachRemote(ctx, h)
}

func (s *Service) Break(ctx context.Context, pid int) error {
	return s.withProcess(ctx, pid, func(p *proc.Process) error {
		return p.Break()
	})
}
