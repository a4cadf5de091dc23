package proc

import (
	"errors"
	"path/filepath"
	"strings"
)

// Module is an executable image mapped into a process.
type Module struct {
	Base uint64
	Name string
	Path string
	// Handle is whatever the platform attached to the load event.
	Handle any

	process    *Process
	exports    map[string]uint64
	exportsErr error
}

func newModule(p *Process, base uint64, path string, handle any) *Module {
	return &Module{
		Base:    base,
		Name:    filepath.Base(path),
		Path:    path,
		Handle:  handle,
		process: p,
	}
}

// Exports returns the exported symbols of the module, loading them on first
// use. The map must not be modified.
func (m *Module) Exports() (map[string]uint64, error) {
	if m.exports != nil || m.exportsErr != nil {
		return m.exports, m.exportsErr
	}
	loader, ok := m.process.target.(ExportLoader)
	if !ok {
		m.exportsErr = errorf(KindUnsupported, "load exports", "platform cannot read exports of %s", m.Name)
		return nil, m.exportsErr
	}
	exports, err := loader.Exports(m)
	if err != nil {
		m.exportsErr = externalError("load exports of "+m.Name, err)
		return nil, m.exportsErr
	}
	m.exports = exports
	return m.exports, nil
}

// Export returns the address of an exported symbol.
func (m *Module) Export(name string) (uint64, error) {
	exports, err := m.Exports()
	if err != nil {
		return 0, err
	}
	addr, ok := exports[name]
	if !ok {
		return 0, errorf(KindNotFound, "find export", "%s!%s", m.Name, name)
	}
	return addr, nil
}

// matches reports whether name refers to m: the file name, the file name
// without version suffixes (libc for libc.so.6) or the full path.
func (m *Module) matches(name string) bool {
	if strings.EqualFold(m.Name, name) || m.Path == name {
		return true
	}
	return strings.HasPrefix(strings.ToLower(m.Name), strings.ToLower(name)+".")
}

func (p *Process) addModule(base uint64, path string, handle any) (*Module, bool) {
	if m := p.ModuleByBase(base); m != nil {
		return m, false
	}
	m := newModule(p, base, path, handle)
	p.modules = append(p.modules, m)
	if p.mainModule == nil {
		p.mainModule = m
	}
	return m, true
}

func (p *Process) removeModule(m *Module) {
	for i, mm := range p.modules {
		if mm == m {
			p.modules = append(p.modules[:i], p.modules[i+1:]...)
			break
		}
	}
	if p.mainModule == m {
		p.mainModule = nil
	}
}

func (p *Process) MainModule() *Module { return p.mainModule }

func (p *Process) ModuleByBase(base uint64) *Module {
	for _, m := range p.modules {
		if m.Base == base {
			return m
		}
	}
	return nil
}

// ModuleByName finds a module by file name, see Module.matches.
func (p *Process) ModuleByName(name string) *Module {
	for _, m := range p.modules {
		if m.matches(name) {
			return m
		}
	}
	return nil
}

// ModuleAt returns the module whose image contains addr. It needs a loaded
// memory map; see MmapLoad.
func (p *Process) ModuleAt(addr uint64) *Module {
	area, ok := p.MmapFind(addr)
	if !ok || area.Path == "" {
		return nil
	}
	var best *Module
	for _, m := range p.modules {
		if m.Path == area.Path && m.Base <= addr && (best == nil || m.Base > best.Base) {
			best = m
		}
	}
	return best
}

// ExportFind resolves "module!symbol", or "symbol" searched in load order.
func (p *Process) ExportFind(name string) (uint64, error) {
	modName, sym, qualified := strings.Cut(name, "!")
	if !qualified {
		sym = name
	}
	if sym == "" {
		return 0, errorf(KindInvalidArgument, "find export", "empty symbol in %q", name)
	}
	if qualified {
		m := p.ModuleByName(modName)
		if m == nil {
			return 0, errorf(KindNotFound, "find export", "no module %q", modName)
		}
		return m.Export(sym)
	}
	for _, m := range p.modules {
		addr, err := m.Export(sym)
		if err == nil {
			return addr, nil
		}
		if !isKind(err, KindNotFound) {
			p.log.WithError(err).WithField("module", m.Name).Debug("skip module exports")
		}
	}
	return 0, errorf(KindNotFound, "find export", "%s", sym)
}

func isKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
