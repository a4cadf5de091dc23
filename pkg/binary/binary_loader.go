// Package binary reads symbols out of ELF images so the engine can resolve
// "module!symbol" names and describe addresses.
package binary

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrBinaryNotFound    = errors.New("binary file not found")
	ErrInvalidExecutable = errors.New("invalid or unsupported executable format")
	ErrSymbolNotFound    = errors.New("symbol not found in binary")
)

const pageSize = 0x1000

// Symbol is a defined function or object of an image, at its link time
// address.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	// Dynamic is set for symbols from the dynamic symbol table.
	Dynamic bool
}

// ELFLoader caches the symbol tables of one ELF file.
type ELFLoader struct {
	file *elf.File
	path string

	// Cache control
	loadOnce sync.Once // Ensures symbols are loaded only once
	symbols  map[string]Symbol
	sorted   []Symbol
	loadErr  error
}

func NewBinaryLoader() *ELFLoader {
	return &ELFLoader{}
}

func (l *ELFLoader) Load(filePath string) error {
	file, err := elf.Open(filePath)
	if os.IsNotExist(err) {
		return ErrBinaryNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	l.file = file
	l.path = filePath
	return nil
}

func (l *ELFLoader) LoadByPid(pid int) error {
	exePath := fmt.Sprintf("/proc/%d/exe", pid)
	targetPath, err := os.Readlink(exePath)
	if err != nil {
		return fmt.Errorf("failed to read process exe link: %w", err)
	}
	return l.Load(targetPath)
}

func (l *ELFLoader) Path() string { return l.path }

func (l *ELFLoader) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *ELFLoader) PtrSize() int {
	if l.file.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// LinkBase is the lowest PT_LOAD address, rounded down to a page.
func (l *ELFLoader) LinkBase() uint64 {
	base := ^uint64(0)
	for _, p := range l.file.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base &^ (pageSize - 1)
}

// Bias is what to add to a link time address when the image is mapped at
// base.
func (l *ELFLoader) Bias(base uint64) uint64 {
	return base - l.LinkBase()
}

// GetSymbols returns every defined symbol by name. Static symbols win over
// dynamic ones of the same name.
func (l *ELFLoader) GetSymbols() (map[string]Symbol, error) {
	// This will execute the loading function exactly once
	l.loadOnce.Do(func() {
		if l.file == nil {
			l.loadErr = errors.New("binary not loaded")
			return
		}
		l.symbols = make(map[string]Symbol)
		dyn, derr := l.file.DynamicSymbols()
		l.add(dyn, true)
		static, serr := l.file.Symbols()
		l.add(static, false)
		if derr != nil && serr != nil {
			l.loadErr = fmt.Errorf("failed to get symbols: %w", multierror.Append(derr, serr))
			return
		}
		for _, s := range l.symbols {
			l.sorted = append(l.sorted, s)
		}
		slices.SortFunc(l.sorted, func(a, b Symbol) int {
			switch {
			case a.Value < b.Value:
				return -1
			case a.Value > b.Value:
				return 1
			}
			return 0
		})
	})

	return l.symbols, l.loadErr
}

func (l *ELFLoader) add(syms []elf.Symbol, dynamic bool) {
	for _, sym := range syms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, elf.STT_GNU_IFUNC:
		default:
			continue
		}
		l.symbols[sym.Name] = Symbol{Name: sym.Name, Value: sym.Value, Size: sym.Size, Dynamic: dynamic}
	}
}

// Exports returns the symbols relocated for an image mapped at base.
func (l *ELFLoader) Exports(base uint64) (map[string]uint64, error) {
	syms, err := l.GetSymbols()
	if err != nil {
		return nil, err
	}
	bias := l.Bias(base)
	out := make(map[string]uint64, len(syms))
	for name, s := range syms {
		out[name] = s.Value + bias
	}
	return out, nil
}

func (l *ELFLoader) FindSymbol(name string) (Symbol, error) {
	symbols, err := l.GetSymbols()
	if err != nil {
		return Symbol{}, err
	}

	sym, exists := symbols[name]
	if !exists {
		return Symbol{}, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	return sym, nil
}

// Describe names the symbol containing the link time address addr. ok is
// false when addr is outside every sized symbol.
func (l *ELFLoader) Describe(addr uint64) (name string, off uint64, ok bool) {
	if _, err := l.GetSymbols(); err != nil {
		return "", 0, false
	}
	i := sort.Search(len(l.sorted), func(i int) bool { return l.sorted[i].Value > addr })
	if i == 0 {
		return "", 0, false
	}
	s := l.sorted[i-1]
	if s.Size != 0 && addr >= s.Value+s.Size {
		return "", 0, false
	}
	return s.Name, addr - s.Value, true
}

// Cache shares loaders between processes that map the same files. Safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	loaders map[string]*ELFLoader
}

func NewCache() *Cache {
	return &Cache{loaders: map[string]*ELFLoader{}}
}

// Load returns the loader for path, opening the file on first use.
func (c *Cache) Load(path string) (*ELFLoader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loaders[path]; ok {
		return l, nil
	}
	l := NewBinaryLoader()
	if err := l.Load(path); err != nil {
		return nil, err
	}
	c.loaders[path] = l
	return l, nil
}

// Exports returns the symbols of path relocated for base.
func (c *Cache) Exports(path string, base uint64) (map[string]uint64, error) {
	l, err := c.Load(path)
	if err != nil {
		return nil, err
	}
	return l.Exports(base)
}

// Close closes every cached file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs *multierror.Error
	for path, l := range c.loaders {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(c.loaders, path)
	}
	return errs.ErrorOrNil()
}
