package proc

import (
	"cmp"
	"fmt"

	"github.com/monsterxx03/tracer/pkg/interval"
)

type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtShared
)

func (p Prot) String() string {
	b := []byte("---p")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	if p&ProtShared != 0 {
		b[3] = 's'
	}
	return string(b)
}

// MmapArea is a mapping of the target address space, [Start, End).
type MmapArea struct {
	Start  uint64
	End    uint64
	Prot   Prot
	Offset uint64
	Path   string
}

func (a *MmapArea) Size() uint64              { return a.End - a.Start }
func (a *MmapArea) Contains(addr uint64) bool { return addr >= a.Start && addr < a.End }
func (a *MmapArea) String() string {
	return fmt.Sprintf("%#x-%#x %s %#x %s", a.Start, a.End, a.Prot, a.Offset, a.Path)
}

func newMmapTree() *interval.Tree[*MmapArea] {
	return interval.New(
		func(a *MmapArea) (uint64, uint64) { return a.Start, a.End - 1 },
		func(a, b *MmapArea) int { return cmp.Compare(a.End, b.End) },
	)
}

// MmapLoad replaces the memory map with a fresh snapshot from the platform.
func (p *Process) MmapLoad() error {
	if err := p.live("load memory map"); err != nil {
		return err
	}
	mapper, ok := p.target.(MemoryMapper)
	if !ok {
		return errorf(KindUnsupported, "load memory map", "platform cannot list mappings")
	}
	areas, err := mapper.MemoryMap()
	if err != nil {
		return externalError("load memory map", err)
	}
	tree := newMmapTree()
	for i := range areas {
		a := areas[i]
		if a.End <= a.Start {
			continue
		}
		if _, err := tree.Insert(&a); err != nil {
			p.log.WithField("area", a.String()).Debug("skip duplicate mapping")
		}
	}
	p.mmap = tree
	return nil
}

// MmapFind returns the mapping containing addr.
func (p *Process) MmapFind(addr uint64) (*MmapArea, bool) {
	return p.mmap.Contains(addr)
}

// MmapQuery returns a cursor over the mappings overlapping [start, end).
func (p *Process) MmapQuery(start, end uint64) *interval.Cursor[*MmapArea] {
	if end <= start {
		// an inverted query yields nothing and reports interval.ErrBounds
		return p.mmap.Find(1, 0)
	}
	return p.mmap.Find(start, end-1)
}

// Mmap yields every known mapping in address order.
func (p *Process) Mmap() []*MmapArea {
	areas := make([]*MmapArea, 0, p.mmap.Len())
	for a := range p.mmap.All() {
		areas = append(areas, a)
	}
	return areas
}
