// Package procmaps reads /proc/<pid>/maps and turns it into the memory map
// and module list of a traced process.
package procmaps

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/prometheus/procfs"

	"github.com/monsterxx03/tracer/pkg/proc"
)

type Range struct {
	Start    uint64
	End      uint64
	Perm     string
	Offset   uint64
	Dev      uint64
	Inode    uint64
	Filename string
}

func (r *Range) Size() uint64 {
	return r.End - r.Start
}

func (r *Range) IsRead() bool {
	return r.Perm[0] == 'r'
}

func (r *Range) IsWrite() bool {
	return r.Perm[1] == 'w'
}

func (r *Range) IsExe() bool {
	return r.Perm[2] == 'x'
}

func (r *Range) IsPrivate() bool {
	return r.Perm[3] == 'p'
}

func (r *Range) IsShare() bool {
	return r.Perm[3] == 's'
}

// Prot converts the permission string.
func (r *Range) Prot() proc.Prot {
	var p proc.Prot
	if r.IsRead() {
		p |= proc.ProtRead
	}
	if r.IsWrite() {
		p |= proc.ProtWrite
	}
	if r.IsExe() {
		p |= proc.ProtExec
	}
	if r.IsShare() {
		p |= proc.ProtShared
	}
	return p
}

// Area converts r for proc.Process.MmapLoad.
func (r *Range) Area() proc.MmapArea {
	return proc.MmapArea{Start: r.Start, End: r.End, Prot: r.Prot(), Offset: r.Offset, Path: r.Filename}
}

// ReadProcMaps reads the maps of pid from /proc.
func ReadProcMaps(pid int) ([]Range, error) {
	return Read(procfs.DefaultMountPoint, pid)
}

// Read reads the maps of pid from a procfs mounted at mountPoint.
func Read(mountPoint string, pid int) ([]Range, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of %d: %w", pid, err)
	}
	result := make([]Range, 0, len(maps))
	for _, m := range maps {
		result = append(result, Range{
			Start:    uint64(m.StartAddr),
			End:      uint64(m.EndAddr),
			Perm:     permString(m.Perms),
			Offset:   uint64(m.Offset),
			Dev:      m.Dev,
			Inode:    m.Inode,
			Filename: m.Pathname,
		})
	}
	return result, nil
}

func permString(p *procfs.ProcMapPermissions) string {
	b := []byte("---p")
	if p == nil {
		return string(b)
	}
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	if p.Shared {
		b[3] = 's'
	}
	return string(b)
}

// Areas converts every range.
func Areas(ranges []Range) []proc.MmapArea {
	areas := make([]proc.MmapArea, 0, len(ranges))
	for i := range ranges {
		areas = append(areas, ranges[i].Area())
	}
	return areas
}

// Image is an executable file mapped into a process.
type Image struct {
	Base uint64
	Path string
}

// Images returns the mapped executable files in address order. A file
// counts when it is mapped from an absolute path, at least one of its
// mappings is executable, and its base is the mapping of file offset 0.
func Images(ranges []Range) []Image {
	base := map[string]uint64{}
	exec := map[string]bool{}
	for i := range ranges {
		r := &ranges[i]
		if !filepath.IsAbs(r.Filename) {
			continue
		}
		if r.IsExe() {
			exec[r.Filename] = true
		}
		if r.Offset != 0 {
			continue
		}
		if b, ok := base[r.Filename]; !ok || r.Start < b {
			base[r.Filename] = r.Start
		}
	}
	images := make([]Image, 0, len(base))
	for path, b := range base {
		if exec[path] {
			images = append(images, Image{Base: b, Path: path})
		}
	}
	slices.SortFunc(images, func(a, b Image) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	return images
}

// Diff compares two image lists and returns what was loaded and unloaded.
func Diff(before, after []Image) (loaded, unloaded []Image) {
	seen := make(map[Image]bool, len(before))
	for _, im := range before {
		seen[im] = true
	}
	now := make(map[Image]bool, len(after))
	for _, im := range after {
		now[im] = true
		if !seen[im] {
			loaded = append(loaded, im)
		}
	}
	for _, im := range before {
		if !now[im] {
			unloaded = append(unloaded, im)
		}
	}
	return loaded, unloaded
}
