// Completion: 100% - Module complete
package surgelink

import (
	"fmt"
)

// Application object model
//
// The freshly compiled application arrives as a flat in-memory object:
// named sections, symbols defined at section-relative offsets, and
// relocations between those sections. No container parsing happens on
// this side of the merge; the compiler front-end (or a test) builds the
// AppObject directly.

// RelocKind selects how a relocation value is computed
type RelocKind int

const (
	// RelocRelative stores S + A - P, the displacement from the
	// relocation site to the symbol
	RelocRelative RelocKind = iota
	// RelocAbsolute stores S + A, the symbol's virtual address
	RelocAbsolute
)

// String returns the name of the relocation kind
func (k RelocKind) String() string {
	switch k {
	case RelocRelative:
		return "relative"
	case RelocAbsolute:
		return "absolute"
	}
	return "unknown"
}

// AppSection is one section of application code or data to append
type AppSection struct {
	Name  string
	Bytes []byte
	Perms Perm
	Align uint64
}

// AppSymbol is a symbol the application defines (or, for Defined ==
// false, one it expects the host to provide). Offset is relative to the
// start of the section at SectionIndex.
type AppSymbol struct {
	Name         string
	SectionIndex int
	Offset       uint64
	Defined      bool
}

// AppReloc is an internal fixup within the application's own sections,
// applied after placement assigns final addresses
type AppReloc struct {
	SectionIndex int
	Offset       uint64
	Symbol       string
	Addend       int64
	Width        int // 4 or 8 bytes
	Kind         RelocKind
}

// AppObject is the application side of a merge
type AppObject struct {
	Sections []AppSection
	Symbols  []AppSymbol
	Relocs   []AppReloc
}

// PlacedSection is an application section with its final placement in
// the output image. Addr and FileOffset are assigned by the format
// writer; relOffset is the section's offset within the appended segment.
type PlacedSection struct {
	Name       string
	Bytes      []byte
	Perms      Perm
	Align      uint64
	Addr       uint64
	FileOffset uint64

	relOffset uint64
}

// placeSections prepares the application's sections for appending. The
// writer assigns addresses; until then Addr and FileOffset are zero.
func placeSections(app *AppObject) ([]*PlacedSection, error) {
	if len(app.Sections) == 0 {
		return nil, fmt.Errorf("application object has no sections")
	}
	placed := make([]*PlacedSection, len(app.Sections))
	for i := range app.Sections {
		s := &app.Sections[i]
		if len(s.Bytes) == 0 {
			return nil, fmt.Errorf("application section %q is empty", s.Name)
		}
		align := s.Align
		if align == 0 {
			align = 16
		}
		if align&(align-1) != 0 {
			return nil, fmt.Errorf("application section %q has non-power-of-two alignment %d", s.Name, align)
		}
		placed[i] = &PlacedSection{
			Name:  s.Name,
			Bytes: s.Bytes,
			Perms: s.Perms,
			Align: align,
		}
	}
	return placed, nil
}

// resolveSymbols computes the final virtual address of every defined
// application symbol from the placed sections
func resolveSymbols(app *AppObject, placed []*PlacedSection) (map[string]uint64, error) {
	addrs := make(map[string]uint64)
	for i := range app.Symbols {
		sym := &app.Symbols[i]
		if !sym.Defined {
			continue
		}
		if sym.SectionIndex < 0 || sym.SectionIndex >= len(placed) {
			return nil, fmt.Errorf("symbol %q references section %d of %d", sym.Name, sym.SectionIndex, len(placed))
		}
		sec := placed[sym.SectionIndex]
		if sym.Offset > uint64(len(sec.Bytes)) {
			return nil, fmt.Errorf("symbol %q offset 0x%x exceeds section %q size 0x%x", sym.Name, sym.Offset, sec.Name, len(sec.Bytes))
		}
		if prev, dup := addrs[sym.Name]; dup {
			return nil, fmt.Errorf("symbol %q defined twice (0x%x and 0x%x)", sym.Name, prev, sec.Addr+sym.Offset)
		}
		addrs[sym.Name] = sec.Addr + sym.Offset
	}
	return addrs, nil
}
