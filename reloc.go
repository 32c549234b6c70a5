// Completion: 100% - Module complete
package surgelink

import (
	"encoding/binary"
	"math"
)

// Internal relocation application
//
// After placement, the application's own sections still hold the
// compiler's zero-filled relocation sites. Each fixup is either a
// PC-relative displacement (S + A - P) or an absolute address (S + A),
// stored little-endian in 4 or 8 bytes, and is applied to the output
// image at the section's final file offset. A 4-byte relative value
// that does not fit in int32 is a hard DisplacementOverflow: moving the
// application sections cannot fix a layout the address space rejects.

// relocValue computes a relocation's value against resolved addresses,
// with range checking but no writes. place is the virtual address of
// the relocation site.
func relocValue(rel *AppReloc, symAddr, place uint64) (uint64, error) {
	switch rel.Kind {
	case RelocRelative:
		disp := int64(symAddr) + rel.Addend - int64(place)
		if rel.Width == 4 && (disp > math.MaxInt32 || disp < math.MinInt32) {
			return 0, displacementOverflow(rel.Symbol, place, disp, OperandRel32)
		}
		return uint64(disp), nil
	case RelocAbsolute:
		return uint64(int64(symAddr) + rel.Addend), nil
	}
	return 0, malformedContainer("unknown relocation kind %d for symbol %q", rel.Kind, rel.Symbol)
}

// applyRelocation patches one relocation site in the output image.
// symAddr is the resolved address of rel.Symbol.
func applyRelocation(img []byte, sec *PlacedSection, rel *AppReloc, symAddr uint64) error {
	if rel.Offset+uint64(rel.Width) > uint64(len(sec.Bytes)) {
		return malformedContainer("relocation at %q+0x%x overruns section size 0x%x", sec.Name, rel.Offset, len(sec.Bytes))
	}
	site := sec.FileOffset + rel.Offset
	if site+uint64(rel.Width) > uint64(len(img)) {
		return malformedContainer("relocation site 0x%x out of image bounds", site)
	}

	value, err := relocValue(rel, symAddr, sec.Addr+rel.Offset)
	if err != nil {
		return err
	}

	switch rel.Width {
	case 4:
		binary.LittleEndian.PutUint32(img[site:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(img[site:], value)
	default:
		return malformedContainer("unsupported relocation width %d for symbol %q", rel.Width, rel.Symbol)
	}
	return nil
}

// applyAppRelocations resolves and applies every internal relocation of
// an application object against the output image
func applyAppRelocations(img []byte, app *AppObject, placed []*PlacedSection, addrs map[string]uint64) error {
	for i := range app.Relocs {
		rel := &app.Relocs[i]
		if rel.SectionIndex < 0 || rel.SectionIndex >= len(placed) {
			return malformedContainer("relocation %d references section %d of %d", i, rel.SectionIndex, len(placed))
		}
		symAddr, ok := addrs[rel.Symbol]
		if !ok {
			return malformedContainer("relocation references undefined symbol %q", rel.Symbol)
		}
		if err := applyRelocation(img, placed[rel.SectionIndex], rel, symAddr); err != nil {
			return err
		}
	}
	return nil
}
