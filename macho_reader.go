// Completion: 100% - Platform support complete
package surgelink

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Mach-O constants
const (
	machMagic64    = 0xfeedfacf // 64-bit magic number
	machHeaderSize = 32         // mach_header_64 size

	// Load commands
	lcSegment64 = 0x19
	lcMain      = 0x80000028

	// Section types and attributes
	sSymbolStubs           = 0x8
	sLazySymbolPointers    = 0x7
	sNonLazySymbolPointers = 0x6
	sAttrPureInstructions  = 0x80000000
	sAttrSomeInstructions  = 0x00000400

	// Protection flags
	vmProtRead    = 0x01
	vmProtWrite   = 0x02
	vmProtExecute = 0x04

	// Indirect symbol table sentinels
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

// MachOReader exposes a Mach-O host binary through the normalized
// Container view. Structured parsing (symbols, sections, indirect symbol
// table) goes through go-macho; the raw bytes are kept alongside for
// byte-range access and for verbatim copying into the output image.
type MachOReader struct {
	file     *macho.File
	data     []byte
	entry    uint64
	sections []Section
	symbols  []Symbol
	slots    map[uint64]string
	stubs    map[uint64]string
}

// openMachO parses a 64-bit Mach-O executable
func openMachO(path string, data []byte) (*MachOReader, error) {
	if len(data) < machHeaderSize {
		return nil, malformedContainer("file too small for Mach-O header (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint32(data) != machMagic64 {
		return nil, malformedContainer("invalid Mach-O magic: 0x%08x", binary.LittleEndian.Uint32(data))
	}

	f, err := macho.Open(path)
	if err != nil {
		return nil, malformedContainer("failed to parse Mach-O load commands: %v", err)
	}

	r := &MachOReader{
		file:  f,
		data:  data,
		slots: make(map[uint64]string),
		stubs: make(map[uint64]string),
	}

	r.readSections()
	r.readSymbols()
	if err := r.readIndirectSymbols(); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.readEntryPoint(); err != nil {
		f.Close()
		return nil, err
	}

	return r, nil
}

// readSections normalizes the go-macho section list. Permissions are
// derived from the owning segment's conventional role plus the section's
// instruction attributes.
func (r *MachOReader) readSections() {
	for _, s := range r.file.Sections {
		perms := PermRead
		if s.Seg == "__TEXT" || uint32(s.Flags)&(sAttrPureInstructions|sAttrSomeInstructions) != 0 {
			perms |= PermExec
		}
		if s.Seg != "__TEXT" && s.Seg != "__LINKEDIT" {
			perms |= PermWrite
		}
		r.sections = append(r.sections, Section{
			Name:       s.Seg + "," + s.Name,
			Addr:       s.Addr,
			FileOffset: uint64(s.Offset),
			Size:       s.Size,
			Perms:      perms,
		})
	}
}

// readSymbols normalizes the symbol table. Undefined entries are the
// application-supplied targets of interest.
func (r *MachOReader) readSymbols() {
	if r.file.Symtab == nil {
		return
	}
	for _, s := range r.file.Symtab.Syms {
		if s.Name == "" {
			continue
		}
		defined := s.Type&types.N_TYPE != types.N_UNDF || s.Sect != 0
		r.symbols = append(r.symbols, Symbol{
			Name:         s.Name,
			Value:        s.Value,
			SectionIndex: int(s.Sect),
			Defined:      defined,
		})
	}
}

// readIndirectSymbols walks the indirect symbol table once and records
// both stub entry addresses (S_SYMBOL_STUBS sections) and pointer slot
// addresses (lazy/non-lazy symbol pointer sections) against the symbol
// each one is bound to.
func (r *MachOReader) readIndirectSymbols() error {
	if r.file.Dysymtab == nil || r.file.Symtab == nil {
		return nil
	}
	indirect := r.file.Dysymtab.IndirectSyms
	syms := r.file.Symtab.Syms

	for _, s := range r.file.Sections {
		var entrySize uint64
		switch uint32(s.Flags) & 0xff {
		case sSymbolStubs:
			entrySize = uint64(s.Reserved2)
		case sLazySymbolPointers, sNonLazySymbolPointers:
			entrySize = 8
		default:
			continue
		}
		if entrySize == 0 {
			continue
		}
		count := s.Size / entrySize
		for i := uint64(0); i < count; i++ {
			idx := uint64(s.Reserved1) + i
			if idx >= uint64(len(indirect)) {
				return malformedContainer("indirect symbol index %d exceeds table size %d in section %s", idx, len(indirect), s.Name)
			}
			symIdx := indirect[idx]
			if symIdx&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
				continue
			}
			if symIdx >= uint32(len(syms)) {
				return malformedContainer("indirect entry %d references symbol %d of %d", idx, symIdx, len(syms))
			}
			name := syms[symIdx].Name
			if name == "" {
				continue
			}
			addr := s.Addr + i*entrySize
			if uint32(s.Flags)&0xff == sSymbolStubs {
				r.stubs[addr] = name
			} else {
				r.slots[addr] = name
			}
		}
	}
	return nil
}

// readEntryPoint resolves LC_MAIN's file offset against the segment that
// contains it. Host binaries without LC_MAIN report entry 0.
func (r *MachOReader) readEntryPoint() error {
	ncmds := binary.LittleEndian.Uint32(r.data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(r.data[20:])
	if uint64(machHeaderSize)+uint64(sizeofcmds) > uint64(len(r.data)) {
		return malformedContainer("load commands [%d, %d) out of bounds", machHeaderSize, machHeaderSize+sizeofcmds)
	}

	off := uint64(machHeaderSize)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > uint64(machHeaderSize)+uint64(sizeofcmds) {
			return malformedContainer("load command %d exceeds mapped command size", i)
		}
		cmd := binary.LittleEndian.Uint32(r.data[off:])
		cmdsize := binary.LittleEndian.Uint32(r.data[off+4:])
		if cmdsize < 8 || off+uint64(cmdsize) > uint64(machHeaderSize)+uint64(sizeofcmds) {
			return malformedContainer("load command %d has invalid size %d", i, cmdsize)
		}
		if cmd == lcMain && cmdsize >= 24 {
			entryOff := binary.LittleEndian.Uint64(r.data[off+8:])
			r.entry = r.fileOffsetToAddr(entryOff)
		}
		off += uint64(cmdsize)
	}
	return nil
}

// fileOffsetToAddr maps a file offset to its mapped virtual address
func (r *MachOReader) fileOffsetToAddr(fileOff uint64) uint64 {
	for _, seg := range r.file.Segments() {
		if seg.Filesz > 0 && fileOff >= seg.Offset && fileOff < seg.Offset+seg.Filesz {
			return seg.Addr + (fileOff - seg.Offset)
		}
	}
	return 0
}

// EntryPoint returns the LC_MAIN entry virtual address
func (r *MachOReader) EntryPoint() uint64 {
	return r.entry
}

// Sections returns the normalized section list
func (r *MachOReader) Sections() []Section {
	return r.sections
}

// Symbols returns the normalized symbol table
func (r *MachOReader) Symbols() []Symbol {
	return r.symbols
}

// IndirectSlots maps lazy/non-lazy pointer slot addresses to symbol names
func (r *MachOReader) IndirectSlots() map[uint64]string {
	return r.slots
}

// StubTargets maps __stubs entry addresses to symbol names
func (r *MachOReader) StubTargets() map[uint64]string {
	return r.stubs
}

// NextFreeAddress returns the first address above every mapped segment
func (r *MachOReader) NextFreeAddress() uint64 {
	var max uint64
	for _, seg := range r.file.Segments() {
		if seg.Name == "__PAGEZERO" {
			continue
		}
		if seg.Addr+seg.Memsz > max {
			max = seg.Addr + seg.Memsz
		}
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "MachOReader: next free address 0x%x\n", max)
	}
	return max
}

// Data returns the raw container bytes
func (r *MachOReader) Data() []byte {
	return r.data
}

// Close releases the underlying go-macho file handle
func (r *MachOReader) Close() error {
	return r.file.Close()
}
