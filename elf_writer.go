// Completion: 100% - Platform support complete
package surgelink

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/xyproto/surgelink/internal/engine"
)

// ELF program header flags
const (
	pfExec  = 0x1
	pfWrite = 0x2
	pfRead  = 0x4
)

// appendELFSegment grows an ELF executable image with one new PT_LOAD
// segment holding the given sections, assigning each its final virtual
// address and file offset starting at baseVA. The program header table is
// relocated into the new segment so a slot for the extra entry exists; the
// original table bytes stay in place but are no longer referenced.
//
// Host bytes outside the ELF header's phoff/phnum fields are never touched.
func appendELFSegment(host []byte, baseVA uint64, secs []*PlacedSection) ([]byte, error) {
	r, err := parseELF(host)
	if err != nil {
		return nil, err
	}
	if baseVA%elfPageSize != 0 {
		return nil, malformedContainer("segment base address 0x%x is not page aligned", baseVA)
	}

	out := make([]byte, len(host))
	copy(out, host)
	pb := NewPatchBuffer("elf-output", out)

	// The relocated program header table leads the new segment, followed
	// by the section payloads. Offsets and addresses stay congruent modulo
	// the page size because both the segment file offset and baseVA are
	// page aligned.
	newPhnum := r.phnum + 1
	phtSize := uint64(newPhnum) * progHeaderSize
	cur := phtSize
	for _, sec := range secs {
		align := sec.Align
		if align < 16 {
			align = 16
		}
		cur = engine.AlignUp(cur, align)
		sec.relOffset = cur
		cur += uint64(len(sec.Bytes))
	}
	segLen := cur
	appendOff := engine.AlignUp(uint64(len(host)), elfPageSize)
	for _, sec := range secs {
		sec.FileOffset = appendOff + sec.relOffset
		sec.Addr = baseVA + sec.relOffset
	}

	// Assemble the segment: copied program headers, then payloads
	seg := make([]byte, segLen)
	var segPerms uint32 = pfRead
	for i, ph := range r.phdrs {
		b := seg[uint64(i)*progHeaderSize:]
		if ph.phType == ptPhdr {
			ph.offset = appendOff
			ph.vaddr = baseVA
			ph.paddr = baseVA
			ph.filesz = phtSize
			ph.memsz = phtSize
		}
		writeProgHeader(b, &ph)
	}
	for _, sec := range secs {
		copy(seg[sec.relOffset:], sec.Bytes)
		if sec.Perms&PermWrite != 0 {
			segPerms |= pfWrite
		}
		if sec.Perms&PermExec != 0 {
			segPerms |= pfExec
		}
	}
	load := elfProgHeader{
		phType: ptLoad,
		flags:  segPerms,
		offset: appendOff,
		vaddr:  baseVA,
		paddr:  baseVA,
		filesz: segLen,
		memsz:  segLen,
		align:  elfPageSize,
	}
	writeProgHeader(seg[uint64(r.phnum)*progHeaderSize:], &load)

	gotOff := pb.Append(seg, elfPageSize)
	if gotOff != appendOff {
		return nil, malformedContainer("segment landed at 0x%x, expected 0x%x", gotOff, appendOff)
	}

	// Point the ELF header at the relocated table
	var phoff [8]byte
	binary.LittleEndian.PutUint64(phoff[:], appendOff)
	if err := pb.Overwrite(32, phoff[:]); err != nil {
		return nil, err
	}
	var phnum [2]byte
	binary.LittleEndian.PutUint16(phnum[:], uint16(newPhnum))
	if err := pb.Overwrite(56, phnum[:]); err != nil {
		return nil, err
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "appendELFSegment: %d sections, %d bytes at offset 0x%x, vaddr 0x%x\n",
			len(secs), segLen, appendOff, baseVA)
	}

	pb.Seal()
	return pb.Bytes(), nil
}

// writeProgHeader serializes one Elf64_Phdr
func writeProgHeader(b []byte, ph *elfProgHeader) {
	binary.LittleEndian.PutUint32(b, ph.phType)
	binary.LittleEndian.PutUint32(b[4:], ph.flags)
	binary.LittleEndian.PutUint64(b[8:], ph.offset)
	binary.LittleEndian.PutUint64(b[16:], ph.vaddr)
	binary.LittleEndian.PutUint64(b[24:], ph.paddr)
	binary.LittleEndian.PutUint64(b[32:], ph.filesz)
	binary.LittleEndian.PutUint64(b[40:], ph.memsz)
	binary.LittleEndian.PutUint64(b[48:], ph.align)
}
