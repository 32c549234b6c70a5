// Completion: 100% - Platform support complete
package surgelink

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/xyproto/surgelink/internal/engine"
)

const (
	segmentCommand64Size = 72 // segment_command_64 without sections
	section64Size        = 80 // section_64 entry
)

// appendMachOSegment grows a Mach-O executable image with one new
// LC_SEGMENT_64 holding the given sections, assigning each its final
// virtual address and file offset starting at baseVA. The new load
// command is written into the header pad that linkers leave between the
// existing load commands and the first section's file data; if the pad
// cannot hold it, the host cannot be extended in place and the append
// fails with MalformedContainer.
func appendMachOSegment(host []byte, baseVA, page uint64, secs []*PlacedSection) ([]byte, error) {
	if len(host) < machHeaderSize {
		return nil, malformedContainer("file too small for Mach-O header (%d bytes)", len(host))
	}
	if binary.LittleEndian.Uint32(host) != machMagic64 {
		return nil, malformedContainer("invalid Mach-O magic: 0x%08x", binary.LittleEndian.Uint32(host))
	}
	if baseVA%page != 0 {
		return nil, malformedContainer("segment base address 0x%x is not page aligned", baseVA)
	}
	// section_64 name fields are fixed 16-byte arrays
	for _, sec := range secs {
		if len(sec.Name) > 16 {
			return nil, malformedContainer("section name %q exceeds 16 bytes", sec.Name)
		}
	}

	ncmds := binary.LittleEndian.Uint32(host[16:])
	sizeofcmds := binary.LittleEndian.Uint32(host[20:])
	cmdsEnd := uint64(machHeaderSize) + uint64(sizeofcmds)
	if cmdsEnd > uint64(len(host)) {
		return nil, malformedContainer("load commands [%d, %d) out of bounds", machHeaderSize, cmdsEnd)
	}

	cmdSize := uint32(segmentCommand64Size + section64Size*len(secs))
	padEnd, err := firstMachOPayloadOffset(host, ncmds, sizeofcmds)
	if err != nil {
		return nil, err
	}
	if cmdsEnd+uint64(cmdSize) > padEnd {
		return nil, malformedContainer("header pad of %d bytes cannot hold %d byte segment command", padEnd-cmdsEnd, cmdSize)
	}

	// Lay out the section payloads in the appended region
	var cur uint64
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
	appendOff := engine.AlignUp(uint64(len(host)), page)
	for _, sec := range secs {
		sec.FileOffset = appendOff + sec.relOffset
		sec.Addr = baseVA + sec.relOffset
	}

	out := make([]byte, len(host))
	copy(out, host)
	pb := NewPatchBuffer("macho-output", out)

	// Serialize the segment command into the pad
	cmd := make([]byte, cmdSize)
	binary.LittleEndian.PutUint32(cmd, lcSegment64)
	binary.LittleEndian.PutUint32(cmd[4:], cmdSize)
	copy(cmd[8:24], "__APP")
	binary.LittleEndian.PutUint64(cmd[24:], baseVA)
	binary.LittleEndian.PutUint64(cmd[32:], engine.AlignUp(segLen, page))
	binary.LittleEndian.PutUint64(cmd[40:], appendOff)
	binary.LittleEndian.PutUint64(cmd[48:], segLen)
	var prot uint32 = vmProtRead
	for _, sec := range secs {
		if sec.Perms&PermWrite != 0 {
			prot |= vmProtWrite
		}
		if sec.Perms&PermExec != 0 {
			prot |= vmProtExecute
		}
	}
	binary.LittleEndian.PutUint32(cmd[56:], prot) // maxprot
	binary.LittleEndian.PutUint32(cmd[60:], prot) // initprot
	binary.LittleEndian.PutUint32(cmd[64:], uint32(len(secs)))
	binary.LittleEndian.PutUint32(cmd[68:], 0) // flags

	for i, sec := range secs {
		b := cmd[segmentCommand64Size+i*section64Size:]
		copy(b[0:16], sec.Name)
		copy(b[16:32], "__APP")
		binary.LittleEndian.PutUint64(b[32:], sec.Addr)
		binary.LittleEndian.PutUint64(b[40:], uint64(len(sec.Bytes)))
		binary.LittleEndian.PutUint32(b[48:], uint32(sec.FileOffset))
		binary.LittleEndian.PutUint32(b[52:], alignLog2(sec.Align))
		var flags uint32
		if sec.Perms&PermExec != 0 {
			flags = sAttrPureInstructions | sAttrSomeInstructions
		}
		binary.LittleEndian.PutUint32(b[64:], flags)
	}

	if err := pb.Overwrite(cmdsEnd, cmd); err != nil {
		return nil, err
	}

	// Bump the header's command bookkeeping
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], ncmds+1)
	if err := pb.Overwrite(16, u32[:]); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(u32[:], sizeofcmds+cmdSize)
	if err := pb.Overwrite(20, u32[:]); err != nil {
		return nil, err
	}

	// Append the payload region
	seg := make([]byte, segLen)
	for _, sec := range secs {
		copy(seg[sec.relOffset:], sec.Bytes)
	}
	gotOff := pb.Append(seg, page)
	if gotOff != appendOff {
		return nil, malformedContainer("segment landed at 0x%x, expected 0x%x", gotOff, appendOff)
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "appendMachOSegment: %d sections, %d bytes at offset 0x%x, vmaddr 0x%x\n",
			len(secs), segLen, appendOff, baseVA)
	}

	pb.Seal()
	return pb.Bytes(), nil
}

// firstMachOPayloadOffset returns the lowest file offset occupied by
// section data or a non-text segment, which bounds the header pad.
func firstMachOPayloadOffset(host []byte, ncmds, sizeofcmds uint32) (uint64, error) {
	cmdsEnd := uint64(machHeaderSize) + uint64(sizeofcmds)
	min := uint64(len(host))

	off := uint64(machHeaderSize)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > cmdsEnd {
			return 0, malformedContainer("load command %d exceeds mapped command size", i)
		}
		cmd := binary.LittleEndian.Uint32(host[off:])
		cmdsize := binary.LittleEndian.Uint32(host[off+4:])
		if cmdsize < 8 || off+uint64(cmdsize) > cmdsEnd {
			return 0, malformedContainer("load command %d has invalid size %d", i, cmdsize)
		}
		if cmd == lcSegment64 && uint64(cmdsize) >= segmentCommand64Size {
			nsects := binary.LittleEndian.Uint32(host[off+64:])
			if uint64(cmdsize) < segmentCommand64Size+uint64(nsects)*section64Size {
				return 0, malformedContainer("segment command %d too small for %d sections", i, nsects)
			}
			for j := uint32(0); j < nsects; j++ {
				b := host[off+segmentCommand64Size+uint64(j)*section64Size:]
				sectOff := binary.LittleEndian.Uint32(b[48:])
				sectSize := binary.LittleEndian.Uint64(b[40:])
				if sectOff > 0 && sectSize > 0 && uint64(sectOff) < min {
					min = uint64(sectOff)
				}
			}
		}
		off += uint64(cmdsize)
	}
	return min, nil
}

// alignLog2 converts a byte alignment to the log2 form Mach-O sections use
func alignLog2(align uint64) uint32 {
	if align < 2 {
		return 0
	}
	var n uint32
	for align > 1 {
		align >>= 1
		n++
	}
	return n
}
