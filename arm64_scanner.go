// Completion: 100% - Instruction implementation complete
package surgelink

import (
	"encoding/binary"
)

// ARM64 branch decoding. Instructions are fixed 4-byte words, so scanning
// never misaligns; words outside the branch encodings decode as plain
// instructions of length 4.
//
// Encodings:
//   BL:     100101 imm26
//   B:      000101 imm26
//   B.cond: 01010100 imm19 0 cond
//   BLR:    1101011 0001 11111 000000 Rn 00000
//   BR:     1101011 0000 11111 000000 Rn 00000

// decodeARM64 decodes one ARM64 instruction at addr
func decodeARM64(b []byte, addr uint64) (*Instruction, error) {
	if len(b) < 4 {
		return nil, undecodableInstruction(addr, b[0])
	}
	w := binary.LittleEndian.Uint32(b)

	inst := &Instruction{
		Addr:   addr,
		Length: 4,
		Bytes:  b[:4],
	}

	switch {
	case w&0xFC000000 == 0x94000000: // BL
		inst.Branch = BranchCall
		inst.Operand = OperandBranch26
		inst.Target = addr + uint64(signExtend(uint64(w&0x03FFFFFF)<<2, 28))
	case w&0xFC000000 == 0x14000000: // B
		inst.Branch = BranchJump
		inst.Operand = OperandBranch26
		inst.Target = addr + uint64(signExtend(uint64(w&0x03FFFFFF)<<2, 28))
	case w&0xFF000010 == 0x54000000: // B.cond
		inst.Branch = BranchCondJump
		inst.Operand = OperandCond19
		inst.Target = addr + uint64(signExtend(uint64(w>>5&0x7FFFF)<<2, 21))
	case w&0xFFFFFC1F == 0xD63F0000: // BLR
		inst.Branch = BranchIndirectCall
	case w&0xFFFFFC1F == 0xD61F0000: // BR
		inst.Branch = BranchIndirectJump
	}

	return inst, nil
}

// signExtend interprets the low bits of v as a signed bits-wide value
func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// encodeARM64Branch rewrites a BL/B word with a new byte offset, keeping
// the opcode bits of the original word. offset must be a multiple of 4
// within the signed 26-bit word range (checked by the caller).
func encodeARM64Branch(orig uint32, offset int64) uint32 {
	return orig&0xFC000000 | uint32(offset>>2)&0x03FFFFFF
}
