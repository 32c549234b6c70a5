// Completion: 100% - Instruction implementation complete
package surgelink

// BranchKind classifies decoded control-transfer instructions
type BranchKind int

const (
	BranchNone BranchKind = iota
	BranchCall
	BranchJump
	BranchCondJump
	BranchIndirectCall
	BranchIndirectJump
)

func (b BranchKind) String() string {
	switch b {
	case BranchCall:
		return "call"
	case BranchJump:
		return "jump"
	case BranchCondJump:
		return "conditional jump"
	case BranchIndirectCall:
		return "indirect call"
	case BranchIndirectJump:
		return "indirect jump"
	default:
		return "none"
	}
}

// OperandKind describes how a branch instruction encodes its target, which
// determines how (and whether) the operand can be rewritten in place.
type OperandKind int

const (
	OperandNone     OperandKind = iota
	OperandRel8                 // x86 rel8 displacement
	OperandRel32                // x86 rel32 displacement
	OperandBranch26             // ARM64 BL/B 26-bit word offset
	OperandCond19               // ARM64 B.cond 19-bit word offset
	OperandJump20               // RISC-V JAL 20-bit offset
	OperandRIPMem               // x86 RIP-relative memory operand (slot load)
)

func (k OperandKind) String() string {
	switch k {
	case OperandRel8:
		return "rel8"
	case OperandRel32:
		return "rel32"
	case OperandBranch26:
		return "branch26"
	case OperandCond19:
		return "cond19"
	case OperandJump20:
		return "jump20"
	case OperandRIPMem:
		return "rip-indirect"
	default:
		return "none"
	}
}

// Patchable reports whether the encoding can be re-aimed at an appended
// section. Narrow encodings (rel8, cond19) cannot reach a fresh segment,
// so call sites using them are never recorded.
func (k OperandKind) Patchable() bool {
	switch k {
	case OperandRel32, OperandBranch26, OperandJump20:
		return true
	default:
		return false
	}
}

// Instruction is one decoded machine instruction. For branches the
// resolved target (or, for RIP-indirect forms, the memory slot address)
// is reported alongside the operand encoding.
type Instruction struct {
	Addr    uint64
	Length  int
	Bytes   []byte // view into the scanned slice
	Branch  BranchKind
	Operand OperandKind

	// OperandOffset is the byte offset of the displacement field within
	// the instruction (x86); fixed-width architectures rewrite the whole
	// word and use 0.
	OperandOffset int

	// Target is the resolved destination address for direct branches
	Target uint64

	// SlotAddr is the memory slot a RIP-indirect branch loads through
	SlotAddr uint64
}

// Scanner walks a byte slice and yields decoded instructions lazily.
// It holds no shared state: independent scanners may run concurrently
// over independent buffers. The sequence is finite and restartable.
type Scanner struct {
	arch Arch
	data []byte
	base uint64 // virtual address of data[0]
	pos  int
}

// NewScanner creates a scanner for the given architecture over data,
// where data[0] sits at virtual address base
func NewScanner(arch Arch, data []byte, base uint64) *Scanner {
	return &Scanner{
		arch: arch,
		data: data,
		base: base,
	}
}

// Reset restarts the scan from the beginning of the slice
func (s *Scanner) Reset() {
	s.pos = 0
}

// Skip advances past n bytes without decoding, used to resynchronize
// after an undecodable candidate
func (s *Scanner) Skip(n int) {
	s.pos += n
	if s.pos > len(s.data) {
		s.pos = len(s.data)
	}
}

// Next decodes the instruction at the current position and advances past
// it. At the end of the slice it returns (nil, nil). A decode failure
// returns UndecodableInstruction and does not advance, so the caller
// decides how to resynchronize.
func (s *Scanner) Next() (*Instruction, error) {
	if s.pos >= len(s.data) {
		return nil, nil
	}
	inst, err := decodeAt(s.arch, s.data[s.pos:], s.base+uint64(s.pos))
	if err != nil {
		return nil, err
	}
	s.pos += inst.Length
	return inst, nil
}

// decodeAt decodes a single instruction for the given architecture
func decodeAt(arch Arch, b []byte, addr uint64) (*Instruction, error) {
	switch arch {
	case ArchX86_64:
		return decodeX86(b, addr)
	case ArchARM64:
		return decodeARM64(b, addr)
	case ArchRiscv64:
		return decodeRiscv(b, addr)
	default:
		return nil, undecodableInstruction(addr, 0)
	}
}
