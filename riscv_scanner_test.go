// Completion: 100% - Tests complete
package surgelink

import (
	"encoding/binary"
	"testing"
)

// riscvWord packs a 32-bit instruction word for the decoder
func riscvWord(w uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

// TestDecodeRiscvJal verifies JAL classification by destination register
func TestDecodeRiscvJal(t *testing.T) {
	// jal ra, +0x100
	word := encodeJalOffset(0x000000EF, 0x100)
	inst, err := decodeRiscv(riscvWord(word), 0x10000)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if inst.Branch != BranchCall || inst.Operand != OperandJump20 {
		t.Errorf("got (%v, %v), want (call, jump20)", inst.Branch, inst.Operand)
	}
	if inst.Target != 0x10100 {
		t.Errorf("target 0x%x, want 0x10100", inst.Target)
	}

	// j +8 is jal x0, +8
	word = encodeJalOffset(0x0000006F, 8)
	inst, err = decodeRiscv(riscvWord(word), 0x10000)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if inst.Branch != BranchJump {
		t.Errorf("branch %v, want jump", inst.Branch)
	}
	if inst.Target != 0x10008 {
		t.Errorf("target 0x%x, want 0x10008", inst.Target)
	}
}

// TestEncodeJalOffset verifies the immediate scramble round-trips across
// the signed 21-bit range, keeping rd and opcode bits
func TestEncodeJalOffset(t *testing.T) {
	for _, offset := range []int64{0, 2, 0x100, -0x100, 0xFFFFE, -0x100000, 0x7FE} {
		word := encodeJalOffset(0x000000EF, offset)
		if word&0xFFF != 0xEF {
			t.Errorf("offset %d: rd/opcode bits clobbered: 0x%08x", offset, word)
		}
		if got := decodeJalOffset(word); got != offset {
			t.Errorf("offset %d round-tripped to %d", offset, got)
		}
	}
}

// TestDecodeRiscvJalr verifies register-indirect jump classification
func TestDecodeRiscvJalr(t *testing.T) {
	// jalr ra, 0(t0): imm=0 rs1=5 funct3=0 rd=1
	inst, err := decodeRiscv(riscvWord(0x000280E7), 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if inst.Branch != BranchIndirectCall {
		t.Errorf("branch %v, want indirect call", inst.Branch)
	}

	// jr t0 is jalr x0, 0(t0)
	inst, err = decodeRiscv(riscvWord(0x00028067), 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if inst.Branch != BranchIndirectJump {
		t.Errorf("branch %v, want indirect jump", inst.Branch)
	}
}

// TestDecodeRiscvCompressed verifies 2-byte instructions keep the scan
// aligned
func TestDecodeRiscvCompressed(t *testing.T) {
	code := []byte{
		0x01, 0x00, // c.nop
		0x13, 0x00, 0x00, 0x00, // nop (addi x0, x0, 0)
	}
	sc := NewScanner(ArchRiscv64, code, 0x4000)

	inst, err := sc.Next()
	if err != nil || inst == nil || inst.Length != 2 {
		t.Fatalf("compressed: got (%v, %v)", inst, err)
	}
	inst, err = sc.Next()
	if err != nil || inst == nil || inst.Length != 4 || inst.Addr != 0x4002 {
		t.Fatalf("standard: got (%v, %v)", inst, err)
	}
	if inst, _ := sc.Next(); inst != nil {
		t.Fatal("expected end of scan")
	}
}
