// Completion: 100% - Tests complete
package surgelink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Synthetic host binary used across the test suite: a minimal ELF64
// x86-64 executable whose .text calls the undefined symbol app_main
// through a one-entry PLT.
//
// Layout:
//
//	0x120 .text     E8 1B 00 00 00  call 0x400140 (the PLT entry)
//	0x140 .plt      FF 25 3A 00 00 00  jmp [rip+0x3a] -> 0x400180
//	0x180 .got.plt  one 8-byte slot
//	0x1a0 .rela.plt R_X86_64_JUMP_SLOT binding the slot to app_main
//	0x1c0 .dynsym   null entry + undefined app_main
const (
	testHostEntry    = 0x400120
	testHostCallOff  = 0x120
	testHostPltVA    = 0x400140
	testHostSlotVA   = 0x400180
	testHostNextFree = 0x400440
)

// buildTestHost assembles the synthetic host image
func buildTestHost() []byte {
	le := binary.LittleEndian
	img := make([]byte, 0x440)

	// ELF header
	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(img[16:], 2)    // ET_EXEC
	le.PutUint16(img[18:], 0x3e) // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], testHostEntry)
	le.PutUint64(img[32:], 0x40)  // phoff
	le.PutUint64(img[40:], 0x240) // shoff
	le.PutUint16(img[52:], 64)
	le.PutUint16(img[54:], 56)
	le.PutUint16(img[56:], 1) // phnum
	le.PutUint16(img[58:], 64)
	le.PutUint16(img[60:], 8) // shnum
	le.PutUint16(img[62:], 7) // shstrndx

	// PT_LOAD mapping the whole file at 0x400000, R+X
	ph := img[0x40:]
	le.PutUint32(ph, ptLoad)
	le.PutUint32(ph[4:], pfRead|pfExec)
	le.PutUint64(ph[16:], 0x400000)
	le.PutUint64(ph[24:], 0x400000)
	le.PutUint64(ph[32:], 0x440)
	le.PutUint64(ph[40:], 0x440)
	le.PutUint64(ph[48:], 0x1000)

	// .text: call through the PLT, then ret, then nop padding
	text := img[0x120:]
	copy(text, []byte{0xE8, 0x1B, 0x00, 0x00, 0x00, 0xC3})
	for i := 6; i < 0x20; i++ {
		text[i] = 0x90
	}

	// .plt: jmp [rip+0x3a] reaching the GOT slot
	plt := img[0x140:]
	copy(plt, []byte{0xFF, 0x25, 0x3A, 0x00, 0x00, 0x00})
	for i := 6; i < 0x10; i++ {
		plt[i] = 0x90
	}

	// .rela.plt: one jump slot relocation against dynsym entry 1
	rela := img[0x1A0:]
	le.PutUint64(rela, testHostSlotVA)
	le.PutUint64(rela[8:], 1<<32|7)

	// .dynsym: null entry, then undefined app_main (shndx 0)
	le.PutUint32(img[0x1C0+24:], 1)

	copy(img[0x1F0:], "\x00app_main\x00")
	copy(img[0x200:], "\x00.text\x00.plt\x00.got.plt\x00.rela.plt\x00.dynsym\x00.dynstr\x00.shstrtab\x00")

	type sh struct {
		name, typ uint32
		flags     uint64
		addr      uint64
		off, size uint64
		link      uint32
		entsize   uint64
	}
	hdrs := []sh{
		{},
		{1, shtProgbits, shfAlloc | shfExecinstr, 0x400120, 0x120, 0x20, 0, 0},
		{7, shtProgbits, shfAlloc | shfExecinstr, 0x400140, 0x140, 0x10, 0, 0},
		{12, shtProgbits, shfAlloc | shfWrite, 0x400180, 0x180, 8, 0, 0},
		{21, shtRela, shfAlloc, 0x4001A0, 0x1A0, 24, 5, 24},
		{31, shtDynsym, shfAlloc, 0x4001C0, 0x1C0, 48, 6, 24},
		{39, shtStrtab, shfAlloc, 0x4001F0, 0x1F0, 10, 0, 0},
		{47, shtStrtab, 0, 0, 0x200, 57, 0, 0},
	}
	for i, h := range hdrs {
		b := img[0x240+i*64:]
		le.PutUint32(b, h.name)
		le.PutUint32(b[4:], h.typ)
		le.PutUint64(b[8:], h.flags)
		le.PutUint64(b[16:], h.addr)
		le.PutUint64(b[24:], h.off)
		le.PutUint64(b[32:], h.size)
		le.PutUint32(b[40:], h.link)
		le.PutUint64(b[56:], h.entsize)
	}
	return img
}

// writeTestHost writes the synthetic host to a fresh directory
func writeTestHost(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host")
	if err := os.WriteFile(path, buildTestHost(), 0755); err != nil {
		t.Fatalf("failed to write test host: %v", err)
	}
	return path
}

// TestParseELFSections verifies section parsing and permission mapping
func TestParseELFSections(t *testing.T) {
	r, err := parseELF(buildTestHost())
	if err != nil {
		t.Fatalf("parseELF failed: %v", err)
	}
	if r.EntryPoint() != testHostEntry {
		t.Errorf("entry point 0x%x, want 0x%x", r.EntryPoint(), uint64(testHostEntry))
	}

	secs := r.Sections()
	if len(secs) != 8 {
		t.Fatalf("got %d sections, want 8", len(secs))
	}
	text := findSection(secs, testHostEntry)
	if text == nil || text.Name != ".text" {
		t.Fatalf("findSection(entry) = %v, want .text", text)
	}
	if !text.Executable() {
		t.Error(".text should be executable")
	}
	if text.Perms.String() != "r-x" {
		t.Errorf(".text perms %q, want r-x", text.Perms)
	}
	got := findSection(secs, testHostSlotVA)
	if got == nil || got.Name != ".got.plt" {
		t.Fatalf("findSection(slot) = %v, want .got.plt", got)
	}
	if got.Executable() {
		t.Error(".got.plt should not be executable")
	}
}

// TestParseELFSymbols verifies the undefined dynamic symbol is reported
func TestParseELFSymbols(t *testing.T) {
	r, err := parseELF(buildTestHost())
	if err != nil {
		t.Fatalf("parseELF failed: %v", err)
	}
	var found *Symbol
	for i := range r.Symbols() {
		if r.Symbols()[i].Name == "app_main" {
			found = &r.Symbols()[i]
		}
	}
	if found == nil {
		t.Fatal("app_main not in symbol table")
	}
	if found.Defined {
		t.Error("app_main should be undefined")
	}
}

// TestParseELFIndirectSlots verifies the GOT slot map built from .rela.plt
func TestParseELFIndirectSlots(t *testing.T) {
	r, err := parseELF(buildTestHost())
	if err != nil {
		t.Fatalf("parseELF failed: %v", err)
	}
	name, ok := r.IndirectSlots()[testHostSlotVA]
	if !ok {
		t.Fatalf("no slot recorded at 0x%x", uint64(testHostSlotVA))
	}
	if name != "app_main" {
		t.Errorf("slot bound to %q, want app_main", name)
	}
}

// TestParseELFNextFreeAddress verifies the first address past all segments
func TestParseELFNextFreeAddress(t *testing.T) {
	r, err := parseELF(buildTestHost())
	if err != nil {
		t.Fatalf("parseELF failed: %v", err)
	}
	if r.NextFreeAddress() != testHostNextFree {
		t.Errorf("next free address 0x%x, want 0x%x", r.NextFreeAddress(), uint64(testHostNextFree))
	}
}

// TestParseELFMalformed verifies that truncated or corrupted inputs fail
// with MalformedContainer instead of panicking
func TestParseELFMalformed(t *testing.T) {
	corrupt := func(f func([]byte)) []byte {
		img := buildTestHost()
		f(img)
		return img
	}
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", buildTestHost()[:32]},
		{"bad magic", corrupt(func(b []byte) { b[0] = 0x7e })},
		{"32-bit class", corrupt(func(b []byte) { b[4] = 1 })},
		{"big endian", corrupt(func(b []byte) { b[5] = 2 })},
		{"phoff out of bounds", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[32:], 0x10000)
		})},
		{"shoff out of bounds", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[40:], 0x10000)
		})},
		{"shstrndx out of range", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint16(b[62:], 99)
		})},
		{"section data out of bounds", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[0x240+64+32:], 0x10000) // .text size
		})},
		{"section offset wraps", corrupt(func(b []byte) {
			// offset + size overflows uint64 to a small value
			binary.LittleEndian.PutUint64(b[0x240+64+24:], 0xFFFFFFFFFFFFFFF0) // .text offset
		})},
		{"phoff wraps", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[32:], 0xFFFFFFFFFFFFFFC0)
		})},
		{"shoff wraps", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[40:], 0xFFFFFFFFFFFFFF00)
		})},
		{"symbol name out of strtab", corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[0x1C0+24:], 9999)
		})},
	}
	for _, tc := range cases {
		if _, err := parseELF(tc.data); err == nil {
			t.Errorf("%s: expected error, got none", tc.name)
		} else if !IsKind(err, KindMalformedContainer) {
			t.Errorf("%s: got %v, want MalformedContainer", tc.name, err)
		}
	}
}

// TestAppendELFSegment verifies the appended segment through debug/elf:
// the output must stay parseable and carry one extra PT_LOAD at the
// requested base address.
func TestAppendELFSegment(t *testing.T) {
	host := buildTestHost()
	payload := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	secs := []*PlacedSection{{
		Name:  "__app_text",
		Bytes: payload,
		Perms: PermRead | PermExec,
		Align: 16,
	}}

	out, err := appendELFSegment(host, 0x401000, secs)
	if err != nil {
		t.Fatalf("appendELFSegment failed: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a valid ELF: %v", err)
	}
	defer f.Close()
	if len(f.Progs) != 2 {
		t.Fatalf("got %d program headers, want 2", len(f.Progs))
	}
	load := f.Progs[1]
	if load.Type != elf.PT_LOAD {
		t.Errorf("appended segment type %v, want PT_LOAD", load.Type)
	}
	if load.Vaddr != 0x401000 {
		t.Errorf("appended segment vaddr 0x%x, want 0x401000", load.Vaddr)
	}
	if load.Flags != elf.PF_R|elf.PF_X {
		t.Errorf("appended segment flags %v, want R+X", load.Flags)
	}
	if load.Off%elfPageSize != 0 {
		t.Errorf("appended segment offset 0x%x not page aligned", load.Off)
	}
	if load.Vaddr%elfPageSize != load.Off%elfPageSize {
		t.Errorf("vaddr 0x%x and offset 0x%x not congruent modulo page size", load.Vaddr, load.Off)
	}

	sec := secs[0]
	if sec.Addr == 0 || sec.FileOffset == 0 {
		t.Fatal("placement did not assign addresses")
	}
	if !bytes.Equal(out[sec.FileOffset:sec.FileOffset+uint64(len(payload))], payload) {
		t.Error("section payload not present at assigned file offset")
	}
	if sec.Addr-load.Vaddr != sec.FileOffset-load.Off {
		t.Error("section address and file offset disagree within the segment")
	}
}

// TestAppendELFSegmentUnalignedBase verifies the page alignment precondition
func TestAppendELFSegmentUnalignedBase(t *testing.T) {
	secs := []*PlacedSection{{Name: "__app_text", Bytes: []byte{0xC3}, Perms: PermRead | PermExec, Align: 16}}
	if _, err := appendELFSegment(buildTestHost(), 0x401008, secs); err == nil {
		t.Fatal("expected error for unaligned base address")
	}
}
