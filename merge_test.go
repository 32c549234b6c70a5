// Completion: 100% - Tests complete
package surgelink

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testApp builds an application object defining app_main: mov eax, 42; ret
func testApp() *AppObject {
	return &AppObject{
		Sections: []AppSection{{
			Name:  "__app_text",
			Bytes: []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3},
			Perms: PermRead | PermExec,
			Align: 16,
		}},
		Symbols: []AppSymbol{{Name: "app_main", SectionIndex: 0, Offset: 0, Defined: true}},
	}
}

// TestMergeFirstBuild verifies the full first-build path: extraction,
// segment append and call site patching, with the output checked through
// debug/elf and by re-decoding the patched call.
func TestMergeFirstBuild(t *testing.T) {
	host := writeTestHost(t)
	dest := filepath.Join(filepath.Dir(host), "out")

	report, err := Link(host, "x86_64-linux", testApp(), dest)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if report.PatchedCallSites != 1 {
		t.Errorf("patched %d call sites, want 1", report.PatchedCallSites)
	}
	appMain, ok := report.SymbolAddresses["app_main"]
	if !ok {
		t.Fatal("report carries no address for app_main")
	}
	if len(report.PlacedSections) != 1 {
		t.Fatalf("got %d placed sections, want 1", len(report.PlacedSections))
	}
	placed := report.PlacedSections[0]
	if appMain != placed.Addr {
		t.Errorf("app_main at 0x%x, section at 0x%x", appMain, placed.Addr)
	}
	if placed.Addr < testHostNextFree {
		t.Errorf("section placed at 0x%x, below the host's free address 0x%x", placed.Addr, uint64(testHostNextFree))
	}

	out, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if f, err := elf.NewFile(bytes.NewReader(out)); err != nil {
		t.Fatalf("output is not a valid ELF: %v", err)
	} else {
		f.Close()
	}

	// The patched call must now land exactly on app_main
	inst, err := decodeX86(out[testHostCallOff:], testHostEntry)
	if err != nil {
		t.Fatalf("patched call site undecodable: %v", err)
	}
	if inst.Branch != BranchCall || inst.Length != 5 {
		t.Fatalf("patched site decoded as (%v, %d), want (call, 5)", inst.Branch, inst.Length)
	}
	if inst.Target != appMain {
		t.Errorf("patched call targets 0x%x, want 0x%x", inst.Target, appMain)
	}

	// Application bytes must be present at the placed file offset
	if !bytes.Equal(out[placed.FileOffset:placed.FileOffset+6], testApp().Sections[0].Bytes) {
		t.Error("application section bytes missing from output")
	}
}

// TestMergePatchLocality verifies the host region of the output differs
// from the input only at the call site operand and the two ELF header
// fields that reference the relocated program header table
func TestMergePatchLocality(t *testing.T) {
	host := writeTestHost(t)
	dest := filepath.Join(filepath.Dir(host), "out")
	if _, err := Link(host, "x86_64-linux", testApp(), dest); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	in := buildTestHost()
	out, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}

	allowed := func(i int) bool {
		switch {
		case i >= 32 && i < 40: // e_phoff
			return true
		case i >= 56 && i < 58: // e_phnum
			return true
		case i >= testHostCallOff+1 && i < testHostCallOff+5: // call displacement
			return true
		}
		return false
	}
	for i := range in {
		if in[i] != out[i] && !allowed(i) {
			t.Errorf("unexpected difference at offset 0x%x: 0x%02x -> 0x%02x", i, in[i], out[i])
		}
	}
}

// TestMergeRebuild verifies the replay path: a second application version
// merges against cached metadata and the host stays pristine
func TestMergeRebuild(t *testing.T) {
	host := writeTestHost(t)
	dir := filepath.Dir(host)

	if _, err := Link(host, "x86_64-linux", testApp(), filepath.Join(dir, "out1")); err != nil {
		t.Fatalf("first build failed: %v", err)
	}

	app2 := testApp()
	app2.Sections[0].Bytes = []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3} // mov eax, 7
	report, err := Link(host, "x86_64-linux", app2, filepath.Join(dir, "out2"))
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if report.PatchedCallSites != 1 {
		t.Errorf("rebuild patched %d call sites, want 1", report.PatchedCallSites)
	}

	out2, err := os.ReadFile(filepath.Join(dir, "out2"))
	if err != nil {
		t.Fatal(err)
	}
	sec := report.PlacedSections[0]
	if !bytes.Equal(out2[sec.FileOffset:sec.FileOffset+6], app2.Sections[0].Bytes) {
		t.Error("rebuild did not carry the new application bytes")
	}

	// Host binary is input-only
	if !bytes.Equal(mustRead(t, host), buildTestHost()) {
		t.Error("merge modified the host binary")
	}
}

// TestMergeStaleMetadata verifies a fingerprint mismatch fails with
// StaleMetadata before any output is created
func TestMergeStaleMetadata(t *testing.T) {
	host := writeTestHost(t)
	target, err := ParseTarget("x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ExtractMetadata(host, target)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	img := buildTestHost()
	img[0x13F] = 0xC3
	if err := os.WriteFile(host, img, 0755); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(filepath.Dir(host), "out")
	_, err = Merge(meta, host, testApp(), dest)
	if !IsKind(err, KindStaleMetadata) {
		t.Fatalf("got %v, want StaleMetadata", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("stale merge left an output file")
	}

	// The stage wrapper marks this failure as retryable
	le := &LinkError{Stage: StageMerge, Err: staleMetadata("a", "b")}
	if !le.RetryWithFreshMetadata() {
		t.Error("StaleMetadata should be retryable with fresh metadata")
	}
	le = &LinkError{Stage: StageMerge, Err: displacementOverflow("f", 0, 0, OperandRel32)}
	if le.RetryWithFreshMetadata() {
		t.Error("DisplacementOverflow must not be retryable")
	}
}

// TestMergeDisplacementOverflow verifies an unreachable placement fails
// with DisplacementOverflow and leaves nothing on disk, not even a
// temporary file
func TestMergeDisplacementOverflow(t *testing.T) {
	host := writeTestHost(t)
	target, err := ParseTarget("x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ExtractMetadata(host, target)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	// Force a placement beyond rel32 reach
	meta.NextFreeAddress = 0x500000000

	dir := filepath.Dir(host)
	dest := filepath.Join(dir, "out")
	_, err = Merge(meta, host, testApp(), dest)
	if !IsKind(err, KindDisplacementOverflow) {
		t.Fatalf("got %v, want DisplacementOverflow", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed merge left an output file")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("failed merge left temporary file %s", e.Name())
		}
	}
}

// TestMergeUnmatchedSymbol verifies a call site whose symbol the
// application does not define is left byte-identical instead of patched
func TestMergeUnmatchedSymbol(t *testing.T) {
	host := writeTestHost(t)
	target, err := ParseTarget("x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ExtractMetadata(host, target)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	app := testApp()
	app.Symbols[0].Name = "other_entry"
	dest := filepath.Join(filepath.Dir(host), "out")
	report, err := Merge(meta, host, app, dest)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if report.PatchedCallSites != 0 {
		t.Errorf("patched %d call sites, want 0", report.PatchedCallSites)
	}

	// The call site bytes must match the host exactly
	out := mustRead(t, dest)
	if !bytes.Equal(out[testHostCallOff:testHostCallOff+5], []byte{0xE8, 0x1B, 0x00, 0x00, 0x00}) {
		t.Errorf("unmatched call site was modified: % x", out[testHostCallOff:testHostCallOff+5])
	}
}

// TestMergeOverlapRejected verifies appended sections may never collide
// with recorded host sections
func TestMergeOverlapRejected(t *testing.T) {
	host := writeTestHost(t)
	target, err := ParseTarget("x86_64-linux")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ExtractMetadata(host, target)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	// Claim free space on top of the mapped host image; the section is
	// sized to reach into .text
	meta.NextFreeAddress = 0x400000
	app := testApp()
	app.Sections[0].Bytes = make([]byte, 0x400)

	_, err = Merge(meta, host, app, filepath.Join(filepath.Dir(host), "out"))
	if !IsKind(err, KindMalformedContainer) {
		t.Fatalf("got %v, want MalformedContainer for overlap", err)
	}
}

// TestMergeInternalRelocations verifies application-internal fixups are
// applied against final placement addresses
func TestMergeInternalRelocations(t *testing.T) {
	host := writeTestHost(t)

	// call app_helper (rel32, patched by relocation), then ret; helper
	// follows at offset 16
	text := make([]byte, 21)
	copy(text, []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3})
	copy(text[16:], []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3})
	app := &AppObject{
		Sections: []AppSection{{Name: "__app_text", Bytes: text, Perms: PermRead | PermExec, Align: 16}},
		Symbols: []AppSymbol{
			{Name: "app_main", SectionIndex: 0, Offset: 0, Defined: true},
			{Name: "app_helper", SectionIndex: 0, Offset: 16, Defined: true},
		},
		Relocs: []AppReloc{
			{SectionIndex: 0, Offset: 1, Symbol: "app_helper", Addend: -4, Width: 4, Kind: RelocRelative},
		},
	}

	dest := filepath.Join(filepath.Dir(host), "out")
	report, err := Link(host, "x86_64-linux", app, dest)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}

	out := mustRead(t, dest)
	sec := report.PlacedSections[0]
	inst, err := decodeX86(out[sec.FileOffset:], sec.Addr)
	if err != nil {
		t.Fatalf("relocated call undecodable: %v", err)
	}
	if inst.Target != report.SymbolAddresses["app_helper"] {
		t.Errorf("internal call targets 0x%x, want 0x%x", inst.Target, report.SymbolAddresses["app_helper"])
	}
}

// TestLinkReextractsAfterHostChange verifies a host rebuild between links
// transparently regenerates metadata instead of failing
func TestLinkReextractsAfterHostChange(t *testing.T) {
	host := writeTestHost(t)
	dir := filepath.Dir(host)

	if _, err := Link(host, "x86_64-linux", testApp(), filepath.Join(dir, "out1")); err != nil {
		t.Fatalf("first build failed: %v", err)
	}

	// New host version: one padding byte differs
	img := buildTestHost()
	img[0x13F] = 0xC3
	if err := os.WriteFile(host, img, 0755); err != nil {
		t.Fatal(err)
	}

	report, err := Link(host, "x86_64-linux", testApp(), filepath.Join(dir, "out2"))
	if err != nil {
		t.Fatalf("link after host change failed: %v", err)
	}
	if report.PatchedCallSites != 1 {
		t.Errorf("patched %d call sites, want 1", report.PatchedCallSites)
	}
}

// TestLinkUnknownTarget verifies target errors surface as extract-stage
// failures
func TestLinkUnknownTarget(t *testing.T) {
	host := writeTestHost(t)
	_, err := Link(host, "pdp11-unix", testApp(), filepath.Join(filepath.Dir(host), "out"))
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	le, ok := err.(*LinkError)
	if !ok {
		t.Fatalf("got %T, want *LinkError", err)
	}
	if le.Stage != StageExtract {
		t.Errorf("stage %v, want extract", le.Stage)
	}
	if !IsKind(err, KindUnknownTarget) {
		t.Errorf("got %v, want UnknownTarget", err)
	}
}

// mustRead reads a file or fails the test
func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return data
}
