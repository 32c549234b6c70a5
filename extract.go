// Completion: 100% - Module complete
package surgelink

import (
	"fmt"
	"os"
)

// Metadata extraction
//
// One pass per host binary version: read the symbol table, take every
// undefined symbol as a target of interest, then walk each executable
// section's bytes with the instruction scanner and record a CallSite for
// every call/jump whose operand resolves to one of those targets. The
// expensive part of linking happens here exactly once; every later build
// replays the recorded call sites against fresh application code.

// ExtractMetadata scans the host binary at hostPath and produces its
// HostMetadata. Extraction is deterministic: the same binary and target
// always yield a byte-identical CallSite list.
func ExtractMetadata(hostPath string, target Target) (*HostMetadata, error) {
	fp, err := ComputeFingerprint(hostPath)
	if err != nil {
		return nil, err
	}

	c, err := OpenContainer(hostPath, target)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	// Undefined symbols are the ones the application must supply
	interest := make(map[string]bool)
	for _, sym := range c.Symbols() {
		if !sym.Defined {
			interest[sym.Name] = true
		}
	}

	sections := c.Sections()
	data := c.Data()
	var sites []CallSite

	for i := range sections {
		sec := &sections[i]
		if !sec.Executable() || sec.Size == 0 {
			continue
		}
		if sec.FileOffset > uint64(len(data)) || sec.Size > uint64(len(data))-sec.FileOffset {
			return nil, malformedContainer("section %q data [0x%x, +0x%x) out of bounds", sec.Name, sec.FileOffset, sec.Size)
		}
		secSites := scanSection(target.Arch(), c, sec)
		sites = append(sites, filterCallSites(secSites, interest)...)
	}

	sortCallSites(sites)

	var summaries []SectionSummary
	for i := range sections {
		s := &sections[i]
		summaries = append(summaries, SectionSummary{
			Name:       s.Name,
			Addr:       s.Addr,
			FileOffset: s.FileOffset,
			Size:       s.Size,
			Perms:      s.Perms,
		})
	}

	meta := &HostMetadata{
		Target:          target.FullString(),
		Fingerprint:     fp,
		EntryPoint:      c.EntryPoint(),
		NextFreeAddress: c.NextFreeAddress(),
		Sections:        summaries,
		CallSites:       sites,
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "ExtractMetadata: %s: %d call sites over %d symbols\n",
			hostPath, len(meta.CallSites), len(meta.SymbolNames()))
	}
	return meta, nil
}

// resolvedSite pairs a candidate call site with the symbol it reaches
type resolvedSite struct {
	site   CallSite
	symbol string
}

// scanSection walks one executable section and resolves every branch
// candidate. Undecodable byte positions are skipped one byte at a time:
// not every offset is an instruction boundary, so decode failures here
// are per-candidate conditions, never fatal.
func scanSection(arch Arch, c Container, sec *Section) []resolvedSite {
	data := c.Data()
	body := data[sec.FileOffset : sec.FileOffset+sec.Size]
	sc := NewScanner(arch, body, sec.Addr)

	var out []resolvedSite
	for {
		inst, err := sc.Next()
		if err != nil {
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "scanSection: %s: %v (skipping)\n", sec.Name, err)
			}
			sc.Skip(1)
			continue
		}
		if inst == nil {
			break
		}
		switch inst.Branch {
		case BranchCall, BranchJump, BranchCondJump:
		default:
			continue
		}
		if !inst.Operand.Patchable() {
			continue
		}
		symbol := resolveBranchTarget(arch, c, inst)
		if symbol == "" {
			continue
		}
		fileOff := sec.FileOffset + (inst.Addr - sec.Addr)
		orig := make([]byte, inst.Length)
		copy(orig, inst.Bytes)
		out = append(out, resolvedSite{
			site: CallSite{
				Symbol:        symbol,
				FileOffset:    fileOff,
				Addr:          inst.Addr,
				Length:        inst.Length,
				Operand:       inst.Operand,
				OperandOffset: inst.OperandOffset,
				Original:      orig,
			},
			symbol: symbol,
		})
	}
	return out
}

// resolveBranchTarget names the symbol a direct branch ultimately
// reaches. Three cases, in order:
//
//  1. the container itself names the target address as a stub
//     (Mach-O __stubs via the indirect symbol table);
//  2. the target is a stub instruction we can decode: a single indirect
//     jump through a pointer slot the container binds to a symbol
//     (ELF PLT entries via .rela.plt) — one level of indirection is the
//     contract, recorded against the original call site, never the stub;
//  3. anything deeper stays unresolved: guessing through longer stub
//     chains would record call sites we cannot prove correct.
func resolveBranchTarget(arch Arch, c Container, inst *Instruction) string {
	if name, ok := c.StubTargets()[inst.Target]; ok {
		return name
	}

	sec := findSection(c.Sections(), inst.Target)
	if sec == nil || !sec.Executable() {
		return ""
	}
	data := c.Data()
	off := sec.FileOffset + (inst.Target - sec.Addr)
	if off >= uint64(len(data)) {
		return ""
	}
	stub, err := decodeAt(arch, data[off:], inst.Target)
	if err != nil {
		return ""
	}
	if stub.Branch == BranchIndirectJump && stub.Operand == OperandRIPMem {
		if name, ok := c.IndirectSlots()[stub.SlotAddr]; ok {
			return name
		}
		return ""
	}
	if stub.Branch == BranchJump && VerboseMode {
		fmt.Fprintf(os.Stderr, "resolveBranchTarget: multi-level stub chain at 0x%x left unresolved\n", inst.Target)
	}
	return ""
}

// filterCallSites keeps the sites whose symbol is a target of interest
func filterCallSites(sites []resolvedSite, interest map[string]bool) []CallSite {
	var out []CallSite
	for i := range sites {
		if interest[sites[i].symbol] {
			out = append(out, sites[i].site)
		}
	}
	return out
}

// ExtractAndStore extracts metadata and persists it in the cache
func ExtractAndStore(hostPath string, target Target) (*HostMetadata, error) {
	meta, err := ExtractMetadata(hostPath, target)
	if err != nil {
		return nil, err
	}
	if err := StoreMetadata(meta, hostPath); err != nil {
		return nil, err
	}
	return meta, nil
}

// CachedOrExtract returns cached metadata when a valid entry exists for
// the host binary's current fingerprint, extracting and storing it
// otherwise.
func CachedOrExtract(hostPath string, target Target) (*HostMetadata, error) {
	meta, err := LoadMetadata(hostPath, target)
	if err != nil && !IsKind(err, KindStaleMetadata) {
		return nil, err
	}
	if meta != nil {
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "CachedOrExtract: cache hit for %s\n", hostPath)
		}
		return meta, nil
	}
	return ExtractAndStore(hostPath, target)
}
