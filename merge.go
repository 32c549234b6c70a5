// Completion: 100% - Module complete
package surgelink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/xyproto/surgelink/internal/engine"
)

// Merge engine
//
// Merging never re-links the host: it appends the application's sections
// as one new segment past the host's highest mapped address, then
// overwrites the operand bytes of each precomputed call site so the host
// calls land on the fresh application code. All validation — fingerprint,
// overlap, symbol resolution, every displacement range check — happens
// before the destination's temporary file is created, so a failing merge
// leaves nothing on disk.

// MergeReport summarizes a completed merge
type MergeReport struct {
	PlacedSections   []PlacedSection
	SymbolAddresses  map[string]uint64
	PatchedCallSites int
}

// patchOp is one pending in-place write to the output image
type patchOp struct {
	off   uint64
	bytes []byte
}

// Merge fuses the application object into the host binary at hostPath and
// writes the result to destPath. The host file itself is never modified.
func Merge(meta *HostMetadata, hostPath string, app *AppObject, destPath string) (*MergeReport, error) {
	if err := ValidateMetadata(meta, hostPath); err != nil {
		return nil, err
	}
	target, err := ParseTarget(meta.Target)
	if err != nil {
		return nil, err
	}

	host, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, ioFailure("failed to read host binary", err)
	}

	placed, err := placeSections(app)
	if err != nil {
		return nil, err
	}

	page := target.PageSize()
	baseVA := engine.AlignUp(meta.NextFreeAddress, page)

	var image []byte
	switch {
	case target.IsELF():
		image, err = appendELFSegment(host, baseVA, placed)
	case target.IsMachO():
		image, err = appendMachOSegment(host, baseVA, page, placed)
	default:
		err = unsupportedFormat(target)
	}
	if err != nil {
		return nil, err
	}

	if err := checkNoOverlap(meta, placed); err != nil {
		return nil, err
	}

	addrs, err := resolveSymbols(app, placed)
	if err != nil {
		return nil, err
	}

	// Internal fixups land in the in-memory image; failures here still
	// precede any file creation
	if err := applyAppRelocations(image, app, placed, addrs); err != nil {
		return nil, err
	}

	plan, err := buildPatchPlan(meta, image, addrs)
	if err != nil {
		return nil, err
	}

	if err := writePatched(image, plan, destPath); err != nil {
		return nil, err
	}

	report := &MergeReport{
		SymbolAddresses:  addrs,
		PatchedCallSites: len(plan),
	}
	for _, sec := range placed {
		report.PlacedSections = append(report.PlacedSections, *sec)
	}
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Merge: %s: %d sections appended, %d call sites patched\n",
			destPath, len(placed), len(plan))
	}
	return report, nil
}

// checkNoOverlap verifies the appended sections' address ranges stay clear
// of every host section
func checkNoOverlap(meta *HostMetadata, placed []*PlacedSection) error {
	for _, sec := range placed {
		lo := sec.Addr
		hi := sec.Addr + uint64(len(sec.Bytes))
		for i := range meta.Sections {
			h := &meta.Sections[i]
			if h.Size == 0 {
				continue
			}
			if lo < h.Addr+h.Size && h.Addr < hi {
				return malformedContainer("appended section %q [0x%x, 0x%x) overlaps host section %q [0x%x, 0x%x)",
					sec.Name, lo, hi, h.Name, h.Addr, h.Addr+h.Size)
			}
		}
	}
	return nil
}

// buildPatchPlan turns every call site into a pending write, performing
// all integrity and range checks. A returned plan is guaranteed to apply
// cleanly. Call sites whose symbols the application does not define stay
// byte-identical to the host.
func buildPatchPlan(meta *HostMetadata, image []byte, addrs map[string]uint64) ([]patchOp, error) {
	var plan []patchOp
	for i := range meta.CallSites {
		site := &meta.CallSites[i]
		symAddr, ok := addrs[site.Symbol]
		if !ok {
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "buildPatchPlan: %q not defined by application, call site 0x%x left unpatched\n", site.Symbol, site.Addr)
			}
			continue
		}
		if site.Length <= 0 || site.FileOffset > uint64(len(image)) || uint64(site.Length) > uint64(len(image))-site.FileOffset {
			return nil, malformedContainer("call site [0x%x, +%d) out of image bounds", site.FileOffset, site.Length)
		}
		end := site.FileOffset + uint64(site.Length)
		// The recorded instruction bytes must still be present: a
		// mismatch means the metadata no longer describes this binary
		if len(site.Original) > 0 && !bytes.Equal(image[site.FileOffset:end], site.Original) {
			return nil, &LinkerError{
				Kind:    KindStaleMetadata,
				Message: fmt.Sprintf("call site 0x%x bytes differ from recorded instruction", site.Addr),
				Offset:  site.FileOffset,
			}
		}

		op, err := encodeCallSitePatch(site, symAddr)
		if err != nil {
			return nil, err
		}
		plan = append(plan, op)
	}
	return plan, nil
}

// encodeCallSitePatch computes the replacement operand bytes for one call
// site, range-checking the displacement against the operand encoding
func encodeCallSitePatch(site *CallSite, symAddr uint64) (patchOp, error) {
	switch site.Operand {
	case OperandRel32:
		// Displacement is relative to the end of the instruction
		disp := int64(symAddr) - int64(site.Addr+uint64(site.Length))
		if disp > math.MaxInt32 || disp < math.MinInt32 {
			return patchOp{}, displacementOverflow(site.Symbol, site.Addr, disp, site.Operand)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(disp)))
		return patchOp{off: site.FileOffset + uint64(site.OperandOffset), bytes: b}, nil

	case OperandBranch26:
		offset := int64(symAddr) - int64(site.Addr)
		if offset%4 != 0 || offset >= 1<<27 || offset < -(1<<27) {
			return patchOp{}, displacementOverflow(site.Symbol, site.Addr, offset, site.Operand)
		}
		if len(site.Original) != 4 {
			return patchOp{}, malformedContainer("call site 0x%x records %d original bytes, expected 4", site.Addr, len(site.Original))
		}
		orig := binary.LittleEndian.Uint32(site.Original)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, encodeARM64Branch(orig, offset))
		return patchOp{off: site.FileOffset, bytes: b}, nil

	case OperandJump20:
		offset := int64(symAddr) - int64(site.Addr)
		if offset%2 != 0 || offset >= 1<<20 || offset < -(1<<20) {
			return patchOp{}, displacementOverflow(site.Symbol, site.Addr, offset, site.Operand)
		}
		if len(site.Original) != 4 {
			return patchOp{}, malformedContainer("call site 0x%x records %d original bytes, expected 4", site.Addr, len(site.Original))
		}
		orig := binary.LittleEndian.Uint32(site.Original)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, encodeJalOffset(orig, offset))
		return patchOp{off: site.FileOffset, bytes: b}, nil
	}
	return patchOp{}, malformedContainer("call site 0x%x has unpatchable operand kind %s", site.Addr, site.Operand)
}

// writePatched writes the image to a temporary file next to destPath,
// applies the patch plan through a shared mapping, and publishes the
// result atomically. Any failure removes the temporary file.
func writePatched(image []byte, plan []patchOp, destPath string) error {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return ioFailure("failed to create temporary output", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return fail(ioFailure("failed to write output image", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(ioFailure("failed to finalize output image", err))
	}

	m, err := mapFileRW(tmpPath)
	if err != nil {
		return fail(err)
	}
	pb := NewPatchBuffer("merge-output", m.data)
	for _, op := range plan {
		if err := pb.Overwrite(op.off, op.bytes); err != nil {
			m.Close()
			return fail(err)
		}
	}
	pb.Seal()
	if err := m.Flush(); err != nil {
		m.Close()
		return fail(err)
	}
	if err := m.Close(); err != nil {
		return fail(err)
	}

	if err := os.Chmod(tmpPath, 0755); err != nil {
		return fail(ioFailure("failed to mark output executable", err))
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fail(ioFailure("failed to publish output", err))
	}
	return nil
}
