// Completion: 100% - Platform support complete
package surgelink

import (
	"runtime"
	"strings"

	"github.com/xyproto/surgelink/internal/engine"
)

// Target represents a link target (architecture + OS)
// This interface abstracts target-specific behavior, using GCC terminology
//
// ARCHITECTURE NOTE: Target = ISA + OS (e.g., arm64-darwin, x86_64-linux)
// - ISA determines which instruction scanner decodes host code
// - OS determines the binary container format
type Target interface {
	// Architecture and OS (matching Go's GOARCH and GOOS)
	Arch() Arch
	OS() OS

	// String representations
	String() string     // Returns arch string (e.g., "aarch64")
	FullString() string // Returns full target string (e.g., "arm64-darwin")

	// Binary format selection
	IsMachO() bool // Returns true if target uses Mach-O format
	IsELF() bool   // Returns true if target uses ELF format
	IsPE() bool    // Returns true if target uses PE format

	// PageSize returns the page/section alignment for this target
	PageSize() uint64
}

// TargetImpl is the concrete implementation of Target
type TargetImpl struct {
	arch Arch
	os   OS
}

// NewTarget creates a new Target instance for the given architecture and OS
func NewTarget(arch Arch, os OS) Target {
	return &TargetImpl{
		arch: arch,
		os:   os,
	}
}

// Arch returns the architecture
func (t *TargetImpl) Arch() Arch {
	return t.arch
}

// OS returns the operating system
func (t *TargetImpl) OS() OS {
	return t.os
}

// String returns a string representation like "aarch64" (just the arch)
func (t *TargetImpl) String() string {
	return t.arch.String()
}

// FullString returns the full target string like "arm64-darwin"
func (t *TargetImpl) FullString() string {
	archStr := t.arch.String()
	// Convert aarch64 -> arm64 for cleaner output
	if t.arch == ArchARM64 {
		archStr = "arm64"
	} else if t.arch == ArchX86_64 {
		archStr = "amd64"
	}
	return archStr + "-" + t.os.String()
}

// IsMachO returns true if this target uses Mach-O format
func (t *TargetImpl) IsMachO() bool {
	return t.os == OSDarwin
}

// IsELF returns true if this target uses ELF format
func (t *TargetImpl) IsELF() bool {
	return t.os == OSLinux || t.os == OSFreeBSD
}

// IsPE returns true if this target uses PE format
func (t *TargetImpl) IsPE() bool {
	return t.os == OSWindows
}

// PageSize returns the page/section alignment for this target
func (t *TargetImpl) PageSize() uint64 {
	return pageSize(t.arch, t.os)
}

// knownTargets lists every identifier ParseTarget accepts, for suggestions
var knownTargets = []string{
	"x86_64-linux", "amd64-linux", "riscv64-linux", "aarch64-linux", "arm64-linux",
	"x86_64-freebsd", "amd64-freebsd",
	"x86_64-darwin", "amd64-darwin", "aarch64-darwin", "arm64-darwin", "arm64-macos",
}

// ParseTarget maps an external target identifier like "x86_64-linux" or
// "arm64-darwin" to a Target. Pure function, no state. Unrecognized
// identifiers fail with UnknownTarget, including close-match suggestions.
func ParseTarget(name string) (Target, error) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) == 2 {
		arch := parseArch(parts[0])
		os := parseOS(parts[1])
		if arch != ArchUnknown && os != OSUnknown {
			return NewTarget(arch, os), nil
		}
	}
	return nil, unknownTarget(name, engine.SimilarNames(name, knownTargets, 3))
}

// DefaultTarget returns the target matching the current runtime
func DefaultTarget() Target {
	var arch Arch
	switch runtime.GOARCH {
	case "amd64":
		arch = ArchX86_64
	case "arm64":
		arch = ArchARM64
	case "riscv64":
		arch = ArchRiscv64
	default:
		arch = ArchX86_64 // fallback
	}

	var os OS
	switch runtime.GOOS {
	case "linux":
		os = OSLinux
	case "darwin":
		os = OSDarwin
	case "freebsd":
		os = OSFreeBSD
	default:
		os = OSLinux // fallback
	}

	return NewTarget(arch, os)
}
