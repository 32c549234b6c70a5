// Completion: 100% - Utility module complete
package surgelink

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
	ArchRiscv64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// Operating system type
type OS int

const (
	OSUnknown OS = iota
	OSLinux
	OSDarwin
	OSFreeBSD
	OSWindows
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// parseArch recognizes the architecture half of a target identifier.
// Both GCC-style ("x86_64", "aarch64") and Go-style ("amd64", "arm64")
// spellings are accepted.
func parseArch(s string) Arch {
	switch s {
	case "x86_64", "amd64":
		return ArchX86_64
	case "aarch64", "arm64":
		return ArchARM64
	case "riscv64":
		return ArchRiscv64
	default:
		return ArchUnknown
	}
}

// parseOS recognizes the operating system half of a target identifier.
func parseOS(s string) OS {
	switch s {
	case "linux":
		return OSLinux
	case "darwin", "macos":
		return OSDarwin
	case "freebsd":
		return OSFreeBSD
	case "windows":
		return OSWindows
	default:
		return OSUnknown
	}
}

// pageSize returns the section alignment granularity for an architecture.
// Apple silicon requires 16KB pages; everything else uses 4KB.
func pageSize(arch Arch, os OS) uint64 {
	if os == OSDarwin && arch == ArchARM64 {
		return 0x4000
	}
	return 0x1000
}
