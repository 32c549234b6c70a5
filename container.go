// Completion: 100% - Platform support complete
package surgelink

import (
	"fmt"
	"os"
)

// Perm is a section permission bitmask
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// Section is the normalized view of a container section
type Section struct {
	Name       string
	Addr       uint64 // virtual address (0 if not mapped)
	FileOffset uint64
	Size       uint64
	Perms      Perm
}

// Executable reports whether the section holds machine code
func (s *Section) Executable() bool {
	return s.Perms&PermExec != 0
}

// Contains reports whether the virtual address falls inside the section
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

// Symbol is the normalized view of a container symbol table entry
type Symbol struct {
	Name         string
	Value        uint64
	Size         uint64
	SectionIndex int
	Defined      bool
}

// Container is the format-agnostic view of a host binary. One concrete
// implementation exists per container kind (ELF, Mach-O), selected once
// from the TargetDescriptor — never by sniffing per call.
type Container interface {
	// EntryPoint returns the virtual address execution starts at
	EntryPoint() uint64

	// Sections returns the ordered section list
	Sections() []Section

	// Symbols returns the merged symbol table (static + dynamic)
	Symbols() []Symbol

	// IndirectSlots maps pointer-slot virtual addresses (GOT slots, lazy
	// symbol pointers) to the undefined symbol each slot is bound to
	IndirectSlots() map[uint64]string

	// StubTargets maps stub/trampoline entry addresses directly to symbol
	// names, where the format records that association itself
	StubTargets() map[uint64]string

	// NextFreeAddress returns the first virtual address above every
	// mapped region, where appended sections may start
	NextFreeAddress() uint64

	// Data returns the raw container bytes for (offset, length) reads
	Data() []byte

	// Close releases any underlying file handles
	Close() error
}

// OpenContainer reads the host binary at path and returns the container
// view selected by the target descriptor. Unsupported container kinds fail
// with UnsupportedFormat naming the target.
func OpenContainer(path string, target Target) (Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioFailure(fmt.Sprintf("failed to read host binary %s", path), err)
	}

	switch {
	case target.IsELF():
		return parseELF(data)
	case target.IsMachO():
		return openMachO(path, data)
	default:
		return nil, unsupportedFormat(target)
	}
}

// findSection returns the section containing the given virtual address
func findSection(sections []Section, addr uint64) *Section {
	for i := range sections {
		if sections[i].Addr != 0 && sections[i].Contains(addr) {
			return &sections[i]
		}
	}
	return nil
}
