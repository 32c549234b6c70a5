// Completion: 100% - Module complete
package surgelink

import (
	"sort"
)

// CallSite is one precomputed patch point in the host binary: a call or
// jump instruction whose operand resolves to an application-supplied
// symbol. Length and Operand must stay mutually consistent with the
// decoded instruction so rewriting the displacement never shifts a
// neighboring instruction.
type CallSite struct {
	Symbol        string      `yaml:"symbol"`
	FileOffset    uint64      `yaml:"file_offset"`
	Addr          uint64      `yaml:"addr"`
	Length        int         `yaml:"length"`
	Operand       OperandKind `yaml:"operand"`
	OperandOffset int         `yaml:"operand_offset"`
	Original      []byte      `yaml:"original"`
}

// SectionSummary records a host section's layout for overlap checks and
// diagnostics without retaining its bytes
type SectionSummary struct {
	Name       string `yaml:"name"`
	Addr       uint64 `yaml:"addr"`
	FileOffset uint64 `yaml:"file_offset"`
	Size       uint64 `yaml:"size"`
	Perms      Perm   `yaml:"perms"`
}

// HostMetadata is the precomputed record of everything the merge engine
// needs to patch a host binary: call sites, section layout, entry point
// and the first free virtual address. Created once per (host binary,
// target) pair, persisted to the cache, and treated as an immutable
// snapshot afterwards — invalidation means regeneration under a new
// fingerprint, never in-place mutation.
type HostMetadata struct {
	Target          string           `yaml:"target"`
	Fingerprint     Fingerprint      `yaml:"fingerprint"`
	EntryPoint      uint64           `yaml:"entry_point"`
	NextFreeAddress uint64           `yaml:"next_free_address"`
	Sections        []SectionSummary `yaml:"sections"`
	CallSites       []CallSite       `yaml:"call_sites"`
}

// sortCallSites orders call sites by file offset so extraction output
// never depends on the iteration order of underlying tables
func sortCallSites(sites []CallSite) {
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].FileOffset < sites[j].FileOffset
	})
}

// SymbolNames returns the distinct symbols the call sites reference
func (m *HostMetadata) SymbolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for i := range m.CallSites {
		name := m.CallSites[i].Symbol
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
