// Completion: 100% - Utility module complete
package surgelink

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Metadata cache
//
// HostMetadata is the only entity with cross-build lifetime. It is stored
// as YAML at a deterministic path derived from the host binary's location,
// keyed by (target, fingerprint): a changed host binary hashes to a new
// key, so stale entries are never read, only orphaned. Writers hold an
// exclusive flock and publish via temp-file + atomic rename, so a
// concurrent reader never observes a partially written artifact.

// metadataCacheDir returns the cache directory for a host binary
func metadataCacheDir(hostPath string) string {
	if cacheDirOverride != "" {
		return cacheDirOverride
	}
	return filepath.Join(filepath.Dir(hostPath), ".surgelink")
}

// metadataCachePath returns the cache artifact path for one
// (host binary, target, fingerprint) key
func metadataCachePath(hostPath string, target Target, fp Fingerprint) string {
	name := fmt.Sprintf("%s-%s-%s.yaml", filepath.Base(hostPath), target.FullString(), fp.Short())
	return filepath.Join(metadataCacheDir(hostPath), name)
}

// StoreMetadata persists metadata under its (target, fingerprint) key
func StoreMetadata(meta *HostMetadata, hostPath string) error {
	target, err := ParseTarget(meta.Target)
	if err != nil {
		return err
	}
	dir := metadataCacheDir(hostPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ioFailure("failed to create metadata cache directory", err)
	}

	// Exclusive-write discipline: one writer per cache directory at a time
	lockPath := filepath.Join(dir, ".lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ioFailure("failed to open cache lock file", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return ioFailure("failed to lock metadata cache", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	encoded, err := yaml.Marshal(meta)
	if err != nil {
		return ioFailure("failed to encode metadata", err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*")
	if err != nil {
		return ioFailure("failed to create temporary cache file", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ioFailure("failed to write metadata cache", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("failed to finalize metadata cache", err)
	}

	dest := metadataCachePath(hostPath, target, meta.Fingerprint)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return ioFailure("failed to publish metadata cache", err)
	}
	return nil
}

// LoadMetadata returns the cached metadata for the host binary's current
// fingerprint, or nil when no entry exists yet. A cache entry whose
// recorded fingerprint disagrees with its key fails with StaleMetadata.
func LoadMetadata(hostPath string, target Target) (*HostMetadata, error) {
	fp, err := ComputeFingerprint(hostPath)
	if err != nil {
		return nil, err
	}

	path := metadataCachePath(hostPath, target, fp)
	encoded, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ioFailure("failed to read metadata cache", err)
	}

	var meta HostMetadata
	if err := yaml.Unmarshal(encoded, &meta); err != nil {
		return nil, ioFailure("failed to decode metadata cache", err)
	}
	if meta.Fingerprint != fp {
		return nil, staleMetadata(meta.Fingerprint, fp)
	}
	return &meta, nil
}

// ValidateMetadata checks a metadata snapshot against the host binary on
// disk; a fingerprint mismatch fails with StaleMetadata.
func ValidateMetadata(meta *HostMetadata, hostPath string) error {
	fp, err := ComputeFingerprint(hostPath)
	if err != nil {
		return err
	}
	if fp != meta.Fingerprint {
		return staleMetadata(meta.Fingerprint, fp)
	}
	return nil
}
