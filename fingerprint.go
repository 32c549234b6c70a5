// Completion: 100% - Utility module complete
package surgelink

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Fingerprint is the hex-encoded SHA-256 of a host binary's full
// contents. Cached metadata is valid for a host binary iff the current
// fingerprint equals the recorded one; a content hash (rather than a
// size+mtime tuple) guarantees that any byte change invalidates the
// cache.
type Fingerprint string

// Short returns an abbreviated form for messages and cache file names
func (f Fingerprint) Short() string {
	if len(f) > 16 {
		return string(f[:16])
	}
	return string(f)
}

// ComputeFingerprint hashes the file at path
func ComputeFingerprint(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ioFailure("failed to open host binary for fingerprinting", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ioFailure("failed to hash host binary", err)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// FingerprintBytes hashes an in-memory image
func FingerprintBytes(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}
