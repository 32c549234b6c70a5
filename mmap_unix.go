// Completion: 100% - Platform support complete
package surgelink

import (
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is a file mapped read-write into memory. Patches land in
// the shared mapping directly; Flush forces them to stable storage
// before the caller publishes the file under its final name.
type mappedFile struct {
	f    *os.File
	data []byte
}

// mapFileRW maps the whole file at path for shared read-write access
func mapFileRW(path string) (*mappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ioFailure("failed to open output for mapping", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioFailure("failed to stat output for mapping", err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, ioFailure("refusing to map empty file", nil)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ioFailure("failed to map output file", err)
	}
	return &mappedFile{f: f, data: data}, nil
}

// Flush synchronously writes the mapping back to the file
func (m *mappedFile) Flush() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return ioFailure("failed to sync mapped output", err)
	}
	return nil
}

// Close unmaps and closes the file. Safe to call more than once.
func (m *mappedFile) Close() error {
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			firstErr = ioFailure("failed to unmap output", err)
		}
		m.data = nil
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil && firstErr == nil {
			firstErr = ioFailure("failed to close output", err)
		}
		m.f = nil
	}
	return firstErr
}
