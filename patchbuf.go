// Completion: 100% - Module complete
package surgelink

import (
	"fmt"
	"os"

	"github.com/xyproto/surgelink/internal/engine"
)

// PatchBuffer wraps an output image with explicit lifecycle management.
// It supports exactly the two write operations the format writers need:
// overwriting bytes in place without changing the image size, and
// appending aligned data that grows it. Once sealed, all writes panic,
// which catches accidental mutation after the image has been handed off.
type PatchBuffer struct {
	data   []byte
	sealed bool
	name   string // For debugging
}

// NewPatchBuffer wraps an existing image in a PatchBuffer
func NewPatchBuffer(name string, data []byte) *PatchBuffer {
	return &PatchBuffer{
		data: data,
		name: name,
	}
}

// Len returns the current image length
func (pb *PatchBuffer) Len() int {
	return len(pb.data)
}

// Bytes returns the image contents. Safe to call after sealing.
func (pb *PatchBuffer) Bytes() []byte {
	return pb.data
}

// Overwrite replaces len(p) bytes at offset without changing the image
// size. Out-of-range writes are rejected rather than silently growing.
func (pb *PatchBuffer) Overwrite(offset uint64, p []byte) error {
	if pb.sealed {
		panic(fmt.Sprintf("PatchBuffer(%s): cannot write to sealed buffer", pb.name))
	}
	if offset+uint64(len(p)) > uint64(len(pb.data)) {
		return malformedContainer("overwrite of %d bytes at offset 0x%x exceeds image size %d", len(p), offset, len(pb.data))
	}
	copy(pb.data[offset:], p)
	return nil
}

// Append pads the image to the given alignment, appends p, and returns
// the file offset p was placed at.
func (pb *PatchBuffer) Append(p []byte, align uint64) uint64 {
	if pb.sealed {
		panic(fmt.Sprintf("PatchBuffer(%s): cannot append to sealed buffer", pb.name))
	}
	if align > 1 {
		padded := engine.AlignUp(uint64(len(pb.data)), align)
		for uint64(len(pb.data)) < padded {
			pb.data = append(pb.data, 0)
		}
	}
	offset := uint64(len(pb.data))
	pb.data = append(pb.data, p...)
	return offset
}

// Seal marks the image as complete. After this, no more writes allowed.
func (pb *PatchBuffer) Seal() {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "PatchBuffer(%s): sealed with %d bytes\n", pb.name, len(pb.data))
	}
	pb.sealed = true
}

// IsSealed returns true if the buffer has been sealed
func (pb *PatchBuffer) IsSealed() bool {
	return pb.sealed
}
