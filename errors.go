// Completion: 100% - Error handling complete, clear and helpful messages
package surgelink

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies the failure modes of the linker core
type ErrorKind int

const (
	KindMalformedContainer ErrorKind = iota
	KindUnsupportedFormat
	KindUnknownTarget
	KindUndecodableInstruction
	KindStaleMetadata
	KindDisplacementOverflow
	KindIoFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedContainer:
		return "malformed container"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindUnknownTarget:
		return "unknown target"
	case KindUndecodableInstruction:
		return "undecodable instruction"
	case KindStaleMetadata:
		return "stale metadata"
	case KindDisplacementOverflow:
		return "displacement overflow"
	case KindIoFailure:
		return "i/o failure"
	default:
		return "unknown"
	}
}

// LinkerError is the single error type the core returns for its own
// failures. Kind distinguishes the cases callers dispatch on; Offset is the
// file offset the error refers to, when one exists.
type LinkerError struct {
	Kind    ErrorKind
	Message string
	Offset  uint64
	wrapped error
}

// Error implements the error interface
func (e *LinkerError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.wrapped != nil {
		sb.WriteString(": ")
		sb.WriteString(e.wrapped.Error())
	}
	return sb.String()
}

// Unwrap exposes the underlying error, if any
func (e *LinkerError) Unwrap() error {
	return e.wrapped
}

// IsKind reports whether err is a LinkerError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var le *LinkerError
	if errors.As(err, &le) {
		return le.Kind == kind
	}
	return false
}

// Helper constructors for the error kinds

// malformedContainer reports a structurally invalid host binary
func malformedContainer(format string, args ...interface{}) *LinkerError {
	return &LinkerError{
		Kind:    KindMalformedContainer,
		Message: fmt.Sprintf(format, args...),
	}
}

// unsupportedFormat reports a container kind this core cannot handle
func unsupportedFormat(t Target) *LinkerError {
	return &LinkerError{
		Kind:    KindUnsupportedFormat,
		Message: fmt.Sprintf("no container support for target %s", t.FullString()),
	}
}

// unknownTarget reports an unrecognized target identifier
func unknownTarget(name string, suggestions []string) *LinkerError {
	msg := fmt.Sprintf("unrecognized target %q", name)
	if len(suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(suggestions, ", "))
	}
	return &LinkerError{
		Kind:    KindUnknownTarget,
		Message: msg,
	}
}

// undecodableInstruction reports a byte position that is not a valid
// instruction boundary. Recovered per-candidate during scanning.
func undecodableInstruction(offset uint64, b byte) *LinkerError {
	return &LinkerError{
		Kind:    KindUndecodableInstruction,
		Message: fmt.Sprintf("cannot decode instruction at offset 0x%x (first byte 0x%02x)", offset, b),
		Offset:  offset,
	}
}

// staleMetadata reports a fingerprint mismatch between cached metadata and
// the host binary on disk. Recovered by re-extraction.
func staleMetadata(recorded, current Fingerprint) *LinkerError {
	return &LinkerError{
		Kind:    KindStaleMetadata,
		Message: fmt.Sprintf("host binary changed since metadata was extracted (recorded %s, current %s)", recorded.Short(), current.Short()),
	}
}

// displacementOverflow reports a patch value that does not fit the call
// site's operand encoding. Fatal for the current build.
func displacementOverflow(symbol string, callAddr uint64, value int64, operand OperandKind) *LinkerError {
	return &LinkerError{
		Kind:    KindDisplacementOverflow,
		Message: fmt.Sprintf("displacement %d to %q from call site 0x%x does not fit %s operand", value, symbol, callAddr, operand),
		Offset:  callAddr,
	}
}

// ioFailure wraps a filesystem error. No partial output is left behind.
func ioFailure(op string, err error) *LinkerError {
	return &LinkerError{
		Kind:    KindIoFailure,
		Message: op,
		wrapped: err,
	}
}

// LinkStage identifies which pipeline stage an error came from
type LinkStage int

const (
	StageExtract LinkStage = iota
	StageMerge
)

func (s LinkStage) String() string {
	switch s {
	case StageExtract:
		return "extract"
	case StageMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// LinkError tags a failure with the pipeline stage it occurred in, so
// callers can report extraction failures separately from merge failures.
type LinkError struct {
	Stage LinkStage
	Err   error
}

// Error implements the error interface
func (e *LinkError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

// Unwrap exposes the stage error
func (e *LinkError) Unwrap() error {
	return e.Err
}

// RetryWithFreshMetadata reports whether regenerating the host metadata is
// a sensible response to this failure.
func (e *LinkError) RetryWithFreshMetadata() bool {
	return IsKind(e.Err, KindStaleMetadata)
}
