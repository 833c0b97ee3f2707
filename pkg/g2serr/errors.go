// Package g2serr defines the error taxonomy shared by every layer of the
// storage engine: ByteCursor, ChunkStream, Dataset and StorageService all
// return *Error rather than ad-hoc sentinels, so callers can branch on Kind
// regardless of which layer raised it.
package g2serr

import "fmt"

// Kind classifies the failure. Kind values are stable and safe to switch on.
type Kind int

const (
	// InvalidArgument is a null/out-of-range parameter, unsupported dimension
	// count, or coordinate out of shape on a non-leading axis.
	InvalidArgument Kind = iota
	// InvalidState is a shape/pixel-format/UID mutation after the first
	// image, or a write against a read-mode dataset.
	InvalidState
	// AlreadyExists is a dataset directory collision at a forced path.
	AlreadyExists
	// NotFound is an unresolved handle, path, or image coordinate.
	NotFound
	// Corrupt is a magic mismatch, UID disagreement across chunks, IFD tag
	// layout violation, or truncated frame mid-file.
	Corrupt
	// IoError is an OS-level I/O failure; see IoKind for the sub-kind.
	IoError
	// AlignmentViolation is a direct-I/O sector-alignment constraint
	// violation.
	AlignmentViolation
	// OutOfResources is a cache exhausted under a hard limit, or a write
	// that would exceed the container's maximum file size.
	OutOfResources
	// Unsupported is a pixel format outside {8,16}x{1..4}, or a compression
	// value other than 1 (uncompressed).
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidState:
		return "InvalidState"
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	case Corrupt:
		return "Corrupt"
	case IoError:
		return "IoError"
	case AlignmentViolation:
		return "AlignmentViolation"
	case OutOfResources:
		return "OutOfResources"
	case Unsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// IoKind further classifies an IoError.
type IoKind int

const (
	OpenFailed IoKind = iota
	ReadFailed
	WriteFailed
	SeekFailed
	AlignmentViolationIo
)

func (k IoKind) String() string {
	switch k {
	case OpenFailed:
		return "openFailed"
	case ReadFailed:
		return "readFailed"
	case WriteFailed:
		return "writeFailed"
	case SeekFailed:
		return "seekFailed"
	case AlignmentViolationIo:
		return "alignmentViolation"
	default:
		return "unknown"
	}
}

// Error is the sum type surfaced by every exported operation in this
// module. Op names the failing operation (e.g. "ChunkStream.append_image").
type Error struct {
	Kind   Kind
	IoKind IoKind
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == IoError {
		if e.Err != nil {
			return fmt.Sprintf("g2sstore: %s: %s (%s): %v", e.Op, e.Kind, e.IoKind, e.Err)
		}
		return fmt.Sprintf("g2sstore: %s: %s (%s)", e.Op, e.Kind, e.IoKind)
	}
	if e.Err != nil {
		return fmt.Sprintf("g2sstore: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("g2sstore: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error carrying err as its cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WrapIo constructs an IoError carrying an IoKind sub-classification.
func WrapIo(op string, ioKind IoKind, err error) *Error {
	return &Error{Op: op, Kind: IoError, IoKind: ioKind, Err: err}
}

// Is reports whether err, or an error it wraps, is a *Error of the given
// Kind, as in g2serr.Is(err, g2serr.NotFound).
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
