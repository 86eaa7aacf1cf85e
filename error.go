package vrift

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced across the core. The vfs layer maps
// each code onto the closest POSIX errno so unmodified callers see normal
// filesystem failure modes.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// NotFound - path absent from the index or blob absent from the CAS.
	NotFound
	// AlreadyExists - CAS insert of a pre-existing hash; treated as success by callers.
	AlreadyExists
	// PermissionDenied - host filesystem refused an operation (e.g. hardlink
	// promotion on a code-signed bundle); promotion falls through to the next tier.
	PermissionDenied
	// CrossDevice - staging and CAS live on different mounts; promotion falls
	// through to copy.
	CrossDevice
	// Unsupported - operation not supported by the host filesystem (e.g.
	// reflink on non-CoW); promotion falls through.
	Unsupported
	// DaemonUnreachable - IPC connect or send failed.
	DaemonUnreachable
	// ProtocolError - malformed IPC frame, oversize length or unknown request
	// tag; the connection is dropped.
	ProtocolError
	// Corruption - blob bytes no longer match the filename digest. Fatal for
	// the operation.
	Corruption
	// Busy - mutation attempted on a path held dirty by another process.
	Busy
	// InitState - call fell through to the host filesystem before the client
	// layer finished initializing. Not a failure; logged at trace.
	InitState
)

// String returns the code's stable name, used in logs and IPC error payloads.
func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case PermissionDenied:
		return "permission_denied"
	case CrossDevice:
		return "cross_device"
	case Unsupported:
		return "unsupported"
	case DaemonUnreachable:
		return "daemon_unreachable"
	case ProtocolError:
		return "protocol_error"
	case Corruption:
		return "corruption"
	case Busy:
		return "busy"
	case InitState:
		return "init_state"
	}
	return "unknown"
}

// ParseErrorCode maps a stable name back to its code. Unknown names map to Unknown.
func ParseErrorCode(s string) ErrorCode {
	for c := NotFound; c <= InitState; c++ {
		if c.String() == s {
			return c
		}
	}
	return Unknown
}

// Error is the typed error carried across the core and over IPC.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e Error) Unwrap() error {
	return e.Err
}

// Is matches any Error with the same code, so callers can compare against
// Error{Code: NotFound} without caring about the cause.
func (e Error) Is(target error) bool {
	var t Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Errorf builds a typed Error with a formatted cause.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, or Unknown when err carries none.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
