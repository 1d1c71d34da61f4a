package cci

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured CCI error with endpoint/connection context
// and, where applicable, the underlying errno.
type Error struct {
	Op           string        // operation that failed (e.g. "connect", "send", "rma")
	EndpointID   uint32        // endpoint ID (0 if not applicable)
	ConnectionID int32         // connection ID (-1 if not applicable)
	Status       Status        // high-level status kind
	Errno        syscall.Errno // OS errno (0 if not applicable)
	Msg          string        // human-readable message
	Inner        error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.EndpointID != 0 {
		parts = append(parts, fmt.Sprintf("endpoint=%d", e.EndpointID))
	}
	if e.ConnectionID >= 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnectionID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Status)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("cci: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("cci: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Status == te.Status
	}
	return false
}

// Status is the stable error-kind taxonomy every public API call and
// every asynchronous event status reports.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusInvalid        Status = "invalid argument"
	StatusNoMemory       Status = "no memory"
	StatusNoDevice       Status = "no device"
	StatusNoBufferSpace  Status = "no buffer space"
	StatusTimedOut       Status = "timed out"
	StatusDisconnected   Status = "disconnected"
	StatusRNR            Status = "receiver not ready"
	StatusConnRefused    Status = "connection refused"
	StatusRMAHandle      Status = "invalid rma handle"
	StatusRMAOp          Status = "rma operation not supported"
	StatusDeviceDead     Status = "device dead"
	StatusNotImplemented Status = "not implemented"
	StatusNotFound       Status = "not found"
	StatusGeneric        Status = "generic error"
)

// strerrorTable holds the static string returned by Strerror for every
// status kind.
var strerrorTable = map[Status]string{
	StatusSuccess:        "success",
	StatusInvalid:        "invalid argument",
	StatusNoMemory:       "not enough memory",
	StatusNoDevice:       "no such device or device is down",
	StatusNoBufferSpace:  "no buffer space available",
	StatusTimedOut:       "operation timed out",
	StatusDisconnected:   "endpoint or connection disconnected",
	StatusRNR:            "receiver not ready",
	StatusConnRefused:    "connection refused by peer",
	StatusRMAHandle:      "remote rejected unknown or unauthorized RMA handle",
	StatusRMAOp:          "remote transport cannot perform the requested RMA variant",
	StatusDeviceDead:     "device failed irrecoverably",
	StatusNotImplemented: "feature not implemented by this transport",
	StatusNotFound:       "resource not found",
	StatusGeneric:        "generic error",
}

// Strerror returns the static description for a status kind.
// The endpoint parameter is accepted for API parity with transports that
// produce endpoint-specific diagnostics; the reference implementation's
// table is endpoint-independent.
func Strerror(endpoint *Endpoint, status Status) string {
	if s, ok := strerrorTable[status]; ok {
		return s
	}
	return string(StatusGeneric)
}

// NewError creates a structured error for an operation not tied to an
// endpoint or connection (e.g. config parsing, device enumeration).
func NewError(op string, status Status, msg string) *Error {
	return &Error{Op: op, Status: status, Msg: msg, ConnectionID: -1}
}

// NewEndpointError creates an endpoint-scoped error.
func NewEndpointError(op string, endpointID uint32, status Status, msg string) *Error {
	return &Error{Op: op, EndpointID: endpointID, Status: status, Msg: msg, ConnectionID: -1}
}

// NewConnError creates a connection-scoped error.
func NewConnError(op string, endpointID uint32, connID int32, status Status, msg string) *Error {
	return &Error{Op: op, EndpointID: endpointID, ConnectionID: connID, Status: status, Msg: msg}
}

// WrapError wraps an arbitrary error with CCI context, mapping known
// syscall errnos to a status kind.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{
			Op:           op,
			EndpointID:   ce.EndpointID,
			ConnectionID: ce.ConnectionID,
			Status:       ce.Status,
			Errno:        ce.Errno,
			Msg:          ce.Msg,
			Inner:        ce.Inner,
		}
	}

	status := StatusGeneric
	if errno, ok := inner.(syscall.Errno); ok {
		status = mapErrnoToStatus(errno)
		return &Error{Op: op, Status: status, Errno: errno, Msg: errno.Error(), Inner: inner, ConnectionID: -1}
	}

	return &Error{Op: op, Status: status, Msg: inner.Error(), Inner: inner, ConnectionID: -1}
}

func mapErrnoToStatus(errno syscall.Errno) Status {
	switch errno {
	case syscall.ENOENT:
		return StatusNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return StatusInvalid
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return StatusNotImplemented
	case syscall.ENOMEM, syscall.ENOSPC:
		return StatusNoMemory
	case syscall.ETIMEDOUT:
		return StatusTimedOut
	case syscall.ECONNREFUSED:
		return StatusConnRefused
	default:
		return StatusGeneric
	}
}

// IsStatus reports whether err's Status matches the given kind.
func IsStatus(err error, status Status) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status == status
	}
	return false
}

// StatusOf extracts the Status kind of err: StatusSuccess for a nil err,
// StatusGeneric for any other error that is not a *Error.
func StatusOf(err error) Status {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	if err == nil {
		return StatusSuccess
	}
	return StatusGeneric
}
