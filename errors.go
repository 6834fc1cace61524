package blkfifo

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Error represents a structured blkfifo error with request context and
// errno mapping
type Error struct {
	Op    string     // Operation that failed (e.g., "PUSH", "SUBMIT", "ATTACH_BUFFER")
	ReqID ReqID      // Request id (0 if not applicable)
	Group int        // Group id (-1 if not applicable)
	Code  ErrorCode  // High-level error category
	Errno unix.Errno // Errno (0 if not applicable)
	Msg   string     // Human-readable message
	Inner error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.ReqID != 0 {
		parts = append(parts, fmt.Sprintf("reqid=%#x", uint32(e.ReqID)))
	}

	if e.Group >= 0 {
		parts = append(parts, fmt.Sprintf("group=%d", e.Group))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("blkfifo: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("blkfifo: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for code-level comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidArgs   ErrorCode = "invalid arguments"
	ErrCodeServerClosed  ErrorCode = "server closed"
	ErrCodeBufferUnknown ErrorCode = "buffer not attached"
	ErrCodeOutOfRange    ErrorCode = "out of range"
	ErrCodeNoFreeSlot    ErrorCode = "no free command slot"
	ErrCodeIOError       ErrorCode = "I/O error"
	ErrCodePeerClosed    ErrorCode = "peer closed"
	ErrCodeCanceled      ErrorCode = "canceled"
)

// SentinelError is a comparable error value matching any *Error carrying
// the same code
type SentinelError string

func (e SentinelError) Error() string {
	return "blkfifo: " + string(e)
}

// Sentinel error values
const (
	ErrInvalidArgs   SentinelError = SentinelError(ErrCodeInvalidArgs)
	ErrServerClosed  SentinelError = SentinelError(ErrCodeServerClosed)
	ErrBufferUnknown SentinelError = SentinelError(ErrCodeBufferUnknown)
	ErrOutOfRange    SentinelError = SentinelError(ErrCodeOutOfRange)
	ErrNoFreeSlot    SentinelError = SentinelError(ErrCodeNoFreeSlot)
	ErrIOError       SentinelError = SentinelError(ErrCodeIOError)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Group: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewRequestError creates a new error carrying request context
func NewRequestError(op string, reqID ReqID, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		ReqID: reqID,
		Group: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewGroupError creates a new error carrying group context
func NewGroupError(op string, reqID ReqID, group GroupID, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		ReqID: reqID,
		Group: int(group),
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with blkfifo context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			ReqID: be.ReqID,
			Group: be.Group,
			Code:  be.Code,
			Errno: be.Errno,
			Msg:   be.Msg,
			Inner: be.Inner,
		}
	}

	if errno, ok := inner.(unix.Errno); ok {
		return &Error{
			Op:    op,
			Group: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Group: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps an errno to a blkfifo error code
func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidArgs
	case unix.ERANGE:
		return ErrCodeOutOfRange
	case unix.ENOSPC:
		return ErrCodeNoFreeSlot
	case unix.EPIPE, unix.ECONNRESET:
		return ErrCodePeerClosed
	case unix.ECANCELED:
		return ErrCodeCanceled
	default:
		return ErrCodeIOError
	}
}

// StatusToError converts a failure status to a structured error, or nil for
// StatusOK
func StatusToError(op string, reqID ReqID, status Status) *Error {
	if status.OK() {
		return nil
	}
	errno := status.Errno()
	return &Error{
		Op:    op,
		ReqID: reqID,
		Group: -1,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
