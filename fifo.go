// Package blkfifo implements a block I/O request scheduler with a bounded
// pool of hardware command slots. It sits between a FIFO-style request
// protocol and a device command queue: caller requests are split to respect
// the device's maximum transfer size, grouped entries complete atomically
// with a single response, and force-unit-access writes are degraded to
// write-plus-flush when the device lacks native support.
package blkfifo

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Opcode identifies the operation of one FIFO request.
type Opcode uint8

const (
	// OpcodeRead transfers blocks from the device into the attached buffer.
	OpcodeRead Opcode = iota
	// OpcodeWrite transfers blocks from the attached buffer to the device.
	OpcodeWrite
	// OpcodeFlush commits the device's volatile write cache to stable
	// storage. Length and offsets are ignored.
	OpcodeFlush
	// OpcodeCloseBuffer detaches a previously attached buffer.
	OpcodeCloseBuffer
)

func (op Opcode) String() string {
	switch op {
	case OpcodeRead:
		return "READ"
	case OpcodeWrite:
		return "WRITE"
	case OpcodeFlush:
		return "FLUSH"
	case OpcodeCloseBuffer:
		return "CLOSE_BUFFER"
	default:
		return fmt.Sprintf("OP_%d", uint8(op))
	}
}

// Flags qualify a request.
type Flags uint16

const (
	// FlagForceAccess (FUA) asks the device to bypass its write cache and
	// commit the write durably before acknowledging.
	FlagForceAccess Flags = 1 << iota
	// FlagGroupItem marks the request as part of the group named by the
	// request's Group field.
	FlagGroupItem
	// FlagGroupLast marks the final entry of a group. The single group
	// response is emitted after this entry and all its siblings complete.
	FlagGroupLast
)

// ReqID is an opaque caller correlation token echoed in responses.
type ReqID uint32

// GroupID names a request group. Valid ids are 0..MaxGroupCount-1.
type GroupID uint16

// BufferID names a buffer previously attached with Server.AttachBuffer.
type BufferID uint16

// Request is one caller-issued FIFO entry. Length and offsets are in
// logical blocks.
type Request struct {
	Opcode       Opcode
	Flags        Flags
	ReqID        ReqID
	Group        GroupID
	Buffer       BufferID
	Length       uint32
	BufferOffset uint64
	DevOffset    uint64
}

// Response is the single completion record for one FIFO entry, or for a
// whole group when the entry carried FlagGroupLast. Count reports the
// number of original FIFO entries the response covers, regardless of how
// many hardware sub-requests they split into.
type Response struct {
	Status Status
	ReqID  ReqID
	Group  GroupID
	Count  uint32
}

// Status is the completion status of a request or sub-request: zero for
// success, a negated errno otherwise, following the device command queue
// result convention.
type Status int32

const (
	StatusOK          Status = 0
	StatusIOError     Status = -Status(unix.EIO)
	StatusInvalidArgs Status = -Status(unix.EINVAL)
	StatusOutOfRange  Status = -Status(unix.ERANGE)
	StatusNoSpace     Status = -Status(unix.ENOSPC)
	StatusPeerClosed  Status = -Status(unix.EPIPE)
	StatusCanceled    Status = -Status(unix.ECANCELED)
)

// OK reports whether the status is success.
func (s Status) OK() bool {
	return s == StatusOK
}

// Errno returns the errno backing a failure status, or zero for StatusOK.
func (s Status) Errno() unix.Errno {
	if s >= 0 {
		return 0
	}
	return unix.Errno(-s)
}

func (s Status) String() string {
	if s.OK() {
		return "OK"
	}
	return s.Errno().Error()
}

// StatusFromErr maps an error to a Status. Errno-backed errors keep their
// errno; anything else becomes StatusIOError.
func StatusFromErr(err error) Status {
	if err == nil {
		return StatusOK
	}
	var be *Error
	if errors.As(err, &be) && be.Errno != 0 {
		return -Status(be.Errno)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -Status(errno)
	}
	return StatusIOError
}
