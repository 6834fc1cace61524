package blkfifo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestErrorFormatting(t *testing.T) {
	err := NewGroupError("PUSH", 0x42, 3, ErrCodeInvalidArgs, "bad request")
	msg := err.Error()

	require.Contains(t, msg, "blkfifo:")
	require.Contains(t, msg, "bad request")
	require.Contains(t, msg, "op=PUSH")
	require.Contains(t, msg, "reqid=0x42")
	require.Contains(t, msg, "group=3")
}

func TestErrorFormattingWithoutContext(t *testing.T) {
	err := &Error{Group: -1, Code: ErrCodeIOError}
	require.Equal(t, "blkfifo: I/O error", err.Error())
}

func TestSentinelMatching(t *testing.T) {
	err := NewError("PUSH", ErrCodeServerClosed, "server not running")

	require.ErrorIs(t, err, ErrServerClosed)
	require.NotErrorIs(t, err, ErrInvalidArgs)
}

func TestWrapErrorPreservesContext(t *testing.T) {
	inner := NewRequestError("SUBMIT", 9, ErrCodeIOError, "device gone")
	wrapped := WrapError("PUSH", inner)

	require.Equal(t, "PUSH", wrapped.Op)
	require.Equal(t, ReqID(9), wrapped.ReqID)
	require.Equal(t, ErrCodeIOError, wrapped.Code)
}

func TestWrapErrorErrno(t *testing.T) {
	wrapped := WrapError("SUBMIT", unix.EPIPE)

	require.Equal(t, ErrCodePeerClosed, wrapped.Code)
	require.Equal(t, unix.EPIPE, wrapped.Errno)
	require.ErrorIs(t, wrapped, unix.EPIPE)
}

func TestWrapErrorNil(t *testing.T) {
	require.Nil(t, WrapError("SUBMIT", nil))
}

func TestWrapErrorPlain(t *testing.T) {
	inner := fmt.Errorf("mmap failed")
	wrapped := WrapError("NEW_SERVER", inner)

	require.Equal(t, ErrCodeIOError, wrapped.Code)
	require.ErrorIs(t, wrapped, inner)
}

func TestErrnoMapping(t *testing.T) {
	require.Equal(t, ErrCodeInvalidArgs, mapErrnoToCode(unix.EINVAL))
	require.Equal(t, ErrCodeOutOfRange, mapErrnoToCode(unix.ERANGE))
	require.Equal(t, ErrCodeNoFreeSlot, mapErrnoToCode(unix.ENOSPC))
	require.Equal(t, ErrCodeCanceled, mapErrnoToCode(unix.ECANCELED))
	require.Equal(t, ErrCodeIOError, mapErrnoToCode(unix.EIO))
}

func TestStatusToError(t *testing.T) {
	require.Nil(t, StatusToError("DISPATCH", 1, StatusOK))

	err := StatusToError("DISPATCH", 1, StatusOutOfRange)
	require.NotNil(t, err)
	require.Equal(t, ErrCodeOutOfRange, err.Code)
	require.Equal(t, unix.ERANGE, err.Errno)
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := WrapError("SUBMIT", unix.EINVAL)

	require.True(t, IsCode(err, ErrCodeInvalidArgs))
	require.False(t, IsCode(err, ErrCodeIOError))
	require.True(t, IsErrno(err, unix.EINVAL))
	require.False(t, IsErrno(err, unix.EIO))

	require.False(t, IsCode(errors.New("plain"), ErrCodeIOError))
}
