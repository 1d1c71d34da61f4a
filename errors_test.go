package cci

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("connect", StatusInvalid, "bad attribute")

	assert.Equal(t, "connect", err.Op)
	assert.Equal(t, StatusInvalid, err.Status)
	assert.Equal(t, "cci: bad attribute (op=connect)", err.Error())
}

func TestEndpointError(t *testing.T) {
	err := NewEndpointError("send", 7, StatusNoBufferSpace, "tx pool exhausted")

	require.Equal(t, uint32(7), err.EndpointID)
	assert.Equal(t, "cci: tx pool exhausted (op=send endpoint=7)", err.Error())
}

func TestConnError(t *testing.T) {
	err := NewConnError("rma", 1, 3, StatusRMAHandle, "unknown token")

	assert.Equal(t, uint32(1), err.EndpointID)
	assert.Equal(t, int32(3), err.ConnectionID)
	assert.Equal(t, "cci: unknown token (op=rma endpoint=1 conn=3)", err.Error())
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOENT
	err := WrapError("disconnect", inner)

	assert.Equal(t, StatusNotFound, err.Status)
	assert.Equal(t, syscall.ENOENT, err.Errno)
	assert.True(t, errors.Is(err, syscall.ENOENT))
}

func TestWrapErrorPreservesStatus(t *testing.T) {
	base := NewConnError("send", 1, 2, StatusTimedOut, "deadline exceeded")
	wrapped := WrapError("retry-send", base)

	assert.Equal(t, StatusTimedOut, wrapped.Status)
	assert.Equal(t, uint32(1), wrapped.EndpointID)
	assert.Equal(t, "retry-send", wrapped.Op)
}

func TestIsStatus(t *testing.T) {
	err := NewError("connect", StatusTimedOut, "no reply")

	assert.True(t, IsStatus(err, StatusTimedOut))
	assert.False(t, IsStatus(err, StatusRNR))
	assert.False(t, IsStatus(nil, StatusTimedOut))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusRNR, StatusOf(NewError("send", StatusRNR, "peer busy")))
	assert.Equal(t, StatusGeneric, StatusOf(errors.New("plain error")))
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected Status
	}{
		{syscall.ENOENT, StatusNotFound},
		{syscall.EINVAL, StatusInvalid},
		{syscall.ENOMEM, StatusNoMemory},
		{syscall.ETIMEDOUT, StatusTimedOut},
		{syscall.ENOSYS, StatusNotImplemented},
		{syscall.ECONNREFUSED, StatusConnRefused},
	}

	for _, tc := range testCases {
		got := mapErrnoToStatus(tc.errno)
		assert.Equalf(t, tc.expected, got, "mapErrnoToStatus(%v)", tc.errno)
	}
}

func TestStrerror(t *testing.T) {
	assert.Equal(t, "receiver not ready", Strerror(nil, StatusRNR))
	assert.Equal(t, "generic error", Strerror(nil, Status("bogus")))
}
