package blkfifo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlushPolicyFromDeviceInfo(t *testing.T) {
	require.True(t, newFlushPolicy(DeviceInfo{Flags: FlagFUASupport}).native)
	require.False(t, newFlushPolicy(DeviceInfo{}).native)
}

func TestNativeFUAForwardsFlagToAllPieces(t *testing.T) {
	policy := flushPolicy{native: true}
	req := Request{Opcode: OpcodeWrite, Flags: FlagForceAccess, Length: 1000}

	pieces := splitRequest(req, 256)
	needsFlush := policy.apply(req, pieces)

	require.False(t, needsFlush)
	for i, p := range pieces {
		require.NotZero(t, p.Flags&FlagForceAccess, "piece %d lost force access", i)
	}
}

func TestEmulatedFUAStripsFlagAndNeedsFlush(t *testing.T) {
	policy := flushPolicy{native: false}
	req := Request{Opcode: OpcodeWrite, Flags: FlagForceAccess, Length: 1000}

	pieces := splitRequest(req, 256)
	needsFlush := policy.apply(req, pieces)

	require.True(t, needsFlush)
	for i, p := range pieces {
		require.Zero(t, p.Flags&FlagForceAccess, "piece %d still carries force access", i)
	}
}

func TestEmulatedFUAIgnoredOnNonLastGroupEntry(t *testing.T) {
	policy := flushPolicy{native: false}
	req := Request{Opcode: OpcodeWrite, Flags: FlagForceAccess | FlagGroupItem, Group: 1, Length: 8}

	pieces := splitRequest(req, 256)
	needsFlush := policy.apply(req, pieces)

	require.False(t, needsFlush)
	require.Zero(t, pieces[0].Flags&FlagForceAccess)
}

func TestEmulatedFUAOnGroupLastNeedsFlush(t *testing.T) {
	policy := flushPolicy{native: false}
	req := Request{Opcode: OpcodeWrite, Flags: FlagForceAccess | FlagGroupItem | FlagGroupLast, Group: 1, Length: 8}

	pieces := splitRequest(req, 256)
	require.True(t, policy.apply(req, pieces))
}

func TestFUAOnReadHasNoEffect(t *testing.T) {
	policy := flushPolicy{native: false}
	req := Request{Opcode: OpcodeRead, Flags: FlagForceAccess, Length: 8}

	pieces := splitRequest(req, 256)
	require.False(t, policy.apply(req, pieces))
}

func TestWriteWithoutFUANeedsNoFlush(t *testing.T) {
	policy := flushPolicy{native: false}
	req := Request{Opcode: OpcodeWrite, Length: 8}

	pieces := splitRequest(req, 256)
	require.False(t, policy.apply(req, pieces))
	require.Zero(t, pieces[0].Flags&FlagForceAccess)
}
