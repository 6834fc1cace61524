package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const statusIOError int32 = -5 // -EIO

func TestSingleEntryGroup(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x100, true)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Open())

	out := tr.EntryDone(x, 0)
	require.True(t, out.Done)
	require.False(t, out.NeedFlush)
	require.Equal(t, int32(0), out.Status)
	require.Equal(t, uint32(0x100), out.ReqID)
	require.Equal(t, uint32(1), out.Count)
	require.Equal(t, 0, tr.Open())
}

func TestGroupCountsOriginalEntries(t *testing.T) {
	tr := NewTracker()

	x1, err := tr.AddEntry(3, 0x101, false)
	require.NoError(t, err)
	x2, err := tr.AddEntry(3, 0x102, true)
	require.NoError(t, err)
	require.Same(t, x1, x2)

	// First entry completing does not close the group
	out := tr.EntryDone(x1, 0)
	require.False(t, out.Done)

	out = tr.EntryDone(x1, 0)
	require.True(t, out.Done)
	require.Equal(t, uint32(2), out.Count)
	require.Equal(t, uint32(0x102), out.ReqID) // terminal entry's reqid
	require.Equal(t, uint16(3), out.Group)
}

func TestCompletionBeforeLastEntry(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x1, false)
	require.NoError(t, err)

	// The only queued entry completes, but GROUP_LAST has not been seen:
	// the group must stay open.
	out := tr.EntryDone(x, 0)
	require.False(t, out.Done)
	require.Equal(t, 1, tr.Open())

	_, err = tr.AddEntry(0, 0x2, true)
	require.NoError(t, err)
	out = tr.EntryDone(x, 0)
	require.True(t, out.Done)
	require.Equal(t, uint32(2), out.Count)
}

func TestFirstErrorSticks(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x1, false)
	require.NoError(t, err)
	_, err = tr.AddEntry(0, 0x2, false)
	require.NoError(t, err)
	_, err = tr.AddEntry(0, 0x3, true)
	require.NoError(t, err)

	tr.EntryDone(x, statusIOError)
	tr.EntryDone(x, -13) // later, different error does not overwrite
	out := tr.EntryDone(x, 0)

	require.True(t, out.Done)
	require.Equal(t, statusIOError, out.Status)
	require.Equal(t, uint32(3), out.Count)
}

func TestEntryAfterLastRejected(t *testing.T) {
	tr := NewTracker()

	_, err := tr.AddEntry(0, 0x1, true)
	require.NoError(t, err)

	_, err = tr.AddEntry(0, 0x2, false)
	require.ErrorIs(t, err, ErrGroupCompleted)
}

func TestGroupIDReusableAfterClose(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(5, 0x1, true)
	require.NoError(t, err)
	out := tr.EntryDone(x, 0)
	require.True(t, out.Done)

	// Same group id starts a fresh transaction
	x2, err := tr.AddEntry(5, 0x2, true)
	require.NoError(t, err)
	require.NotSame(t, x, x2)
	out = tr.EntryDone(x2, 0)
	require.True(t, out.Done)
	require.Equal(t, uint32(1), out.Count)
}

func TestPendingFlushDefersResponse(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x100, true)
	require.NoError(t, err)
	tr.MarkPendingFlush(x)

	out := tr.EntryDone(x, 0)
	require.False(t, out.Done)
	require.True(t, out.NeedFlush)
	require.Equal(t, uint32(0x100), out.ReqID)

	// Group stays tracked until the flush completes
	require.Equal(t, 1, tr.Open())

	out = tr.FlushDone(x, 0)
	require.True(t, out.Done)
	require.Equal(t, int32(0), out.Status)
	require.Equal(t, uint32(1), out.Count)
	require.Equal(t, 0, tr.Open())
}

func TestPendingFlushSuppressedOnError(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x100, false)
	require.NoError(t, err)
	_, err = tr.AddEntry(0, 0x101, true)
	require.NoError(t, err)
	tr.MarkPendingFlush(x)

	tr.EntryDone(x, statusIOError)
	out := tr.EntryDone(x, 0)

	// An error anywhere in the chain closes the group without a flush
	require.True(t, out.Done)
	require.False(t, out.NeedFlush)
	require.Equal(t, statusIOError, out.Status)
}

func TestFlushErrorReported(t *testing.T) {
	tr := NewTracker()

	x, err := tr.AddEntry(0, 0x100, true)
	require.NoError(t, err)
	tr.MarkPendingFlush(x)

	out := tr.EntryDone(x, 0)
	require.True(t, out.NeedFlush)

	out = tr.FlushDone(x, statusIOError)
	require.True(t, out.Done)
	require.Equal(t, statusIOError, out.Status)
}

func TestIndependentGroups(t *testing.T) {
	tr := NewTracker()

	a, err := tr.AddEntry(1, 0x1, true)
	require.NoError(t, err)
	b, err := tr.AddEntry(2, 0x2, true)
	require.NoError(t, err)

	out := tr.EntryDone(b, 0)
	require.True(t, out.Done)
	require.Equal(t, uint16(2), out.Group)
	require.Equal(t, 1, tr.Open())

	out = tr.EntryDone(a, statusIOError)
	require.True(t, out.Done)
	require.Equal(t, uint16(1), out.Group)
	require.Equal(t, statusIOError, out.Status)
}
