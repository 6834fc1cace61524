// Package txn tracks request groups: caller-defined sets of FIFO entries
// that must be reported as a single completion. A transaction is created on
// the first entry for a group id, counts original FIFO entries (never the
// hardware sub-requests they split into), and closes exactly once after the
// GROUP_LAST entry has been seen and every entry has completed.
package txn

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrGroupCompleted is returned when an entry arrives for a group that
	// has already seen its last entry but not yet closed.
	ErrGroupCompleted = errors.New("txn: group already received its last entry")
)

type txnState uint8

const (
	stateOpen txnState = iota
	stateClosed
)

// Txn is the in-core tracking record of one group's completion state.
type Txn struct {
	group       uint16
	terminalReq uint32 // reqid of the GROUP_LAST entry, reported in the response

	state     txnState
	expected  uint32 // original FIFO entries in the group
	completed uint32
	status    int32 // first non-zero status wins
	lastSeen  bool

	// A write chain that needs force-unit-access emulation defers the
	// response until a synthetic flush completes.
	pendingFlush bool
	flushIssued  bool
}

// Group returns the group id this transaction tracks.
func (x *Txn) Group() uint16 {
	return x.group
}

// Outcome describes what the dispatcher must do after feeding a completion
// to the tracker.
type Outcome struct {
	// Done means the transaction closed: emit exactly one response.
	Done bool
	// NeedFlush means every entry completed successfully but the group owes
	// a synthetic flush; the response waits for FlushDone.
	NeedFlush bool

	Status int32
	ReqID  uint32
	Group  uint16
	Count  uint32
}

// Tracker owns the group-id to transaction map.
type Tracker struct {
	mu     sync.Mutex
	groups map[uint16]*Txn
}

func NewTracker() *Tracker {
	return &Tracker{
		groups: make(map[uint16]*Txn),
	}
}

// AddEntry records one original FIFO entry for the group, creating the
// transaction if this is the group's first entry. last marks the GROUP_LAST
// entry; its reqid is the one reported in the group response.
func (t *Tracker) AddEntry(group uint16, reqID uint32, last bool) (*Txn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	x, ok := t.groups[group]
	if !ok {
		x = &Txn{group: group}
		t.groups[group] = x
	}
	if x.lastSeen {
		return nil, fmt.Errorf("%w: group %d", ErrGroupCompleted, group)
	}

	x.expected++
	if last {
		x.lastSeen = true
		x.terminalReq = reqID
	}
	return x, nil
}

// MarkPendingFlush records that the group's write chain needs a synthetic
// flush before its response may be emitted. Only meaningful on the
// transaction carrying the GROUP_LAST entry.
func (t *Tracker) MarkPendingFlush(x *Txn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	x.pendingFlush = true
}

// EntryDone records completion of one original FIFO entry. The first error
// observed for the group sticks; later completions never overwrite it.
func (t *Tracker) EntryDone(x *Txn, status int32) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status != 0 && x.status == 0 {
		x.status = status
	}
	x.completed++
	if !x.lastSeen || x.completed < x.expected {
		return Outcome{}
	}

	// The chain is complete. A pending flush is only issued on success: an
	// error anywhere in the chain suppresses dependent operations.
	if x.pendingFlush && !x.flushIssued && x.status == 0 {
		x.flushIssued = true
		return Outcome{
			NeedFlush: true,
			ReqID:     x.terminalReq,
			Group:     x.group,
		}
	}
	return t.closeLocked(x)
}

// FlushDone records completion of the group's synthetic flush and closes
// the transaction.
func (t *Tracker) FlushDone(x *Txn, status int32) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status != 0 && x.status == 0 {
		x.status = status
	}
	return t.closeLocked(x)
}

func (t *Tracker) closeLocked(x *Txn) Outcome {
	x.state = stateClosed
	delete(t.groups, x.group)
	return Outcome{
		Done:   true,
		Status: x.status,
		ReqID:  x.terminalReq,
		Group:  x.group,
		Count:  x.expected,
	}
}

// Open returns the number of transactions currently tracked.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}
