// Package slotpool manages the fixed-capacity array of hardware command
// slots. A slot is the unit of concurrency the device exposes: reserving one
// is the only operation that may block a submitter, which is how in-flight
// commands are capped at the pool capacity instead of queuing unboundedly.
package slotpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cfortin/go-blkfifo/internal/dma"
)

// State is the lifecycle state of one slot. Transitions are strictly
// Free -> Reserved -> Scheduled -> Free.
type State uint8

const (
	Free State = iota
	Reserved
	Scheduled
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Scheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	// ErrNoFreeSlot is returned by TryReserve when the pool is exhausted.
	ErrNoFreeSlot = errors.New("slotpool: no free slot")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("slotpool: pool closed")
	// ErrSlotsOutstanding is returned by Close while slots are still held.
	ErrSlotsOutstanding = errors.New("slotpool: slots still outstanding")
)

type slot struct {
	state State
	desc  []byte // descriptor buffer window in the arena
}

// Pool is a fixed-capacity command slot pool. Capacity never changes after
// construction.
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	waiters []chan uint16 // FIFO; each waiter is handed a Reserved tag
	arena   *dma.Arena
	closed  bool
}

// New creates a pool of capacity slots, each owning a descSize-byte
// descriptor buffer carved from one page-aligned arena.
func New(capacity, descSize int) (*Pool, error) {
	if capacity <= 0 || capacity > 1<<16 {
		return nil, fmt.Errorf("slotpool: invalid capacity %d", capacity)
	}

	arena, err := dma.New(capacity, descSize)
	if err != nil {
		return nil, err
	}

	slots := make([]slot, capacity)
	for i := range slots {
		slots[i].desc = arena.Slot(i)
	}

	return &Pool{
		slots: slots,
		arena: arena,
	}, nil
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// InFlight returns the number of slots currently Reserved or Scheduled.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].state != Free {
			n++
		}
	}
	return n
}

// Reserve claims the lowest-index free slot, blocking until one is released
// if the pool is exhausted. Exhaustion is backpressure, not an error.
// Cancelling ctx aborts the wait.
func (p *Pool) Reserve(ctx context.Context) (uint16, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	if tag, ok := p.reserveLocked(); ok {
		p.mu.Unlock()
		return tag, nil
	}

	// Pool exhausted: join the FIFO waiter queue. Release hands the slot
	// directly to the oldest waiter while holding the lock, so a release
	// between unlocking here and selecting below cannot be lost.
	ch := make(chan uint16, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case tag, ok := <-ch:
		if !ok {
			return 0, ErrPoolClosed
		}
		return tag, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(ch)
		p.mu.Unlock()
		if !removed {
			// A slot was handed to us concurrently with cancellation;
			// put it back before reporting the cancellation.
			if tag, ok := <-ch; ok {
				p.Release(tag)
			}
		}
		return 0, ctx.Err()
	}
}

// TryReserve claims the lowest-index free slot without blocking.
func (p *Pool) TryReserve() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPoolClosed
	}
	if tag, ok := p.reserveLocked(); ok {
		return tag, nil
	}
	return 0, ErrNoFreeSlot
}

func (p *Pool) reserveLocked() (uint16, bool) {
	for i := range p.slots {
		if p.slots[i].state == Free {
			p.slots[i].state = Reserved
			return uint16(i), true
		}
	}
	return 0, false
}

func (p *Pool) removeWaiterLocked(ch chan uint16) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Schedule writes the hardware descriptor into the slot's buffer and marks
// it Scheduled. The slot must be Reserved.
func (p *Pool) Schedule(tag uint16, desc []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= len(p.slots) {
		return fmt.Errorf("slotpool: tag %d out of range (capacity %d)", tag, len(p.slots))
	}
	s := &p.slots[tag]
	if s.state != Reserved {
		return fmt.Errorf("slotpool: cannot schedule slot %d in state %s", tag, s.state)
	}
	if len(desc) > len(s.desc) {
		return fmt.Errorf("slotpool: descriptor size %d exceeds slot buffer %d", len(desc), len(s.desc))
	}
	copy(s.desc, desc)
	s.state = Scheduled
	return nil
}

// Release returns the slot to the pool, handing it to the oldest waiter if
// any. Releasing a Free slot means the slot-index invariant has already been
// violated, so it panics rather than attempting recovery.
func (p *Pool) Release(tag uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= len(p.slots) {
		panic(fmt.Sprintf("slotpool: release of out-of-range tag %d", tag))
	}
	s := &p.slots[tag]
	if s.state == Free {
		panic(fmt.Sprintf("slotpool: double release of slot %d", tag))
	}

	if len(p.waiters) > 0 {
		// Direct handoff: the slot stays Reserved and ownership moves to
		// the waiter, so no later Reserve can steal it in between.
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		s.state = Reserved
		ch <- tag
		return
	}
	s.state = Free
}

// DescriptorBuffer returns the slot's descriptor buffer. The buffer is only
// valid while the slot is Reserved or Scheduled.
func (p *Pool) DescriptorBuffer(tag uint16) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= len(p.slots) {
		return nil, fmt.Errorf("slotpool: tag %d out of range (capacity %d)", tag, len(p.slots))
	}
	return p.slots[tag].desc, nil
}

// DescriptorAddress returns the device-visible address of the slot's
// descriptor buffer.
func (p *Pool) DescriptorAddress(tag uint16) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= len(p.slots) {
		return 0, fmt.Errorf("slotpool: tag %d out of range (capacity %d)", tag, len(p.slots))
	}
	return p.arena.SlotAddress(int(tag)), nil
}

// Close tears down the pool. All slots must have been released first; Close
// fails waiters with ErrPoolClosed and frees the descriptor arena.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	for i := range p.slots {
		if p.slots[i].state != Free {
			p.mu.Unlock()
			return ErrSlotsOutstanding
		}
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return p.arena.Close()
}
