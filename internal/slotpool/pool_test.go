package slotpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	p, err := New(capacity, 32)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestReserveLowestIndex(t *testing.T) {
	p := newPool(t, 4)
	ctx := context.Background()

	for want := uint16(0); want < 4; want++ {
		tag, err := p.Reserve(ctx)
		require.NoError(t, err)
		require.Equal(t, want, tag)
	}

	// Releasing 1 and 3 makes 1 the lowest free slot
	p.Release(1)
	p.Release(3)
	tag, err := p.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(1), tag)

	p.Release(0)
	p.Release(2)
	p.Release(1)
	tag, err = p.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(0), tag)

	// Only slot 0 is held now; the rest come back in index order
	for want := uint16(1); want < 4; want++ {
		tag, err = p.Reserve(ctx)
		require.NoError(t, err)
		require.Equal(t, want, tag)
	}
	for tag := uint16(0); tag < 4; tag++ {
		p.Release(tag)
	}
}

func TestSlotExclusivity(t *testing.T) {
	p := newPool(t, 8)
	ctx := context.Background()

	var mu sync.Mutex
	held := make(map[uint16]bool)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tag, err := p.Reserve(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if held[tag] {
					t.Errorf("slot %d reserved twice concurrently", tag)
				}
				held[tag] = true
				mu.Unlock()

				// Release hands the slot to a waiter directly, so the flag
				// must drop in the same critical section or the new holder
				// could observe it still set.
				mu.Lock()
				held[tag] = false
				p.Release(tag)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, p.InFlight())
}

func TestReserveBlocksUntilRelease(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()

	tag, err := p.Reserve(ctx)
	require.NoError(t, err)

	got := make(chan uint16)
	go func() {
		tag2, err := p.Reserve(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		got <- tag2
	}()

	select {
	case <-got:
		t.Fatal("Reserve returned while pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(tag)

	select {
	case tag2 := <-got:
		require.Equal(t, uint16(0), tag2)
		p.Release(tag2)
	case <-time.After(time.Second):
		t.Fatal("Reserve did not resume after Release")
	}
}

func TestReserveHandoffIsFIFO(t *testing.T) {
	p := newPool(t, 1)
	ctx := context.Background()

	tag, err := p.Reserve(ctx)
	require.NoError(t, err)

	order := make(chan int, 2)
	start := make(chan struct{})
	go func() {
		close(start)
		tag, err := p.Reserve(ctx)
		require.NoError(t, err)
		order <- 1
		p.Release(tag)
	}()
	<-start
	time.Sleep(10 * time.Millisecond) // let the first waiter queue up
	go func() {
		tag, err := p.Reserve(ctx)
		require.NoError(t, err)
		order <- 2
		p.Release(tag)
	}()
	time.Sleep(10 * time.Millisecond)

	p.Release(tag)
	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}

func TestTryReserve(t *testing.T) {
	p := newPool(t, 1)

	tag, err := p.TryReserve()
	require.NoError(t, err)
	require.Equal(t, uint16(0), tag)

	_, err = p.TryReserve()
	require.ErrorIs(t, err, ErrNoFreeSlot)

	p.Release(tag)
	tag, err = p.TryReserve()
	require.NoError(t, err)
	p.Release(tag)
}

func TestReserveContextCancel(t *testing.T) {
	p := newPool(t, 1)

	tag, err := p.Reserve(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	go func() {
		_, err := p.Reserve(ctx)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// The cancelled waiter must not leak the slot: after releasing, the
	// full capacity is available again.
	p.Release(tag)
	tag, err = p.TryReserve()
	require.NoError(t, err)
	p.Release(tag)
}

func TestScheduleStateMachine(t *testing.T) {
	p := newPool(t, 2)
	desc := make([]byte, 32)

	// Schedule on a Free slot fails
	require.Error(t, p.Schedule(0, desc))

	tag, err := p.Reserve(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Schedule(tag, desc))

	// Double schedule fails
	require.Error(t, p.Schedule(tag, desc))

	// Out-of-range tag fails
	require.Error(t, p.Schedule(99, desc))

	// Oversized descriptor fails
	tag2, err := p.Reserve(context.Background())
	require.NoError(t, err)
	require.Error(t, p.Schedule(tag2, make([]byte, 64)))

	p.Release(tag)
	p.Release(tag2)
}

func TestDescriptorAccessors(t *testing.T) {
	p := newPool(t, 2)

	tag, err := p.Reserve(context.Background())
	require.NoError(t, err)

	desc := []byte{1, 2, 3, 4}
	require.NoError(t, p.Schedule(tag, desc))

	buf, err := p.DescriptorBuffer(tag)
	require.NoError(t, err)
	require.Equal(t, desc, buf[:4])

	addr, err := p.DescriptorAddress(tag)
	require.NoError(t, err)
	require.NotZero(t, addr)

	_, err = p.DescriptorBuffer(99)
	require.Error(t, err)
	_, err = p.DescriptorAddress(99)
	require.Error(t, err)

	p.Release(tag)
}

func TestDoubleReleasePanics(t *testing.T) {
	p := newPool(t, 1)
	tag, err := p.Reserve(context.Background())
	require.NoError(t, err)
	p.Release(tag)

	require.Panics(t, func() { p.Release(tag) })
}

func TestCapacityIsFixed(t *testing.T) {
	p := newPool(t, 3)
	require.Equal(t, 3, p.Capacity())

	tags := make([]uint16, 0, 3)
	for i := 0; i < 3; i++ {
		tag, err := p.Reserve(context.Background())
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	require.Equal(t, 3, p.Capacity())
	require.Equal(t, 3, p.InFlight())

	_, err := p.TryReserve()
	require.ErrorIs(t, err, ErrNoFreeSlot)

	for _, tag := range tags {
		p.Release(tag)
	}
}

func TestClose(t *testing.T) {
	p, err := New(1, 32)
	require.NoError(t, err)

	tag, err := p.Reserve(context.Background())
	require.NoError(t, err)

	// Close with an outstanding slot is rejected
	require.ErrorIs(t, p.Close(), ErrSlotsOutstanding)

	p.Release(tag)
	require.NoError(t, p.Close())

	_, err = p.Reserve(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.TryReserve()
	require.ErrorIs(t, err, ErrPoolClosed)
}
