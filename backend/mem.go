// Package backend provides standard blkfifo device implementations
package backend

import (
	"sync"

	blkfifo "github.com/cfortin/go-blkfifo"
	"github.com/cfortin/go-blkfifo/internal/constants"
)

// MemoryConfig configures a Memory device
type MemoryConfig struct {
	// Blocks is the device size in logical blocks
	Blocks uint64

	// BlockSize is the logical block size in bytes (default 512)
	BlockSize uint32

	// MaxTransferBlocks is the per-command transfer limit reported to the
	// server (0 means unlimited)
	MaxTransferBlocks uint32

	// NativeFUA advertises force-unit-access support, so the server
	// forwards the flag instead of emulating it with a post-flush
	NativeFUA bool
}

// Memory provides a RAM-backed device. Commands execute on a single
// completion goroutine, the way a hardware queue raises completion
// interrupts one at a time.
type Memory struct {
	cfg  MemoryConfig
	data []byte

	mu sync.RWMutex // guards data and flushes

	// lifeMu serializes Submit sends against Close so a send can never hit
	// a closed work channel. The worker never takes it.
	lifeMu sync.Mutex
	closed bool

	work chan memCommand
	done chan struct{}

	flushes uint64
}

type memCommand struct {
	cmd      blkfifo.Command
	complete blkfifo.CompleteFunc
}

// NewMemory creates a memory device of the configured size
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = constants.DefaultBlockSize
	}

	m := &Memory{
		cfg:  cfg,
		data: make([]byte, cfg.Blocks*uint64(cfg.BlockSize)),
		work: make(chan memCommand, constants.DefaultSlotCount),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// Info implements the Device interface
func (m *Memory) Info() blkfifo.DeviceInfo {
	info := blkfifo.DeviceInfo{
		BlockCount:        m.cfg.Blocks,
		BlockSize:         m.cfg.BlockSize,
		MaxTransferBlocks: m.cfg.MaxTransferBlocks,
	}
	if m.cfg.NativeFUA {
		info.Flags |= blkfifo.FlagFUASupport
	}
	return info
}

// Submit implements the Device interface
func (m *Memory) Submit(cmd *blkfifo.Command, done blkfifo.CompleteFunc) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return blkfifo.NewError("SUBMIT", blkfifo.ErrCodeServerClosed, "memory device closed")
	}

	m.work <- memCommand{cmd: *cmd, complete: done}
	return nil
}

// Close implements the Device interface. In-flight commands complete
// before the worker exits.
func (m *Memory) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.work)
	m.lifeMu.Unlock()

	<-m.done
	return nil
}

// FlushCount returns the number of flush commands executed.
func (m *Memory) FlushCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

func (m *Memory) run() {
	defer close(m.done)
	for wc := range m.work {
		wc.complete(m.execute(&wc.cmd))
	}
}

func (m *Memory) execute(cmd *blkfifo.Command) blkfifo.Status {
	switch cmd.Opcode {
	case blkfifo.OpcodeRead:
		off, n, ok := m.window(cmd)
		if !ok {
			return blkfifo.StatusOutOfRange
		}
		m.mu.RLock()
		copy(cmd.Data[:n], m.data[off:off+n])
		m.mu.RUnlock()
		return blkfifo.StatusOK

	case blkfifo.OpcodeWrite:
		off, n, ok := m.window(cmd)
		if !ok {
			return blkfifo.StatusOutOfRange
		}
		m.mu.Lock()
		copy(m.data[off:off+n], cmd.Data[:n])
		m.mu.Unlock()
		return blkfifo.StatusOK

	case blkfifo.OpcodeFlush:
		// RAM needs no flushing; count it for observability.
		m.mu.Lock()
		m.flushes++
		m.mu.Unlock()
		return blkfifo.StatusOK

	default:
		return blkfifo.StatusInvalidArgs
	}
}

func (m *Memory) window(cmd *blkfifo.Command) (off, n uint64, ok bool) {
	bs := uint64(m.cfg.BlockSize)
	if cmd.DevOffset >= m.cfg.Blocks || uint64(cmd.Blocks) > m.cfg.Blocks-cmd.DevOffset {
		return 0, 0, false
	}
	n = uint64(cmd.Blocks) * bs
	if uint64(len(cmd.Data)) < n {
		return 0, 0, false
	}
	return cmd.DevOffset * bs, n, true
}
