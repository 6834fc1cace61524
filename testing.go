package blkfifo

import "sync"

// StubDevice provides a scriptable implementation of Device for testing.
// It records every submitted command in order and completes commands
// asynchronously with a configurable status.
type StubDevice struct {
	mu       sync.Mutex
	info     DeviceInfo
	commands []Command
	callback func(cmd *Command) Status
	hold     bool
	held     []heldCompletion
	closed   bool
}

type heldCompletion struct {
	done   CompleteFunc
	status Status
}

// NewStubDevice creates a stub device with the given capability report.
func NewStubDevice(info DeviceInfo) *StubDevice {
	return &StubDevice{info: info}
}

// SetCallback installs a per-command hook deciding each command's
// completion status. Without a callback every command completes with
// StatusOK.
func (d *StubDevice) SetCallback(fn func(cmd *Command) Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

// HoldCompletions makes the device park completions instead of delivering
// them, until ReleaseCompletions is called. Useful for pinning slots.
func (d *StubDevice) HoldCompletions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = true
}

// ReleaseCompletions delivers all parked completions in submission order
// and resumes immediate completion.
func (d *StubDevice) ReleaseCompletions() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.hold = false
	d.mu.Unlock()

	for _, h := range held {
		go h.done(h.status)
	}
}

// Info implements the Device interface
func (d *StubDevice) Info() DeviceInfo {
	return d.info
}

// Submit implements the Device interface. The command is recorded, then
// completed from a separate goroutine the way a hardware completion
// interrupt would.
func (d *StubDevice) Submit(cmd *Command, done CompleteFunc) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return NewError("SUBMIT", ErrCodeServerClosed, "stub device closed")
	}

	recorded := *cmd
	if cmd.Data != nil {
		recorded.Data = append([]byte(nil), cmd.Data...)
	}
	d.commands = append(d.commands, recorded)

	status := StatusOK
	if d.callback != nil {
		status = d.callback(cmd)
	}

	if d.hold {
		d.held = append(d.held, heldCompletion{done: done, status: status})
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	go done(status)
	return nil
}

// Close implements the Device interface
func (d *StubDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// CommandSequence returns a copy of every command submitted so far, in
// submission order.
func (d *StubDevice) CommandSequence() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// CommandCount returns the number of commands submitted so far.
func (d *StubDevice) CommandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

// Reset clears the recorded command sequence.
func (d *StubDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}
