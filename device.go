package blkfifo

// SlotTag identifies one hardware command slot. Tags are dense indices in
// [0, SlotCount).
type SlotTag uint16

// DeviceFlags describe device capabilities.
type DeviceFlags uint32

const (
	// FlagFUASupport means the device honors FlagForceAccess natively; the
	// server forwards the flag instead of emulating it with a post-flush.
	FlagFUASupport DeviceFlags = 1 << iota
)

// DeviceInfo is the capability report of the device behind a Server.
type DeviceInfo struct {
	// BlockCount is the device size in logical blocks.
	BlockCount uint64
	// BlockSize is the logical block size in bytes.
	BlockSize uint32
	// MaxTransferBlocks is the largest single command the device accepts,
	// in blocks. Zero means the server default applies.
	MaxTransferBlocks uint32
	Flags             DeviceFlags
}

// Command is one hardware-sized unit of work occupying a command slot.
// For reads and writes, Data is the window of the attached caller buffer
// the transfer moves through; it is valid until the command completes.
type Command struct {
	Opcode    Opcode
	Flags     Flags
	Tag       SlotTag
	Data      []byte
	DevOffset uint64 // blocks
	Blocks    uint32
}

// CompleteFunc delivers a command's completion status. The device must call
// it exactly once per submitted command; calls may come from any goroutine,
// typically the device's interrupt or completion path.
type CompleteFunc func(status Status)

// Device is the hardware/transport collaborator behind a Server. Submit
// starts the command occupying slot cmd.Tag; the encoded descriptor for the
// slot is readable via the server's DescriptorBuffer/DescriptorAddress
// accessors for implementations that program real hardware.
//
// If Submit returns an error the command was not started and done must not
// be called.
type Device interface {
	Info() DeviceInfo
	Submit(cmd *Command, done CompleteFunc) error
	Close() error
}
