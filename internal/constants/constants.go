package constants

// Default configuration constants
const (
	// DefaultSlotCount is the default number of hardware command slots.
	// Matches the protocol maximum of common embedded host controllers.
	DefaultSlotCount = 32

	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultMaxTransferBlocks is the default per-command transfer limit in
	// blocks when the device does not report one (1MB at 512-byte blocks)
	DefaultMaxTransferBlocks = 2048

	// DefaultResponseDepth is the capacity of the outbound response queue,
	// mirroring the FIFO depth of the block transport protocol
	DefaultResponseDepth = 256
)

// Protocol limits
const (
	// MaxGroupCount is the number of request groups a single session may
	// have open at once. Group ids are 0..MaxGroupCount-1.
	MaxGroupCount = 8

	// MaxSlotCount bounds the slot pool capacity; tags are uint16 but
	// hardware command queues are small.
	MaxSlotCount = 4096
)

// Memory allocation constants
const (
	// DescriptorSize is the size of one hardware command descriptor in the
	// per-slot descriptor buffer
	DescriptorSize = 32
)
