package blkfifo

import "github.com/cfortin/go-blkfifo/internal/constants"

// Re-exported defaults and protocol limits
const (
	// DefaultSlotCount is the default number of hardware command slots
	DefaultSlotCount = constants.DefaultSlotCount

	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = constants.DefaultBlockSize

	// DefaultMaxTransferBlocks is the default per-command transfer limit
	DefaultMaxTransferBlocks = constants.DefaultMaxTransferBlocks

	// DefaultResponseDepth is the default response channel capacity
	DefaultResponseDepth = constants.DefaultResponseDepth

	// MaxGroupCount is the number of request groups a session may have
	// open at once
	MaxGroupCount = constants.MaxGroupCount

	// MaxSlotCount bounds the slot pool capacity
	MaxSlotCount = constants.MaxSlotCount

	// DescriptorSize is the size of one hardware command descriptor
	DescriptorSize = constants.DescriptorSize
)
