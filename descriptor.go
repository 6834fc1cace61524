package blkfifo

import (
	"encoding/binary"
	"unsafe"

	"github.com/cfortin/go-blkfifo/internal/constants"
)

// commandDescriptor is the hardware encoding of one command, written into
// the slot's descriptor buffer before submission. Layout is fixed at 32
// bytes:
//
//	struct command_descriptor {
//	  u32 op_flags;   // op: bits 0-7, flags: bits 8-31
//	  u32 blocks;     // transfer length in blocks
//	  u64 dev_offset; // starting block on the device
//	  u64 data_addr;  // buffer address, 0 for flush
//	  u64 reserved;   // must be zero
//	};
type commandDescriptor struct {
	OpFlags   uint32
	Blocks    uint32
	DevOffset uint64
	DataAddr  uint64
	Reserved  uint64
}

// Compile-time size check - must match the per-slot descriptor buffer
var _ [constants.DescriptorSize]byte = [unsafe.Sizeof(commandDescriptor{})]byte{}

func encodeDescriptor(cmd *Command) []byte {
	var dataAddr uint64
	if len(cmd.Data) > 0 {
		dataAddr = uint64(uintptr(unsafe.Pointer(&cmd.Data[0])))
	}

	buf := make([]byte, constants.DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd.Opcode)|uint32(cmd.Flags)<<8)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.Blocks)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.DevOffset)
	binary.LittleEndian.PutUint64(buf[16:24], dataAddr)
	// Reserved stays zero
	return buf
}

func decodeDescriptor(data []byte) (commandDescriptor, bool) {
	if len(data) < constants.DescriptorSize {
		return commandDescriptor{}, false
	}
	return commandDescriptor{
		OpFlags:   binary.LittleEndian.Uint32(data[0:4]),
		Blocks:    binary.LittleEndian.Uint32(data[4:8]),
		DevOffset: binary.LittleEndian.Uint64(data[8:16]),
		DataAddr:  binary.LittleEndian.Uint64(data[16:24]),
		Reserved:  binary.LittleEndian.Uint64(data[24:32]),
	}, true
}

// Op extracts the operation code from OpFlags
func (d *commandDescriptor) Op() Opcode {
	return Opcode(d.OpFlags & 0xff)
}

// CmdFlags extracts the request flags from OpFlags
func (d *commandDescriptor) CmdFlags() Flags {
	return Flags(d.OpFlags >> 8)
}
