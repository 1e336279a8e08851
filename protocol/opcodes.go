// Package protocol defines the gpuwire byte format: opcodes, the command and
// reply tables, the bounds-checked decoder, typed command views and the
// outgoing reply framing.
//
// Every message is laid out as
//
//	[4 bytes] opcode (little-endian uint32)
//	[N bytes] fixed payload, N given by the opcode's table entry
//	[8 bytes] trailing length (only for opcodes that declare trailing data)
//	[L bytes] trailing data
//
// Messages are not self-describing: the table entry for the opcode is the
// only source of payload sizes.
package protocol

import "fmt"

// Opcode identifies a client-to-server command.
type Opcode uint32

// Command opcodes. Values are part of the wire format.
const (
	OpDeviceGetQueue                   Opcode = 1
	OpDeviceCreateBuffer               Opcode = 2
	OpDeviceCreateShaderModule         Opcode = 3
	OpDeviceCreateCommandEncoder       Opcode = 4
	OpDeviceTick                       Opcode = 5
	OpDeviceLoseForTesting             Opcode = 6
	OpQueueCreateFence                 Opcode = 7
	OpQueueSignal                      Opcode = 8
	OpQueueSubmit                      Opcode = 9
	OpQueueWriteBuffer                 Opcode = 10
	OpCommandEncoderCopyBufferToBuffer Opcode = 11
	OpCommandEncoderFinish             Opcode = 12
	OpBufferMapAsync                   Opcode = 13
	OpBufferUpdateMappedData           Opcode = 14
	OpBufferUnmap                      Opcode = 15
	OpBufferDestroy                    Opcode = 16
	OpDestroyObject                    Opcode = 17

	numOpcodes = OpDestroyObject + 1
)

// NumOpcodes is one past the largest command opcode; dispatch tables are
// arrays of this length.
const NumOpcodes = int(numOpcodes)

// String returns the command name, e.g. "BufferMapAsync".
func (op Opcode) String() string {
	if info, ok := Commands.Lookup(uint32(op)); ok {
		return info.Name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(op))
}

// ReplyOpcode identifies a server-to-client reply.
type ReplyOpcode uint32

// Reply opcodes. Values are part of the wire format.
const (
	ReplyDeviceUncapturedError     ReplyOpcode = 1
	ReplyDeviceLost                ReplyOpcode = 2
	ReplyBufferMapAsyncCallback    ReplyOpcode = 3
	ReplyFenceUpdateCompletedValue ReplyOpcode = 4

	numReplyOpcodes = ReplyFenceUpdateCompletedValue + 1
)

// String returns the reply name, e.g. "DeviceLost".
func (op ReplyOpcode) String() string {
	if info, ok := Replies.Lookup(uint32(op)); ok {
		return info.Name
	}
	return fmt.Sprintf("ReplyOpcode(%d)", uint32(op))
}
