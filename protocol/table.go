package protocol

// Wire field sizes.
const (
	sizeU32 = 4
	sizeU64 = 8

	// opcodeSize is the size of the opcode tag that starts every message.
	opcodeSize = sizeU32

	// trailingLenSize is the size of the trailing-data length prefix.
	trailingLenSize = sizeU64
)

// Default bounds for trailing data.
const (
	// DefaultMaxTrailing bounds any single trailing region (64 MiB).
	DefaultMaxTrailing = 64 << 20

	// MaxShaderSource bounds shader source text (4 MiB).
	MaxShaderSource = 4 << 20

	// MaxMessage bounds reply messages such as error text (64 KiB).
	MaxMessage = 64 << 10

	// DefaultMaxSubmitCount bounds the command buffers in one QueueSubmit.
	DefaultMaxSubmitCount = 1024
)

// CommandInfo describes the layout of one opcode.
type CommandInfo struct {
	// Name is the command name used in logs and errors.
	Name string

	// FixedSize is the size of the fixed payload that follows the opcode.
	FixedSize int

	// Trailing reports whether a length-prefixed trailing region follows.
	Trailing bool

	// MaxTrailing bounds the trailing length for this opcode. Zero means
	// only the decoder-wide limit applies.
	MaxTrailing uint64
}

// Table is an opcode-indexed description of a message set.
type Table struct {
	name    string
	entries []CommandInfo
	valid   []bool
}

// newTable builds a Table from an opcode → layout description.
func newTable(name string, size int, desc map[uint32]CommandInfo) *Table {
	t := &Table{
		name:    name,
		entries: make([]CommandInfo, size),
		valid:   make([]bool, size),
	}
	for op, info := range desc {
		t.entries[op] = info
		t.valid[op] = true
	}
	return t
}

// Name returns the table name ("command" or "reply").
func (t *Table) Name() string {
	return t.name
}

// Lookup returns the layout for op. Lookup is O(1).
func (t *Table) Lookup(op uint32) (CommandInfo, bool) {
	if uint64(op) >= uint64(len(t.entries)) || !t.valid[op] {
		return CommandInfo{}, false
	}
	return t.entries[op], true
}

// Commands describes every client-to-server command.
var Commands = newTable("command", NumOpcodes, map[uint32]CommandInfo{
	uint32(OpDeviceGetQueue):             {Name: "DeviceGetQueue", FixedSize: 2 * sizeU32},
	uint32(OpDeviceCreateBuffer):         {Name: "DeviceCreateBuffer", FixedSize: 4*sizeU32 + sizeU64},
	uint32(OpDeviceCreateShaderModule):   {Name: "DeviceCreateShaderModule", FixedSize: 2 * sizeU32, Trailing: true, MaxTrailing: MaxShaderSource},
	uint32(OpDeviceCreateCommandEncoder): {Name: "DeviceCreateCommandEncoder", FixedSize: 2 * sizeU32},
	uint32(OpDeviceTick):                 {Name: "DeviceTick", FixedSize: sizeU32},
	uint32(OpDeviceLoseForTesting):       {Name: "DeviceLoseForTesting", FixedSize: sizeU32},
	uint32(OpQueueCreateFence):           {Name: "QueueCreateFence", FixedSize: 2*sizeU32 + sizeU64},
	uint32(OpQueueSignal):                {Name: "QueueSignal", FixedSize: 2*sizeU32 + sizeU64},
	uint32(OpQueueSubmit):                {Name: "QueueSubmit", FixedSize: sizeU32, Trailing: true, MaxTrailing: DefaultMaxSubmitCount * sizeU32},
	uint32(OpQueueWriteBuffer):           {Name: "QueueWriteBuffer", FixedSize: 2*sizeU32 + sizeU64, Trailing: true},
	uint32(OpCommandEncoderCopyBufferToBuffer): {
		Name: "CommandEncoderCopyBufferToBuffer", FixedSize: 3*sizeU32 + 3*sizeU64,
	},
	uint32(OpCommandEncoderFinish):   {Name: "CommandEncoderFinish", FixedSize: 2 * sizeU32},
	uint32(OpBufferMapAsync):         {Name: "BufferMapAsync", FixedSize: 3*sizeU32 + 2*sizeU64},
	uint32(OpBufferUpdateMappedData): {Name: "BufferUpdateMappedData", FixedSize: sizeU32 + sizeU64, Trailing: true},
	uint32(OpBufferUnmap):            {Name: "BufferUnmap", FixedSize: sizeU32},
	uint32(OpBufferDestroy):          {Name: "BufferDestroy", FixedSize: sizeU32},
	uint32(OpDestroyObject):          {Name: "DestroyObject", FixedSize: 2 * sizeU32},
})

// Replies describes every server-to-client reply.
var Replies = newTable("reply", int(numReplyOpcodes), map[uint32]CommandInfo{
	uint32(ReplyDeviceUncapturedError):     {Name: "DeviceUncapturedError", FixedSize: sizeU32, Trailing: true, MaxTrailing: MaxMessage},
	uint32(ReplyDeviceLost):                {Name: "DeviceLost", FixedSize: 0, Trailing: true, MaxTrailing: MaxMessage},
	uint32(ReplyBufferMapAsyncCallback):    {Name: "BufferMapAsyncCallback", FixedSize: 4 * sizeU32, Trailing: true},
	uint32(ReplyFenceUpdateCompletedValue): {Name: "FenceUpdateCompletedValue", FixedSize: 3*sizeU32 + sizeU64},
})
