package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuwire/objects"
)

// MapMode is the wire encoding of a buffer map mode.
type MapMode uint32

const (
	// MapModeRead maps a buffer for reading; the reply carries the contents.
	MapModeRead MapMode = 1
	// MapModeWrite maps a buffer for writing through BufferUpdateMappedData.
	MapModeWrite MapMode = 2
)

// GPU converts the wire map mode to the gputypes value.
func (m MapMode) GPU() gputypes.MapMode {
	if m == MapModeWrite {
		return gputypes.MapModeWrite
	}
	return gputypes.MapModeRead
}

// String returns the string representation of MapMode.
func (m MapMode) String() string {
	switch m {
	case MapModeRead:
		return "Read"
	case MapModeWrite:
		return "Write"
	default:
		return fmt.Sprintf("MapMode(%d)", uint32(m))
	}
}

// commandMessage gives every command type its table.
type commandMessage struct{}

func (commandMessage) table() *Table { return Commands }

// =============================================================================
// Device commands
// =============================================================================

// DeviceGetQueueCmd binds the device queue to a client id.
type DeviceGetQueueCmd struct {
	commandMessage
	Device uint32
	Result uint32
}

func (DeviceGetQueueCmd) Opcode() uint32   { return uint32(OpDeviceGetQueue) }
func (DeviceGetQueueCmd) trailing() []byte { return nil }
func (m DeviceGetQueueCmd) appendPayload(b []byte) []byte {
	return appendU32(appendU32(b, m.Device), m.Result)
}

// Decode fills m from c.
func (m *DeviceGetQueueCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceGetQueue))
	if err != nil {
		return err
	}
	m.Device, m.Result = f.u32(), f.u32()
	return nil
}

// DeviceCreateBufferCmd creates a buffer under a client id.
type DeviceCreateBufferCmd struct {
	commandMessage
	Device           uint32
	Result           uint32
	Usage            gputypes.BufferUsage
	MappedAtCreation bool
	Size             uint64
}

func (DeviceCreateBufferCmd) Opcode() uint32   { return uint32(OpDeviceCreateBuffer) }
func (DeviceCreateBufferCmd) trailing() []byte { return nil }
func (m DeviceCreateBufferCmd) appendPayload(b []byte) []byte {
	b = appendU32(b, m.Device)
	b = appendU32(b, m.Result)
	b = appendU32(b, uint32(m.Usage))
	b = appendBool(b, m.MappedAtCreation)
	return appendU64(b, m.Size)
}

// Decode fills m from c.
func (m *DeviceCreateBufferCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceCreateBuffer))
	if err != nil {
		return err
	}
	m.Device, m.Result = f.u32(), f.u32()
	m.Usage = gputypes.BufferUsage(f.u32())
	if m.MappedAtCreation, err = f.boolean("mappedAtCreation"); err != nil {
		return err
	}
	m.Size = f.u64()
	return nil
}

// DeviceCreateShaderModuleCmd creates a shader module from WGSL source.
type DeviceCreateShaderModuleCmd struct {
	commandMessage
	Device uint32
	Result uint32
	Source string
}

func (DeviceCreateShaderModuleCmd) Opcode() uint32     { return uint32(OpDeviceCreateShaderModule) }
func (m DeviceCreateShaderModuleCmd) trailing() []byte { return []byte(m.Source) }
func (m DeviceCreateShaderModuleCmd) appendPayload(b []byte) []byte {
	return appendU32(appendU32(b, m.Device), m.Result)
}

// Decode fills m from c. The source must be valid UTF-8.
func (m *DeviceCreateShaderModuleCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceCreateShaderModule))
	if err != nil {
		return err
	}
	m.Device, m.Result = f.u32(), f.u32()
	m.Source, err = text("shader source", c.Trailing)
	return err
}

// DeviceCreateCommandEncoderCmd creates a command encoder.
type DeviceCreateCommandEncoderCmd struct {
	commandMessage
	Device uint32
	Result uint32
}

func (DeviceCreateCommandEncoderCmd) Opcode() uint32   { return uint32(OpDeviceCreateCommandEncoder) }
func (DeviceCreateCommandEncoderCmd) trailing() []byte { return nil }
func (m DeviceCreateCommandEncoderCmd) appendPayload(b []byte) []byte {
	return appendU32(appendU32(b, m.Device), m.Result)
}

// Decode fills m from c.
func (m *DeviceCreateCommandEncoderCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceCreateCommandEncoder))
	if err != nil {
		return err
	}
	m.Device, m.Result = f.u32(), f.u32()
	return nil
}

// DeviceTickCmd lets the device make progress on asynchronous work.
type DeviceTickCmd struct {
	commandMessage
	Device uint32
}

func (DeviceTickCmd) Opcode() uint32                  { return uint32(OpDeviceTick) }
func (DeviceTickCmd) trailing() []byte                { return nil }
func (m DeviceTickCmd) appendPayload(b []byte) []byte { return appendU32(b, m.Device) }

// Decode fills m from c.
func (m *DeviceTickCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceTick))
	if err != nil {
		return err
	}
	m.Device = f.u32()
	return nil
}

// DeviceLoseForTestingCmd forces the device into the lost state.
type DeviceLoseForTestingCmd struct {
	commandMessage
	Device uint32
}

func (DeviceLoseForTestingCmd) Opcode() uint32                  { return uint32(OpDeviceLoseForTesting) }
func (DeviceLoseForTestingCmd) trailing() []byte                { return nil }
func (m DeviceLoseForTestingCmd) appendPayload(b []byte) []byte { return appendU32(b, m.Device) }

// Decode fills m from c.
func (m *DeviceLoseForTestingCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDeviceLoseForTesting))
	if err != nil {
		return err
	}
	m.Device = f.u32()
	return nil
}

// =============================================================================
// Queue commands
// =============================================================================

// QueueCreateFenceCmd creates a fence with an initial completed value.
type QueueCreateFenceCmd struct {
	commandMessage
	Queue        uint32
	Result       uint32
	InitialValue uint64
}

func (QueueCreateFenceCmd) Opcode() uint32   { return uint32(OpQueueCreateFence) }
func (QueueCreateFenceCmd) trailing() []byte { return nil }
func (m QueueCreateFenceCmd) appendPayload(b []byte) []byte {
	return appendU64(appendU32(appendU32(b, m.Queue), m.Result), m.InitialValue)
}

// Decode fills m from c.
func (m *QueueCreateFenceCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpQueueCreateFence))
	if err != nil {
		return err
	}
	m.Queue, m.Result, m.InitialValue = f.u32(), f.u32(), f.u64()
	return nil
}

// QueueSignalCmd signals a fence to value once prior submissions complete.
type QueueSignalCmd struct {
	commandMessage
	Queue uint32
	Fence uint32
	Value uint64
}

func (QueueSignalCmd) Opcode() uint32   { return uint32(OpQueueSignal) }
func (QueueSignalCmd) trailing() []byte { return nil }
func (m QueueSignalCmd) appendPayload(b []byte) []byte {
	return appendU64(appendU32(appendU32(b, m.Queue), m.Fence), m.Value)
}

// Decode fills m from c.
func (m *QueueSignalCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpQueueSignal))
	if err != nil {
		return err
	}
	m.Queue, m.Fence, m.Value = f.u32(), f.u32(), f.u64()
	return nil
}

// QueueSubmitCmd submits finished command buffers.
type QueueSubmitCmd struct {
	commandMessage
	Queue          uint32
	CommandBuffers []uint32
}

func (QueueSubmitCmd) Opcode() uint32 { return uint32(OpQueueSubmit) }
func (m QueueSubmitCmd) trailing() []byte {
	b := make([]byte, 0, len(m.CommandBuffers)*sizeU32)
	for _, id := range m.CommandBuffers {
		b = appendU32(b, id)
	}
	return b
}
func (m QueueSubmitCmd) appendPayload(b []byte) []byte { return appendU32(b, m.Queue) }

// Decode fills m from c. The trailing region must hold whole uint32 ids.
func (m *QueueSubmitCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpQueueSubmit))
	if err != nil {
		return err
	}
	m.Queue = f.u32()
	if len(c.Trailing)%sizeU32 != 0 {
		return malformed(ErrTruncated, fmt.Sprintf("submit list of %d bytes is not a multiple of %d", len(c.Trailing), sizeU32))
	}
	m.CommandBuffers = make([]uint32, len(c.Trailing)/sizeU32)
	for i := range m.CommandBuffers {
		m.CommandBuffers[i] = binary.LittleEndian.Uint32(c.Trailing[i*sizeU32:])
	}
	return nil
}

// QueueWriteBufferCmd writes trailing data into a buffer at offset.
type QueueWriteBufferCmd struct {
	commandMessage
	Queue  uint32
	Buffer uint32
	Offset uint64
	Data   []byte
}

func (QueueWriteBufferCmd) Opcode() uint32     { return uint32(OpQueueWriteBuffer) }
func (m QueueWriteBufferCmd) trailing() []byte { return m.Data }
func (m QueueWriteBufferCmd) appendPayload(b []byte) []byte {
	return appendU64(appendU32(appendU32(b, m.Queue), m.Buffer), m.Offset)
}

// Decode fills m from c. Data aliases the command input.
func (m *QueueWriteBufferCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpQueueWriteBuffer))
	if err != nil {
		return err
	}
	m.Queue, m.Buffer, m.Offset = f.u32(), f.u32(), f.u64()
	m.Data = c.Trailing
	return nil
}

// =============================================================================
// Command encoder commands
// =============================================================================

// CommandEncoderCopyBufferToBufferCmd records a buffer-to-buffer copy.
type CommandEncoderCopyBufferToBufferCmd struct {
	commandMessage
	Encoder           uint32
	Source            uint32
	Destination       uint32
	SourceOffset      uint64
	DestinationOffset uint64
	Size              uint64
}

func (CommandEncoderCopyBufferToBufferCmd) Opcode() uint32 {
	return uint32(OpCommandEncoderCopyBufferToBuffer)
}
func (CommandEncoderCopyBufferToBufferCmd) trailing() []byte { return nil }
func (m CommandEncoderCopyBufferToBufferCmd) appendPayload(b []byte) []byte {
	b = appendU32(b, m.Encoder)
	b = appendU32(b, m.Source)
	b = appendU32(b, m.Destination)
	b = appendU64(b, m.SourceOffset)
	b = appendU64(b, m.DestinationOffset)
	return appendU64(b, m.Size)
}

// Decode fills m from c.
func (m *CommandEncoderCopyBufferToBufferCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpCommandEncoderCopyBufferToBuffer))
	if err != nil {
		return err
	}
	m.Encoder, m.Source, m.Destination = f.u32(), f.u32(), f.u32()
	m.SourceOffset, m.DestinationOffset, m.Size = f.u64(), f.u64(), f.u64()
	return nil
}

// CommandEncoderFinishCmd finishes an encoder into a command buffer.
type CommandEncoderFinishCmd struct {
	commandMessage
	Encoder uint32
	Result  uint32
}

func (CommandEncoderFinishCmd) Opcode() uint32   { return uint32(OpCommandEncoderFinish) }
func (CommandEncoderFinishCmd) trailing() []byte { return nil }
func (m CommandEncoderFinishCmd) appendPayload(b []byte) []byte {
	return appendU32(appendU32(b, m.Encoder), m.Result)
}

// Decode fills m from c.
func (m *CommandEncoderFinishCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpCommandEncoderFinish))
	if err != nil {
		return err
	}
	m.Encoder, m.Result = f.u32(), f.u32()
	return nil
}

// =============================================================================
// Buffer commands
// =============================================================================

// BufferMapAsyncCmd starts an asynchronous map. Serial is chosen by the
// client and echoed in the BufferMapAsyncCallback reply.
type BufferMapAsyncCmd struct {
	commandMessage
	Buffer uint32
	Serial uint32
	Mode   MapMode
	Offset uint64
	Size   uint64
}

func (BufferMapAsyncCmd) Opcode() uint32   { return uint32(OpBufferMapAsync) }
func (BufferMapAsyncCmd) trailing() []byte { return nil }
func (m BufferMapAsyncCmd) appendPayload(b []byte) []byte {
	b = appendU32(b, m.Buffer)
	b = appendU32(b, m.Serial)
	b = appendU32(b, uint32(m.Mode))
	b = appendU64(b, m.Offset)
	return appendU64(b, m.Size)
}

// Decode fills m from c. The mode must be exactly read or write.
func (m *BufferMapAsyncCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpBufferMapAsync))
	if err != nil {
		return err
	}
	m.Buffer, m.Serial = f.u32(), f.u32()
	m.Mode = MapMode(f.u32())
	if m.Mode != MapModeRead && m.Mode != MapModeWrite {
		return malformed(ErrInvalidEnum, fmt.Sprintf("map mode %d", uint32(m.Mode)))
	}
	m.Offset, m.Size = f.u64(), f.u64()
	return nil
}

// BufferUpdateMappedDataCmd copies trailing data into the mapped range of a
// buffer. Offset is relative to the start of the buffer.
type BufferUpdateMappedDataCmd struct {
	commandMessage
	Buffer uint32
	Offset uint64
	Data   []byte
}

func (BufferUpdateMappedDataCmd) Opcode() uint32     { return uint32(OpBufferUpdateMappedData) }
func (m BufferUpdateMappedDataCmd) trailing() []byte { return m.Data }
func (m BufferUpdateMappedDataCmd) appendPayload(b []byte) []byte {
	return appendU64(appendU32(b, m.Buffer), m.Offset)
}

// Decode fills m from c. Data aliases the command input.
func (m *BufferUpdateMappedDataCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpBufferUpdateMappedData))
	if err != nil {
		return err
	}
	m.Buffer, m.Offset = f.u32(), f.u64()
	m.Data = c.Trailing
	return nil
}

// BufferUnmapCmd unmaps a buffer, cancelling a pending map.
type BufferUnmapCmd struct {
	commandMessage
	Buffer uint32
}

func (BufferUnmapCmd) Opcode() uint32                  { return uint32(OpBufferUnmap) }
func (BufferUnmapCmd) trailing() []byte                { return nil }
func (m BufferUnmapCmd) appendPayload(b []byte) []byte { return appendU32(b, m.Buffer) }

// Decode fills m from c.
func (m *BufferUnmapCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpBufferUnmap))
	if err != nil {
		return err
	}
	m.Buffer = f.u32()
	return nil
}

// BufferDestroyCmd frees the buffer memory. The id stays allocated until
// DestroyObject.
type BufferDestroyCmd struct {
	commandMessage
	Buffer uint32
}

func (BufferDestroyCmd) Opcode() uint32                  { return uint32(OpBufferDestroy) }
func (BufferDestroyCmd) trailing() []byte                { return nil }
func (m BufferDestroyCmd) appendPayload(b []byte) []byte { return appendU32(b, m.Buffer) }

// Decode fills m from c.
func (m *BufferDestroyCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpBufferDestroy))
	if err != nil {
		return err
	}
	m.Buffer = f.u32()
	return nil
}

// DestroyObjectCmd releases a client id of any type.
type DestroyObjectCmd struct {
	commandMessage
	Type objects.ObjectType
	ID   uint32
}

func (DestroyObjectCmd) Opcode() uint32   { return uint32(OpDestroyObject) }
func (DestroyObjectCmd) trailing() []byte { return nil }
func (m DestroyObjectCmd) appendPayload(b []byte) []byte {
	return appendU32(appendU32(b, uint32(m.Type)), m.ID)
}

// Decode fills m from c. The object type must be valid.
func (m *DestroyObjectCmd) Decode(c Command) error {
	f, err := open(Commands, c, uint32(OpDestroyObject))
	if err != nil {
		return err
	}
	m.Type = objects.ObjectType(f.u32())
	if !m.Type.Valid() {
		return malformed(ErrInvalidEnum, fmt.Sprintf("object type %d", uint32(m.Type)))
	}
	m.ID = f.u32()
	return nil
}
