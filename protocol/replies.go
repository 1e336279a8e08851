package protocol

import (
	"fmt"
	"unicode/utf8"
)

// MapAsyncStatus is the wire status of a BufferMapAsyncCallback reply.
type MapAsyncStatus uint32

// Map statuses. Values are part of the wire format.
const (
	MapAsyncSuccess MapAsyncStatus = iota
	MapAsyncError
	MapAsyncUnknown
	MapAsyncDeviceLost
	MapAsyncDestroyedBeforeCallback
	MapAsyncUnmappedBeforeCallback
)

func (s MapAsyncStatus) String() string {
	switch s {
	case MapAsyncSuccess:
		return "Success"
	case MapAsyncError:
		return "Error"
	case MapAsyncUnknown:
		return "Unknown"
	case MapAsyncDeviceLost:
		return "DeviceLost"
	case MapAsyncDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	case MapAsyncUnmappedBeforeCallback:
		return "UnmappedBeforeCallback"
	default:
		return fmt.Sprintf("MapAsyncStatus(%d)", uint32(s))
	}
}

// FenceCompletionStatus is the wire status of a FenceUpdateCompletedValue reply.
type FenceCompletionStatus uint32

// Fence statuses. Values are part of the wire format.
const (
	FenceCompletionSuccess FenceCompletionStatus = iota
	FenceCompletionError
	FenceCompletionUnknown
	FenceCompletionDeviceLost
	FenceCompletionDestroyedBeforeCallback
)

func (s FenceCompletionStatus) String() string {
	switch s {
	case FenceCompletionSuccess:
		return "Success"
	case FenceCompletionError:
		return "Error"
	case FenceCompletionUnknown:
		return "Unknown"
	case FenceCompletionDeviceLost:
		return "DeviceLost"
	case FenceCompletionDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	default:
		return fmt.Sprintf("FenceCompletionStatus(%d)", uint32(s))
	}
}

// ErrorType classifies a DeviceUncapturedError reply.
type ErrorType uint32

// Error types. Values are part of the wire format.
const (
	ErrorTypeValidation  ErrorType = 1
	ErrorTypeOutOfMemory ErrorType = 2
	ErrorTypeUnknown     ErrorType = 3
	ErrorTypeDeviceLost  ErrorType = 4
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "Validation"
	case ErrorTypeOutOfMemory:
		return "OutOfMemory"
	case ErrorTypeUnknown:
		return "Unknown"
	case ErrorTypeDeviceLost:
		return "DeviceLost"
	default:
		return fmt.Sprintf("ErrorType(%d)", uint32(t))
	}
}

// replyMessage gives every reply type its table.
type replyMessage struct{}

func (replyMessage) table() *Table { return Replies }

// clip shortens s to at most MaxMessage bytes on a rune boundary.
func clip(s string) []byte {
	if len(s) <= MaxMessage {
		return []byte(s)
	}
	n := MaxMessage
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return []byte(s[:n])
}

// DeviceUncapturedErrorReply reports an error no scope captured.
// Messages longer than MaxMessage are clipped when encoded.
type DeviceUncapturedErrorReply struct {
	replyMessage
	Type    ErrorType
	Message string
}

func (DeviceUncapturedErrorReply) Opcode() uint32     { return uint32(ReplyDeviceUncapturedError) }
func (m DeviceUncapturedErrorReply) trailing() []byte { return clip(m.Message) }
func (m DeviceUncapturedErrorReply) appendPayload(b []byte) []byte {
	return appendU32(b, uint32(m.Type))
}

// Decode fills m from c.
func (m *DeviceUncapturedErrorReply) Decode(c Command) error {
	f, err := open(Replies, c, uint32(ReplyDeviceUncapturedError))
	if err != nil {
		return err
	}
	m.Type = ErrorType(f.u32())
	m.Message, err = text("error message", c.Trailing)
	return err
}

// DeviceLostReply reports that the device has been lost.
type DeviceLostReply struct {
	replyMessage
	Message string
}

func (DeviceLostReply) Opcode() uint32                { return uint32(ReplyDeviceLost) }
func (m DeviceLostReply) trailing() []byte            { return clip(m.Message) }
func (DeviceLostReply) appendPayload(b []byte) []byte { return b }

// Decode fills m from c.
func (m *DeviceLostReply) Decode(c Command) error {
	if _, err := open(Replies, c, uint32(ReplyDeviceLost)); err != nil {
		return err
	}
	var err error
	m.Message, err = text("device lost message", c.Trailing)
	return err
}

// BufferMapAsyncCallbackReply completes a BufferMapAsync request. Data is
// only present for a successful read map.
type BufferMapAsyncCallbackReply struct {
	replyMessage
	Buffer     uint32
	Generation uint32
	Serial     uint32
	Status     MapAsyncStatus
	Data       []byte
}

func (BufferMapAsyncCallbackReply) Opcode() uint32     { return uint32(ReplyBufferMapAsyncCallback) }
func (m BufferMapAsyncCallbackReply) trailing() []byte { return m.Data }
func (m BufferMapAsyncCallbackReply) appendPayload(b []byte) []byte {
	b = appendU32(b, m.Buffer)
	b = appendU32(b, m.Generation)
	b = appendU32(b, m.Serial)
	return appendU32(b, uint32(m.Status))
}

// Decode fills m from c. Data aliases the reply input.
func (m *BufferMapAsyncCallbackReply) Decode(c Command) error {
	f, err := open(Replies, c, uint32(ReplyBufferMapAsyncCallback))
	if err != nil {
		return err
	}
	m.Buffer, m.Generation, m.Serial = f.u32(), f.u32(), f.u32()
	m.Status = MapAsyncStatus(f.u32())
	if m.Status > MapAsyncUnmappedBeforeCallback {
		return malformed(ErrInvalidEnum, fmt.Sprintf("map status %d", uint32(m.Status)))
	}
	m.Data = c.Trailing
	return nil
}

// FenceUpdateCompletedValueReply reports that a fence reached Value.
type FenceUpdateCompletedValueReply struct {
	replyMessage
	Fence      uint32
	Generation uint32
	Status     FenceCompletionStatus
	Value      uint64
}

func (FenceUpdateCompletedValueReply) Opcode() uint32 {
	return uint32(ReplyFenceUpdateCompletedValue)
}
func (FenceUpdateCompletedValueReply) trailing() []byte { return nil }
func (m FenceUpdateCompletedValueReply) appendPayload(b []byte) []byte {
	b = appendU32(b, m.Fence)
	b = appendU32(b, m.Generation)
	b = appendU32(b, uint32(m.Status))
	return appendU64(b, m.Value)
}

// Decode fills m from c.
func (m *FenceUpdateCompletedValueReply) Decode(c Command) error {
	f, err := open(Replies, c, uint32(ReplyFenceUpdateCompletedValue))
	if err != nil {
		return err
	}
	m.Fence, m.Generation = f.u32(), f.u32()
	m.Status = FenceCompletionStatus(f.u32())
	if m.Status > FenceCompletionDestroyedBeforeCallback {
		return malformed(ErrInvalidEnum, fmt.Sprintf("fence status %d", uint32(m.Status)))
	}
	m.Value = f.u64()
	return nil
}

// DecodeReply decodes c into its typed reply.
func DecodeReply(c Command) (Message, error) {
	var m interface {
		Message
		Decode(Command) error
	}
	switch ReplyOpcode(c.Op) {
	case ReplyDeviceUncapturedError:
		m = &DeviceUncapturedErrorReply{}
	case ReplyDeviceLost:
		m = &DeviceLostReply{}
	case ReplyBufferMapAsyncCallback:
		m = &BufferMapAsyncCallbackReply{}
	case ReplyFenceUpdateCompletedValue:
		m = &FenceUpdateCompletedValueReply{}
	default:
		return nil, malformed(ErrUnknownOpcode, fmt.Sprintf("reply opcode %d", c.Op))
	}
	if err := m.Decode(c); err != nil {
		return nil, err
	}
	return m, nil
}
