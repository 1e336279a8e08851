// Package objects maps client-chosen integer ids to live native handles.
//
// Every object type has its own id space. A [Table] tracks, per id, the
// native handle, a generation counter and the entry state. Generations let
// asynchronous callbacks that were bound to an earlier incarnation of an id
// be told apart from the object currently using it.
//
// Tables are not safe for concurrent use; the server serializes access.
package objects

import "fmt"

// ObjectType identifies an id space. The numeric values are part of the wire
// protocol.
type ObjectType uint32

const (
	// TypeInvalid is the zero value and never appears in a valid command.
	TypeInvalid ObjectType = iota
	// TypeDevice is a GPU device.
	TypeDevice
	// TypeQueue is a device queue.
	TypeQueue
	// TypeBuffer is a GPU buffer.
	TypeBuffer
	// TypeFence is a queue fence.
	TypeFence
	// TypeShaderModule is a compiled shader module.
	TypeShaderModule
	// TypeCommandEncoder is a command encoder in the recording state.
	TypeCommandEncoder
	// TypeCommandBuffer is a finished command buffer.
	TypeCommandBuffer

	numObjectTypes
)

// NumObjectTypes is one past the largest valid ObjectType.
const NumObjectTypes = int(numObjectTypes)

// Valid reports whether t names a real object type.
func (t ObjectType) Valid() bool {
	return t > TypeInvalid && t < numObjectTypes
}

// String returns the string representation of ObjectType.
func (t ObjectType) String() string {
	switch t {
	case TypeDevice:
		return "Device"
	case TypeQueue:
		return "Queue"
	case TypeBuffer:
		return "Buffer"
	case TypeFence:
		return "Fence"
	case TypeShaderModule:
		return "ShaderModule"
	case TypeCommandEncoder:
		return "CommandEncoder"
	case TypeCommandBuffer:
		return "CommandBuffer"
	default:
		return fmt.Sprintf("ObjectType(%d)", uint32(t))
	}
}

// State is the liveness of a table entry.
type State uint8

const (
	// StateFree means the id was used and then destroyed. The entry is kept
	// so that the next allocation continues its generation sequence.
	StateFree State = iota
	// StateLive means the id refers to a native object.
	StateLive
	// StateErrored means the id was allocated but native creation failed or
	// was skipped. The id resolves, but its handle is the zero value.
	StateErrored
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateLive:
		return "Live"
	case StateErrored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
