// Package native defines the GPU API the wire server replays commands into.
//
// The interfaces mirror the small subset of WebGPU the wire protocol
// exposes. Asynchronous operations report completion through plain
// function callbacks paired with an opaque userdata value, the way native
// GPU libraries do; an implementation may invoke a callback on any
// goroutine, including inline before the initiating call returns.
//
// Implementations: native/halnative (gogpu/wgpu hal) and internal/nativetest
// (deterministic fake for tests).
package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Native outcomes. They are reported to the client, never fatal to the
// connection.
var (
	// ErrDeviceLost is returned by any call made after the device was lost.
	ErrDeviceLost = errors.New("native: device lost")

	// ErrOutOfMemory is returned when an allocation fails.
	ErrOutOfMemory = errors.New("native: out of memory")

	// ErrValidation is returned when a call violates API usage rules.
	ErrValidation = errors.New("native: validation error")
)

// MapAsyncStatus is the outcome of a buffer map request.
type MapAsyncStatus int

const (
	// MapAsyncStatusSuccess indicates mapping completed successfully.
	MapAsyncStatusSuccess MapAsyncStatus = iota
	// MapAsyncStatusValidationError indicates a validation error.
	MapAsyncStatusValidationError
	// MapAsyncStatusUnknown indicates an unknown error.
	MapAsyncStatusUnknown
	// MapAsyncStatusDeviceLost indicates the device was lost.
	MapAsyncStatusDeviceLost
	// MapAsyncStatusDestroyedBeforeCallback indicates the buffer was destroyed.
	MapAsyncStatusDestroyedBeforeCallback
	// MapAsyncStatusUnmappedBeforeCallback indicates the buffer was unmapped.
	MapAsyncStatusUnmappedBeforeCallback
)

// String returns the string representation of MapAsyncStatus.
func (s MapAsyncStatus) String() string {
	switch s {
	case MapAsyncStatusSuccess:
		return "Success"
	case MapAsyncStatusValidationError:
		return "ValidationError"
	case MapAsyncStatusUnknown:
		return "Unknown"
	case MapAsyncStatusDeviceLost:
		return "DeviceLost"
	case MapAsyncStatusDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	case MapAsyncStatusUnmappedBeforeCallback:
		return "UnmappedBeforeCallback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// FenceCompletionStatus is the outcome of a fence completion watch.
type FenceCompletionStatus int

const (
	FenceCompletionStatusSuccess FenceCompletionStatus = iota
	FenceCompletionStatusError
	FenceCompletionStatusUnknown
	FenceCompletionStatusDeviceLost
	FenceCompletionStatusDestroyedBeforeCallback
)

func (s FenceCompletionStatus) String() string {
	switch s {
	case FenceCompletionStatusSuccess:
		return "Success"
	case FenceCompletionStatusError:
		return "Error"
	case FenceCompletionStatusUnknown:
		return "Unknown"
	case FenceCompletionStatusDeviceLost:
		return "DeviceLost"
	case FenceCompletionStatusDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ErrorType classifies an uncaptured device error.
type ErrorType int

const (
	ErrorTypeValidation ErrorType = iota + 1
	ErrorTypeOutOfMemory
	ErrorTypeUnknown
	ErrorTypeDeviceLost
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
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// ClassifyError maps a native error to the ErrorType reported to clients.
func ClassifyError(err error) ErrorType {
	switch {
	case errors.Is(err, ErrDeviceLost):
		return ErrorTypeDeviceLost
	case errors.Is(err, ErrOutOfMemory):
		return ErrorTypeOutOfMemory
	case errors.Is(err, ErrValidation):
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// Callback signatures. userdata is passed back unchanged.
type (
	// BufferMapCallback reports a map outcome. On success data is the mapped
	// range; it stays valid until the buffer is unmapped or destroyed.
	BufferMapCallback func(status MapAsyncStatus, data []byte, userdata any)

	// FenceCompletionCallback reports that a fence reached value, or why
	// it never will.
	FenceCompletionCallback func(status FenceCompletionStatus, value uint64, userdata any)

	// ErrorCallback reports an error not tied to a single call.
	ErrorCallback func(typ ErrorType, message string, userdata any)

	// DeviceLostCallback reports device loss. It fires at most once.
	DeviceLostCallback func(message string, userdata any)
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage gputypes.BufferUsage

	// MappedAtCreation creates the buffer pre-mapped for writing.
	MappedAtCreation bool
}

// ShaderModuleDescriptor describes a shader module to create.
type ShaderModuleDescriptor struct {
	Label string
	WGSL  string
}

// Object is any native object the server owns a reference to.
type Object interface {
	// Release drops the server's reference. It does not wait for the GPU.
	Release()
}

// Device is the root native object.
type Device interface {
	Object

	// Queue returns the device queue. Every call returns the same queue.
	Queue() (Queue, error)

	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	CreateShaderModule(desc *ShaderModuleDescriptor) (ShaderModule, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// SetUncapturedErrorCallback installs the error callback, replacing any
	// previous one.
	SetUncapturedErrorCallback(cb ErrorCallback, userdata any)

	// SetDeviceLostCallback installs the device-lost callback, replacing
	// any previous one.
	SetDeviceLostCallback(cb DeviceLostCallback, userdata any)

	// Tick lets the device make progress and deliver completed callbacks.
	Tick() error

	// LoseForTesting forces the device into the lost state.
	LoseForTesting()
}

// Queue executes work on the device.
type Queue interface {
	Object

	// CreateFence creates a fence whose completed value starts at initial.
	CreateFence(initial uint64) (Fence, error)

	// Signal sets fence to value once all prior submissions complete.
	// value must be greater than every value signaled before.
	Signal(fence Fence, value uint64) error

	// Submit schedules finished command buffers. Buffers referenced by them
	// must not be mapped or have a map pending.
	Submit(cbs []CommandBuffer) error

	// WriteBuffer copies data into buffer at offset.
	WriteBuffer(buffer Buffer, offset uint64, data []byte) error
}

// Buffer is a GPU buffer.
type Buffer interface {
	Object

	Size() uint64
	Usage() gputypes.BufferUsage

	// MapAsync starts mapping [offset, offset+size). When it returns nil the
	// callback fires exactly once; when it returns an error the callback
	// never fires.
	MapAsync(mode gputypes.MapMode, offset, size uint64, cb BufferMapCallback, userdata any) error

	// MappedAtCreation returns the writable range of a buffer created with
	// MappedAtCreation, or nil once it has been unmapped.
	MappedAtCreation() []byte

	// Unmap ends a mapping and publishes written data. A pending map
	// completes with MapAsyncStatusUnmappedBeforeCallback.
	Unmap() error

	// Destroy frees the buffer memory. A pending map completes with
	// MapAsyncStatusDestroyedBeforeCallback.
	Destroy()
}

// Fence tracks queue progress.
type Fence interface {
	Object

	// CompletedValue returns the largest value known to be reached.
	CompletedValue() uint64

	// OnCompletion calls cb exactly once: with success when the fence
	// reaches value, or with a failure status.
	OnCompletion(value uint64, cb FenceCompletionCallback, userdata any)
}

// CommandEncoder records commands into a command buffer.
type CommandEncoder interface {
	Object

	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) error

	// Finish ends recording. The encoder cannot be used afterwards.
	Finish() (CommandBuffer, error)
}

// CommandBuffer is a finished, submittable recording.
type CommandBuffer interface {
	Object
}

// ShaderModule is a compiled shader.
type ShaderModule interface {
	Object
}
