package nativetest

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuwire/native"
)

type mapState int

const (
	stateUnmapped mapState = iota
	statePending
	stateMapped
)

// Buffer implements native.Buffer over a byte slice.
type Buffer struct {
	device *Device
	desc   native.BufferDescriptor

	mu         sync.Mutex
	contents   []byte
	state      mapState
	mode       gputypes.MapMode
	mapOffset  uint64
	mapSize    uint64
	mapped     []byte
	atCreation bool
	cb         native.BufferMapCallback
	cbUD       any
	destroyed  bool
	released   bool
}

// Size implements native.Buffer.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Usage implements native.Buffer.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.desc.Usage }

// Label returns the descriptor label.
func (b *Buffer) Label() string { return b.desc.Label }

// Contents returns a copy of the buffer memory.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.contents...)
}

// MapPending reports whether a map request awaits completion.
func (b *Buffer) MapPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == statePending
}

// Mapped reports whether the buffer is mapped.
func (b *Buffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateMapped
}

// Destroyed reports whether Destroy was called.
func (b *Buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// MapAsync implements native.Buffer. The request completes when the test
// calls CompleteMap, or right away on a new goroutine in auto mode.
func (b *Buffer) MapAsync(mode gputypes.MapMode, offset, size uint64, cb native.BufferMapCallback, userdata any) error {
	if err := b.device.record("Buffer.MapAsync"); err != nil {
		return err
	}
	b.mu.Lock()
	switch {
	case b.destroyed:
		b.mu.Unlock()
		return fmt.Errorf("%w: buffer destroyed", native.ErrValidation)
	case b.state != stateUnmapped:
		b.mu.Unlock()
		return fmt.Errorf("%w: buffer already mapped", native.ErrValidation)
	case offset > b.desc.Size || size > b.desc.Size-offset:
		b.mu.Unlock()
		return fmt.Errorf("%w: map range out of bounds", native.ErrValidation)
	}
	b.state = statePending
	b.mode = mode
	b.mapOffset, b.mapSize = offset, size
	b.cb, b.cbUD = cb, userdata
	b.mu.Unlock()

	if b.device.autoComplete() {
		go b.CompleteMap(native.MapAsyncStatusSuccess)
	}
	return nil
}

// CompleteMap finishes a pending map with status, invoking the callback on
// the calling goroutine. It reports false when no map was pending.
func (b *Buffer) CompleteMap(status native.MapAsyncStatus) bool {
	return b.finishMap(status)
}

// CompleteMapTwice invokes the callback of a pending map twice, the way a
// faulty driver might. It reports false when no map was pending.
func (b *Buffer) CompleteMapTwice(status native.MapAsyncStatus) bool {
	b.mu.Lock()
	cb, ud := b.cb, b.cbUD
	b.mu.Unlock()
	if !b.finishMap(status) {
		return false
	}
	cb(status, nil, ud)
	return true
}

func (b *Buffer) finishMap(status native.MapAsyncStatus) bool {
	b.mu.Lock()
	if b.state != statePending {
		b.mu.Unlock()
		return false
	}
	cb, ud := b.cb, b.cbUD
	b.cb, b.cbUD = nil, nil
	var data []byte
	if status == native.MapAsyncStatusSuccess {
		b.state = stateMapped
		b.mapped = append([]byte(nil), b.contents[b.mapOffset:b.mapOffset+b.mapSize]...)
		data = b.mapped
	} else {
		b.state = stateUnmapped
	}
	b.mu.Unlock()

	cb(status, data, ud)
	return true
}

// MappedAtCreation implements native.Buffer.
func (b *Buffer) MappedAtCreation() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.atCreation || b.state != stateMapped {
		return nil
	}
	return b.mapped
}

// Unmap implements native.Buffer. Written data is copied into the buffer.
func (b *Buffer) Unmap() error {
	if err := b.device.record("Buffer.Unmap"); err != nil {
		return err
	}
	b.mu.Lock()
	switch b.state {
	case statePending:
		cb, ud := b.cb, b.cbUD
		b.cb, b.cbUD = nil, nil
		b.state = stateUnmapped
		b.mu.Unlock()
		cb(native.MapAsyncStatusUnmappedBeforeCallback, nil, ud)
		return nil
	case stateMapped:
		if b.mode == gputypes.MapModeWrite && !b.destroyed {
			copy(b.contents[b.mapOffset:], b.mapped)
		}
		b.state = stateUnmapped
		b.mapped = nil
		b.atCreation = false
	}
	b.mu.Unlock()
	return nil
}

// Destroy implements native.Buffer.
func (b *Buffer) Destroy() {
	_ = b.device.record("Buffer.Destroy")
	b.destroy()
}

func (b *Buffer) destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	cb, ud := b.cb, b.cbUD
	pending := b.state == statePending
	b.cb, b.cbUD = nil, nil
	b.state = stateUnmapped
	b.mapped = nil
	b.mu.Unlock()

	if pending {
		cb(native.MapAsyncStatusDestroyedBeforeCallback, nil, ud)
	}
}

// Release implements native.Object.
func (b *Buffer) Release() {
	_ = b.device.record("Buffer.Release")
	b.destroy()
	b.mu.Lock()
	b.released = true
	b.mu.Unlock()
}

// write copies data into the buffer memory.
func (b *Buffer) write(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.state != stateUnmapped {
		return fmt.Errorf("%w: buffer is mapped or destroyed", native.ErrValidation)
	}
	n := uint64(len(data))
	if offset > b.desc.Size || n > b.desc.Size-offset {
		return fmt.Errorf("%w: write out of bounds", native.ErrValidation)
	}
	copy(b.contents[offset:], data)
	return nil
}

func (b *Buffer) read(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.state != stateUnmapped {
		return nil, fmt.Errorf("%w: buffer is mapped or destroyed", native.ErrValidation)
	}
	if offset > b.desc.Size || size > b.desc.Size-offset {
		return nil, fmt.Errorf("%w: read out of bounds", native.ErrValidation)
	}
	return append([]byte(nil), b.contents[offset:offset+size]...), nil
}
