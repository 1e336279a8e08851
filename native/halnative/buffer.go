// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halnative

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native"
)

// mapAlignment is the WebGPU alignment for map offsets and sizes.
const mapAlignment uint64 = 8

// copyBufferAlignment is the size granularity of hal buffers.
const copyBufferAlignment uint64 = 4

// MapState represents the mapping state of a buffer.
type MapState int

const (
	// MapStateUnmapped means the buffer is not mapped.
	MapStateUnmapped MapState = iota
	// MapStatePending means a map operation is pending.
	MapStatePending
	// MapStateMapped means the buffer is mapped.
	MapStateMapped
)

// String returns the string representation of MapState.
func (s MapState) String() string {
	switch s {
	case MapStateUnmapped:
		return "Unmapped"
	case MapStatePending:
		return "Pending"
	case MapStateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Buffer implements native.Buffer over a hal.Buffer.
//
// Mapped ranges are host shadows: a read map fills the shadow with
// Queue.ReadBuffer on the worker goroutine, a write map hands out a zeroed
// shadow that Unmap uploads with Queue.WriteBuffer.
type Buffer struct {
	mu sync.Mutex

	device *Device
	raw    hal.Buffer
	desc   native.BufferDescriptor

	mapState  MapState
	mapMode   gputypes.MapMode
	mapOffset uint64
	mapSize   uint64
	mapped    []byte

	// mapSeq identifies the current map request; a completion job whose
	// sequence no longer matches was cancelled.
	mapSeq uint64
	cb     native.BufferMapCallback
	cbUD   any

	atCreation bool
	destroyed  bool
}

// CreateBuffer implements native.Device.
func (d *Device) CreateBuffer(desc *native.BufferDescriptor) (native.Buffer, error) {
	if d.isLost() {
		return nil, native.ErrDeviceLost
	}
	if err := validateBufferDescriptor(desc); err != nil {
		return nil, err
	}

	// Staging paths need copy usage regardless of what the client asked for.
	usage := desc.Usage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	usage &^= gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite
	alignedSize := (desc.Size + copyBufferAlignment - 1) &^ (copyBufferAlignment - 1)

	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: d.label(desc.Label),
		Size:  alignedSize,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create buffer of %d bytes: %w", native.ErrOutOfMemory, desc.Size, err)
	}

	b := &Buffer{
		device:   d,
		raw:      raw,
		desc:     *desc,
		mapState: MapStateUnmapped,
	}
	if desc.MappedAtCreation {
		b.mapState = MapStateMapped
		b.mapMode = gputypes.MapModeWrite
		b.mapSize = desc.Size
		b.mapped = make([]byte, desc.Size)
		b.atCreation = true
	}
	d.trackBuffer(b)
	return b, nil
}

func validateBufferDescriptor(desc *native.BufferDescriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: buffer descriptor is nil", native.ErrValidation)
	}
	if desc.Usage == 0 {
		return fmt.Errorf("%w: buffer usage is empty", native.ErrValidation)
	}
	mapRead := desc.Usage.Contains(gputypes.BufferUsageMapRead)
	mapWrite := desc.Usage.Contains(gputypes.BufferUsageMapWrite)
	if mapRead && mapWrite {
		return fmt.Errorf("%w: MapRead and MapWrite are exclusive", native.ErrValidation)
	}
	if mapRead && desc.Usage&^(gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst) != 0 {
		return fmt.Errorf("%w: MapRead may only be combined with CopyDst", native.ErrValidation)
	}
	if mapWrite && desc.Usage&^(gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc) != 0 {
		return fmt.Errorf("%w: MapWrite may only be combined with CopySrc", native.ErrValidation)
	}
	if desc.MappedAtCreation && desc.Size%copyBufferAlignment != 0 {
		return fmt.Errorf("%w: mappedAtCreation size %d is not a multiple of %d",
			native.ErrValidation, desc.Size, copyBufferAlignment)
	}
	return nil
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 {
	return b.desc.Size
}

// Usage returns the buffer usage flags.
func (b *Buffer) Usage() gputypes.BufferUsage {
	return b.desc.Usage
}

// MapState returns the current mapping state.
func (b *Buffer) MapState() MapState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapState
}

// busy reports whether the buffer cannot be used by a submission.
func (b *Buffer) busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapState != MapStateUnmapped || b.destroyed
}

// MapAsync implements native.Buffer.
func (b *Buffer) MapAsync(mode gputypes.MapMode, offset, size uint64, cb native.BufferMapCallback, userdata any) error {
	if cb == nil {
		return fmt.Errorf("%w: map callback is nil", native.ErrValidation)
	}
	if b.device.isLost() {
		return native.ErrDeviceLost
	}

	b.mu.Lock()
	if err := b.validateMap(mode, offset, size); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mapState = MapStatePending
	b.mapMode = mode
	b.mapOffset = offset
	b.mapSize = size
	b.mapSeq++
	seq := b.mapSeq
	b.cb, b.cbUD = cb, userdata
	b.mu.Unlock()

	if !b.device.enqueue(func() { b.completeMap(seq) }) {
		b.abortMap(native.MapAsyncStatusDestroyedBeforeCallback)
	}
	return nil
}

func (b *Buffer) validateMap(mode gputypes.MapMode, offset, size uint64) error {
	if b.destroyed {
		return fmt.Errorf("%w: buffer has been destroyed", native.ErrValidation)
	}
	if b.mapState != MapStateUnmapped {
		return fmt.Errorf("%w: buffer is already mapped or mapping is pending", native.ErrValidation)
	}
	switch mode {
	case gputypes.MapModeRead:
		if !b.desc.Usage.Contains(gputypes.BufferUsageMapRead) {
			return fmt.Errorf("%w: buffer does not have MapRead usage", native.ErrValidation)
		}
	case gputypes.MapModeWrite:
		if !b.desc.Usage.Contains(gputypes.BufferUsageMapWrite) {
			return fmt.Errorf("%w: buffer does not have MapWrite usage", native.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid map mode %d", native.ErrValidation, mode)
	}
	if offset > b.desc.Size || size > b.desc.Size-offset {
		return fmt.Errorf("%w: range [%d, +%d) exceeds buffer size %d", native.ErrValidation, offset, size, b.desc.Size)
	}
	if offset%mapAlignment != 0 {
		return fmt.Errorf("%w: offset %d must be %d-byte aligned", native.ErrValidation, offset, mapAlignment)
	}
	if size%copyBufferAlignment != 0 {
		return fmt.Errorf("%w: size %d must be %d-byte aligned", native.ErrValidation, size, copyBufferAlignment)
	}
	return nil
}

// completeMap runs on the worker goroutine.
func (b *Buffer) completeMap(seq uint64) {
	b.mu.Lock()
	if b.mapState != MapStatePending || b.mapSeq != seq {
		b.mu.Unlock()
		return
	}
	data := make([]byte, b.mapSize)
	status := native.MapAsyncStatusSuccess
	if b.mapMode == gputypes.MapModeRead && b.mapSize > 0 {
		if err := b.device.queue.raw.ReadBuffer(b.raw, b.mapOffset, data); err != nil {
			gpuwire.Logger().Warn("halnative: map read failed", "label", b.desc.Label, "err", err)
			status = native.MapAsyncStatusUnknown
		}
	}
	cb, ud := b.cb, b.cbUD
	b.cb, b.cbUD = nil, nil
	if status == native.MapAsyncStatusSuccess {
		b.mapState = MapStateMapped
		b.mapped = data
	} else {
		b.mapState = MapStateUnmapped
		data = nil
	}
	b.mu.Unlock()

	cb(status, data, ud)
}

// abortMap completes a pending map with status. It is a no-op when no map
// is pending.
func (b *Buffer) abortMap(status native.MapAsyncStatus) {
	b.mu.Lock()
	if b.mapState != MapStatePending {
		b.mu.Unlock()
		return
	}
	cb, ud := b.cb, b.cbUD
	b.cb, b.cbUD = nil, nil
	b.mapState = MapStateUnmapped
	b.mu.Unlock()

	if cb != nil {
		cb(status, nil, ud)
	}
}

// MappedAtCreation implements native.Buffer.
func (b *Buffer) MappedAtCreation() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.atCreation || b.mapState != MapStateMapped {
		return nil
	}
	return b.mapped
}

// Unmap implements native.Buffer. Written data is uploaded before Unmap
// returns.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	switch b.mapState {
	case MapStatePending:
		cb, ud := b.cb, b.cbUD
		b.cb, b.cbUD = nil, nil
		b.mapState = MapStateUnmapped
		b.mu.Unlock()
		if cb != nil {
			cb(native.MapAsyncStatusUnmappedBeforeCallback, nil, ud)
		}
		return nil
	case MapStateUnmapped:
		b.mu.Unlock()
		return nil
	}

	upload := b.mapMode == gputypes.MapModeWrite && !b.device.isLost()
	data, offset := b.mapped, b.mapOffset
	b.mapState = MapStateUnmapped
	b.mapped = nil
	b.atCreation = false
	b.mu.Unlock()

	if upload && len(data) > 0 {
		b.device.queue.raw.WriteBuffer(b.raw, offset, data)
	}
	return nil
}

// Destroy implements native.Buffer. It is idempotent.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	cb, ud := b.cb, b.cbUD
	wasMapping := b.mapState == MapStatePending
	raw := b.raw
	b.raw = nil
	b.mapped = nil
	b.cb, b.cbUD = nil, nil
	b.mapState = MapStateUnmapped
	b.mu.Unlock()

	if wasMapping && cb != nil {
		cb(native.MapAsyncStatusDestroyedBeforeCallback, nil, ud)
	}
	b.device.untrackBuffer(b)
	if raw != nil {
		b.device.device.DestroyBuffer(raw)
	}
}

// Release implements native.Object.
func (b *Buffer) Release() {
	b.Destroy()
}

// halBuffer returns the raw buffer or an error when b is foreign or
// destroyed.
func (d *Device) halBuffer(buf native.Buffer) (*Buffer, hal.Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.device != d {
		return nil, nil, ErrForeignObject
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, nil, fmt.Errorf("%w: buffer has been destroyed", native.ErrValidation)
	}
	return b, b.raw, nil
}
