package halnative

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuwire/native"
)

// CommandEncoder implements native.CommandEncoder over a hal encoder that
// is recording from creation until Finish.
type CommandEncoder struct {
	device *Device
	raw    hal.CommandEncoder

	mu       sync.Mutex
	buffers  []*Buffer
	finished bool
}

// CreateCommandEncoder implements native.Device.
func (d *Device) CreateCommandEncoder(label string) (native.CommandEncoder, error) {
	if d.isLost() {
		return nil, native.ErrDeviceLost
	}
	raw, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: d.label(label),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create command encoder: %w", native.ErrOutOfMemory, err)
	}
	if err := raw.BeginEncoding(d.label(label)); err != nil {
		return nil, fmt.Errorf("halnative: begin encoding: %w", err)
	}
	return &CommandEncoder{device: d, raw: raw}, nil
}

// CopyBufferToBuffer implements native.CommandEncoder.
func (e *CommandEncoder) CopyBufferToBuffer(src native.Buffer, srcOffset uint64, dst native.Buffer, dstOffset, size uint64) error {
	if e.device.isLost() {
		return native.ErrDeviceLost
	}
	s, srcRaw, err := e.device.halBuffer(src)
	if err != nil {
		return err
	}
	t, dstRaw, err := e.device.halBuffer(dst)
	if err != nil {
		return err
	}
	if err := validateCopy(s, srcOffset, t, dstOffset, size); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return fmt.Errorf("%w: encoder is finished", native.ErrValidation)
	}
	e.raw.CopyBufferToBuffer(srcRaw, dstRaw, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	e.buffers = append(e.buffers, s, t)
	return nil
}

func validateCopy(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) error {
	switch {
	case src == dst:
		return fmt.Errorf("%w: copy source and destination are the same buffer", native.ErrValidation)
	case size%copyBufferAlignment != 0 || srcOffset%copyBufferAlignment != 0 || dstOffset%copyBufferAlignment != 0:
		return fmt.Errorf("%w: copy offsets and size must be %d-byte aligned", native.ErrValidation, copyBufferAlignment)
	case srcOffset > src.Size() || size > src.Size()-srcOffset:
		return fmt.Errorf("%w: copy source range exceeds %d bytes", native.ErrValidation, src.Size())
	case dstOffset > dst.Size() || size > dst.Size()-dstOffset:
		return fmt.Errorf("%w: copy destination range exceeds %d bytes", native.ErrValidation, dst.Size())
	}
	return nil
}

// Finish implements native.CommandEncoder.
func (e *CommandEncoder) Finish() (native.CommandBuffer, error) {
	if e.device.isLost() {
		return nil, native.ErrDeviceLost
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return nil, fmt.Errorf("%w: encoder is already finished", native.ErrValidation)
	}
	e.finished = true
	raw, err := e.raw.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("%w: end encoding: %w", native.ErrValidation, err)
	}
	return &CommandBuffer{device: e.device, raw: raw, buffers: e.buffers}, nil
}

// Release implements native.Object. An unfinished recording is discarded.
func (e *CommandEncoder) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finished {
		e.finished = true
		e.raw.DiscardEncoding()
	}
	e.buffers = nil
}

// CommandBuffer implements native.CommandBuffer.
type CommandBuffer struct {
	device *Device
	raw    hal.CommandBuffer

	mu        sync.Mutex
	buffers   []*Buffer
	submitted bool
	released  bool
}

func (c *CommandBuffer) checkSubmittable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitted || c.released {
		return fmt.Errorf("%w: command buffer was already submitted", native.ErrValidation)
	}
	for _, b := range c.buffers {
		if b.busy() {
			return fmt.Errorf("%w: buffer %q is mapped or destroyed", native.ErrValidation, b.desc.Label)
		}
	}
	return nil
}

func (c *CommandBuffer) markSubmitted() {
	c.mu.Lock()
	c.submitted = true
	c.buffers = nil
	c.mu.Unlock()
}

// Release implements native.Object. Submitted buffers are freed by the
// queue once they retire.
func (c *CommandBuffer) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if !c.submitted {
		c.device.device.FreeCommandBuffer(c.raw)
	}
	c.buffers = nil
}
