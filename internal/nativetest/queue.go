package nativetest

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpuwire/native"
)

// Queue implements native.Queue. Submitted copies execute immediately.
type Queue struct {
	device *Device
}

// CreateFence implements native.Queue.
func (q *Queue) CreateFence(initial uint64) (native.Fence, error) {
	if err := q.device.record("Queue.CreateFence"); err != nil {
		return nil, err
	}
	f := &Fence{device: q.device, signaled: initial, completed: initial}
	q.device.mu.Lock()
	q.device.fences = append(q.device.fences, f)
	q.device.mu.Unlock()
	return f, nil
}

// Signal implements native.Queue.
func (q *Queue) Signal(fence native.Fence, value uint64) error {
	if err := q.device.record("Queue.Signal"); err != nil {
		return err
	}
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("%w: foreign fence", native.ErrValidation)
	}
	f.mu.Lock()
	if value <= f.signaled {
		f.mu.Unlock()
		return fmt.Errorf("%w: signal value %d must exceed %d", native.ErrValidation, value, f.signaled)
	}
	f.signaled = value
	f.mu.Unlock()

	if q.device.autoComplete() {
		go f.Complete(value)
	}
	return nil
}

// Submit implements native.Queue.
func (q *Queue) Submit(cbs []native.CommandBuffer) error {
	if err := q.device.record("Queue.Submit"); err != nil {
		return err
	}
	for _, c := range cbs {
		cb, ok := c.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("%w: foreign command buffer", native.ErrValidation)
		}
		if cb.submitted {
			return fmt.Errorf("%w: command buffer already submitted", native.ErrValidation)
		}
		for _, op := range cb.copies {
			data, err := op.src.read(op.srcOffset, op.size)
			if err != nil {
				return err
			}
			if err := op.dst.write(op.dstOffset, data); err != nil {
				return err
			}
		}
		cb.submitted = true
	}
	return nil
}

// WriteBuffer implements native.Queue.
func (q *Queue) WriteBuffer(buffer native.Buffer, offset uint64, data []byte) error {
	if err := q.device.record("Queue.WriteBuffer"); err != nil {
		return err
	}
	b, ok := buffer.(*Buffer)
	if !ok {
		return fmt.Errorf("%w: foreign buffer", native.ErrValidation)
	}
	return b.write(offset, data)
}

// Release implements native.Object.
func (q *Queue) Release() {
	_ = q.device.record("Queue.Release")
}

// Fence implements native.Fence with manual completion.
type Fence struct {
	device *Device

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	watches   []fenceWatch
	released  bool
}

type fenceWatch struct {
	value uint64
	cb    native.FenceCompletionCallback
	ud    any
}

// CompletedValue implements native.Fence.
func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Watches returns the number of outstanding OnCompletion registrations.
func (f *Fence) Watches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

// OnCompletion implements native.Fence.
func (f *Fence) OnCompletion(value uint64, cb native.FenceCompletionCallback, userdata any) {
	if err := f.device.record("Fence.OnCompletion"); err != nil {
		cb(native.FenceCompletionStatusDeviceLost, 0, userdata)
		return
	}
	f.mu.Lock()
	if value <= f.completed {
		f.mu.Unlock()
		cb(native.FenceCompletionStatusSuccess, value, userdata)
		return
	}
	if value > f.signaled {
		f.mu.Unlock()
		cb(native.FenceCompletionStatusError, 0, userdata)
		return
	}
	f.watches = append(f.watches, fenceWatch{value: value, cb: cb, ud: userdata})
	f.mu.Unlock()
}

// Complete advances the fence to value and fires every watch it reaches,
// in registration order, on the calling goroutine.
func (f *Fence) Complete(value uint64) {
	f.mu.Lock()
	if value > f.completed {
		f.completed = value
	}
	var fire, keep []fenceWatch
	for _, w := range f.watches {
		if w.value <= f.completed {
			fire = append(fire, w)
		} else {
			keep = append(keep, w)
		}
	}
	f.watches = keep
	f.mu.Unlock()

	for _, w := range fire {
		w.cb(native.FenceCompletionStatusSuccess, w.value, w.ud)
	}
}

func (f *Fence) failAll(status native.FenceCompletionStatus) {
	f.mu.Lock()
	watches := f.watches
	f.watches = nil
	f.mu.Unlock()
	for _, w := range watches {
		w.cb(status, 0, w.ud)
	}
}

// Release implements native.Object.
func (f *Fence) Release() {
	_ = f.device.record("Fence.Release")
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
	f.failAll(native.FenceCompletionStatusDestroyedBeforeCallback)
}

// CommandEncoder implements native.CommandEncoder by recording copies.
type CommandEncoder struct {
	device   *Device
	Label    string
	copies   []copyOp
	finished bool
}

type copyOp struct {
	src, dst             *Buffer
	srcOffset, dstOffset uint64
	size                 uint64
}

// CopyBufferToBuffer implements native.CommandEncoder.
func (e *CommandEncoder) CopyBufferToBuffer(src native.Buffer, srcOffset uint64, dst native.Buffer, dstOffset, size uint64) error {
	if err := e.device.record("CommandEncoder.CopyBufferToBuffer"); err != nil {
		return err
	}
	s, ok1 := src.(*Buffer)
	t, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: foreign buffer", native.ErrValidation)
	}
	if e.finished {
		return fmt.Errorf("%w: encoder finished", native.ErrValidation)
	}
	e.copies = append(e.copies, copyOp{src: s, dst: t, srcOffset: srcOffset, dstOffset: dstOffset, size: size})
	return nil
}

// Finish implements native.CommandEncoder.
func (e *CommandEncoder) Finish() (native.CommandBuffer, error) {
	if err := e.device.record("CommandEncoder.Finish"); err != nil {
		return nil, err
	}
	if e.finished {
		return nil, fmt.Errorf("%w: encoder already finished", native.ErrValidation)
	}
	e.finished = true
	return &CommandBuffer{device: e.device, copies: e.copies}, nil
}

// Release implements native.Object.
func (e *CommandEncoder) Release() {
	_ = e.device.record("CommandEncoder.Release")
}

// CommandBuffer implements native.CommandBuffer.
type CommandBuffer struct {
	device    *Device
	copies    []copyOp
	submitted bool
}

// Release implements native.Object.
func (c *CommandBuffer) Release() {
	_ = c.device.record("CommandBuffer.Release")
}
