// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halnative

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native"
)

// Queue implements native.Queue over a hal.Queue.
//
// Submissions signal a private timeline fence; finished command buffers
// are freed once the timeline passes their submission.
type Queue struct {
	device *Device
	raw    hal.Queue

	mu       sync.Mutex
	timeline hal.Fence
	serial   uint64
	inflight []submission
}

type submission struct {
	serial uint64
	cbs    []hal.CommandBuffer
}

func newQueue(d *Device, raw hal.Queue) (*Queue, error) {
	timeline, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("halnative: create submit fence: %w", err)
	}
	return &Queue{device: d, raw: raw, timeline: timeline}, nil
}

// CreateFence implements native.Queue.
func (q *Queue) CreateFence(initial uint64) (native.Fence, error) {
	if q.device.isLost() {
		return nil, native.ErrDeviceLost
	}
	raw, err := q.device.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("%w: create fence: %w", native.ErrOutOfMemory, err)
	}
	return &Fence{queue: q, raw: raw, signaled: initial, completed: initial}, nil
}

// Signal implements native.Queue.
func (q *Queue) Signal(fence native.Fence, value uint64) error {
	if q.device.isLost() {
		return native.ErrDeviceLost
	}
	f, ok := fence.(*Fence)
	if !ok || f.queue != q {
		return ErrForeignObject
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return fmt.Errorf("%w: fence has been released", native.ErrValidation)
	}
	if value <= f.signaled {
		return fmt.Errorf("%w: signal value %d must exceed %d", native.ErrValidation, value, f.signaled)
	}
	if err := q.raw.Submit(nil, f.raw, value); err != nil {
		return fmt.Errorf("halnative: signal fence: %w", err)
	}
	f.signaled = value
	return nil
}

// Submit implements native.Queue.
func (q *Queue) Submit(cbs []native.CommandBuffer) error {
	if q.device.isLost() {
		return native.ErrDeviceLost
	}
	raws := make([]hal.CommandBuffer, 0, len(cbs))
	owned := make([]*CommandBuffer, 0, len(cbs))
	for i, c := range cbs {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb.device != q.device {
			return ErrForeignObject
		}
		if err := cb.checkSubmittable(); err != nil {
			return fmt.Errorf("command buffer %d: %w", i, err)
		}
		raws = append(raws, cb.raw)
		owned = append(owned, cb)
	}
	if len(raws) == 0 {
		return nil
	}

	q.mu.Lock()
	q.serial++
	serial := q.serial
	err := q.raw.Submit(raws, q.timeline, serial)
	if err == nil {
		q.inflight = append(q.inflight, submission{serial: serial, cbs: raws})
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("halnative: submit: %w", err)
	}

	for _, cb := range owned {
		cb.markSubmitted()
	}
	q.device.enqueue(q.retire)
	return nil
}

// retire frees command buffers whose submission has completed. It waits
// at most the fence timeout for the newest submission.
func (q *Queue) retire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inflight) == 0 {
		return
	}
	latest := q.inflight[len(q.inflight)-1].serial
	ok, err := q.device.device.Wait(q.timeline, latest, q.device.opts.fenceTimeout)
	if err != nil {
		gpuwire.Logger().Warn("halnative: submit fence wait failed", "err", err)
		return
	}
	if !ok {
		return
	}
	for _, s := range q.inflight {
		for _, cb := range s.cbs {
			q.device.device.FreeCommandBuffer(cb)
		}
	}
	q.inflight = q.inflight[:0]
}

// WriteBuffer implements native.Queue.
func (q *Queue) WriteBuffer(buffer native.Buffer, offset uint64, data []byte) error {
	if q.device.isLost() {
		return native.ErrDeviceLost
	}
	b, raw, err := q.device.halBuffer(buffer)
	if err != nil {
		return err
	}
	if b.MapState() != MapStateUnmapped {
		return fmt.Errorf("%w: write to a mapped buffer", native.ErrValidation)
	}
	size := uint64(len(data))
	if offset > b.Size() || size > b.Size()-offset {
		return fmt.Errorf("%w: write [%d, +%d) exceeds buffer size %d", native.ErrValidation, offset, size, b.Size())
	}
	if offset%copyBufferAlignment != 0 || size%copyBufferAlignment != 0 {
		return fmt.Errorf("%w: write offset and size must be %d-byte aligned", native.ErrValidation, copyBufferAlignment)
	}
	if size > 0 {
		q.raw.WriteBuffer(raw, offset, data)
	}
	return nil
}

// Release implements native.Object. The queue is owned by its device.
func (q *Queue) Release() {}

// release waits for outstanding work and frees queue resources. Called by
// Device.Release after the worker has stopped.
func (q *Queue) release() {
	q.retire()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.inflight {
		for _, cb := range s.cbs {
			q.device.device.FreeCommandBuffer(cb)
		}
	}
	q.inflight = nil
	if q.timeline != nil {
		q.device.device.DestroyFence(q.timeline)
		q.timeline = nil
	}
}
