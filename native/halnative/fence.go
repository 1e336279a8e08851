// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halnative

import (
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native"
)

// Fence implements native.Fence over a hal.Fence.
//
// The hal fence starts at zero; values up to the initial value are treated
// as already completed and never reach the hal layer.
type Fence struct {
	queue *Queue
	raw   hal.Fence

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	released  bool
}

// fenceWatch is one OnCompletion registration.
type fenceWatch struct {
	fence *Fence
	value uint64
	cb    native.FenceCompletionCallback
	ud    any
	once  sync.Once
}

func (w *fenceWatch) fire(status native.FenceCompletionStatus, value uint64) {
	w.once.Do(func() {
		w.cb(status, value, w.ud)
	})
}

// poll waits for the watched value on the worker goroutine. A wait that
// times out leaves the watch registered for the next Tick.
func (w *fenceWatch) poll() {
	f := w.fence
	d := f.queue.device

	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	if f.completed >= w.value {
		f.mu.Unlock()
		d.removeWatch(w)
		w.fire(native.FenceCompletionStatusSuccess, w.value)
		return
	}
	raw := f.raw
	f.mu.Unlock()

	ok, err := d.device.Wait(raw, w.value, d.opts.fenceTimeout)
	if err != nil {
		gpuwire.Logger().Warn("halnative: fence wait failed", "value", w.value, "err", err)
		d.removeWatch(w)
		w.fire(native.FenceCompletionStatusError, 0)
		return
	}
	if !ok {
		return
	}
	f.advance(w.value)
	d.removeWatch(w)
	w.fire(native.FenceCompletionStatusSuccess, w.value)
}

func (f *Fence) advance(value uint64) {
	f.mu.Lock()
	if value > f.completed {
		f.completed = value
	}
	f.mu.Unlock()
}

// CompletedValue implements native.Fence.
func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// OnCompletion implements native.Fence. Already reached values and invalid
// requests complete inline; others complete on the worker goroutine.
func (f *Fence) OnCompletion(value uint64, cb native.FenceCompletionCallback, userdata any) {
	d := f.queue.device
	if d.isLost() {
		cb(native.FenceCompletionStatusDeviceLost, 0, userdata)
		return
	}

	f.mu.Lock()
	switch {
	case f.released:
		f.mu.Unlock()
		cb(native.FenceCompletionStatusDestroyedBeforeCallback, 0, userdata)
		return
	case value <= f.completed:
		f.mu.Unlock()
		cb(native.FenceCompletionStatusSuccess, value, userdata)
		return
	case value > f.signaled:
		f.mu.Unlock()
		cb(native.FenceCompletionStatusError, 0, userdata)
		return
	}
	f.mu.Unlock()

	w := &fenceWatch{fence: f, value: value, cb: cb, ud: userdata}
	d.addWatch(w)
	if !d.enqueue(w.poll) {
		d.removeWatch(w)
		w.fire(native.FenceCompletionStatusDestroyedBeforeCallback, 0)
	}
}

// Release implements native.Object. Outstanding watches complete with
// DestroyedBeforeCallback; the hal fence is destroyed on the worker so it
// never races a wait in progress.
func (f *Fence) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	f.mu.Unlock()

	d := f.queue.device
	for _, w := range d.takeWatches(f) {
		w.fire(native.FenceCompletionStatusDestroyedBeforeCallback, 0)
	}
	destroy := func() { d.device.DestroyFence(f.raw) }
	if !d.enqueue(destroy) && !d.owned {
		destroy()
	}
}

func (d *Device) addWatch(w *fenceWatch) {
	d.mu.Lock()
	d.watchers[w] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) removeWatch(w *fenceWatch) {
	d.mu.Lock()
	delete(d.watchers, w)
	d.mu.Unlock()
}

// takeWatches unregisters and returns every watch on f.
func (d *Device) takeWatches(f *Fence) []*fenceWatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fenceWatch
	for w := range d.watchers {
		if w.fence == f {
			out = append(out, w)
			delete(d.watchers, w)
		}
	}
	return out
}
