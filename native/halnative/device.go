// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halnative implements the native GPU API on top of the gogpu/wgpu
// hardware abstraction layer.
//
// Asynchronous work (buffer map reads, fence waits, command buffer
// retirement) runs on a per-device worker goroutine, so map and fence
// callbacks arrive on a goroutine other than the caller's.
package halnative

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native"
)

var (
	// ErrNilDevice is returned when a nil hal device or queue is supplied.
	ErrNilDevice = errors.New("halnative: hal device or queue is nil")

	// ErrNoAdapter is returned when an instance exposes no adapters.
	ErrNoAdapter = errors.New("halnative: no adapter available")

	// ErrForeignObject is returned when an object from another backend is
	// passed to this one.
	ErrForeignObject = errors.New("halnative: object does not belong to this device")
)

const (
	defaultLabel        = "gpuwire-device"
	defaultFenceTimeout = 100 * time.Millisecond
	jobQueueSize        = 256
)

// Option configures a Device.
type Option func(*options)

type options struct {
	label        string
	fenceTimeout time.Duration
}

func defaultOptions() options {
	return options{
		label:        defaultLabel,
		fenceTimeout: defaultFenceTimeout,
	}
}

// WithLabel sets the debug label prefix for native objects.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithFenceTimeout bounds a single fence wait on the worker goroutine.
// A wait that times out is retried on the next Tick.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// Device implements native.Device over a hal.Device and hal.Queue.
type Device struct {
	mu sync.Mutex

	device hal.Device
	queue  *Queue
	opts   options

	// owned reports whether Release destroys the hal device.
	owned   bool
	cleanup func()

	errCb  native.ErrorCallback
	errUD  any
	lostCb native.DeviceLostCallback
	lostUD any
	lost   bool

	buffers  map[*Buffer]struct{}
	watchers map[*fenceWatch]struct{}

	jobs     chan func()
	stop     chan struct{}
	wg       sync.WaitGroup
	released bool
}

// New wraps an existing hal device and queue. The caller keeps ownership
// of both; Release does not destroy them.
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	return newDevice(device, queue, false, nil, opts)
}

// NewNoop opens the first adapter of the hal noop backend. The returned
// device owns the instance.
func NewNoop(opts ...Option) (*Device, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halnative: create noop instance: %w", err)
	}
	return openFirst(instance, opts)
}

// NewVulkan opens a hardware adapter of the Vulkan hal backend, preferring
// discrete and integrated GPUs.
func NewVulkan(opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("halnative: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halnative: create instance: %w", err)
	}
	return openFirst(instance, opts)
}

func openFirst(instance hal.Instance, opts []Option) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halnative: open adapter: %w", err)
	}
	return newDevice(openDev.Device, openDev.Queue, true, instance.Destroy, opts)
}

// NewFromProvider shares a host application's device. The provider must
// also implement HalDevice() any and HalQueue() any returning hal types.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("halnative: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("halnative: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("halnative: provider HalQueue is not hal.Queue")
	}
	return newDevice(device, queue, false, nil, opts)
}

func newDevice(device hal.Device, queue hal.Queue, owned bool, cleanup func(), opts []Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		device:   device,
		opts:     o,
		owned:    owned,
		cleanup:  cleanup,
		buffers:  make(map[*Buffer]struct{}),
		watchers: make(map[*fenceWatch]struct{}),
		jobs:     make(chan func(), jobQueueSize),
		stop:     make(chan struct{}),
	}
	q, err := newQueue(d, queue)
	if err != nil {
		if owned {
			device.Destroy()
		}
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	d.queue = q

	d.wg.Add(1)
	go d.work()

	gpuwire.Logger().Info("halnative: device ready", "label", o.label, "shared", !owned)
	return d, nil
}

// work runs asynchronous jobs until Release.
func (d *Device) work() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobs:
			job()
		case <-d.stop:
			return
		}
	}
}

// enqueue schedules job on the worker. It reports false once the device
// has been released; the caller must then complete its callback itself.
func (d *Device) enqueue(job func()) bool {
	d.mu.Lock()
	released := d.released
	d.mu.Unlock()
	if released {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	case <-d.stop:
		return false
	}
}

// Queue implements native.Device.
func (d *Device) Queue() (native.Queue, error) {
	if d.isLost() {
		return nil, native.ErrDeviceLost
	}
	return d.queue, nil
}

// CreateShaderModule compiles WGSL to SPIR-V with naga and creates the
// hal shader module.
func (d *Device) CreateShaderModule(desc *native.ShaderModuleDescriptor) (native.ShaderModule, error) {
	if d.isLost() {
		return nil, native.ErrDeviceLost
	}
	spirv, err := compileWGSL(desc.WGSL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", native.ErrValidation, err)
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: d.label(desc.Label),
		Source: hal.ShaderSource{
			SPIRV: spirv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create shader module: %w", native.ErrValidation, err)
	}
	return &ShaderModule{device: d, raw: module}, nil
}

// SetUncapturedErrorCallback implements native.Device.
func (d *Device) SetUncapturedErrorCallback(cb native.ErrorCallback, userdata any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errCb, d.errUD = cb, userdata
}

// SetDeviceLostCallback implements native.Device.
func (d *Device) SetDeviceLostCallback(cb native.DeviceLostCallback, userdata any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lostCb, d.lostUD = cb, userdata
}

// Tick re-arms fence waits that timed out and retires finished submissions.
func (d *Device) Tick() error {
	if d.isLost() {
		return native.ErrDeviceLost
	}
	d.mu.Lock()
	watches := make([]*fenceWatch, 0, len(d.watchers))
	for w := range d.watchers {
		watches = append(watches, w)
	}
	d.mu.Unlock()

	for _, w := range watches {
		if !d.enqueue(w.poll) {
			break
		}
	}
	d.queue.retire()
	return nil
}

// LoseForTesting implements native.Device.
func (d *Device) LoseForTesting() {
	d.lose("device lost for testing")
}

// lose moves the device to the lost state once: the lost callback fires
// first, then every pending map and fence watch completes with a
// device-lost status.
func (d *Device) lose(message string) {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	lostCb, lostUD := d.lostCb, d.lostUD
	buffers := make([]*Buffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	watches := make([]*fenceWatch, 0, len(d.watchers))
	for w := range d.watchers {
		watches = append(watches, w)
	}
	d.watchers = make(map[*fenceWatch]struct{})
	d.mu.Unlock()

	gpuwire.Logger().Warn("halnative: device lost", "label", d.opts.label, "reason", message)

	if lostCb != nil {
		lostCb(message, lostUD)
	}
	for _, b := range buffers {
		b.abortMap(native.MapAsyncStatusDeviceLost)
	}
	for _, w := range watches {
		w.fire(native.FenceCompletionStatusDeviceLost, 0)
	}
}

// reportError delivers an asynchronous error to the uncaptured error
// callback. Device-lost errors lose the device instead.
func (d *Device) reportError(err error) {
	if errors.Is(err, native.ErrDeviceLost) {
		d.lose(err.Error())
		return
	}
	d.mu.Lock()
	cb, ud := d.errCb, d.errUD
	d.mu.Unlock()
	gpuwire.Logger().Warn("halnative: uncaptured error", "err", err)
	if cb != nil {
		cb(native.ClassifyError(err), err.Error(), ud)
	}
}

func (d *Device) isLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// IsLost reports whether the device has been lost.
func (d *Device) IsLost() bool {
	return d.isLost()
}

// Release stops the worker, destroys remaining buffers and, when the
// device owns them, the hal device and instance. Release is idempotent.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	buffers := make([]*Buffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	watches := make([]*fenceWatch, 0, len(d.watchers))
	for w := range d.watchers {
		watches = append(watches, w)
	}
	d.watchers = make(map[*fenceWatch]struct{})
	d.mu.Unlock()

	close(d.stop)
	d.wg.Wait()

	for _, w := range watches {
		w.fire(native.FenceCompletionStatusDestroyedBeforeCallback, 0)
	}
	for _, b := range buffers {
		b.Destroy()
	}
	d.queue.release()

	if d.owned {
		d.device.Destroy()
	}
	if d.cleanup != nil {
		d.cleanup()
	}
	gpuwire.Logger().Info("halnative: device released", "label", d.opts.label)
}

// HalDevice returns the underlying hal device.
func (d *Device) HalDevice() hal.Device {
	return d.device
}

func (d *Device) label(name string) string {
	if name == "" {
		return d.opts.label
	}
	return d.opts.label + "/" + name
}

func (d *Device) trackBuffer(b *Buffer) {
	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) untrackBuffer(b *Buffer) {
	d.mu.Lock()
	delete(d.buffers, b)
	d.mu.Unlock()
}

// ShaderModule implements native.ShaderModule.
type ShaderModule struct {
	device *Device
	raw    hal.ShaderModule
	once   sync.Once
}

// Release destroys the hal shader module.
func (m *ShaderModule) Release() {
	m.once.Do(func() {
		m.device.device.DestroyShaderModule(m.raw)
	})
}
