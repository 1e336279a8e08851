// Package nativetest provides a deterministic in-memory native.Device for
// tests.
//
// Map and fence completions are manual by default: a test decides when and
// how each pending operation completes, from any goroutine. With
// SetAutoComplete they complete on fresh goroutines instead, which
// exercises concurrent callback delivery. Every native entry point is
// counted so tests can assert what reached the device.
package nativetest

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuwire/native"
)

// Device implements native.Device.
type Device struct {
	mu sync.Mutex

	calls    map[string]int
	total    int
	failures map[string]error

	auto bool
	lost bool

	errCb  native.ErrorCallback
	errUD  any
	lostCb native.DeviceLostCallback
	lostUD any

	queue    *Queue
	buffers  []*Buffer
	fences   []*Fence
	released bool
}

// NewDevice creates a fake device with manual completion.
func NewDevice() *Device {
	d := &Device{
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
	d.queue = &Queue{device: d}
	return d
}

// SetAutoComplete makes maps complete successfully and fences reach their
// signaled value on new goroutines as soon as they are requested.
func (d *Device) SetAutoComplete(auto bool) {
	d.mu.Lock()
	d.auto = auto
	d.mu.Unlock()
}

// FailNext makes the next call to the named entry point (for example
// "CreateBuffer" or "Queue.Submit") return err.
func (d *Device) FailNext(name string, err error) {
	d.mu.Lock()
	d.failures[name] = err
	d.mu.Unlock()
}

// Calls returns how often the named entry point was called.
func (d *Device) Calls(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// TotalCalls returns the number of calls to any entry point.
func (d *Device) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Buffers returns every buffer created so far, in creation order.
func (d *Device) Buffers() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Buffer(nil), d.buffers...)
}

// Fences returns every fence created so far, in creation order.
func (d *Device) Fences() []*Fence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Fence(nil), d.fences...)
}

// Released reports whether Release was called.
func (d *Device) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// record counts a call and returns the error it must fail with, if any.
func (d *Device) record(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[name]++
	d.total++
	if err, ok := d.failures[name]; ok {
		delete(d.failures, name)
		return err
	}
	if d.lost {
		return native.ErrDeviceLost
	}
	return nil
}

func (d *Device) autoComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auto
}

// Queue implements native.Device.
func (d *Device) Queue() (native.Queue, error) {
	if err := d.record("Queue"); err != nil {
		return nil, err
	}
	return d.queue, nil
}

// CreateBuffer implements native.Device.
func (d *Device) CreateBuffer(desc *native.BufferDescriptor) (native.Buffer, error) {
	if err := d.record("CreateBuffer"); err != nil {
		return nil, err
	}
	if desc.Usage == 0 {
		return nil, fmt.Errorf("%w: buffer usage is empty", native.ErrValidation)
	}
	b := &Buffer{
		device:   d,
		desc:     *desc,
		contents: make([]byte, desc.Size),
	}
	if desc.MappedAtCreation {
		b.state = stateMapped
		b.mode = gputypes.MapModeWrite
		b.mapSize = desc.Size
		b.mapped = make([]byte, desc.Size)
		b.atCreation = true
	}
	d.mu.Lock()
	d.buffers = append(d.buffers, b)
	d.mu.Unlock()
	return b, nil
}

// CreateShaderModule implements native.Device. Empty source fails
// validation.
func (d *Device) CreateShaderModule(desc *native.ShaderModuleDescriptor) (native.ShaderModule, error) {
	if err := d.record("CreateShaderModule"); err != nil {
		return nil, err
	}
	if desc.WGSL == "" {
		return nil, fmt.Errorf("%w: empty shader source", native.ErrValidation)
	}
	return &ShaderModule{device: d, Source: desc.WGSL}, nil
}

// CreateCommandEncoder implements native.Device.
func (d *Device) CreateCommandEncoder(label string) (native.CommandEncoder, error) {
	if err := d.record("CreateCommandEncoder"); err != nil {
		return nil, err
	}
	return &CommandEncoder{device: d, Label: label}, nil
}

// SetUncapturedErrorCallback implements native.Device.
func (d *Device) SetUncapturedErrorCallback(cb native.ErrorCallback, userdata any) {
	d.mu.Lock()
	d.errCb, d.errUD = cb, userdata
	d.mu.Unlock()
}

// SetDeviceLostCallback implements native.Device.
func (d *Device) SetDeviceLostCallback(cb native.DeviceLostCallback, userdata any) {
	d.mu.Lock()
	d.lostCb, d.lostUD = cb, userdata
	d.mu.Unlock()
}

// Tick implements native.Device.
func (d *Device) Tick() error {
	return d.record("Tick")
}

// LoseForTesting implements native.Device.
func (d *Device) LoseForTesting() {
	if err := d.record("LoseForTesting"); err != nil {
		return
	}
	d.Lose("device lost for testing")
}

// Lose loses the device the way a driver would: the lost callback fires
// first, then every pending map and fence watch completes with a
// device-lost status. Later calls are no-ops.
func (d *Device) Lose(message string) {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	cb, ud := d.lostCb, d.lostUD
	buffers := append([]*Buffer(nil), d.buffers...)
	fences := append([]*Fence(nil), d.fences...)
	d.mu.Unlock()

	if cb != nil {
		cb(message, ud)
	}
	for _, b := range buffers {
		b.finishMap(native.MapAsyncStatusDeviceLost)
	}
	for _, f := range fences {
		f.failAll(native.FenceCompletionStatusDeviceLost)
	}
}

// EmitError invokes the uncaptured error callback.
func (d *Device) EmitError(typ native.ErrorType, message string) {
	d.mu.Lock()
	cb, ud := d.errCb, d.errUD
	d.mu.Unlock()
	if cb != nil {
		cb(typ, message, ud)
	}
}

// Release implements native.Object.
func (d *Device) Release() {
	d.mu.Lock()
	d.calls["Release"]++
	d.total++
	d.released = true
	d.mu.Unlock()
}

// ShaderModule implements native.ShaderModule.
type ShaderModule struct {
	device   *Device
	Source   string
	released bool
}

// Release implements native.Object.
func (m *ShaderModule) Release() {
	_ = m.device.record("ShaderModule.Release")
	m.released = true
}
