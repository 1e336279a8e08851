package server

import (
	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

type mapState uint8

const (
	unmapped mapState = iota
	mapPending
	mapped
)

// bufferInfo is the server's view of a buffer: the native handle plus the
// mapping state that BufferMapAsync and BufferUpdateMappedData are
// validated against. Errored buffers carry one too, with a nil handle, so
// their declared size stays known.
type bufferInfo struct {
	handle    native.Buffer
	size      uint64
	destroyed bool

	state  mapState
	mode   protocol.MapMode
	offset uint64 // start of the mapped range
	length uint64 // length of the mapped range

	// region is the native memory of a write mapping.
	region []byte

	// request is the key of the pending map, 0 when there is none.
	request uint64
}

func newBufferInfo(handle native.Buffer, size uint64, mappedAtCreation bool) *bufferInfo {
	b := &bufferInfo{handle: handle, size: size}
	if mappedAtCreation {
		b.state = mapped
		b.mode = protocol.MapModeWrite
		b.length = size
		if handle != nil {
			b.region = handle.MappedAtCreation()
		}
	}
	return b
}

// Release implements native.Object.
func (b *bufferInfo) Release() {
	if b.handle != nil {
		b.handle.Release()
	}
}

// inRange reports whether [off, off+n) lies within [base, base+length),
// without overflowing.
func inRange(off, n, base, length uint64) bool {
	if off < base {
		return false
	}
	rel := off - base
	return rel <= length && n <= length-rel
}

func (s *Server) bufferMapAsync(c *protocol.BufferMapAsyncCmd) (bool, error) {
	s.mu.Lock()
	e, err := s.buffers.Get(c.Buffer)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	b := e.Handle

	reject := func(status protocol.MapAsyncStatus) (bool, error) {
		s.emit(protocol.BufferMapAsyncCallbackReply{
			Buffer:     c.Buffer,
			Generation: e.Generation,
			Serial:     c.Serial,
			Status:     status,
		})
		s.mu.Unlock()
		return false, nil
	}
	switch {
	case s.deviceLost:
		return reject(protocol.MapAsyncDeviceLost)
	case e.State != objects.StateLive, b.destroyed, b.state != unmapped:
		return reject(protocol.MapAsyncError)
	}

	req := s.pending.add(&request{
		kind:       requestMap,
		objectType: objects.TypeBuffer,
		id:         c.Buffer,
		generation: e.Generation,
		serial:     c.Serial,
		mode:       c.Mode,
		offset:     c.Offset,
		size:       c.Size,
	})
	b.state = mapPending
	b.request = req.key
	b.mode = c.Mode
	b.offset, b.length = c.Offset, c.Size
	handle, ud := b.handle, s.userdata(req)
	s.mu.Unlock()

	err = handle.MapAsync(c.Mode.GPU(), c.Offset, c.Size, forwardBufferMapAsync, ud)
	if err == nil {
		return true, nil
	}

	// The callback never fires for a rejected request, so the reply is ours
	// to send. A device-lost error sweeps it as part of the loss.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nativeError(err)
	if req := s.pending.get(ud.key); req != nil {
		s.finishMap(req, protocol.MapAsyncError, nil)
	}
	return false, nil
}

func (s *Server) bufferUpdateMappedData(c *protocol.BufferUpdateMappedDataCmd) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.buffers.Get(c.Buffer)
	if err != nil {
		return false, err
	}
	b := e.Handle
	n := uint64(len(c.Data))

	if e.State != objects.StateLive || s.deviceLost {
		if !inRange(c.Offset, n, 0, b.size) {
			return false, violation("write of %d bytes at %d exceeds %s %d of size %d",
				n, c.Offset, objects.TypeBuffer, c.Buffer, b.size)
		}
		return false, nil
	}
	if b.state != mapped || b.mode != protocol.MapModeWrite {
		return false, violation("%s %d is not mapped for writing", objects.TypeBuffer, c.Buffer)
	}
	if !inRange(c.Offset, n, b.offset, b.length) {
		return false, violation("write of %d bytes at %d is outside the mapped range [%d, %d) of %s %d",
			n, c.Offset, b.offset, b.offset+b.length, objects.TypeBuffer, c.Buffer)
	}
	start := c.Offset - b.offset
	if start+n > uint64(len(b.region)) {
		s.logger().Warn("gpuwire: mapped region shorter than mapping",
			"buffer", c.Buffer, "region", len(b.region), "length", b.length)
		s.emit(protocol.DeviceUncapturedErrorReply{
			Type:    protocol.ErrorTypeUnknown,
			Message: "mapped memory unavailable",
		})
		return false, nil
	}
	copy(b.region[start:start+n], c.Data)
	return true, nil
}

func (s *Server) bufferUnmap(c *protocol.BufferUnmapCmd) (bool, error) {
	s.mu.Lock()
	e, err := s.buffers.Get(c.Buffer)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	b := e.Handle
	b.state = unmapped
	b.region = nil
	skip := e.State != objects.StateLive || b.destroyed || s.deviceLost
	handle := b.handle
	s.mu.Unlock()

	if skip {
		return false, nil
	}
	if err := handle.Unmap(); err != nil {
		s.mu.Lock()
		s.nativeError(err)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// bufferDestroy frees the buffer memory. Unlike DestroyObject the id stays
// allocated until the client releases it.
func (s *Server) bufferDestroy(c *protocol.BufferDestroyCmd) (bool, error) {
	s.mu.Lock()
	e, err := s.buffers.Get(c.Buffer)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	b := e.Handle
	b.destroyed = true
	b.state = unmapped
	b.region = nil
	skip := e.State != objects.StateLive || s.deviceLost
	handle := b.handle
	s.mu.Unlock()

	if skip {
		return false, nil
	}
	handle.Destroy()
	return true, nil
}
