package server

import (
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// preBufferUnmap answers a pending map with UnmappedBeforeCallback before
// the native unmap runs, so the client sees the cancellation ahead of
// anything the unmap causes.
func preBufferUnmap(s *Server, c *protocol.BufferUnmapCmd) {
	s.cancelBufferMap(c.Buffer, cancelUnmapped)
}

// preBufferDestroy answers a pending map with DestroyedBeforeCallback.
func preBufferDestroy(s *Server, c *protocol.BufferDestroyCmd) {
	s.cancelBufferMap(c.Buffer, cancelDestroyed)
}

func (s *Server) cancelBufferMap(id uint32, reason cancelReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unknown ids are reported when the command resolves its references.
	e, err := s.buffers.Get(id)
	if err != nil {
		return
	}
	if req := s.pending.get(e.Handle.request); req != nil {
		s.cancel(req, reason)
	}
}

// postQueueSignal watches the fence for the signaled value and forwards its
// completion as FenceUpdateCompletedValue.
func postQueueSignal(s *Server, c *protocol.QueueSignalCmd) {
	s.mu.Lock()
	e, err := s.fences.Get(c.Fence)
	if err != nil || e.State != objects.StateLive || s.deviceLost {
		s.mu.Unlock()
		return
	}
	req := s.pending.add(&request{
		kind:       requestFence,
		objectType: objects.TypeFence,
		id:         c.Fence,
		generation: e.Generation,
		value:      c.Value,
	})
	fence, ud := e.Handle, s.userdata(req)
	s.mu.Unlock()

	fence.OnCompletion(c.Value, forwardFenceCompletion, ud)
}
