package server

import (
	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/protocol"
)

// callbackUserdata is what the server hands to the native API as userdata.
// It names a pending request by key rather than pointing at it, so a
// callback that outlives its request finds nothing and does nothing.
// Device callbacks use key 0.
type callbackUserdata struct {
	server *Server
	key    uint64
}

func (s *Server) userdata(req *request) *callbackUserdata {
	return &callbackUserdata{server: s, key: req.key}
}

// forwardBufferMapAsync is the native map callback.
func forwardBufferMapAsync(status native.MapAsyncStatus, data []byte, userdata any) {
	ud, ok := userdata.(*callbackUserdata)
	if !ok || ud == nil {
		return
	}
	s := ud.server
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.pending.get(ud.key)
	if req == nil || req.kind != requestMap {
		s.logger().Debug("gpuwire: dropping map callback", "key", ud.key, "status", status)
		return
	}
	if !s.buffers.IsCurrent(req.id, req.generation) {
		s.pending.remove(req.key)
		s.logger().Warn("gpuwire: dropping stale map callback", "buffer", req.id, "generation", req.generation)
		return
	}
	s.finishMap(req, wireMapStatus(status), data)
}

// forwardFenceCompletion is the native fence callback.
func forwardFenceCompletion(status native.FenceCompletionStatus, value uint64, userdata any) {
	ud, ok := userdata.(*callbackUserdata)
	if !ok || ud == nil {
		return
	}
	s := ud.server
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.pending.get(ud.key)
	if req == nil || req.kind != requestFence {
		s.logger().Debug("gpuwire: dropping fence callback", "key", ud.key, "status", status)
		return
	}
	if !s.fences.IsCurrent(req.id, req.generation) {
		s.pending.remove(req.key)
		s.logger().Warn("gpuwire: dropping stale fence callback", "fence", req.id, "generation", req.generation)
		return
	}
	s.finishFence(req, wireFenceStatus(status), value)
}

// forwardDeviceError is the native uncaptured-error callback.
func forwardDeviceError(typ native.ErrorType, message string, userdata any) {
	ud, ok := userdata.(*callbackUserdata)
	if !ok || ud == nil {
		return
	}
	s := ud.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	if typ == native.ErrorTypeDeviceLost {
		s.loseDevice(message)
		return
	}
	if s.deviceLost {
		return
	}
	s.emit(protocol.DeviceUncapturedErrorReply{Type: wireErrorType(typ), Message: message})
}

// forwardDeviceLost is the native device-lost callback.
func forwardDeviceLost(message string, userdata any) {
	ud, ok := userdata.(*callbackUserdata)
	if !ok || ud == nil {
		return
	}
	s := ud.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.loseDevice(message)
}

func wireMapStatus(st native.MapAsyncStatus) protocol.MapAsyncStatus {
	switch st {
	case native.MapAsyncStatusSuccess:
		return protocol.MapAsyncSuccess
	case native.MapAsyncStatusValidationError:
		return protocol.MapAsyncError
	case native.MapAsyncStatusDeviceLost:
		return protocol.MapAsyncDeviceLost
	case native.MapAsyncStatusDestroyedBeforeCallback:
		return protocol.MapAsyncDestroyedBeforeCallback
	case native.MapAsyncStatusUnmappedBeforeCallback:
		return protocol.MapAsyncUnmappedBeforeCallback
	default:
		return protocol.MapAsyncUnknown
	}
}

func wireFenceStatus(st native.FenceCompletionStatus) protocol.FenceCompletionStatus {
	switch st {
	case native.FenceCompletionStatusSuccess:
		return protocol.FenceCompletionSuccess
	case native.FenceCompletionStatusError:
		return protocol.FenceCompletionError
	case native.FenceCompletionStatusDeviceLost:
		return protocol.FenceCompletionDeviceLost
	case native.FenceCompletionStatusDestroyedBeforeCallback:
		return protocol.FenceCompletionDestroyedBeforeCallback
	default:
		return protocol.FenceCompletionUnknown
	}
}
