package server

import (
	"cmp"
	"slices"

	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

type requestKind uint8

const (
	requestMap requestKind = iota + 1
	requestFence
)

func (k requestKind) String() string {
	switch k {
	case requestMap:
		return "map"
	case requestFence:
		return "fence"
	default:
		return "unknown"
	}
}

// request is an asynchronous operation awaiting its terminal reply.
// It lives in the pending set from dispatch until exactly one reply
// has been emitted for it.
type request struct {
	key        uint64
	kind       requestKind
	objectType objects.ObjectType
	id         uint32
	generation uint32

	// map requests
	serial uint32
	mode   protocol.MapMode
	offset uint64
	size   uint64

	// fence requests
	value uint64
}

// pendingSet indexes requests by key. Keys start at 1 and only grow, so
// key order is dispatch order and 0 never names a request.
type pendingSet struct {
	next  uint64
	byKey map[uint64]*request
}

func newPendingSet() pendingSet {
	return pendingSet{byKey: make(map[uint64]*request)}
}

func (p *pendingSet) add(r *request) *request {
	p.next++
	r.key = p.next
	p.byKey[r.key] = r
	return r
}

func (p *pendingSet) get(key uint64) *request {
	return p.byKey[key]
}

func (p *pendingSet) remove(key uint64) {
	delete(p.byKey, key)
}

func (p *pendingSet) len() int {
	return len(p.byKey)
}

// ordered returns the requests accepted by match, or all of them when match
// is nil, in ascending key order.
func (p *pendingSet) ordered(match func(*request) bool) []*request {
	out := make([]*request, 0, len(p.byKey))
	for _, r := range p.byKey {
		if match == nil || match(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *request) int {
		return cmp.Compare(a.key, b.key)
	})
	return out
}

// cancelReason is why a request ends without its native callback.
type cancelReason uint8

const (
	cancelDestroyed cancelReason = iota + 1
	cancelUnmapped
	cancelDeviceLost
)

// cancel emits the terminal reply for req on behalf of reason and drops it.
// Callers hold s.mu.
func (s *Server) cancel(req *request, reason cancelReason) {
	switch req.kind {
	case requestMap:
		status := protocol.MapAsyncDestroyedBeforeCallback
		switch reason {
		case cancelUnmapped:
			status = protocol.MapAsyncUnmappedBeforeCallback
		case cancelDeviceLost:
			status = protocol.MapAsyncDeviceLost
		}
		s.finishMap(req, status, nil)
	case requestFence:
		status := protocol.FenceCompletionDestroyedBeforeCallback
		if reason == cancelDeviceLost {
			status = protocol.FenceCompletionDeviceLost
		}
		s.finishFence(req, status, 0)
	}
}

// finishMap emits the reply for a map request and updates the buffer's
// mapping state. Callers hold s.mu.
func (s *Server) finishMap(req *request, status protocol.MapAsyncStatus, data []byte) {
	s.pending.remove(req.key)
	reply := protocol.BufferMapAsyncCallbackReply{
		Buffer:     req.id,
		Generation: req.generation,
		Serial:     req.serial,
		Status:     status,
	}
	if status == protocol.MapAsyncSuccess && uint64(len(data)) < req.size {
		s.logger().Warn("gpuwire: native map returned a short range",
			"buffer", req.id, "want", req.size, "got", len(data))
		reply.Status = protocol.MapAsyncUnknown
	}

	if e, err := s.buffers.Get(req.id); err == nil && e.Generation == req.generation {
		b := e.Handle
		if b.request == req.key {
			b.request = 0
			b.state = unmapped
			if reply.Status == protocol.MapAsyncSuccess {
				b.state = mapped
				if req.mode == protocol.MapModeWrite {
					b.region = data[:req.size]
				}
			}
		}
	}
	if reply.Status == protocol.MapAsyncSuccess && req.mode == protocol.MapModeRead {
		reply.Data = data[:req.size]
	}
	s.emit(reply)
}

// finishFence emits the reply for a fence request. Callers hold s.mu.
func (s *Server) finishFence(req *request, status protocol.FenceCompletionStatus, value uint64) {
	s.pending.remove(req.key)
	s.emit(protocol.FenceUpdateCompletedValueReply{
		Fence:      req.id,
		Generation: req.generation,
		Status:     status,
		Value:      value,
	})
}
