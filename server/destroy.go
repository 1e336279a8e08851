package server

import (
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// destroyObject releases a client object. Pending requests on it end with
// DestroyedBeforeCallback, in request order, before the id is freed; a
// callback arriving later finds neither the request nor the generation it
// was bound to. DestroyObject is accepted after device loss so clients can
// still release what they own.
func (s *Server) destroyObject(c *protocol.DestroyObjectCmd) (bool, error) {
	if c.Type == objects.TypeDevice && c.ID == DeviceID {
		return false, violation("the root device cannot be destroyed")
	}

	s.mu.Lock()
	t := s.tables[c.Type]
	if _, err := t.lookup(c.ID); err != nil {
		s.mu.Unlock()
		return false, err
	}
	for _, req := range s.pending.ordered(func(r *request) bool {
		return r.objectType == c.Type && r.id == c.ID
	}) {
		s.cancel(req, cancelDestroyed)
	}
	h, err := t.free(c.ID)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	if h != nil {
		h.Release()
	}
	return true, nil
}
