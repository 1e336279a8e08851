package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/gogpu/gpuwire/objects"
)

// Snapshot is a deterministic description of the server state. Two servers
// fed the same byte stream with the same native outcomes have equal
// snapshots, whichever goroutines delivered the callbacks.
type Snapshot struct {
	DeviceLost bool             `cbor:"1,keyasint"`
	Closed     bool             `cbor:"2,keyasint"`
	Pending    []PendingRequest `cbor:"3,keyasint,omitempty"`
	Objects    []ObjectEntry    `cbor:"4,keyasint,omitempty"`
}

// ObjectEntry is one tracked id, freed ids included.
type ObjectEntry struct {
	Type       objects.ObjectType `cbor:"1,keyasint"`
	ID         uint32             `cbor:"2,keyasint"`
	Generation uint32             `cbor:"3,keyasint"`
	State      objects.State      `cbor:"4,keyasint"`
}

// PendingRequest is a request still awaiting its reply.
type PendingRequest struct {
	Key        uint64             `cbor:"1,keyasint"`
	Kind       string             `cbor:"2,keyasint"`
	Type       objects.ObjectType `cbor:"3,keyasint"`
	ID         uint32             `cbor:"4,keyasint"`
	Generation uint32             `cbor:"5,keyasint"`
}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot captures the object tables and pending requests. Objects are
// ordered by type then id, requests by key.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{DeviceLost: s.deviceLost, Closed: s.closed}
	for _, req := range s.pending.ordered(nil) {
		snap.Pending = append(snap.Pending, PendingRequest{
			Key:        req.key,
			Kind:       req.kind.String(),
			Type:       req.objectType,
			ID:         req.id,
			Generation: req.generation,
		})
	}
	for typ := objects.TypeDevice; typ.Valid(); typ++ {
		s.tables[typ].each(func(id, generation uint32, state objects.State) {
			snap.Objects = append(snap.Objects, ObjectEntry{
				Type:       typ,
				ID:         id,
				Generation: generation,
				State:      state,
			})
		})
	}
	return snap
}

// MarshalSnapshot encodes Snapshot as canonical CBOR, suitable for
// byte-wise comparison of replays.
func (s *Server) MarshalSnapshot() ([]byte, error) {
	snap := s.Snapshot()
	data, err := snapshotEncMode.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("server: marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("server: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
