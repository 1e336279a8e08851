// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package objects

import (
	"errors"
	"fmt"
	"slices"
)

// Table errors. All of them mean the client broke the protocol: a compliant
// client never references an id it has not created or reuses a live one.
var (
	// ErrInvalidID is returned for the reserved null id 0.
	ErrInvalidID = errors.New("objects: invalid object id")

	// ErrUnknownObject is returned when an id is not allocated or was destroyed.
	ErrUnknownObject = errors.New("objects: unknown object")

	// ErrIDInUse is returned when allocating an id that is still live.
	ErrIDInUse = errors.New("objects: object id already in use")

	// ErrTableFull is returned when a table would track more ids than its limit.
	ErrTableFull = errors.New("objects: object table is full")
)

// DefaultLimit is the default number of distinct ids a table tracks.
const DefaultLimit = 1 << 20

// Entry is the per-id record of a Table.
type Entry[T any] struct {
	// Handle is the native object when State is StateLive. An errored entry
	// may carry a placeholder set by its owner; a free entry holds the zero value.
	Handle T

	// Generation counts how many times the id has been destroyed.
	Generation uint32

	// State is the entry liveness.
	State State
}

// Resolved reports whether the entry can be referenced by a command.
func (e *Entry[T]) Resolved() bool {
	return e.State == StateLive || e.State == StateErrored
}

// Table maps ids of one ObjectType to entries.
//
// Freed entries are retained so that a reused id continues its generation
// sequence; the limit therefore bounds the number of distinct ids ever
// allocated, not only the live ones.
type Table[T any] struct {
	typ     ObjectType
	entries map[uint32]*Entry[T]
	limit   int
	live    int
}

// NewTable creates an empty table for typ. A limit <= 0 selects DefaultLimit.
func NewTable[T any](typ ObjectType, limit int) *Table[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table[T]{
		typ:     typ,
		entries: make(map[uint32]*Entry[T]),
		limit:   limit,
	}
}

// Type returns the object type this table holds.
func (t *Table[T]) Type() ObjectType {
	return t.typ
}

// Allocate reserves id for a new object and returns its entry in the
// Errored state. The caller stores the handle with SetLive once native
// creation succeeds.
//
// An id may be allocated when it was never used or after it was freed;
// allocating a live or errored id fails with ErrIDInUse.
func (t *Table[T]) Allocate(id uint32) (*Entry[T], error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %s 0", ErrInvalidID, t.typ)
	}
	e, ok := t.entries[id]
	if ok {
		if e.State != StateFree {
			return nil, fmt.Errorf("%w: %s %d", ErrIDInUse, t.typ, id)
		}
	} else {
		if len(t.entries) >= t.limit {
			return nil, fmt.Errorf("%w: %s limit %d", ErrTableFull, t.typ, t.limit)
		}
		e = &Entry[T]{}
		t.entries[id] = e
	}
	var zero T
	e.Handle = zero
	e.State = StateErrored
	t.live++
	return e, nil
}

// SetLive stores the native handle for an allocated id.
func (e *Entry[T]) SetLive(handle T) {
	e.Handle = handle
	e.State = StateLive
}

// Get resolves id to its entry. Free and never-allocated ids fail with
// ErrUnknownObject.
func (t *Table[T]) Get(id uint32) (*Entry[T], error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %s 0", ErrInvalidID, t.typ)
	}
	e, ok := t.entries[id]
	if !ok || !e.Resolved() {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownObject, t.typ, id)
	}
	return e, nil
}

// Free destroys id: the entry becomes Free, its generation advances and the
// previous handle and state are returned so the caller can release it.
func (t *Table[T]) Free(id uint32) (T, State, error) {
	var zero T
	e, err := t.Get(id)
	if err != nil {
		return zero, StateFree, err
	}
	handle, state := e.Handle, e.State
	e.Handle = zero
	e.State = StateFree
	e.Generation++
	t.live--
	return handle, state, nil
}

// IsCurrent reports whether id is resolvable and still at generation gen.
func (t *Table[T]) IsCurrent(id, gen uint32) bool {
	e, ok := t.entries[id]
	return ok && e.Resolved() && e.Generation == gen
}

// Len returns the number of resolvable (live or errored) ids.
func (t *Table[T]) Len() int {
	return t.live
}

// Each calls fn for every tracked id in ascending id order, including freed
// ids. fn must not allocate or free ids of this table.
func (t *Table[T]) Each(fn func(id uint32, e *Entry[T])) {
	ids := make([]uint32, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn(id, t.entries[id])
	}
}
