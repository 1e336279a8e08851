package server

import (
	"fmt"

	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
)

// objectTable is the type-erased view of one object table, used where the
// object type comes from the wire.
type objectTable interface {
	// lookup returns the generation of a resolvable id.
	lookup(id uint32) (uint32, error)

	// free frees id and returns its handle when the entry was Live.
	free(id uint32) (native.Object, error)

	// freeAll frees every resolvable id and returns the Live handles.
	freeAll() []native.Object

	// each visits every tracked id in ascending order.
	each(fn func(id, generation uint32, state objects.State))
}

type typedTable[T native.Object] struct {
	*objects.Table[T]
}

func (t typedTable[T]) lookup(id uint32) (uint32, error) {
	e, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	return e.Generation, nil
}

func (t typedTable[T]) free(id uint32) (native.Object, error) {
	h, state, err := t.Free(id)
	if err != nil || state != objects.StateLive {
		return nil, err
	}
	return h, nil
}

func (t typedTable[T]) freeAll() []native.Object {
	var ids []uint32
	t.Each(func(id uint32, e *objects.Entry[T]) {
		if e.Resolved() {
			ids = append(ids, id)
		}
	})
	var handles []native.Object
	for _, id := range ids {
		if h, _ := t.free(id); h != nil {
			handles = append(handles, h)
		}
	}
	return handles
}

func (t typedTable[T]) each(fn func(id, generation uint32, state objects.State)) {
	t.Each(func(id uint32, e *objects.Entry[T]) {
		fn(id, e.Generation, e.State)
	})
}

// resolve looks id up in t for use by a native call. An unknown id is a
// protocol violation; an Errored id yields an error wrapping errErrored.
func resolve[T any](t *objects.Table[T], id uint32) (T, error) {
	var zero T
	e, err := t.Get(id)
	if err != nil {
		return zero, err
	}
	if e.State != objects.StateLive {
		return zero, fmt.Errorf("%w: %s %d", errErrored, t.Type(), id)
	}
	return e.Handle, nil
}

// firstError picks the error that decides a command's fate: a protocol
// violation outranks a reference to an Errored object, so every id is
// checked before anything happens.
func firstError(errs ...error) error {
	var errored error
	for _, err := range errs {
		switch {
		case err == nil:
		case isErrored(err):
			if errored == nil {
				errored = err
			}
		default:
			return err
		}
	}
	return errored
}
