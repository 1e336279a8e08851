package server

import (
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// handlerEntry is the dispatch table slot of one opcode.
type handlerEntry struct {
	name string
	run  func(s *Server, c protocol.Command) error
}

// handlers is indexed by opcode. Opcodes that decode successfully always
// have an entry.
var handlers [protocol.NumOpcodes]handlerEntry

// decodable is a typed command view that decodes itself from a Command.
type decodable[C any] interface {
	*C
	Decode(c protocol.Command) error
}

// handler describes one opcode. pre runs after decoding and before object
// ids are resolved; run resolves ids and makes the native call, reporting
// whether that call happened and succeeded; post runs only then.
type handler[C any] struct {
	pre  func(s *Server, c *C)
	run  func(s *Server, c *C) (bool, error)
	post func(s *Server, c *C)
}

func register[C any, P decodable[C]](op protocol.Opcode, h handler[C]) {
	handlers[op] = handlerEntry{
		name: op.String(),
		run: func(s *Server, raw protocol.Command) error {
			var c C
			if err := P(&c).Decode(raw); err != nil {
				return err
			}
			if h.pre != nil {
				h.pre(s, &c)
			}
			ok, err := h.run(s, &c)
			if err != nil {
				return err
			}
			if ok && h.post != nil {
				h.post(s, &c)
			}
			return nil
		},
	}
}

func init() {
	register(protocol.OpDeviceGetQueue, handler[protocol.DeviceGetQueueCmd]{run: (*Server).deviceGetQueue})
	register(protocol.OpDeviceCreateBuffer, handler[protocol.DeviceCreateBufferCmd]{run: (*Server).deviceCreateBuffer})
	register(protocol.OpDeviceCreateShaderModule, handler[protocol.DeviceCreateShaderModuleCmd]{run: (*Server).deviceCreateShaderModule})
	register(protocol.OpDeviceCreateCommandEncoder, handler[protocol.DeviceCreateCommandEncoderCmd]{run: (*Server).deviceCreateCommandEncoder})
	register(protocol.OpDeviceTick, handler[protocol.DeviceTickCmd]{run: (*Server).deviceTick})
	register(protocol.OpDeviceLoseForTesting, handler[protocol.DeviceLoseForTestingCmd]{run: (*Server).deviceLoseForTesting})
	register(protocol.OpQueueCreateFence, handler[protocol.QueueCreateFenceCmd]{run: (*Server).queueCreateFence})
	register(protocol.OpQueueSignal, handler[protocol.QueueSignalCmd]{run: (*Server).queueSignal, post: postQueueSignal})
	register(protocol.OpQueueSubmit, handler[protocol.QueueSubmitCmd]{run: (*Server).queueSubmit})
	register(protocol.OpQueueWriteBuffer, handler[protocol.QueueWriteBufferCmd]{run: (*Server).queueWriteBuffer})
	register(protocol.OpCommandEncoderCopyBufferToBuffer, handler[protocol.CommandEncoderCopyBufferToBufferCmd]{run: (*Server).copyBufferToBuffer})
	register(protocol.OpCommandEncoderFinish, handler[protocol.CommandEncoderFinishCmd]{run: (*Server).commandEncoderFinish})
	register(protocol.OpBufferMapAsync, handler[protocol.BufferMapAsyncCmd]{run: (*Server).bufferMapAsync})
	register(protocol.OpBufferUpdateMappedData, handler[protocol.BufferUpdateMappedDataCmd]{run: (*Server).bufferUpdateMappedData})
	register(protocol.OpBufferUnmap, handler[protocol.BufferUnmapCmd]{pre: preBufferUnmap, run: (*Server).bufferUnmap})
	register(protocol.OpBufferDestroy, handler[protocol.BufferDestroyCmd]{pre: preBufferDestroy, run: (*Server).bufferDestroy})
	register(protocol.OpDestroyObject, handler[protocol.DestroyObjectCmd]{run: (*Server).destroyObject})
}

// call runs a command that creates nothing. refs resolves the command's
// object references under s.mu; fn is the native call. A lost device or a
// reference to an Errored object skips fn.
func (s *Server) call(refs func() error, fn func() error) (bool, error) {
	s.mu.Lock()
	err := refs()
	switch {
	case err != nil && !isErrored(err):
		s.mu.Unlock()
		return false, err
	case err != nil:
		s.invalidReference(err)
		s.mu.Unlock()
		return false, nil
	case s.deviceLost:
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if err := fn(); err != nil {
		s.mu.Lock()
		s.nativeError(err)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// create runs a command that registers a new object under id in t. The id
// is allocated before the native call and stays Errored, holding
// placeholder, unless fn succeeds.
func create[T any](s *Server, t *objects.Table[T], id uint32, placeholder T, refs func() error, fn func() (T, error)) (bool, error) {
	s.mu.Lock()
	err := refs()
	if err != nil && !isErrored(err) {
		s.mu.Unlock()
		return false, err
	}
	e, aerr := t.Allocate(id)
	if aerr != nil {
		s.mu.Unlock()
		return false, aerr
	}
	e.Handle = placeholder
	if err != nil || s.deviceLost {
		if err != nil {
			s.invalidReference(err)
		}
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	h, err := fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.nativeError(err)
		return false, nil
	}
	e.SetLive(h)
	return true, nil
}
