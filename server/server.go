// Package server replays a gpuwire command stream against a native device.
//
// A Server owns the object tables of one client connection. HandleCommands
// decodes a chunk of client bytes, validates every command and every object
// reference, forwards valid calls to the native API and emits replies for
// asynchronous results through a protocol.CommandSerializer.
//
// Any malformed command or invalid object reference is fatal for the
// connection: HandleCommands returns a *CommandError and refuses all later
// input. Errors raised by the native API are not fatal; they reach the client
// as DeviceUncapturedError replies.
//
// Concurrency: HandleCommands and Close must be called from one goroutine at
// a time (they serialize on an internal mutex). Native callbacks may arrive
// on any goroutine, including inline from a native call made by
// HandleCommands.
package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpuwire"
	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// DeviceID is the id of the root device the server is created with. It is
// registered at construction and cannot be destroyed by the client.
const DeviceID uint32 = 1

// Server dispatches the commands of one client connection.
type Server struct {
	// dispatch serializes HandleCommands and Close.
	dispatch sync.Mutex

	// mu guards everything below. It is never held across a native call.
	mu      sync.Mutex
	opts    options
	device  native.Device
	replies *protocol.ReplyWriter

	devices        *objects.Table[native.Device]
	queues         *objects.Table[native.Queue]
	buffers        *objects.Table[*bufferInfo]
	fences         *objects.Table[native.Fence]
	shaderModules  *objects.Table[native.ShaderModule]
	encoders       *objects.Table[native.CommandEncoder]
	commandBuffers *objects.Table[native.CommandBuffer]
	tables         [objects.NumObjectTypes]objectTable

	pending    pendingSet
	deviceLost bool

	// closed refuses further input; released means Close has run.
	closed   bool
	released bool
}

// New creates a server that replays commands into device and writes
// replies to out. device is registered as DeviceID; the caller keeps
// ownership of it and releases it after Close.
func New(device native.Device, out protocol.CommandSerializer, opts ...Option) (*Server, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if out == nil {
		return nil, ErrNilSerializer
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	limit := o.maxObjectsPerType
	s := &Server{
		opts:           o,
		device:         device,
		replies:        protocol.NewReplyWriter(out),
		devices:        objects.NewTable[native.Device](objects.TypeDevice, limit),
		queues:         objects.NewTable[native.Queue](objects.TypeQueue, limit),
		buffers:        objects.NewTable[*bufferInfo](objects.TypeBuffer, limit),
		fences:         objects.NewTable[native.Fence](objects.TypeFence, limit),
		shaderModules:  objects.NewTable[native.ShaderModule](objects.TypeShaderModule, limit),
		encoders:       objects.NewTable[native.CommandEncoder](objects.TypeCommandEncoder, limit),
		commandBuffers: objects.NewTable[native.CommandBuffer](objects.TypeCommandBuffer, limit),
		pending:        newPendingSet(),
	}
	s.tables = [objects.NumObjectTypes]objectTable{
		objects.TypeDevice:         typedTable[native.Device]{s.devices},
		objects.TypeQueue:          typedTable[native.Queue]{s.queues},
		objects.TypeBuffer:         typedTable[*bufferInfo]{s.buffers},
		objects.TypeFence:          typedTable[native.Fence]{s.fences},
		objects.TypeShaderModule:   typedTable[native.ShaderModule]{s.shaderModules},
		objects.TypeCommandEncoder: typedTable[native.CommandEncoder]{s.encoders},
		objects.TypeCommandBuffer:  typedTable[native.CommandBuffer]{s.commandBuffers},
	}

	root, err := s.devices.Allocate(DeviceID)
	if err != nil {
		return nil, fmt.Errorf("server: register root device: %w", err)
	}
	root.SetLive(device)

	ud := &callbackUserdata{server: s}
	device.SetUncapturedErrorCallback(forwardDeviceError, ud)
	device.SetDeviceLostCallback(forwardDeviceLost, ud)

	s.logger().Info("gpuwire: server created",
		"protocol", gpuwire.ProtocolVersion,
		"maxTrailing", o.maxTrailing,
		"maxObjectsPerType", o.maxObjectsPerType)
	return s, nil
}

// HandleCommands decodes and executes every command in data, in order.
//
// On success it returns len(data). On failure it returns the offset of the
// offending command, none of which was applied, and a *CommandError; the
// commands before it were executed and the connection is closed for good.
func (s *Server) HandleCommands(data []byte) (int, error) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrConnectionClosed
	}

	dec := protocol.NewDecoder(protocol.Commands, data, s.opts.maxTrailing)
	for dec.More() {
		off := dec.Offset()
		cmd, err := dec.Next()
		if err != nil {
			return off, s.fail(off, peekOpcode(data[off:]), err)
		}
		if err := s.run(cmd); err != nil {
			return off, s.fail(off, cmd.Op, err)
		}
	}
	return dec.Offset(), nil
}

// run executes one decoded command.
func (s *Server) run(cmd protocol.Command) error {
	h := &handlers[cmd.Op]
	if h.run == nil {
		return violation("no handler for opcode %d", cmd.Op)
	}
	s.logger().Debug("gpuwire: dispatch", "op", h.name, "offset", cmd.Offset, "size", cmd.Size)
	return h.run(s, cmd)
}

// fail closes the connection after a fatal command error.
func (s *Server) fail(off int, op uint32, err error) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	cerr := &CommandError{Offset: off, Opcode: op, Err: err}
	s.logger().Warn("gpuwire: closing connection", "err", cerr)
	return cerr
}

func peekOpcode(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Close cancels every pending request with a DestroyedBeforeCallback reply
// and releases all native objects the client created. The root device is
// left to its owner. Close is idempotent.
func (s *Server) Close() error {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.released = true

	for _, req := range s.pending.ordered(nil) {
		s.cancel(req, cancelDestroyed)
	}

	// Children before parents.
	var handles []native.Object
	for typ := objects.NumObjectTypes - 1; typ > int(objects.TypeDevice); typ-- {
		handles = append(handles, s.tables[typ].freeAll()...)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	s.logger().Info("gpuwire: server closed", "released", len(handles))
	return nil
}

// DeviceLost reports whether the device-loss sweep has run.
func (s *Server) DeviceLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceLost
}

// PendingRequests returns the number of requests still awaiting a reply.
func (s *Server) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

func (s *Server) logger() *slog.Logger {
	if s.opts.logger != nil {
		return s.opts.logger
	}
	return gpuwire.Logger()
}

// emit writes a reply. Callers hold s.mu, which keeps replies in the order
// their causes were observed. A failing serializer drops the reply: the
// transport is the embedder's to tear down.
func (s *Server) emit(m protocol.Message) {
	if err := s.replies.Write(m); err != nil {
		s.logger().Warn("gpuwire: dropping reply", "op", protocol.ReplyOpcode(m.Opcode()), "err", err)
	}
}

// nativeError reports a failed native call to the client. Callers hold s.mu.
func (s *Server) nativeError(err error) {
	typ := native.ClassifyError(err)
	if typ == native.ErrorTypeDeviceLost {
		s.loseDevice(err.Error())
		return
	}
	if s.deviceLost {
		return
	}
	s.logger().Warn("gpuwire: native call failed", "type", typ, "err", err)
	s.emit(protocol.DeviceUncapturedErrorReply{Type: wireErrorType(typ), Message: err.Error()})
}

// errErrored marks a reference to an object whose creation failed. Using
// one is a client-visible validation error, not a protocol violation.
var errErrored = errors.New("invalid object")

func isErrored(err error) bool {
	return errors.Is(err, errErrored)
}

// invalidReference reports a command that referenced an Errored object.
// Callers hold s.mu.
func (s *Server) invalidReference(err error) {
	if s.deviceLost {
		return
	}
	s.emit(protocol.DeviceUncapturedErrorReply{
		Type:    protocol.ErrorTypeValidation,
		Message: err.Error(),
	})
}

func wireErrorType(t native.ErrorType) protocol.ErrorType {
	switch t {
	case native.ErrorTypeValidation:
		return protocol.ErrorTypeValidation
	case native.ErrorTypeOutOfMemory:
		return protocol.ErrorTypeOutOfMemory
	case native.ErrorTypeDeviceLost:
		return protocol.ErrorTypeDeviceLost
	default:
		return protocol.ErrorTypeUnknown
	}
}
