package server

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuwire/internal/nativetest"
	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

const (
	queueID   = 1
	encoderID = 1
)

type harness struct {
	t   *testing.T
	dev *nativetest.Device
	out *protocol.BufferSerializer
	srv *Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dev := nativetest.NewDevice()
	out := protocol.NewBufferSerializer()
	srv, err := New(dev, out, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return &harness{t: t, dev: dev, out: out, srv: srv}
}

// send executes msgs and fails the test on any error.
func (h *harness) send(msgs ...protocol.Message) {
	h.t.Helper()
	data := protocol.Encode(msgs...)
	n, err := h.srv.HandleCommands(data)
	if err != nil {
		h.t.Fatalf("HandleCommands failed: %v", err)
	}
	if n != len(data) {
		h.t.Fatalf("HandleCommands consumed %d of %d bytes", n, len(data))
	}
}

// sendErr executes msgs and returns the failure, which must be a
// *CommandError.
func (h *harness) sendErr(msgs ...protocol.Message) (int, *CommandError) {
	h.t.Helper()
	n, err := h.srv.HandleCommands(protocol.Encode(msgs...))
	if err == nil {
		h.t.Fatal("HandleCommands succeeded, want error")
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		h.t.Fatalf("error %v is not a *CommandError", err)
	}
	if cerr.Offset != n {
		h.t.Errorf("CommandError.Offset = %d, returned offset %d", cerr.Offset, n)
	}
	return n, cerr
}

// replies decodes everything emitted since the last call.
func (h *harness) replies() []protocol.Message {
	h.t.Helper()
	cmds, err := protocol.DecodeAll(protocol.Replies, h.out.Take(), 0)
	if err != nil {
		h.t.Fatalf("decode replies: %v", err)
	}
	msgs := make([]protocol.Message, len(cmds))
	for i, c := range cmds {
		m, err := protocol.DecodeReply(c)
		if err != nil {
			h.t.Fatalf("decode reply %d: %v", i, err)
		}
		msgs[i] = m
	}
	return msgs
}

func (h *harness) expectNoReplies() {
	h.t.Helper()
	if msgs := h.replies(); len(msgs) != 0 {
		h.t.Fatalf("unexpected replies: %s", describe(msgs))
	}
}

// waitIdle waits until no request is pending.
func (h *harness) waitIdle() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.srv.PendingRequests() != 0 {
		if time.Now().After(deadline) {
			h.t.Fatalf("%d requests still pending", h.srv.PendingRequests())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) entry(typ objects.ObjectType, id uint32) (ObjectEntry, bool) {
	for _, e := range h.srv.Snapshot().Objects {
		if e.Type == typ && e.ID == id {
			return e, true
		}
	}
	return ObjectEntry{}, false
}

func describe(msgs []protocol.Message) string {
	var b bytes.Buffer
	for i, m := range msgs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%+v", m)
	}
	return b.String()
}

func asMap(t *testing.T, m protocol.Message) *protocol.BufferMapAsyncCallbackReply {
	t.Helper()
	r, ok := m.(*protocol.BufferMapAsyncCallbackReply)
	if !ok {
		t.Fatalf("reply %+v is not a BufferMapAsyncCallback", m)
	}
	return r
}

func asFence(t *testing.T, m protocol.Message) *protocol.FenceUpdateCompletedValueReply {
	t.Helper()
	r, ok := m.(*protocol.FenceUpdateCompletedValueReply)
	if !ok {
		t.Fatalf("reply %+v is not a FenceUpdateCompletedValue", m)
	}
	return r
}

func asError(t *testing.T, m protocol.Message) *protocol.DeviceUncapturedErrorReply {
	t.Helper()
	r, ok := m.(*protocol.DeviceUncapturedErrorReply)
	if !ok {
		t.Fatalf("reply %+v is not a DeviceUncapturedError", m)
	}
	return r
}

func createBuffer(id uint32, size uint64, usage gputypes.BufferUsage) protocol.DeviceCreateBufferCmd {
	return protocol.DeviceCreateBufferCmd{Device: DeviceID, Result: id, Usage: usage, Size: size}
}

const (
	readUsage  = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	writeUsage = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	copyUsage  = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
)

func TestNew_NilArguments(t *testing.T) {
	if _, err := New(nil, protocol.NewBufferSerializer()); !errors.Is(err, ErrNilDevice) {
		t.Errorf("New(nil device) error = %v, want ErrNilDevice", err)
	}
	if _, err := New(nativetest.NewDevice(), nil); !errors.Is(err, ErrNilSerializer) {
		t.Errorf("New(nil serializer) error = %v, want ErrNilSerializer", err)
	}
}

func TestNew_RegistersRootDevice(t *testing.T) {
	h := newHarness(t)
	e, ok := h.entry(objects.TypeDevice, DeviceID)
	if !ok || e.State != objects.StateLive {
		t.Fatalf("root device entry = %+v (found %v), want Live", e, ok)
	}
}

func TestHandleCommands_WriteBuffer(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 16, copyUsage),
		protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 1, Offset: 4, Data: []byte{1, 2, 3, 4}},
	)
	h.expectNoReplies()

	got := h.dev.Buffers()[0].Contents()
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("contents = %v, want %v", got, want)
	}
	if label := h.dev.Buffers()[0].Label(); label != "Buffer#1" {
		t.Errorf("label = %q, want Buffer#1", label)
	}
}

func TestHandleCommands_CopyAndSubmit(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 8, copyUsage),
		createBuffer(2, 8, copyUsage),
		protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 1, Data: []byte{9, 8, 7, 6, 5, 4, 3, 2}},
		protocol.DeviceCreateCommandEncoderCmd{Device: DeviceID, Result: encoderID},
		protocol.CommandEncoderCopyBufferToBufferCmd{Encoder: encoderID, Source: 1, Destination: 2, SourceOffset: 4, DestinationOffset: 0, Size: 4},
		protocol.CommandEncoderFinishCmd{Encoder: encoderID, Result: 1},
		protocol.QueueSubmitCmd{Queue: queueID, CommandBuffers: []uint32{1}},
	)
	h.expectNoReplies()

	got := h.dev.Buffers()[1].Contents()
	if want := []byte{5, 4, 3, 2, 0, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("destination = %v, want %v", got, want)
	}
}

func TestHandleCommands_FatalErrors(t *testing.T) {
	prefix := []protocol.Message{
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 8, copyUsage),
	}
	tests := []struct {
		name string
		cmd  protocol.Message
		want error
	}{
		{"unknown buffer", protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 9}, objects.ErrUnknownObject},
		{"unknown queue", protocol.QueueWriteBufferCmd{Queue: 5, Buffer: 1}, objects.ErrUnknownObject},
		{"null id", protocol.BufferUnmapCmd{Buffer: 0}, objects.ErrInvalidID},
		{"id in use", createBuffer(1, 8, copyUsage), objects.ErrIDInUse},
		{"unknown device", protocol.DeviceCreateCommandEncoderCmd{Device: 2, Result: 1}, objects.ErrUnknownObject},
		{"unknown command buffer", protocol.QueueSubmitCmd{Queue: queueID, CommandBuffers: []uint32{3}}, objects.ErrUnknownObject},
		{"destroy root device", protocol.DestroyObjectCmd{Type: objects.TypeDevice, ID: DeviceID}, protocol.ErrProtocol},
		{"update unmapped buffer", protocol.BufferUpdateMappedDataCmd{Buffer: 1, Data: []byte{1}}, protocol.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.send(prefix...)
			calls := h.dev.TotalCalls()

			n, cerr := h.sendErr(append([]protocol.Message{
				protocol.DeviceTickCmd{Device: DeviceID},
			}, tt.cmd)...)
			if want := len(protocol.Encode(protocol.DeviceTickCmd{Device: DeviceID})); n != want {
				t.Errorf("offset = %d, want %d", n, want)
			}
			if !errors.Is(cerr, tt.want) {
				t.Errorf("error = %v, want %v", cerr, tt.want)
			}
			if cerr.Opcode != tt.cmd.Opcode() {
				t.Errorf("opcode = %d, want %d", cerr.Opcode, tt.cmd.Opcode())
			}
			// Only the Tick before the bad command reached the device.
			if got := h.dev.TotalCalls() - calls; got != 1 {
				t.Errorf("native calls = %d, want 1", got)
			}

			if _, err := h.srv.HandleCommands(protocol.Encode(protocol.DeviceTickCmd{Device: DeviceID})); !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("after failure error = %v, want ErrConnectionClosed", err)
			}
		})
	}
}

func TestHandleCommands_MalformedInput(t *testing.T) {
	h := newHarness(t)
	good := protocol.Encode(protocol.DeviceTickCmd{Device: DeviceID})
	data := append(append([]byte(nil), good...), 0xff, 0, 0, 0)

	n, err := h.srv.HandleCommands(data)
	if n != len(good) {
		t.Errorf("offset = %d, want %d", n, len(good))
	}
	if !errors.Is(err, protocol.ErrUnknownOpcode) || !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("error = %v, want ErrUnknownOpcode", err)
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.Opcode != 0xff {
		t.Errorf("opcode = %d, want 255", cerr.Opcode)
	}
	if got := h.dev.Calls("Tick"); got != 1 {
		t.Errorf("Tick calls = %d, want 1", got)
	}
}

func TestHandleCommands_Empty(t *testing.T) {
	h := newHarness(t)
	n, err := h.srv.HandleCommands(nil)
	if n != 0 || err != nil {
		t.Errorf("HandleCommands(nil) = %d, %v", n, err)
	}
}

func TestHandleCommands_NativeErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 8, 0),
	)
	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s, want one error", describe(msgs))
	}
	if r := asError(t, msgs[0]); r.Type != protocol.ErrorTypeValidation {
		t.Errorf("error type = %v, want Validation", r.Type)
	}
	if e, _ := h.entry(objects.TypeBuffer, 1); e.State != objects.StateErrored {
		t.Errorf("buffer state = %v, want Errored", e.State)
	}

	// Using the errored buffer is a validation error that never reaches
	// the device, not a protocol violation.
	h.send(protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 1, Data: []byte{1, 2, 3, 4}})
	msgs = h.replies()
	if len(msgs) != 1 || asError(t, msgs[0]).Type != protocol.ErrorTypeValidation {
		t.Fatalf("replies = %s, want one validation error", describe(msgs))
	}
	if got := h.dev.Calls("Queue.WriteBuffer"); got != 0 {
		t.Errorf("WriteBuffer calls = %d, want 0", got)
	}
}

func TestHandleCommands_ErrorTypes(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.ErrorType
	}{
		{fmt.Errorf("%w: heap exhausted", native.ErrOutOfMemory), protocol.ErrorTypeOutOfMemory},
		{fmt.Errorf("%w: bad usage", native.ErrValidation), protocol.ErrorTypeValidation},
		{errors.New("driver hiccup"), protocol.ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			h := newHarness(t)
			h.dev.FailNext("CreateBuffer", tt.err)
			h.send(createBuffer(1, 8, copyUsage))
			msgs := h.replies()
			if len(msgs) != 1 {
				t.Fatalf("replies = %s", describe(msgs))
			}
			r := asError(t, msgs[0])
			if r.Type != tt.want || r.Message != tt.err.Error() {
				t.Errorf("reply = %+v, want %v %q", r, tt.want, tt.err)
			}
		})
	}
}

func TestHandleCommands_ErroredParentPropagates(t *testing.T) {
	h := newHarness(t)
	h.dev.FailNext("CreateCommandEncoder", native.ErrOutOfMemory)
	h.send(
		protocol.DeviceCreateCommandEncoderCmd{Device: DeviceID, Result: encoderID},
		protocol.CommandEncoderFinishCmd{Encoder: encoderID, Result: 1},
	)
	msgs := h.replies()
	if len(msgs) != 2 {
		t.Fatalf("replies = %s, want two errors", describe(msgs))
	}
	if e, _ := h.entry(objects.TypeCommandBuffer, 1); e.State != objects.StateErrored {
		t.Errorf("command buffer state = %v, want Errored", e.State)
	}
	if got := h.dev.Calls("CommandEncoder.Finish"); got != 0 {
		t.Errorf("Finish calls = %d, want 0", got)
	}
}

func TestHandleCommands_MaxSubmitCount(t *testing.T) {
	h := newHarness(t, WithMaxSubmitCount(1))
	h.send(protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID})
	_, cerr := h.sendErr(protocol.QueueSubmitCmd{Queue: queueID, CommandBuffers: []uint32{1, 2}})
	if !errors.Is(cerr, protocol.ErrProtocol) {
		t.Errorf("error = %v, want ErrProtocol", cerr)
	}
}

func TestHandleCommands_MaxObjectsPerType(t *testing.T) {
	h := newHarness(t, WithMaxObjectsPerType(2))
	h.send(createBuffer(1, 4, copyUsage), createBuffer(2, 4, copyUsage))
	_, cerr := h.sendErr(createBuffer(3, 4, copyUsage))
	if !errors.Is(cerr, objects.ErrTableFull) {
		t.Errorf("error = %v, want ErrTableFull", cerr)
	}
}

func TestHandleCommands_MaxTrailingBytes(t *testing.T) {
	h := newHarness(t, WithMaxTrailingBytes(8))
	h.send(protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID}, createBuffer(1, 64, copyUsage))
	_, cerr := h.sendErr(protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 1, Data: make([]byte, 16)})
	if !errors.Is(cerr, protocol.ErrTrailingTooLarge) {
		t.Errorf("error = %v, want ErrTrailingTooLarge", cerr)
	}
}

func TestDeviceErrorCallbackIsForwarded(t *testing.T) {
	h := newHarness(t)
	h.dev.EmitError(native.ErrorTypeOutOfMemory, "out of video memory")
	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s", describe(msgs))
	}
	r := asError(t, msgs[0])
	if r.Type != protocol.ErrorTypeOutOfMemory || r.Message != "out of video memory" {
		t.Errorf("reply = %+v", r)
	}
}

func TestDestroyObject_ReleasesAndBumpsGeneration(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceCreateShaderModuleCmd{Device: DeviceID, Result: 3, Source: "@compute @workgroup_size(1) fn main() {}"},
		protocol.DestroyObjectCmd{Type: objects.TypeShaderModule, ID: 3},
	)
	if got := h.dev.Calls("ShaderModule.Release"); got != 1 {
		t.Errorf("Release calls = %d, want 1", got)
	}
	e, _ := h.entry(objects.TypeShaderModule, 3)
	if e.State != objects.StateFree || e.Generation != 1 {
		t.Errorf("entry = %+v, want Free generation 1", e)
	}

	h.send(protocol.DeviceCreateShaderModuleCmd{Device: DeviceID, Result: 3, Source: "fn f() {}"})
	e, _ = h.entry(objects.TypeShaderModule, 3)
	if e.State != objects.StateLive || e.Generation != 1 {
		t.Errorf("reused entry = %+v, want Live generation 1", e)
	}
}

func TestDestroyObject_ErroredObjectIsNotReleased(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceCreateShaderModuleCmd{Device: DeviceID, Result: 1},
		protocol.DestroyObjectCmd{Type: objects.TypeShaderModule, ID: 1},
	)
	if got := h.dev.Calls("ShaderModule.Release"); got != 0 {
		t.Errorf("Release calls = %d, want 0", got)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.send(
		createBuffer(1, 8, readUsage),
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 4, Mode: protocol.MapModeRead, Size: 8},
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
	)
	if err := h.srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s, want one", describe(msgs))
	}
	if r := asMap(t, msgs[0]); r.Status != protocol.MapAsyncDestroyedBeforeCallback || r.Serial != 4 {
		t.Errorf("reply = %+v, want DestroyedBeforeCallback serial 4", r)
	}
	if !h.dev.Buffers()[0].Released() {
		t.Error("buffer not released")
	}
	if h.dev.Released() {
		t.Error("root device released by Close")
	}

	if err := h.srv.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if got := h.dev.Calls("Buffer.Release"); got != 1 {
		t.Errorf("Buffer.Release calls = %d, want 1", got)
	}
	if _, err := h.srv.HandleCommands(protocol.Encode(protocol.DeviceTickCmd{Device: DeviceID})); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("HandleCommands after Close error = %v, want ErrConnectionClosed", err)
	}
	h.expectNoReplies()
}

func TestCommandError_Message(t *testing.T) {
	err := &CommandError{Offset: 12, Opcode: uint32(protocol.OpBufferUnmap), Err: objects.ErrUnknownObject}
	want := "server: BufferUnmap at offset 12: objects: unknown object"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
