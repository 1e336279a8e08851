package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

func TestDeviceLost_PendingMapsEachGetLostReply(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 8, readUsage),
		createBuffer(2, 8, readUsage),
		createBuffer(3, 8, writeUsage),
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 10, Mode: protocol.MapModeRead, Size: 8},
		protocol.BufferMapAsyncCmd{Buffer: 2, Serial: 11, Mode: protocol.MapModeRead, Size: 8},
		protocol.BufferMapAsyncCmd{Buffer: 3, Serial: 12, Mode: protocol.MapModeWrite, Size: 8},
		protocol.DeviceLoseForTestingCmd{Device: DeviceID},
	)

	msgs := h.replies()
	if len(msgs) != 4 {
		t.Fatalf("replies = %s, want DeviceLost and three map replies", describe(msgs))
	}
	if r, ok := msgs[0].(*protocol.DeviceLostReply); !ok || r.Message != "device lost for testing" {
		t.Fatalf("first reply = %+v, want DeviceLost", msgs[0])
	}
	for i, m := range msgs[1:] {
		r := asMap(t, m)
		if r.Buffer != uint32(i+1) || r.Serial != uint32(10+i) || r.Status != protocol.MapAsyncDeviceLost {
			t.Errorf("reply %d = %+v, want buffer %d DeviceLost", i, r, i+1)
		}
	}
	if !h.srv.DeviceLost() {
		t.Error("DeviceLost() = false")
	}
	if got := h.srv.PendingRequests(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}

	// Nothing reaches the device any more, and new maps fail at once.
	calls := h.dev.TotalCalls()
	h.send(
		createBuffer(4, 8, copyUsage),
		protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 1, Data: []byte{1, 2, 3, 4}},
		protocol.DeviceCreateCommandEncoderCmd{Device: DeviceID, Result: encoderID},
		protocol.CommandEncoderFinishCmd{Encoder: encoderID, Result: 1},
		protocol.QueueSubmitCmd{Queue: queueID, CommandBuffers: []uint32{1}},
		protocol.DeviceTickCmd{Device: DeviceID},
		protocol.BufferUnmapCmd{Buffer: 2},
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 13, Mode: protocol.MapModeRead, Size: 8},
		protocol.BufferUpdateMappedDataCmd{Buffer: 3, Offset: 0, Data: []byte{1}},
		protocol.DeviceLoseForTestingCmd{Device: DeviceID},
	)
	if got := h.dev.TotalCalls(); got != calls {
		t.Errorf("native calls after loss = %d, want 0", got-calls)
	}
	msgs = h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies after loss = %s, want one map reply", describe(msgs))
	}
	if r := asMap(t, msgs[0]); r.Serial != 13 || r.Status != protocol.MapAsyncDeviceLost {
		t.Errorf("reply = %+v, want serial 13 DeviceLost", r)
	}
	if e, _ := h.entry(objects.TypeBuffer, 4); e.State != objects.StateErrored {
		t.Errorf("buffer created after loss is %v, want Errored", e.State)
	}

	// Ids still resolve strictly.
	_, cerr := h.sendErr(protocol.BufferUnmapCmd{Buffer: 42})
	if !errors.Is(cerr, objects.ErrUnknownObject) {
		t.Errorf("error = %v, want ErrUnknownObject", cerr)
	}
}

func TestDeviceLoss_DestroyObjectStillReleases(t *testing.T) {
	h := newHarness(t)
	h.send(createBuffer(1, 8, copyUsage))
	h.dev.Lose("gone")
	h.replies()

	h.send(protocol.DestroyObjectCmd{Type: objects.TypeBuffer, ID: 1})
	if got := h.dev.Calls("Buffer.Release"); got != 1 {
		t.Errorf("Buffer.Release calls = %d, want 1", got)
	}
	if e, _ := h.entry(objects.TypeBuffer, 1); e.State != objects.StateFree {
		t.Errorf("state = %v, want Free", e.State)
	}
}

func TestDeviceLoss_SweepFollowsRequestOrder(t *testing.T) {
	h := newHarness(t)
	h.send(
		createBuffer(1, 8, readUsage),
		createBuffer(2, 8, readUsage),
		createBuffer(3, 8, readUsage),
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		protocol.QueueCreateFenceCmd{Queue: queueID, Result: 1},
		protocol.BufferMapAsyncCmd{Buffer: 3, Serial: 1, Mode: protocol.MapModeRead, Size: 8},
		protocol.QueueSignalCmd{Queue: queueID, Fence: 1, Value: 1},
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 2, Mode: protocol.MapModeRead, Size: 8},
		protocol.BufferMapAsyncCmd{Buffer: 2, Serial: 3, Mode: protocol.MapModeRead, Size: 8},
	)
	h.dev.Lose("reset")

	msgs := h.replies()
	want := []string{"lost", "map 3", "fence 1", "map 1", "map 2"}
	if len(msgs) != len(want) {
		t.Fatalf("replies = %s, want %v", describe(msgs), want)
	}
	for i, m := range msgs {
		var got string
		switch r := m.(type) {
		case *protocol.DeviceLostReply:
			got = "lost"
		case *protocol.BufferMapAsyncCallbackReply:
			got = fmt.Sprintf("map %d", r.Buffer)
			if r.Status != protocol.MapAsyncDeviceLost {
				t.Errorf("map %d status = %v", r.Buffer, r.Status)
			}
		case *protocol.FenceUpdateCompletedValueReply:
			got = fmt.Sprintf("fence %d", r.Fence)
			if r.Status != protocol.FenceCompletionDeviceLost {
				t.Errorf("fence %d status = %v", r.Fence, r.Status)
			}
		}
		if got != want[i] {
			t.Errorf("reply %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestDeviceLoss_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.dev.Lose("first")
	h.dev.EmitError(native.ErrorTypeDeviceLost, "second")
	h.dev.EmitError(native.ErrorTypeValidation, "ignored after loss")
	h.send(protocol.DeviceLoseForTestingCmd{Device: DeviceID})

	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s, want a single DeviceLost", describe(msgs))
	}
	if r, ok := msgs[0].(*protocol.DeviceLostReply); !ok || r.Message != "first" {
		t.Errorf("reply = %+v, want DeviceLost first", msgs[0])
	}
}

func TestDeviceLoss_NativeErrorTriggersSweep(t *testing.T) {
	h := newHarness(t)
	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 8, readUsage),
		createBuffer(2, 8, copyUsage),
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 1, Mode: protocol.MapModeRead, Size: 8},
	)
	lost := fmt.Errorf("%w: submission timed out", native.ErrDeviceLost)
	h.dev.FailNext("Queue.WriteBuffer", lost)
	h.send(protocol.QueueWriteBufferCmd{Queue: queueID, Buffer: 2, Data: []byte{1, 2, 3, 4}})

	msgs := h.replies()
	if len(msgs) != 2 {
		t.Fatalf("replies = %s, want DeviceLost and a map reply", describe(msgs))
	}
	if r, ok := msgs[0].(*protocol.DeviceLostReply); !ok || r.Message != lost.Error() {
		t.Errorf("first reply = %+v, want DeviceLost", msgs[0])
	}
	if r := asMap(t, msgs[1]); r.Status != protocol.MapAsyncDeviceLost {
		t.Errorf("map reply = %+v, want DeviceLost", r)
	}
	if !h.srv.DeviceLost() {
		t.Error("DeviceLost() = false")
	}
}

func TestDeviceLoss_MapAsyncNativeLost(t *testing.T) {
	h := newHarness(t)
	h.send(createBuffer(1, 8, readUsage))
	h.dev.FailNext("Buffer.MapAsync", native.ErrDeviceLost)
	h.send(protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 6, Mode: protocol.MapModeRead, Size: 8})

	msgs := h.replies()
	if len(msgs) != 2 {
		t.Fatalf("replies = %s, want DeviceLost then the map reply", describe(msgs))
	}
	if _, ok := msgs[0].(*protocol.DeviceLostReply); !ok {
		t.Errorf("first reply = %+v, want DeviceLost", msgs[0])
	}
	if r := asMap(t, msgs[1]); r.Serial != 6 || r.Status != protocol.MapAsyncDeviceLost {
		t.Errorf("map reply = %+v, want serial 6 DeviceLost", r)
	}
}
