package server

import (
	"testing"
	"time"

	"github.com/gogpu/gpuwire/native/halnative"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

func TestHalNoop_WriteMapRoundTrip(t *testing.T) {
	dev, err := halnative.NewNoop(halnative.WithLabel("server-test"), halnative.WithFenceTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewNoop failed: %v", err)
	}
	t.Cleanup(dev.Release)

	out := protocol.NewBufferSerializer()
	srv, err := New(dev, out)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	h := &harness{t: t, out: out, srv: srv}

	h.send(
		protocol.DeviceGetQueueCmd{Device: DeviceID, Result: queueID},
		createBuffer(1, 64, writeUsage),
		protocol.BufferMapAsyncCmd{Buffer: 1, Serial: 7, Mode: protocol.MapModeWrite, Offset: 0, Size: 16},
	)
	h.waitIdle()

	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s, want one map reply", describe(msgs))
	}
	if r := asMap(t, msgs[0]); r.Serial != 7 || r.Status != protocol.MapAsyncSuccess || len(r.Data) != 0 {
		t.Fatalf("reply = %+v, want serial 7 Success without data", r)
	}

	h.send(
		protocol.BufferUpdateMappedDataCmd{Buffer: 1, Offset: 4, Data: []byte{9, 8, 7, 6}},
		protocol.BufferUnmapCmd{Buffer: 1},
		protocol.DestroyObjectCmd{Type: objects.TypeBuffer, ID: 1},
	)
	h.expectNoReplies()
	if e, _ := h.entry(objects.TypeBuffer, 1); e.State != objects.StateFree || e.Generation != 1 {
		t.Errorf("buffer entry = %+v, want Free generation 1", e)
	}
}

func TestHalNoop_LoseForTesting(t *testing.T) {
	dev, err := halnative.NewNoop()
	if err != nil {
		t.Fatalf("NewNoop failed: %v", err)
	}
	t.Cleanup(dev.Release)

	out := protocol.NewBufferSerializer()
	srv, err := New(dev, out)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	h := &harness{t: t, out: out, srv: srv}

	h.send(protocol.DeviceLoseForTestingCmd{Device: DeviceID})
	deadline := time.Now().Add(5 * time.Second)
	for !srv.DeviceLost() {
		if time.Now().After(deadline) {
			t.Fatal("device loss was not forwarded")
		}
		time.Sleep(time.Millisecond)
	}
	msgs := h.replies()
	if len(msgs) != 1 {
		t.Fatalf("replies = %s, want DeviceLost", describe(msgs))
	}
	if _, ok := msgs[0].(*protocol.DeviceLostReply); !ok {
		t.Errorf("reply = %+v, want DeviceLost", msgs[0])
	}
}
