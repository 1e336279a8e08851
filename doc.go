// Package gpuwire is the server half of a GPU command-stream wire protocol.
//
// # Overview
//
// A client that is not trusted with a GPU device (a sandboxed renderer, a
// plugin, another process) records GPU API calls into a flat byte stream. The
// server side, implemented by this module, decodes that stream defensively,
// replays the calls against a real in-process GPU device and sends the
// results of asynchronous operations back as reply messages.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpuwire/native/halnative"
//	    "github.com/gogpu/gpuwire/protocol"
//	    "github.com/gogpu/gpuwire/server"
//	)
//
//	dev, _ := halnative.NewNoop()
//	out := protocol.NewBufferSerializer()
//	srv, _ := server.New(dev, out)
//	defer srv.Close()
//
//	if _, err := srv.HandleCommands(stream); err != nil {
//	    // The connection can no longer be trusted: tear it down.
//	}
//	replies := out.Take()
//
// # Architecture
//
// The module is organized into:
//   - protocol: opcodes, the bounds-checked command decoder, reply framing
//   - objects: per-type tables mapping client ids to native handles
//   - server: dispatcher, pre/post hooks, callback forwarding, device loss
//   - native: the GPU API the server replays into, with halnative backed by
//     gogpu/wgpu HAL devices
//
// # Logging
//
// The module is silent by default. Call [SetLogger] to route diagnostics to
// any slog handler.
package gpuwire

// Version information
const (
	// Version is the current version of the module
	Version = "0.1.0-alpha.1"

	// ProtocolVersion is the wire protocol revision spoken by the server.
	// It changes whenever an opcode or a payload layout changes.
	ProtocolVersion = 1
)
