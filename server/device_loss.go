// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package server

import "github.com/gogpu/gpuwire/protocol"

// loseDevice runs the device-loss sweep. The first call marks the device
// lost, emits DeviceLost and then fails every pending request with a
// device-lost reply in the order the requests were made. Later calls do
// nothing. Callers hold s.mu.
//
// Once the device is lost every command except DestroyObject stops before
// reaching the native API.
func (s *Server) loseDevice(message string) {
	if s.deviceLost {
		return
	}
	s.deviceLost = true

	reqs := s.pending.ordered(nil)
	s.logger().Info("gpuwire: device lost", "message", message, "pending", len(reqs))
	s.emit(protocol.DeviceLostReply{Message: message})
	for _, req := range reqs {
		s.cancel(req, cancelDeviceLost)
	}
}
