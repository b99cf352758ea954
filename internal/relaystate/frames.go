package relaystate

import "encoding/json"

// These two frame shapes are emitted directly by store operations (session
// closure, device-count changes) rather than by the wire-handling layer,
// since they are triggered purely by state transitions the store itself
// decides on. The relay.pair_request frame is also built inside this
// package (store_effects.go, from BeginJoin). Every other outbound frame
// shape (auth_ok, relay.error, command forwarding, ...) is built by
// internal/wsrelay, which has the connection-specific context to fill it in.

type disconnectFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func encodeDisconnect(reason string) []byte {
	b, _ := json.Marshal(disconnectFrame{Type: "disconnect", Reason: reason})
	return b
}

type deviceCountFrame struct {
	Type                 string `json:"type"`
	ConnectedDeviceCount int    `json:"connectedDeviceCount"`
}

func encodeDeviceCount(count int) []byte {
	b, _ := json.Marshal(deviceCountFrame{Type: "relay.device_count", ConnectedDeviceCount: count})
	return b
}

func connectedDeviceCount(s *Session) int {
	return len(s.mobiles)
}
