package wsrelay

import "encoding/json"

// Wire frame shapes owned by the bidirectional channel handler itself —
// the handshake and steady-state frames relaystate never constructs.
// relaystate builds its own store-driven frames (disconnect, device count,
// relay.pair_request) and the join-decision bus payload.

type disconnectFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func encodeDisconnectFrame(reason string) []byte {
	b, _ := json.Marshal(disconnectFrame{Type: "disconnect", Reason: reason})
	return b
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeErrorFrame(code, message string) []byte {
	b, _ := json.Marshal(errorFrame{Type: "relay.error", Code: code, Message: message})
	return b
}

type authOKFrame struct {
	Type                   string `json:"type"`
	Role                   string `json:"role"`
	DeviceID               string `json:"deviceID,omitempty"`
	NextDeviceSessionToken string `json:"nextDeviceSessionToken,omitempty"`
	ConnectedDeviceCount   int    `json:"connectedDeviceCount"`
}

func encodeAuthOK(role, deviceID, nextToken string, count int) []byte {
	b, _ := json.Marshal(authOKFrame{
		Type:                   "auth_ok",
		Role:                   role,
		DeviceID:               deviceID,
		NextDeviceSessionToken: nextToken,
		ConnectedDeviceCount:   count,
	})
	return b
}

type pairResultFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Approved  bool   `json:"approved"`
}

func encodePairResult(sessionID, requestID string, approved bool) []byte {
	b, _ := json.Marshal(pairResultFrame{
		Type:      "relay.pair_result",
		SessionID: sessionID,
		RequestID: requestID,
		Approved:  approved,
	})
	return b
}

// authFrame is the first text frame a connection must send when it did not
// authenticate via the legacy ?token= query parameter.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// pairDecisionFrame is what a desktop sends to approve or deny a pending
// pair/join request.
type pairDecisionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Approved  bool   `json:"approved"`
}

// snapshotRequestFrame is a mobile's request for a fresh desktop snapshot.
type snapshotRequestFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionID,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	LastSeq   *uint64 `json:"lastSeq,omitempty"`
}

// commandEnvelope is a mobile's remote-command request. Payload is kept raw
// so the name/fields can be validated against the allow-list below before
// the envelope is re-serialized with the relay-injected connection/device
// IDs.
type commandEnvelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	SessionID     string          `json:"sessionID,omitempty"`
	Seq           uint64          `json:"seq"`
	Payload       commandPayload  `json:"payload"`
	Raw           json.RawMessage `json:"-"`
}

type commandPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type commandName struct {
	Name string `json:"name"`
}

// allowedCommands is the closed set of command names a mobile device may
// send to the desktop, per spec.md §4.7.2.
var allowedCommands = map[string]bool{
	"thread.send_message": true,
	"thread.select":       true,
	"project.select":      true,
	"approval.respond":    true,
}
