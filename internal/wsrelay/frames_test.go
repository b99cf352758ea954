package wsrelay

import (
	"encoding/json"
	"testing"
)

func TestEncodeDisconnectFrame(t *testing.T) {
	var got disconnectFrame
	if err := json.Unmarshal(encodeDisconnectFrame("idle_timeout"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "disconnect" || got.Reason != "idle_timeout" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeErrorFrame(t *testing.T) {
	var got errorFrame
	if err := json.Unmarshal(encodeErrorFrame("invalid_command", "bad payload"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "relay.error" || got.Code != "invalid_command" || got.Message != "bad payload" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeAuthOK(t *testing.T) {
	var got authOKFrame
	if err := json.Unmarshal(encodeAuthOK("mobile", "dev-1", "next-tok", 3), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Role != "mobile" || got.DeviceID != "dev-1" || got.NextDeviceSessionToken != "next-tok" || got.ConnectedDeviceCount != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodePairResult(t *testing.T) {
	var got pairResultFrame
	if err := json.Unmarshal(encodePairResult("sess-1", "req-1", false), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != "sess-1" || got.RequestID != "req-1" || got.Approved {
		t.Fatalf("got %+v", got)
	}
}

func TestCommandEnvelopeDecodesNestedPayload(t *testing.T) {
	raw := []byte(`{"schemaVersion":1,"sessionID":"sess-1","seq":5,"payload":{"type":"command","payload":{"name":"thread.select","threadID":"t-1"}}}`)
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.SchemaVersion != 1 || env.Seq != 5 || env.Payload.Type != "command" {
		t.Fatalf("got %+v", env)
	}
	var name commandName
	if err := json.Unmarshal(env.Payload.Payload, &name); err != nil {
		t.Fatalf("unmarshal name: %v", err)
	}
	if name.Name != "thread.select" {
		t.Fatalf("name = %q", name.Name)
	}
}
