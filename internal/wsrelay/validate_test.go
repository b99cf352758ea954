package wsrelay

import "testing"

func TestValidateCommandRejectsUnknownName(t *testing.T) {
	if _, ok := validateCommand("pointer.move", map[string]interface{}{}, 4096); ok {
		t.Fatal("expected an unlisted command name to be rejected")
	}
}

func TestValidateCommandThreadSendMessage(t *testing.T) {
	fields := map[string]interface{}{"threadID": "thread-1", "text": "hello"}
	if _, ok := validateCommand("thread.send_message", fields, 4096); !ok {
		t.Fatal("expected a well-formed thread.send_message to validate")
	}
}

func TestValidateCommandRejectsBlankText(t *testing.T) {
	fields := map[string]interface{}{"threadID": "thread-1", "text": "   "}
	if _, ok := validateCommand("thread.send_message", fields, 4096); ok {
		t.Fatal("expected whitespace-only text to be rejected")
	}
}

func TestValidateCommandRejectsOversizedText(t *testing.T) {
	fields := map[string]interface{}{"threadID": "thread-1", "text": "hello"}
	if _, ok := validateCommand("thread.send_message", fields, 3); ok {
		t.Fatal("expected text exceeding the byte cap to be rejected")
	}
}

func TestValidateCommandRejectsMalformedThreadID(t *testing.T) {
	fields := map[string]interface{}{"threadID": "has a space", "text": "hi"}
	if _, ok := validateCommand("thread.send_message", fields, 4096); ok {
		t.Fatal("expected a non-compact threadID to be rejected")
	}
}

func TestValidateCommandThreadSelect(t *testing.T) {
	if _, ok := validateCommand("thread.select", map[string]interface{}{"threadID": "abc_123"}, 4096); !ok {
		t.Fatal("expected a valid thread.select to validate")
	}
}

func TestValidateCommandProjectSelect(t *testing.T) {
	if _, ok := validateCommand("project.select", map[string]interface{}{"projectID": "proj-1"}, 4096); !ok {
		t.Fatal("expected a valid project.select to validate")
	}
	if _, ok := validateCommand("project.select", map[string]interface{}{"projectID": ""}, 4096); ok {
		t.Fatal("expected an empty projectID to be rejected")
	}
}

func TestValidateCommandApprovalRespond(t *testing.T) {
	fields := map[string]interface{}{"approvalRequestID": "12345", "approvalDecision": "approve_once"}
	if _, ok := validateCommand("approval.respond", fields, 4096); !ok {
		t.Fatal("expected a valid approval.respond to validate")
	}
}

func TestValidateCommandApprovalRespondRejectsNonDigitID(t *testing.T) {
	fields := map[string]interface{}{"approvalRequestID": "abc123", "approvalDecision": "approve_once"}
	if _, ok := validateCommand("approval.respond", fields, 4096); ok {
		t.Fatal("expected a non-numeric approvalRequestID to be rejected")
	}
}

func TestValidateCommandApprovalRespondRejectsUnknownDecision(t *testing.T) {
	fields := map[string]interface{}{"approvalRequestID": "123", "approvalDecision": "maybe"}
	if _, ok := validateCommand("approval.respond", fields, 4096); ok {
		t.Fatal("expected an unlisted approval decision to be rejected")
	}
}
