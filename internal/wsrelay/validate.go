package wsrelay

import (
	"regexp"
	"strings"
)

var compactIdentifier = regexp.MustCompile(`^[A-Za-z0-9_:-]{1,128}$`)
var digitsIdentifier = regexp.MustCompile(`^[0-9]{1,32}$`)

var allowedApprovalDecisions = map[string]bool{
	"approve_once":        true,
	"approve_for_session": true,
	"decline":             true,
}

// validateCommand checks a parsed command payload's name-specific fields,
// returning a more specific relay.error code on failure, per spec.md §4.7.2's
// allow-list table.
func validateCommand(name string, fields map[string]interface{}, maxTextBytes int) (code string, ok bool) {
	if !allowedCommands[name] {
		return "invalid_command", false
	}

	switch name {
	case "thread.send_message":
		threadID, _ := fields["threadID"].(string)
		text, _ := fields["text"].(string)
		if !compactIdentifier.MatchString(threadID) {
			return "invalid_command", false
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return "invalid_command", false
		}
		if len(text) > maxTextBytes {
			return "invalid_command", false
		}
		return "", true

	case "thread.select":
		threadID, _ := fields["threadID"].(string)
		if !compactIdentifier.MatchString(threadID) {
			return "invalid_command", false
		}
		return "", true

	case "project.select":
		projectID, _ := fields["projectID"].(string)
		if !compactIdentifier.MatchString(projectID) {
			return "invalid_command", false
		}
		return "", true

	case "approval.respond":
		requestID, _ := fields["approvalRequestID"].(string)
		decision, _ := fields["approvalDecision"].(string)
		if !digitsIdentifier.MatchString(requestID) {
			return "invalid_command", false
		}
		if !allowedApprovalDecisions[decision] {
			return "invalid_command", false
		}
		return "", true
	}

	return "invalid_command", false
}
