package relaystate

// Code is one of the closed set of snake_case error codes from spec.md §7.
type Code string

const (
	CodeInvalidPairStart          Code = "invalid_pair_start"
	CodeExpiredJoinToken          Code = "expired_join_token"
	CodeSessionNotFound           Code = "session_not_found"
	CodeJoinTokenExpired          Code = "join_token_expired"
	CodeJoinTokenAlreadyUsed      Code = "join_token_already_used"
	CodeInvalidJoinToken          Code = "invalid_join_token"
	CodeDeviceCapReached          Code = "device_cap_reached"
	CodeDesktopNotConnected       Code = "desktop_not_connected"
	CodePairRequestInProgress     Code = "pair_request_in_progress"
	CodePairingBackpressure       Code = "pairing_backpressure"
	CodePairRequestTimedOut       Code = "pair_request_timed_out"
	CodePairRequestDenied         Code = "pair_request_denied"
	CodeInvalidDesktopSessionTok  Code = "invalid_desktop_session_token"
	CodeRateLimited               Code = "rate_limited"
)

// Error is a typed relaystate failure carrying the wire error code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func errOf(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

// PairRequestInProgress is returned by BeginJoin when a pending approval
// already exists for the session; the HTTP layer echoes its RequestID and
// ExpiresAtMs per spec.md §4.6.2.
type PairRequestInProgress struct {
	RequestID   string
	ExpiresAtMs int64
}

func (e *PairRequestInProgress) Error() string { return string(CodePairRequestInProgress) }
