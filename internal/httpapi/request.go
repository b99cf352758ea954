package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

func nowMs() int64 { return time.Now().UTC().UnixMilli() }

// errorBody is the closed error envelope from spec.md §6: {error, message}.
// Handlers may embed extra fields (pair_request_in_progress's requestID and
// expiresAt) by building their own struct instead of calling writeError.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes the standard error envelope and, if w was wrapped by
// pairingMiddleware's statusRecorder, records the error code for metrics.
func writeError(w http.ResponseWriter, status int, code, message string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// decodeJSON parses one JSON value from the request body into dst. Unknown
// fields are ignored and anything after the first value is not read.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// statusForCode maps a relaystate.Code to its HTTP status per spec.md §4.6.
func statusForCode(code relaystate.Code) int {
	switch code {
	case relaystate.CodeInvalidPairStart, relaystate.CodeExpiredJoinToken:
		return http.StatusBadRequest
	case relaystate.CodeSessionNotFound:
		return http.StatusNotFound
	case relaystate.CodeJoinTokenExpired:
		return http.StatusGone
	case relaystate.CodeJoinTokenAlreadyUsed:
		return http.StatusConflict
	case relaystate.CodeInvalidJoinToken:
		return http.StatusForbidden
	case relaystate.CodeDeviceCapReached:
		return http.StatusConflict
	case relaystate.CodeDesktopNotConnected:
		return http.StatusConflict
	case relaystate.CodePairRequestInProgress:
		return http.StatusConflict
	case relaystate.CodePairingBackpressure:
		return http.StatusServiceUnavailable
	case relaystate.CodePairRequestTimedOut:
		return http.StatusRequestTimeout
	case relaystate.CodePairRequestDenied:
		return http.StatusForbidden
	case relaystate.CodeInvalidDesktopSessionTok:
		return http.StatusForbidden
	case relaystate.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError translates a relaystate error (typed *relaystate.Error,
// *relaystate.PairRequestInProgress, or nil) into the wire error envelope.
// Returns false if err was nil (nothing written).
func writeStoreError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if prog, ok := err.(*relaystate.PairRequestInProgress); ok {
		if rec, ok := w.(*statusRecorder); ok {
			rec.errorCode = string(relaystate.CodePairRequestInProgress)
		}
		writeJSON(w, http.StatusConflict, struct {
			Error     string `json:"error"`
			Message   string `json:"message"`
			RequestID string `json:"requestID"`
			ExpiresAt string `json:"expiresAt"`
		}{
			Error:     string(relaystate.CodePairRequestInProgress),
			Message:   "a pairing request is already awaiting approval for this session",
			RequestID: prog.RequestID,
			ExpiresAt: tokenutil.RFC3339FromMs(prog.ExpiresAtMs),
		})
		return true
	}
	if rerr, ok := err.(*relaystate.Error); ok {
		writeError(w, statusForCode(rerr.Code), string(rerr.Code), rerr.Message)
		return true
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	return true
}
