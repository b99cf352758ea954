package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

const (
	minSessionIDChars  = 16
	minJoinTokenChars  = 22
	minDesktopTokChars = 22

	defaultIdleTimeoutSeconds = 1800
	minIdleTimeoutSeconds     = 60
	maxIdleTimeoutSeconds     = 86400
)

// --- pair/start -------------------------------------------------------

type pairStartRequest struct {
	SessionID           string `json:"sessionID"`
	JoinToken           string `json:"joinToken"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
	RelayWebSocketURL   string `json:"relayWebSocketURL"`
	IdleTimeoutSeconds  int    `json:"idleTimeoutSeconds"`
}

type pairStartResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionID"`
	WSURL     string `json:"wsURL"`
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	var req pairStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}

	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) ||
		!tokenutil.IsOpaqueToken(req.JoinToken, minJoinTokenChars) ||
		!tokenutil.IsOpaqueToken(req.DesktopSessionToken, minDesktopTokChars) {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID, joinToken, and desktopSessionToken must be opaque tokens of sufficient length")
		return
	}

	expiresAtMs, err := tokenutil.ParseRFC3339ToMs(req.JoinTokenExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "joinTokenExpiresAt must be an RFC 3339 timestamp")
		return
	}

	now := nowMs()
	if expiresAtMs <= now {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeExpiredJoinToken), "joinTokenExpiresAt must be strictly in the future")
		return
	}

	wsURL := s.cfg.WebsocketURL()
	if req.RelayWebSocketURL != "" {
		normalized, ok := normalizeWSURL(req.RelayWebSocketURL)
		if !ok {
			writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "relayWebSocketURL is not a valid ws(s):// URL")
			return
		}
		wsURL = normalized
	}

	idle := req.IdleTimeoutSeconds
	if idle == 0 {
		idle = defaultIdleTimeoutSeconds
	}
	if idle < minIdleTimeoutSeconds {
		idle = minIdleTimeoutSeconds
	}
	if idle > maxIdleTimeoutSeconds {
		idle = maxIdleTimeoutSeconds
	}

	session := s.store.PairStart(relaystate.PairStartInput{
		SessionID:            req.SessionID,
		JoinToken:            req.JoinToken,
		DesktopSessionToken:  req.DesktopSessionToken,
		JoinTokenExpiresAtMs: expiresAtMs,
		RelayWebSocketURL:    wsURL,
		IdleTimeoutSeconds:   idle,
		NowMs:                now,
	})
	s.metrics.SessionsCreated.Inc()

	writeJSON(w, http.StatusOK, pairStartResponse{Accepted: true, SessionID: session.ID, WSURL: session.RelayWebSocketURL})
}

// normalizeWSURL validates and normalizes a client-supplied relay URL per
// spec.md §3: scheme ws|wss, path /ws, no query or fragment.
func normalizeWSURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", false
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), true
}

// --- pair/join ----------------------------------------------------------

type pairJoinRequest struct {
	SessionID  string `json:"sessionID"`
	JoinToken  string `json:"joinToken"`
	DeviceName string `json:"deviceName"`
}

type pairJoinResponse struct {
	SessionID          string `json:"sessionID"`
	DeviceID           string `json:"deviceID"`
	DeviceSessionToken string `json:"deviceSessionToken"`
}

func (s *Server) handlePairJoin(w http.ResponseWriter, r *http.Request) {
	var req pairJoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}
	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) || !tokenutil.IsOpaqueToken(req.JoinToken, minJoinTokenChars) {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID and joinToken must be opaque tokens")
		return
	}

	if s.refresh != nil {
		s.refresh()
	}

	begin, err := s.store.BeginJoin(req.SessionID, req.JoinToken, req.DeviceName, s.clientIP(r), nowMs())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.store.EnsureBusSubscription(req.SessionID)
	defer s.store.ReleaseBusSubscription(req.SessionID)

	if begin.NotifyDesktop != nil {
		begin.NotifyDesktop.Offer(begin.NotifyPayload)
	} else if begin.NotifyViaBus {
		s.store.PublishPairRequestToBus(req.SessionID, begin.NotifyPayload)
	}

	ctx := r.Context()
	timeout := time.Until(tokenutil.FromMs(begin.Pending.ExpiresAtMs))
	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-begin.Pending.Wait():
		fin, err := s.store.FinishJoin(req.SessionID, begin.Pending.RequestID, req.JoinToken, req.DeviceName, decision, false, nowMs())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pairJoinResponse{
			SessionID:          req.SessionID,
			DeviceID:           fin.DeviceID,
			DeviceSessionToken: fin.DeviceSessionToken,
		})
	case <-timer.C:
		_, err := s.store.FinishJoin(req.SessionID, begin.Pending.RequestID, req.JoinToken, req.DeviceName, relaystate.JoinDecision{}, true, nowMs())
		writeStoreError(w, err)
	case <-ctx.Done():
		// Client went away before a decision arrived: release the waiter
		// slot without ever writing a response.
		s.store.AbandonJoin(req.SessionID, begin.Pending.RequestID)
	}
}

// --- pair/refresh ---------------------------------------------------------

type pairRefreshRequest struct {
	SessionID           string `json:"sessionID"`
	JoinToken           string `json:"joinToken"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
}

func (s *Server) handlePairRefresh(w http.ResponseWriter, r *http.Request) {
	var req pairRefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}
	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) ||
		!tokenutil.IsOpaqueToken(req.JoinToken, minJoinTokenChars) ||
		!tokenutil.IsOpaqueToken(req.DesktopSessionToken, minDesktopTokChars) {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID, joinToken, and desktopSessionToken must be opaque tokens")
		return
	}

	expiresAtMs, err := tokenutil.ParseRFC3339ToMs(req.JoinTokenExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "joinTokenExpiresAt must be an RFC 3339 timestamp")
		return
	}
	now := nowMs()
	if expiresAtMs <= now {
		writeError(w, http.StatusGone, string(relaystate.CodeExpiredJoinToken), "joinTokenExpiresAt must be strictly in the future")
		return
	}

	if err := s.store.PairRefresh(req.SessionID, req.DesktopSessionToken, req.JoinToken, expiresAtMs, now); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairStartResponse{Accepted: true, SessionID: req.SessionID})
}

// --- pair/stop --------------------------------------------------------

type pairStopRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
}

func (s *Server) handlePairStop(w http.ResponseWriter, r *http.Request) {
	var req pairStopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}
	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) || !tokenutil.IsOpaqueToken(req.DesktopSessionToken, minDesktopTokChars) {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID and desktopSessionToken must be opaque tokens")
		return
	}

	if err := s.store.PairStop(req.SessionID, req.DesktopSessionToken); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Stopped bool `json:"stopped"`
	}{Stopped: true})
}
