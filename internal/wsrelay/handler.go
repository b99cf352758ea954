// Package wsrelay implements the bidirectional channel handler (spec
// component C7): the /ws endpoint pairing one desktop socket with zero or
// more mobile sockets inside a session, following the teacher's
// Session/dispatch split in server/session.go but generalized to this
// relay's auth handshake and command-forwarding rules instead of the
// teacher's topic subscription model.
package wsrelay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codexchat/remote-control-relay/internal/config"
	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
	"github.com/codexchat/remote-control-relay/internal/ratelimit"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

// maxWSMessagesPerMinute bounds inbound frames per socket. spec.md's
// environment-variable table has no knob for this quota (only the byte
// cap and the command/snapshot buckets are configurable), so it is fixed
// here rather than invented as a new config surface.
const maxWSMessagesPerMinute = 600

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // enforced explicitly for mobile below
}

// Server upgrades and drives the relay's bidirectional channel.
type Server struct {
	store   *relaystate.Store
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Registry

	activeCount *activeCounter
}

// New constructs a Server.
func New(store *relaystate.Store, cfg *config.Config, log logging.Logger, reg *metrics.Registry) *Server {
	return &Server{
		store:       store,
		cfg:         cfg,
		log:         log,
		metrics:     reg,
		activeCount: newActiveCounter(),
	}
}

// ServeHTTP upgrades the connection and runs its handshake and steady-state
// loop to completion. It never returns until the connection is finished.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxWSMessageBytes) + 1) // +1 so an exact-boundary frame is distinguishable from an over-cap one

	sock := newSocket(conn, s.cfg.MaxSocketOutboundQueue, s.metrics)
	go sock.writePump()

	bound, ok := s.handshake(conn, sock, r)
	if !ok {
		sock.Close(nil)
		return
	}

	s.metrics.ActiveWebsockets.Inc()
	defer s.metrics.ActiveWebsockets.Dec()

	s.runSteadyState(conn, sock, bound)
	s.teardown(sock, bound)
	sock.Close(nil)
}

// boundConnection is the resolved identity of an authenticated channel.
type boundConnection struct {
	role         string // "desktop" | "mobile"
	sessionID    string
	deviceID     string
	connectionID string
	inbound      *ratelimit.Buckets
	// counted is true when this connection was admitted as new growth
	// against maxActiveWebsocketConnections (as opposed to a reconnect
	// exempted from the cap), and so must release its slot at teardown.
	counted bool
}

// handshake implements spec.md §4.7.1. It returns ok=false if the
// connection should be dropped: silently for an origin or authentication
// failure, or after a disconnect frame when over capacity.
func (s *Server) handshake(conn *websocket.Conn, sock *socket, r *http.Request) (boundConnection, bool) {
	token, ok := s.resolveAuthToken(conn, r)
	if !ok {
		return boundConnection{}, false
	}

	nowMs := tokenutil.NowMs()

	if sessionID, err := s.store.ResolveDesktopAuth(token); err == nil {
		return s.finishDesktopHandshake(sock, sessionID, nowMs)
	}
	if sessionID, deviceID, err := s.store.ResolveMobileAuth(token, nowMs); err == nil {
		return s.finishMobileHandshake(sock, r, sessionID, deviceID, token, nowMs)
	}

	// Neither role resolved locally; the session may have been created on
	// another instance, so force a persistence refresh and retry once.
	if sessionID, deviceID, isDesktop, err := s.store.RefreshAndResolveRole(r.Context(), token, nowMs); err == nil {
		if isDesktop {
			return s.finishDesktopHandshake(sock, sessionID, nowMs)
		}
		return s.finishMobileHandshake(sock, r, sessionID, deviceID, token, nowMs)
	}

	return boundConnection{}, false
}

// resolveAuthToken returns the bearer token presented at the upgrade,
// either from the legacy query parameter or the first relay.auth frame.
func (s *Server) resolveAuthToken(conn *websocket.Conn, r *http.Request) (string, bool) {
	if s.cfg.AllowLegacyQueryTokenAuth {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, true
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.WSAuthTimeoutMs) * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		return "", false
	}

	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "relay.auth" {
		return "", false
	}
	if !tokenutil.IsOpaqueToken(frame.Token, 22) {
		return "", false
	}
	return frame.Token, true
}

func (s *Server) finishDesktopHandshake(sock *socket, sessionID string, nowMs int64) (boundConnection, bool) {
	counted, admitted := s.admitConnection(sessionID, "", true)
	if !admitted {
		sock.Close(encodeDisconnectFrame("relay_over_capacity"))
		return boundConnection{}, false
	}

	deviceCount, err := s.store.AttachDesktop(sessionID, sock, nowMs)
	if err != nil {
		if counted {
			s.activeCount.release()
		}
		return boundConnection{}, false
	}

	sock.Offer(encodeAuthOK("desktop", "", "", deviceCount))
	return boundConnection{
		role:      "desktop",
		sessionID: sessionID,
		inbound:   ratelimit.New(),
		counted:   counted,
	}, true
}

func (s *Server) finishMobileHandshake(sock *socket, r *http.Request, sessionID, deviceID, token string, nowMs int64) (boundConnection, bool) {
	if !s.cfg.IsAllowedOrigin(r.Header.Get("Origin")) {
		return boundConnection{}, false
	}
	counted, admitted := s.admitConnection(sessionID, deviceID, false)
	if !admitted {
		sock.Close(encodeDisconnectFrame("relay_over_capacity"))
		return boundConnection{}, false
	}

	connectionID := tokenutil.RandomToken(10)
	sock.deviceID = deviceID
	result, err := s.store.AttachMobile(token, connectionID, sock, s.cfg.TokenRotationGraceMs, nowMs)
	if err != nil {
		if counted {
			s.activeCount.release()
		}
		return boundConnection{}, false
	}

	sock.Offer(encodeAuthOK("mobile", result.DeviceID, result.NextDeviceSessionToken, result.ConnectedDeviceCount))
	return boundConnection{
		role:         "mobile",
		sessionID:    result.SessionID,
		deviceID:     result.DeviceID,
		connectionID: connectionID,
		inbound:      ratelimit.New(),
		counted:      counted,
	}, true
}

// admitConnection enforces the global websocket capacity cap, exempting
// reconnects (a socket replacing one already attached for this identity)
// from counting against growth, per spec.md §4.7.1 point 5. The first
// return value reports whether this connection consumed a capacity slot
// (false for an exempted reconnect) and so must release one at teardown.
func (s *Server) admitConnection(sessionID, deviceID string, desktop bool) (counted, admitted bool) {
	isReconnect := false
	if desktop {
		isReconnect = s.store.HasDesktopSocket(sessionID)
	} else {
		isReconnect = s.store.HasMobileSocket(sessionID, deviceID)
	}
	if isReconnect {
		return false, true
	}
	return true, s.activeCount.admitNewConnection(s.cfg.MaxActiveWebsocketConnections)
}

// runSteadyState reads frames until the connection errs out or is torn
// down by a fatal condition, dispatching per spec.md §4.7.2.
func (s *Server) runSteadyState(conn *websocket.Conn, sock *socket, bound boundConnection) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if len(data) > s.cfg.MaxWSMessageBytes {
			sock.Close(encodeDisconnectFrame("message_too_large"))
			return
		}
		if !bound.inbound.Consume("socket", maxWSMessagesPerMinute, tokenutil.NowMs()) {
			sock.Close(encodeDisconnectFrame("socket_rate_limited"))
			return
		}

		var envelope map[string]interface{}
		if json.Unmarshal(data, &envelope) != nil {
			continue // best-effort parse; non-JSON frames are silently ignored
		}
		if sid, ok := envelope["sessionID"].(string); ok && sid != "" && sid != bound.sessionID {
			continue
		}

		nowMs := tokenutil.NowMs()
		s.store.Touch(bound.sessionID, nowMs)

		if bound.role == "desktop" {
			s.handleDesktopFrame(sock, bound, data, envelope, nowMs)
		} else {
			s.handleMobileFrame(sock, bound, data, envelope, nowMs)
		}
	}
}

func (s *Server) handleDesktopFrame(sock *socket, bound boundConnection, raw []byte, envelope map[string]interface{}, nowMs int64) {
	if t, _ := envelope["type"].(string); t == "relay.pair_decision" {
		var frame pairDecisionFrame
		_ = json.Unmarshal(raw, &frame)
		_ = s.store.ApplyPairDecisionFromDesktop(bound.sessionID, frame.RequestID, frame.Approved, "")
		sock.Offer(encodePairResult(bound.sessionID, frame.RequestID, frame.Approved))
		return
	}

	_ = s.store.ForwardDesktopFrameToMobiles(bound.sessionID, "", raw, nowMs)
}

func (s *Server) handleMobileFrame(sock *socket, bound boundConnection, raw []byte, envelope map[string]interface{}, nowMs int64) {
	if t, _ := envelope["type"].(string); t == "relay.snapshot_request" {
		s.handleSnapshotRequest(sock, bound, raw, nowMs)
		return
	}

	s.handleCommandEnvelope(sock, bound, raw, envelope, nowMs)
}

func (s *Server) handleSnapshotRequest(sock *socket, bound boundConnection, raw []byte, nowMs int64) {
	var frame snapshotRequestFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sock.Offer(encodeErrorFrame("invalid_snapshot_request", "malformed snapshot request"))
		return
	}
	if len(frame.Reason) > 128 {
		sock.Offer(encodeErrorFrame("invalid_snapshot_request", "reason exceeds 128 bytes"))
		return
	}
	if !s.store.ConsumeDeviceSnapshotBucket(bound.sessionID, bound.deviceID, s.cfg.MaxSnapshotRequestsPerMinute, nowMs) {
		sock.Offer(encodeErrorFrame("snapshot_rate_limited", "too many snapshot requests"))
		return
	}
	_ = s.store.ForwardMobileFrameToDesktop(bound.sessionID, raw, nowMs)
}

func (s *Server) handleCommandEnvelope(sock *socket, bound boundConnection, raw []byte, envelope map[string]interface{}, nowMs int64) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		sock.Offer(encodeErrorFrame("invalid_payload", "malformed command envelope"))
		return
	}
	if env.SchemaVersion != 1 {
		sock.Offer(encodeErrorFrame("unsupported_schema", "schemaVersion must be 1"))
		return
	}
	if !s.store.CheckAndAdvanceSequence(bound.sessionID, bound.connectionID, env.Seq) {
		sock.Offer(encodeErrorFrame("replayed_command", "sequence number already observed"))
		return
	}
	if !s.store.ConsumeDeviceCommandBucket(bound.sessionID, bound.deviceID, s.cfg.MaxRemoteCommandsPerMinute, nowMs) {
		sock.Offer(encodeErrorFrame("command_rate_limited", "too many commands from this device"))
		return
	}
	if !s.store.ConsumeSessionCommandBucket(bound.sessionID, s.cfg.MaxRemoteCommandsPerMinute, nowMs) {
		sock.Offer(encodeErrorFrame("command_rate_limited", "too many commands for this session"))
		return
	}

	if env.Payload.Type != "command" {
		sock.Offer(encodeErrorFrame("invalid_command", "payload.type must be \"command\""))
		return
	}
	var name commandName
	var fields map[string]interface{}
	if err := json.Unmarshal(env.Payload.Payload, &name); err != nil {
		sock.Offer(encodeErrorFrame("invalid_command", "missing command name"))
		return
	}
	_ = json.Unmarshal(env.Payload.Payload, &fields)
	if code, ok := validateCommand(name.Name, fields, s.cfg.MaxRemoteCommandTextBytes); !ok {
		sock.Offer(encodeErrorFrame(code, "command failed validation"))
		return
	}

	var top map[string]interface{}
	if json.Unmarshal(raw, &top) != nil {
		return
	}
	top["relayConnectionID"] = bound.connectionID
	top["relayDeviceID"] = bound.deviceID
	annotated, err := json.Marshal(top)
	if err != nil {
		return
	}

	_ = s.store.ForwardMobileFrameToDesktop(bound.sessionID, annotated, nowMs)
}

// teardown releases the identity bound by a successful handshake, per
// spec.md §4.7.3. A connection that never completed its handshake has a
// zero-value boundConnection and there is nothing to release.
func (s *Server) teardown(sock *socket, bound boundConnection) {
	if bound.sessionID == "" {
		return
	}
	if bound.counted {
		s.activeCount.release()
	}
	if bound.role == "desktop" {
		s.store.DetachDesktop(bound.sessionID, sock)
		return
	}
	if bound.role == "mobile" {
		s.store.DetachMobile(bound.sessionID, bound.connectionID)
	}
}
