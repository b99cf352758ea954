package relaystate

import (
	"encoding/json"

	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

// --- handshake auth resolution -------------------------------------------

// ResolveDesktopAuth maps a desktop session token to its session ID.
func (st *Store) ResolveDesktopAuth(token string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sessionID, ok := st.desktopTokens[token]
	if !ok {
		return "", errOf(CodeInvalidDesktopSessionTok, "unrecognized desktop session token")
	}
	return sessionID, nil
}

// ResolveMobileAuth maps a device session token to its session and device
// ID, honoring the token-rotation grace window (a token with a non-zero
// expiresAtMs remains valid until that deadline, letting an in-flight
// reconnect using the prior token still succeed).
func (st *Store) ResolveMobileAuth(token string, nowMs int64) (sessionID, deviceID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.deviceTokens[token]
	if !ok {
		return "", "", errOf(CodeInvalidDesktopSessionTok, "unrecognized device session token")
	}
	if entry.expiresAtMs != 0 && nowMs > entry.expiresAtMs {
		delete(st.deviceTokens, token)
		return "", "", errOf(CodeInvalidDesktopSessionTok, "device session token has expired")
	}
	if _, ok := st.sessions[entry.sessionID]; !ok {
		return "", "", errOf(CodeSessionNotFound, "session no longer exists")
	}
	return entry.sessionID, entry.deviceID, nil
}

// RotateDeviceToken issues a new token for a device, keeping the old one
// valid for graceMs so connections mid-flight with the prior token are not
// abruptly rejected.
func (st *Store) RotateDeviceToken(sessionID, deviceID string, graceMs, nowMs int64) (string, error) {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return "", errOf(CodeSessionNotFound, "no session with that ID")
	}
	d, ok := s.devices[deviceID]
	if !ok {
		st.mu.Unlock()
		return "", errOf(CodeSessionNotFound, "no such device")
	}

	oldToken := d.CurrentDeviceSessionToken
	newToken := tokenutil.RandomToken(32)

	d.CurrentDeviceSessionToken = newToken
	st.deviceTokens[newToken] = &deviceTokenEntry{sessionID: sessionID, deviceID: deviceID}
	if entry, ok := st.deviceTokens[oldToken]; ok {
		if graceMs <= 0 {
			delete(st.deviceTokens, oldToken)
		} else {
			entry.expiresAtMs = nowMs + graceMs
		}
	}

	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	st.persistSave(snapshot)
	return newToken, nil
}

// --- attach / detach ------------------------------------------------------

// AttachDesktop binds a live desktop socket to a session, replacing and
// closing any prior desktop socket. Returns the current connected mobile
// count so the caller can send an initial relay.device_count frame.
func (st *Store) AttachDesktop(sessionID string, socket Socket, nowMs int64) (deviceCount int, err error) {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return 0, errOf(CodeSessionNotFound, "no session with that ID")
	}

	var prior *socketClose
	if s.desktop != nil {
		prior = &socketClose{socket: s.desktop, payload: encodeDisconnect("desktop_reconnected")}
	}
	s.desktop = socket
	s.LastActivityAtMs = nowMs
	deviceCount = len(s.mobiles)

	if st.pub != nil {
		st.pub.EnsureSubscription(sessionID)
	}
	st.mu.Unlock()

	if prior != nil {
		prior.fire()
	}
	return deviceCount, nil
}

// DetachDesktop clears a session's desktop socket, but only if socket is
// still the one attached (a newer connection may have already replaced
// it). The session itself is left intact.
func (st *Store) DetachDesktop(sessionID string, socket Socket) {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	if s.desktop != socket {
		st.mu.Unlock()
		return
	}
	s.desktop = nil
	st.failPendingLocked(s, "desktop_disconnected")
	releaseBus := !s.HasLiveSockets()
	st.mu.Unlock()

	if releaseBus {
		st.releaseBusSubscription(sessionID)
	}
	if st.pub != nil {
		st.pub.PublishSession(sessionID, "desktop_disconnected", "", nil)
	}
}

// AttachMobileResult is what the caller needs to finish an authenticated
// mobile handshake: the device identity and the fresh token to hand back
// in auth_ok.
type AttachMobileResult struct {
	SessionID              string
	DeviceID               string
	NextDeviceSessionToken string
	ConnectedDeviceCount   int
}

// AttachMobile binds a live mobile socket for an already-paired device,
// replacing any existing connection for the same device (evicted with
// reason device_reconnected) and rotating the device's token per the
// handshake contract: the caller authenticated with the old token, and
// receives a new one to use from here on.
func (st *Store) AttachMobile(deviceToken, connectionID string, socket Socket, graceMs, nowMs int64) (AttachMobileResult, error) {
	st.mu.Lock()

	entry, ok := st.deviceTokens[deviceToken]
	if !ok {
		st.mu.Unlock()
		return AttachMobileResult{}, errOf(CodeInvalidDesktopSessionTok, "unrecognized device session token")
	}
	if entry.expiresAtMs != 0 && nowMs > entry.expiresAtMs {
		st.mu.Unlock()
		return AttachMobileResult{}, errOf(CodeInvalidDesktopSessionTok, "device session token has expired")
	}

	s, ok := st.sessions[entry.sessionID]
	if !ok {
		st.mu.Unlock()
		return AttachMobileResult{}, errOf(CodeSessionNotFound, "no session with that ID")
	}
	d, ok := s.devices[entry.deviceID]
	if !ok {
		st.mu.Unlock()
		return AttachMobileResult{}, errOf(CodeSessionNotFound, "no such device")
	}

	var prior *socketClose
	for connID, m := range s.mobiles {
		if m.deviceID == entry.deviceID {
			prior = &socketClose{socket: m.socket, payload: encodeDisconnect("device_reconnected")}
			delete(s.mobiles, connID)
			break
		}
	}

	newToken := tokenutil.RandomToken(32)
	d.CurrentDeviceSessionToken = newToken
	st.deviceTokens[newToken] = &deviceTokenEntry{sessionID: s.ID, deviceID: entry.deviceID}
	if graceMs <= 0 {
		delete(st.deviceTokens, deviceToken)
	} else {
		entry.expiresAtMs = nowMs + graceMs
	}

	s.mobiles[connectionID] = &mobileConn{connectionID: connectionID, deviceID: entry.deviceID, socket: socket}
	d.LastSeenAtMs = nowMs
	s.LastActivityAtMs = nowMs

	var notifyDesktop Socket
	if s.desktop != nil {
		notifyDesktop = s.desktop
	}
	count := connectedDeviceCount(s)

	if st.pub != nil {
		st.pub.EnsureSubscription(s.ID)
	}
	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	if prior != nil {
		prior.fire()
	}
	if notifyDesktop != nil {
		notifyDesktop.Offer(encodeDeviceCount(count))
	}
	if st.pub != nil {
		st.pub.PublishSession(s.ID, "desktop", "", encodeDeviceCount(count))
	}
	st.persistSave(snapshot)

	return AttachMobileResult{
		SessionID:              s.ID,
		DeviceID:               entry.deviceID,
		NextDeviceSessionToken: newToken,
		ConnectedDeviceCount:   count,
	}, nil
}

// DetachMobile removes one mobile connection, identified by connection ID
// (never by device ID, since a newer connection for the same device may
// already have replaced it).
func (st *Store) DetachMobile(sessionID, connectionID string) {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	if _, ok := s.mobiles[connectionID]; !ok {
		st.mu.Unlock()
		return
	}
	delete(s.mobiles, connectionID)

	var notifyDesktop Socket
	if s.desktop != nil {
		notifyDesktop = s.desktop
	}
	count := connectedDeviceCount(s)
	releaseBus := !s.HasLiveSockets()
	st.mu.Unlock()

	if notifyDesktop != nil {
		notifyDesktop.Offer(encodeDeviceCount(count))
	}
	if st.pub != nil {
		st.pub.PublishSession(sessionID, "desktop", "", encodeDeviceCount(count))
	}
	if releaseBus {
		st.releaseBusSubscription(sessionID)
	}
}

// Touch bumps a session's last-activity timestamp without forwarding a
// frame, used for inbound message types that are processed locally (e.g.
// a desktop pair_decision) rather than relayed to a peer.
func (st *Store) Touch(sessionID string, nowMs int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		s.LastActivityAtMs = nowMs
	}
}

// HasDesktopSocket reports whether a session currently has a live desktop
// socket attached, used by the handshake's capacity check to recognize a
// reconnect (which must not count against connection growth) versus a
// brand new attach.
func (st *Store) HasDesktopSocket(sessionID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	return ok && s.desktop != nil
}

// HasMobileSocket reports whether a session currently has a live socket
// for the given device, for the same reconnect-detection purpose.
func (st *Store) HasMobileSocket(sessionID, deviceID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return false
	}
	for _, m := range s.mobiles {
		if m.deviceID == deviceID {
			return true
		}
	}
	return false
}

// EnsureBusSubscription asks the bus to subscribe a session, used by the
// HTTP layer before it awaits a pair/join decision that may arrive from
// another instance.
func (st *Store) EnsureBusSubscription(sessionID string) {
	if st.pub != nil {
		st.pub.EnsureSubscription(sessionID)
	}
}

// ReleaseBusSubscription drops the HTTP layer's reference to a session's
// bus subscription once a pair/join wait concludes (decision, timeout, or
// abandonment). Paired 1:1 with EnsureBusSubscription.
func (st *Store) ReleaseBusSubscription(sessionID string) {
	if st.pub != nil {
		st.pub.ReleaseSubscription(sessionID)
	}
}

// --- frame forwarding -----------------------------------------------------

// ForwardDesktopFrameToMobiles routes a frame from the desktop to one
// device (targetDeviceID non-empty) or every connected mobile
// (targetDeviceID empty). A broadcast is also published on the bus for
// mobiles attached to other instances; a targeted frame goes to the bus
// only when the device is not connected locally.
func (st *Store) ForwardDesktopFrameToMobiles(sessionID, targetDeviceID string, payload []byte, nowMs int64) error {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no session with that ID")
	}
	s.LastActivityAtMs = nowMs

	var targets []Socket
	deliveredLocally := false
	for _, m := range s.mobiles {
		if targetDeviceID == "" || m.deviceID == targetDeviceID {
			targets = append(targets, m.socket)
			if targetDeviceID != "" {
				deliveredLocally = true
			}
		}
	}
	st.mu.Unlock()

	for _, t := range targets {
		t.Offer(payload)
	}
	if !deliveredLocally && st.pub != nil {
		st.pub.PublishSession(sessionID, "mobile", targetDeviceID, payload)
	}
	return nil
}

// ForwardMobileFrameToDesktop routes a frame from a mobile device to the
// desktop, falling back to the bus if no desktop is attached locally.
func (st *Store) ForwardMobileFrameToDesktop(sessionID string, payload []byte, nowMs int64) error {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no session with that ID")
	}
	s.LastActivityAtMs = nowMs
	desktop := s.desktop
	st.mu.Unlock()

	if desktop != nil {
		desktop.Offer(payload)
		return nil
	}
	if st.pub != nil {
		st.pub.PublishSession(sessionID, "desktop", "", payload)
	}
	return nil
}

// CheckAndAdvanceSequence enforces strictly increasing inbound sequence
// numbers per mobile connection, rejecting replays and out-of-order
// duplicates. The first sequence number observed on a connection is
// always accepted.
func (st *Store) CheckAndAdvanceSequence(sessionID, connectionID string, seq uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return false
	}
	m, ok := s.mobiles[connectionID]
	if !ok {
		return false
	}
	if m.haveSeq && seq <= m.lastSeq {
		return false
	}
	m.lastSeq = seq
	m.haveSeq = true
	return true
}

// --- rate budgets -----------------------------------------------------

// ConsumeDeviceCommandBucket applies the per-device remote-command rate limit.
func (st *Store) ConsumeDeviceCommandBucket(sessionID, deviceID string, limit int, nowMs int64) bool {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return false
	}
	return s.deviceCommandBuckets.Consume(deviceID, limit, nowMs)
}

// ConsumeSessionCommandBucket applies the session-wide remote-command rate limit.
func (st *Store) ConsumeSessionCommandBucket(sessionID string, limit int, nowMs int64) bool {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return false
	}
	return s.sessionCommandBucket.Consume("session", limit, nowMs)
}

// ConsumeDeviceSnapshotBucket applies the per-device snapshot-request rate limit.
func (st *Store) ConsumeDeviceSnapshotBucket(sessionID, deviceID string, limit int, nowMs int64) bool {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return false
	}
	return s.deviceSnapshotBuckets.Consume(deviceID, limit, nowMs)
}

// --- cross-instance decision / message delivery --------------------------

type joinDecisionEnvelope struct {
	RequestID string `json:"requestID"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
}

// ApplyPairDecisionFromDesktop records a desktop's approve/deny decision
// locally (if this instance happens to hold the pending approval) and
// always publishes it on the bus, since the waiting HTTP request may be
// held by a different instance than the one the desktop is connected to.
func (st *Store) ApplyPairDecisionFromDesktop(sessionID, requestID string, approved bool, reason string) error {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no session with that ID")
	}
	st.completeLocalPendingLocked(s, requestID, approved, reason)
	st.mu.Unlock()

	if st.pub != nil {
		payload, _ := json.Marshal(joinDecisionEnvelope{RequestID: requestID, Approved: approved, Reason: reason})
		st.pub.PublishSession(sessionID, "join_decision", "", payload)
	}
	return nil
}

// ApplyPairDecisionFromBus completes a pending approval held on this
// instance after a decision arrives over the bus.
func (st *Store) ApplyPairDecisionFromBus(sessionID, requestID string, approved bool, reason string) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if ok {
		st.completeLocalPendingLocked(s, requestID, approved, reason)
	}
	st.mu.Unlock()
}

func (st *Store) completeLocalPendingLocked(s *Session, requestID string, approved bool, reason string) {
	if s.pending == nil || !tokenutil.SafeTokenEquals(s.pending.RequestID, requestID) || s.pending.completed {
		return
	}
	select {
	case s.pending.resultCh <- JoinDecision{Approved: approved, Reason: reason}:
		s.pending.completed = true
	default:
	}
}

// failPendingLocked unconditionally denies whatever pending approval a
// session currently holds, regardless of request ID, and clears it.
// Used for whole-session teardown and for desktop-disconnect, where there
// is no specific request to match against. Must be called with st.mu held.
func (st *Store) failPendingLocked(s *Session, reason string) {
	if s.pending == nil || s.pending.completed {
		return
	}
	select {
	case s.pending.resultCh <- JoinDecision{Approved: false, Reason: reason}:
	default:
	}
	s.pending.completed = true
	st.decrementPending()
	s.pending = nil
}

// PublishPairRequestToBus fans a relay.pair_request frame out to whichever
// instance holds the session's live desktop socket, used by pair/join when
// no local desktop is attached (spec.md §4.6.2 step 3).
func (st *Store) PublishPairRequestToBus(sessionID string, payload []byte) {
	if st.pub != nil {
		st.pub.PublishSession(sessionID, "pair_request", "", payload)
	}
}

// HandleBusEnvelope is the entry point internal/bus calls when a message
// arrives for this instance, satisfying its own inbound-handler
// interface structurally (no import of relaystate needed on that side).
func (st *Store) HandleBusEnvelope(sessionID, target, targetDeviceID string, payload []byte) {
	switch target {
	case "pair_request":
		st.mu.Lock()
		s, ok := st.sessions[sessionID]
		var desktop Socket
		if ok {
			desktop = s.desktop
		}
		st.mu.Unlock()
		if desktop != nil {
			desktop.Offer(payload)
		}
	case "desktop_disconnected":
		st.mu.Lock()
		if s, ok := st.sessions[sessionID]; ok {
			st.failPendingLocked(s, "desktop_disconnected")
		}
		st.mu.Unlock()
	case "join_decision":
		var env joinDecisionEnvelope
		if err := json.Unmarshal(payload, &env); err == nil {
			st.ApplyPairDecisionFromBus(sessionID, env.RequestID, env.Approved, env.Reason)
		}
	case "desktop":
		st.mu.Lock()
		s, ok := st.sessions[sessionID]
		var desktop Socket
		if ok {
			desktop = s.desktop
		}
		st.mu.Unlock()
		if desktop != nil {
			desktop.Offer(payload)
		}
	case "mobile":
		st.mu.Lock()
		s, ok := st.sessions[sessionID]
		var targets []Socket
		if ok {
			for _, m := range s.mobiles {
				if targetDeviceID == "" || m.deviceID == targetDeviceID {
					targets = append(targets, m.socket)
				}
			}
		}
		st.mu.Unlock()
		for _, t := range targets {
			t.Offer(payload)
		}
	}
}

// --- sweep and stats --------------------------------------------------

type sweepTarget struct {
	id     string
	reason string
}

// Sweep closes idle and retention-expired sessions and purges expired
// device-token grace entries. Intended to be called periodically by the
// janitor.
func (st *Store) Sweep(nowMs int64) {
	st.mu.Lock()

	var targets []sweepTarget
	for id, s := range st.sessions {
		idleMs := int64(s.IdleTimeoutSeconds) * 1000
		if idleMs > 0 && nowMs-s.LastActivityAtMs > idleMs {
			targets = append(targets, sweepTarget{id: id, reason: "idle_timeout"})
			continue
		}
		if !s.HasLiveSockets() && st.limits.SessionRetentionMs > 0 && nowMs-s.CreatedAtMs > st.limits.SessionRetentionMs {
			targets = append(targets, sweepTarget{id: id, reason: "retention_expired"})
		}
	}

	for token, entry := range st.deviceTokens {
		if entry.expiresAtMs != 0 && nowMs > entry.expiresAtMs {
			delete(st.deviceTokens, token)
		}
	}

	var allClosures []socketClose
	reasonByID := make(map[string]string, len(targets))
	closedIDs := make([]string, 0, len(targets))
	for _, t := range targets {
		closures, id, existed := st.closeSessionLocked(t.id, t.reason)
		if existed {
			allClosures = append(allClosures, closures...)
			reasonByID[id] = t.reason
			closedIDs = append(closedIDs, id)
		}
	}
	st.mu.Unlock()

	for _, c := range allClosures {
		c.fire()
	}
	for _, id := range closedIDs {
		st.releaseBusSubscription(id)
		st.publishDisconnectBoth(id, reasonByID[id])
		st.persistDelete(id)
	}
}

// Stats is a point-in-time snapshot used by the /healthz and /metricsz
// endpoints.
type Stats struct {
	SessionCount     int
	ConnectedDesktop int
	ConnectedMobile  int
	PendingApprovals int
	DeviceTokens     int
	IPBuckets        int
}

// Stats returns a snapshot of current store occupancy.
func (st *Store) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := Stats{
		SessionCount:     len(st.sessions),
		PendingApprovals: st.pendingCount,
		DeviceTokens:     len(st.deviceTokens),
		IPBuckets:        st.ipBuckets.Len(),
	}
	for _, s := range st.sessions {
		if s.desktop != nil {
			out.ConnectedDesktop++
		}
		out.ConnectedMobile += len(s.mobiles)
	}
	return out
}
