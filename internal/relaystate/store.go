package relaystate

import (
	"sync"
	"time"

	"github.com/codexchat/remote-control-relay/internal/ratelimit"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

// Limits bundles every numeric/behavioral knob the store needs, decoupling
// relaystate from internal/config's concrete type.
type Limits struct {
	MaxDevicesPerSession         int
	SessionRetentionMs           int64
	MaxPendingJoinWaiters        int
	MaxRemoteCommandsPerMinute   int
	MaxRemoteCommandTextBytes    int
	MaxSnapshotRequestsPerMinute int
	TokenRotationGraceMs         int64
	PairApprovalTimeoutMs        int64
	MaxPairRequestsPerMinute     int
}

// Store is the authoritative in-memory state machine: sessions, the global
// device-token index and pending approvals, all behind one exclusive lock.
// The IP and per-session rate buckets are ratelimit.Buckets, each guarded by
// its own mutex and consumed outside that lock.
type Store struct {
	mu sync.Mutex

	sessions      map[string]*Session
	desktopTokens map[string]string // desktopSessionToken -> sessionID
	deviceTokens  map[string]*deviceTokenEntry
	pendingCount  int
	ipBuckets     *ratelimit.Buckets

	limits  Limits
	persist Persister // may be nil
	pub     Publisher // may be nil

	refresher     Refresher
	lastRefreshAt time.Time
}

// New constructs an empty Store. persist and pub may be nil when
// persistence / the cross-instance bus are not configured.
func New(limits Limits, persist Persister, pub Publisher) *Store {
	return &Store{
		sessions:      make(map[string]*Session),
		desktopTokens: make(map[string]string),
		deviceTokens:  make(map[string]*deviceTokenEntry),
		ipBuckets:     ratelimit.New(),
		limits:        limits,
		persist:       persist,
		pub:           pub,
	}
}

// socketClose pairs a socket with the final frame it should receive.
type socketClose struct {
	socket  Socket
	payload []byte
}

func (sc socketClose) fire() {
	if sc.socket != nil {
		sc.socket.Close(sc.payload)
	}
}

// ConsumeIPBucket applies the HTTP pairing-endpoint IP rate limit.
func (st *Store) ConsumeIPBucket(ip string, nowMs int64) bool {
	return st.ipBuckets.Consume(ip, st.limits.MaxPairRequestsPerMinute, nowMs)
}

// BusEnabled reports whether a cross-instance bus is configured, affecting
// the desktop_not_connected decision in BeginJoin.
func (st *Store) BusEnabled() bool { return st.pub != nil }

// PersistenceEnabled reports whether a persistence adapter is configured.
func (st *Store) PersistenceEnabled() bool { return st.persist != nil }

// --- pair/start -------------------------------------------------------

// PairStartInput carries the validated fields of a pair/start request.
type PairStartInput struct {
	SessionID            string
	JoinToken            string
	DesktopSessionToken  string
	JoinTokenExpiresAtMs int64
	RelayWebSocketURL    string
	IdleTimeoutSeconds   int
	NowMs                int64
}

// PairStart creates (or replaces) a session. If a session with the same ID
// already exists it is closed first with reason "replaced_by_new_pair_start".
func (st *Store) PairStart(in PairStartInput) *Session {
	st.mu.Lock()

	var closures []socketClose
	var prevID string
	var prevExisted bool
	if _, ok := st.sessions[in.SessionID]; ok {
		closures, prevID, prevExisted = st.closeSessionLocked(in.SessionID, "replaced_by_new_pair_start")
	}

	s := newSession()
	s.ID = in.SessionID
	s.JoinToken = in.JoinToken
	s.JoinTokenExpiresAtMs = in.JoinTokenExpiresAtMs
	s.DesktopSessionToken = in.DesktopSessionToken
	s.RelayWebSocketURL = in.RelayWebSocketURL
	s.IdleTimeoutSeconds = in.IdleTimeoutSeconds
	s.CreatedAtMs = in.NowMs
	s.LastActivityAtMs = in.NowMs

	st.sessions[s.ID] = s
	st.desktopTokens[s.DesktopSessionToken] = s.ID

	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	for _, c := range closures {
		c.fire()
	}
	if prevExisted {
		st.publishDisconnectBoth(prevID, "replaced_by_new_pair_start")
	}
	st.persistSave(snapshot)

	return s
}

// --- pair/join ----------------------------------------------------------

// BeginJoinResult carries what the HTTP layer must do after BeginJoin
// returns successfully: notify the desktop (locally or via the bus) and
// then wait on Pending.
type BeginJoinResult struct {
	Pending          *PendingApproval
	NotifyDesktop    Socket // non-nil if a local desktop socket should be told directly
	NotifyViaBus     bool   // true if no local desktop socket exists but a bus is configured
	NotifyPayload    []byte
}

// BeginJoin validates a pair/join request and, if admissible, creates a
// PendingApproval and returns what needs to be sent to the desktop.
func (st *Store) BeginJoin(sessionID, joinToken, deviceName, requesterIP string, nowMs int64) (*BeginJoinResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.pendingCount >= st.limits.MaxPendingJoinWaiters {
		return nil, errOf(CodePairingBackpressure, "too many pairing requests in flight")
	}

	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, errOf(CodeSessionNotFound, "no session with that ID")
	}

	if nowMs >= s.JoinTokenExpiresAtMs {
		return nil, errOf(CodeJoinTokenExpired, "join token has expired")
	}
	if s.JoinTokenUsedAtMs != 0 {
		return nil, errOf(CodeJoinTokenAlreadyUsed, "join token was already redeemed")
	}
	if !tokenutil.SafeTokenEquals(joinToken, s.JoinToken) {
		return nil, errOf(CodeInvalidJoinToken, "join token does not match")
	}
	if len(s.devices) >= st.limits.MaxDevicesPerSession {
		return nil, errOf(CodeDeviceCapReached, "session already has the maximum number of devices")
	}
	if !s.HasDesktop() && !st.BusEnabled() {
		return nil, errOf(CodeDesktopNotConnected, "no desktop is connected to approve this request")
	}

	// Checked last: a caller must first prove possession of a valid,
	// unused, unexpired join token before learning that a pairing
	// request is already in flight for this session.
	if s.pending != nil {
		return nil, &PairRequestInProgress{RequestID: s.pending.RequestID, ExpiresAtMs: s.pending.ExpiresAtMs}
	}

	remaining := s.JoinTokenExpiresAtMs - nowMs
	timeout := st.limits.PairApprovalTimeoutMs
	if timeout < 5000 {
		timeout = 5000
	}
	if remaining < timeout {
		timeout = remaining
	}
	if timeout < 5000 {
		timeout = 5000
	}

	pending := &PendingApproval{
		RequestID:     tokenutil.RandomToken(10),
		RequesterIP:   requesterIP,
		RequestedAtMs: nowMs,
		ExpiresAtMs:   nowMs + timeout,
		resultCh:      make(chan JoinDecision, 1),
	}
	s.pending = pending
	st.pendingCount++

	payload := encodePairRequest(sessionID, pending.RequestID, sanitizeDeviceName(deviceName), requesterIP, pending.RequestedAtMs, pending.ExpiresAtMs)

	result := &BeginJoinResult{Pending: pending, NotifyPayload: payload}
	if s.desktop != nil {
		result.NotifyDesktop = s.desktop
	} else {
		result.NotifyViaBus = true
	}
	return result, nil
}

// AbandonJoin releases bookkeeping for a pair/join that is being abandoned
// (client cancellation) without a decision ever being read from the
// channel. It is a no-op if the approval was already finalized by another
// path (decision arrived, or the session was closed concurrently).
func (st *Store) AbandonJoin(sessionID, requestID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok || s.pending == nil || s.pending.RequestID != requestID {
		return
	}
	s.pending = nil
	if st.pendingCount > 0 {
		st.pendingCount--
	}
}

// FinishJoinResult is the terminal outcome of a pair/join request.
type FinishJoinResult struct {
	DeviceID           string
	DeviceSessionToken string
}

// FinishJoin finalizes a pair/join after a decision was read from
// Pending.Wait() (or a timeout elapsed, in which case pass a zero-value
// JoinDecision with timedOut=true).
func (st *Store) FinishJoin(sessionID, requestID, suppliedJoinToken, deviceName string, decision JoinDecision, timedOut bool, nowMs int64) (*FinishJoinResult, error) {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.decrementPending()
		st.mu.Unlock()
		return nil, errOf(CodeSessionNotFound, "session no longer exists")
	}

	if s.pending != nil && s.pending.RequestID == requestID {
		s.pending = nil
		st.decrementPending()
	}

	if timedOut {
		st.mu.Unlock()
		return nil, errOf(CodePairRequestTimedOut, "no decision was received before the approval timeout")
	}

	if !decision.Approved {
		st.mu.Unlock()
		switch decision.Reason {
		case "desktop_disconnected", "session_closed":
			return nil, errOf(CodeDesktopNotConnected, decision.Reason)
		default:
			return nil, errOf(CodePairRequestDenied, "the desktop declined this request")
		}
	}

	if nowMs >= s.JoinTokenExpiresAtMs {
		st.mu.Unlock()
		return nil, errOf(CodeJoinTokenExpired, "join token expired while awaiting approval")
	}
	if s.JoinTokenUsedAtMs != 0 {
		st.mu.Unlock()
		return nil, errOf(CodeJoinTokenAlreadyUsed, "join token was already redeemed")
	}
	if !tokenutil.SafeTokenEquals(suppliedJoinToken, s.JoinToken) {
		st.mu.Unlock()
		return nil, errOf(CodeInvalidJoinToken, "join token no longer matches")
	}
	if len(s.devices) >= st.limits.MaxDevicesPerSession {
		st.mu.Unlock()
		return nil, errOf(CodeDeviceCapReached, "session already has the maximum number of devices")
	}

	deviceID := tokenutil.RandomToken(12)
	deviceToken := tokenutil.RandomToken(32)

	s.JoinTokenUsedAtMs = nowMs
	s.devices[deviceID] = &Device{
		ID:                        deviceID,
		CurrentDeviceSessionToken: deviceToken,
		Name:                      sanitizeDeviceName(deviceName),
		JoinedAtMs:                nowMs,
		LastSeenAtMs:              nowMs,
	}
	st.deviceTokens[deviceToken] = &deviceTokenEntry{sessionID: s.ID, deviceID: deviceID}

	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	st.persistSave(snapshot)

	return &FinishJoinResult{DeviceID: deviceID, DeviceSessionToken: deviceToken}, nil
}

func (st *Store) decrementPending() {
	if st.pendingCount > 0 {
		st.pendingCount--
	}
}

// --- pair/refresh ---------------------------------------------------------

// PairRefresh replaces the join token on a session, clearing its used marker.
func (st *Store) PairRefresh(sessionID, desktopSessionToken, joinToken string, joinTokenExpiresAtMs, nowMs int64) error {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no session with that ID")
	}
	if !tokenutil.SafeTokenEquals(desktopSessionToken, s.DesktopSessionToken) {
		st.mu.Unlock()
		return errOf(CodeInvalidDesktopSessionTok, "desktop session token does not match")
	}

	s.JoinToken = joinToken
	s.JoinTokenExpiresAtMs = joinTokenExpiresAtMs
	s.JoinTokenUsedAtMs = 0
	s.LastActivityAtMs = nowMs

	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	st.persistSave(snapshot)
	return nil
}

// --- pair/stop --------------------------------------------------------

// PairStop closes a session. It is idempotent: stopping an absent session
// is not an error.
func (st *Store) PairStop(sessionID, desktopSessionToken string) error {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return nil
	}
	if !tokenutil.SafeTokenEquals(desktopSessionToken, s.DesktopSessionToken) {
		st.mu.Unlock()
		return errOf(CodeInvalidDesktopSessionTok, "desktop session token does not match")
	}

	closures, _, _ := st.closeSessionLocked(sessionID, "stopped_by_desktop")
	st.mu.Unlock()

	for _, c := range closures {
		c.fire()
	}
	st.publishDisconnectBoth(sessionID, "stopped_by_desktop")
	st.persistDelete(sessionID)
	return nil
}

// --- devices/list, devices/revoke ---------------------------------------

// DevicesList returns every paired device, ascending by JoinedAtMs.
func (st *Store) DevicesList(sessionID, desktopSessionToken string) ([]DeviceSummary, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, errOf(CodeSessionNotFound, "no session with that ID")
	}
	if !tokenutil.SafeTokenEquals(desktopSessionToken, s.DesktopSessionToken) {
		return nil, errOf(CodeInvalidDesktopSessionTok, "desktop session token does not match")
	}

	connectedByDevice := make(map[string]bool, len(s.mobiles))
	for _, m := range s.mobiles {
		connectedByDevice[m.deviceID] = true
	}

	out := make([]DeviceSummary, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, DeviceSummary{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			Connected:  connectedByDevice[d.ID],
			JoinedAt:   tokenutil.FromMs(d.JoinedAtMs),
			LastSeenAt: tokenutil.FromMs(d.LastSeenAtMs),
		})
	}
	sortDeviceSummariesByJoinedAt(out)
	return out, nil
}

// DeviceRevoke removes a device, purges its tokens, and disconnects its socket.
func (st *Store) DeviceRevoke(sessionID, desktopSessionToken, deviceID string) error {
	st.mu.Lock()

	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no session with that ID")
	}
	if !tokenutil.SafeTokenEquals(desktopSessionToken, s.DesktopSessionToken) {
		st.mu.Unlock()
		return errOf(CodeInvalidDesktopSessionTok, "desktop session token does not match")
	}
	if _, ok := s.devices[deviceID]; !ok {
		st.mu.Unlock()
		return errOf(CodeSessionNotFound, "no such device")
	}

	closures := st.revokeDeviceLocked(s, deviceID, "device_revoked")
	count := connectedDeviceCount(s)
	snapshot := persistedSnapshot(s)
	st.mu.Unlock()

	for _, c := range closures {
		c.fire()
	}
	st.publishRevokeDevice(sessionID, deviceID)
	if st.pub != nil {
		st.pub.PublishSession(sessionID, "desktop", "", encodeDeviceCount(count))
	}
	st.persistSave(snapshot)
	return nil
}

// revokeDeviceLocked removes a device, its tokens, and closes any live
// mobile socket bound to it. Must be called with st.mu held.
func (st *Store) revokeDeviceLocked(s *Session, deviceID, reason string) []socketClose {
	var closures []socketClose

	delete(s.devices, deviceID)
	for tok, entry := range st.deviceTokens {
		if entry.sessionID == s.ID && entry.deviceID == deviceID {
			delete(st.deviceTokens, tok)
		}
	}

	for connID, m := range s.mobiles {
		if m.deviceID == deviceID {
			closures = append(closures, socketClose{socket: m.socket, payload: encodeDisconnect(reason)})
			delete(s.mobiles, connID)
		}
	}

	if s.desktop != nil {
		s.desktop.Offer(encodeDeviceCount(connectedDeviceCount(s)))
	}

	return closures
}

func sortDeviceSummariesByJoinedAt(devices []DeviceSummary) {
	for i := 1; i < len(devices); i++ {
		for j := i; j > 0 && devices[j].JoinedAt.Before(devices[j-1].JoinedAt); j-- {
			devices[j], devices[j-1] = devices[j-1], devices[j]
		}
	}
}

// --- closure --------------------------------------------------------------

// closeSessionLocked tears down a session entirely: completes any pending
// approval as denied, purges its device tokens, collects the sockets that
// need a final disconnect frame, and removes the session and its desktop
// token from the index. Must be called with st.mu held. Returns the
// collected socket closures plus the session ID for the caller's
// post-unlock bus publish.
func (st *Store) closeSessionLocked(sessionID, reason string) (closures []socketClose, id string, existed bool) {
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, sessionID, false
	}

	st.failPendingLocked(s, "session_closed")

	for tok, entry := range st.deviceTokens {
		if entry.sessionID == sessionID {
			delete(st.deviceTokens, tok)
		}
	}

	if s.desktop != nil {
		closures = append(closures, socketClose{socket: s.desktop, payload: encodeDisconnect(reason)})
		s.desktop = nil
	}
	for _, m := range s.mobiles {
		closures = append(closures, socketClose{socket: m.socket, payload: encodeDisconnect(reason)})
	}
	s.mobiles = make(map[string]*mobileConn)

	delete(st.desktopTokens, s.DesktopSessionToken)
	delete(st.sessions, sessionID)

	return closures, sessionID, true
}

// CloseSession closes a session from the outside, publishing the disconnect
// and deleting any persisted record. The janitor closes sessions through
// Sweep and HandleBusEnvelope does not close sessions, so neither calls it.
func (st *Store) CloseSession(sessionID, reason string) {
	st.mu.Lock()
	closures, id, existed := st.closeSessionLocked(sessionID, reason)
	releaseBus := existed
	st.mu.Unlock()

	if !existed {
		return
	}
	for _, c := range closures {
		c.fire()
	}
	if releaseBus {
		st.releaseBusSubscription(id)
	}
	st.publishDisconnectBoth(id, reason)
	st.persistDelete(id)
}
