// Package relaystate implements the authoritative in-memory session store
// (spec component C3): the single exclusive critical section guarding
// every session, device, device-token and pending-approval record in the
// relay. Rate-limit buckets are ratelimit.Buckets with their own mutex.
// All mutation happens here; everything outside this package treats
// sessions as values returned by its operations.
package relaystate

import (
	"time"

	"github.com/codexchat/remote-control-relay/internal/ratelimit"
)

// Socket is the minimal surface relaystate needs from a live bidirectional
// connection: a non-blocking offer of an outbound frame, and a way to tell
// the connection to send one last frame and tear itself down. The reader
// goroutine owns the concrete socket; relaystate only ever holds this
// narrow interface, mirroring the teacher's "Session" value semantics
// where the rest of the system never blocks on a socket directly.
type Socket interface {
	// Offer attempts a non-blocking send of an already-serialized frame.
	// It returns false if the outbound queue is full.
	Offer(payload []byte) bool
	// Close asks the connection to send a final frame (if non-nil) and
	// then terminate. Non-blocking; never called while holding the store lock.
	Close(payload []byte)
}

// Persister is the narrow interface relaystate uses to mirror session
// records to external storage (spec component C4). Implementations must
// not block the caller for long and must swallow their own errors
// (logging/counting internally) — a failed save or delete never rolls
// back the in-memory decision.
type Persister interface {
	Save(session PersistedSession)
	Delete(sessionID string)
}

// Publisher is the narrow interface relaystate uses to fan messages and
// control decisions out to other relay instances (spec component C5).
// Like Persister, failures are swallowed by the implementation.
type Publisher interface {
	PublishSession(sessionID string, target string, targetDeviceID string, payload []byte)
	EnsureSubscription(sessionID string)
	ReleaseSubscription(sessionID string)
}

// PersistedSession is the subset of Session that is mirrored externally:
// sockets, pending approvals, rate buckets and sequence state are never
// persisted, matching spec.md §4.4.
type PersistedSession struct {
	SchemaVersion        int
	SessionID            string
	JoinToken            string
	JoinTokenExpiresAtMs int64
	JoinTokenUsedAtMs    int64
	DesktopSessionToken  string
	RelayWebSocketURL    string
	IdleTimeoutSeconds   int
	CreatedAtMs          int64
	LastActivityAtMs     int64
	Devices              []PersistedDevice
	DeviceTokens         []PersistedDeviceToken
}

// PersistedDevice is a Device's persisted fields.
type PersistedDevice struct {
	DeviceID                  string
	CurrentDeviceSessionToken string
	Name                      string
	JoinedAtMs                int64
	LastSeenAtMs              int64
}

// PersistedDeviceToken is a device-token index entry scoped to one session.
// persistedSnapshot does not fill PersistedSession.DeviceTokens and
// Rehydrate does not read it; the index is rebuilt from each Device's
// CurrentDeviceSessionToken.
type PersistedDeviceToken struct {
	Token       string
	DeviceID    string
	ExpiresAtMs int64 // 0 = no expiry
}

// SchemaVersion is the current persisted-record schema version. Records
// loaded with a different version are dropped, per spec.md §4.4.
const SchemaVersion = 1

// Device is a mobile endpoint that has completed pairing inside a session.
type Device struct {
	ID                        string
	CurrentDeviceSessionToken string
	Name                      string
	JoinedAtMs                int64
	LastSeenAtMs              int64
}

// mobileConn binds one live mobile socket to its device and connection ID.
type mobileConn struct {
	connectionID string
	deviceID     string
	socket       Socket
	lastSeq      uint64
	haveSeq      bool
}

// deviceTokenEntry is an entry in the global device-token index.
type deviceTokenEntry struct {
	sessionID   string
	deviceID    string
	expiresAtMs int64 // 0 = no expiry
}

// PendingApproval is a session's sole outstanding pair/join awaiting a
// desktop decision. ResultCh is a one-shot, buffered(1) delivery slot:
// exactly one of the desktop-decision path, the bus-delivered-decision
// path, or the session-closure path ever successfully sends on it
// (guarded by the store lock), and re-delivery after that is a no-op.
type PendingApproval struct {
	RequestID     string
	RequesterIP   string
	RequestedAtMs int64
	ExpiresAtMs   int64

	resultCh  chan JoinDecision
	completed bool
}

// Wait blocks until a decision is delivered or the channel is abandoned.
// Exposed so callers (internal/httpapi) can select over it alongside a
// timeout and request-cancellation context.
func (p *PendingApproval) Wait() <-chan JoinDecision {
	return p.resultCh
}

// JoinDecision is the outcome delivered into a PendingApproval's sink.
type JoinDecision struct {
	Approved bool
	// Reason classifies a denial: "pair_request_denied", "desktop_disconnected",
	// "session_closed". Empty when Approved is true.
	Reason string
}

// Session is the root entity of the relay's state, keyed by SessionID.
// Every field below is guarded by Store's single mutex; callers never see
// a *Session without holding (or having just released, for a read-only
// snapshot copy) that lock.
type Session struct {
	ID string

	JoinToken            string
	JoinTokenExpiresAtMs int64
	JoinTokenUsedAtMs    int64 // 0 means unset

	DesktopSessionToken string
	RelayWebSocketURL   string
	IdleTimeoutSeconds  int

	CreatedAtMs      int64
	LastActivityAtMs int64

	desktop   Socket
	mobiles   map[string]*mobileConn // connectionID -> conn
	devices   map[string]*Device     // deviceID -> device
	pending   *PendingApproval

	deviceCommandBuckets  *ratelimit.Buckets // keyed by deviceID
	deviceSnapshotBuckets *ratelimit.Buckets // keyed by deviceID
	sessionCommandBucket  *ratelimit.Buckets // single key "session"
}

func newSession() *Session {
	return &Session{
		mobiles:               make(map[string]*mobileConn),
		devices:                make(map[string]*Device),
		deviceCommandBuckets:   ratelimit.New(),
		deviceSnapshotBuckets:  ratelimit.New(),
		sessionCommandBucket:   ratelimit.New(),
	}
}

// DeviceCount returns the number of paired devices (not just connected ones).
func (s *Session) DeviceCount() int { return len(s.devices) }

// HasDesktop reports whether a desktop socket is currently attached.
func (s *Session) HasDesktop() bool { return s.desktop != nil }

// HasLiveSockets reports whether the session currently holds any socket.
func (s *Session) HasLiveSockets() bool {
	return s.desktop != nil || len(s.mobiles) > 0
}

// DeviceSummary is the wire shape for devices/list.
type DeviceSummary struct {
	DeviceID   string
	DeviceName string
	Connected  bool
	JoinedAt   time.Time
	LastSeenAt time.Time
}
