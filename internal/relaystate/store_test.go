package relaystate

import (
	"strings"
	"sync"
	"testing"
)

type fakeSocket struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	closeMsg []byte
}

func (f *fakeSocket) Offer(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return true
}

func (f *fakeSocket) Close(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeMsg = payload
}

type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]PersistedSession
	deleted map[string]bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]PersistedSession{}, deleted: map[string]bool{}}
}

func (f *fakePersister) Save(s PersistedSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[s.SessionID] = s
}

func (f *fakePersister) Delete(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[sessionID] = true
}

type fakePublisher struct {
	mu            sync.Mutex
	subscriptions map[string]int
	published     []string
	payloads      [][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{subscriptions: map[string]int{}}
}

func (f *fakePublisher) PublishSession(sessionID, target, targetDeviceID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, target)
	f.payloads = append(f.payloads, payload)
}

func (f *fakePublisher) EnsureSubscription(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sessionID]++
}

func (f *fakePublisher) ReleaseSubscription(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sessionID]--
}

func testLimits() Limits {
	return Limits{
		MaxDevicesPerSession:         2,
		SessionRetentionMs:           60_000,
		MaxPendingJoinWaiters:        100,
		MaxRemoteCommandsPerMinute:   30,
		MaxRemoteCommandTextBytes:    4096,
		MaxSnapshotRequestsPerMinute: 10,
		TokenRotationGraceMs:         5000,
		PairApprovalTimeoutMs:        45_000,
		MaxPairRequestsPerMinute:     20,
	}
}

func TestPairStartCreatesSession(t *testing.T) {
	st := New(testLimits(), nil, nil)
	s := st.PairStart(PairStartInput{
		SessionID:            "sess-1",
		JoinToken:            "join-tok",
		DesktopSessionToken:  "desktop-tok",
		JoinTokenExpiresAtMs: 10_000,
		RelayWebSocketURL:    "wss://relay.example.com/ws",
		IdleTimeoutSeconds:   300,
		NowMs:                1000,
	})
	if s.ID != "sess-1" {
		t.Fatalf("session ID = %q", s.ID)
	}
	if got, err := st.ResolveDesktopAuth("desktop-tok"); err != nil || got != "sess-1" {
		t.Fatalf("ResolveDesktopAuth: got %q, err %v", got, err)
	}
}

func TestPairStartReplacesAndDisconnectsPrior(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "a", DesktopSessionToken: "d1", JoinTokenExpiresAtMs: 10_000, NowMs: 0})

	sock := &fakeSocket{}
	if _, err := st.AttachDesktop("sess-1", sock, 100); err != nil {
		t.Fatalf("AttachDesktop: %v", err)
	}

	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "b", DesktopSessionToken: "d2", JoinTokenExpiresAtMs: 20_000, NowMs: 200})

	if !sock.closed {
		t.Fatal("expected prior desktop socket to be closed on replacement")
	}
	if _, err := st.ResolveDesktopAuth("d1"); err == nil {
		t.Fatal("expected old desktop token to no longer resolve")
	}
}

func TestJoinFlowHappyPath(t *testing.T) {
	pers := newFakePersister()
	pub := newFakePublisher()
	st := New(testLimits(), pers, pub)

	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	desktopSock := &fakeSocket{}
	if _, err := st.AttachDesktop("sess-1", desktopSock, 10); err != nil {
		t.Fatalf("AttachDesktop: %v", err)
	}

	res, err := st.BeginJoin("sess-1", "join-tok", "My Phone", "1.2.3.4", 20)
	if err != nil {
		t.Fatalf("BeginJoin: %v", err)
	}
	if res.NotifyDesktop == nil {
		t.Fatal("expected local desktop notification target")
	}

	reqID := res.Pending.RequestID
	if err := st.ApplyPairDecisionFromDesktop("sess-1", reqID, true, ""); err != nil {
		t.Fatalf("ApplyPairDecisionFromDesktop: %v", err)
	}

	decision := <-res.Pending.Wait()
	if !decision.Approved {
		t.Fatal("expected approval")
	}

	fin, err := st.FinishJoin("sess-1", reqID, "join-tok", "", decision, false, 30)
	if err != nil {
		t.Fatalf("FinishJoin: %v", err)
	}
	if fin.DeviceID == "" || fin.DeviceSessionToken == "" {
		t.Fatal("expected device ID and token to be issued")
	}

	if sessionID, deviceID, err := st.ResolveMobileAuth(fin.DeviceSessionToken, 40); err != nil || sessionID != "sess-1" || deviceID != fin.DeviceID {
		t.Fatalf("ResolveMobileAuth: %q %q err=%v", sessionID, deviceID, err)
	}

	// Re-redeeming the same join token must fail.
	if _, err := st.BeginJoin("sess-1", "join-tok", "Another Phone", "1.2.3.4", 50); err == nil {
		t.Fatal("expected reuse of an already-used join token to fail")
	}

	if len(pers.saved) == 0 {
		t.Fatal("expected persistence Save to have been called")
	}
}

func TestBeginJoinRejectsExpiredToken(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100, NowMs: 0})

	if _, err := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 500); err == nil {
		t.Fatal("expected expired join token to be rejected")
	}
}

func TestBeginJoinRejectsWrongToken(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	if _, err := st.BeginJoin("sess-1", "wrong-tok", "Phone", "1.2.3.4", 10); err == nil {
		t.Fatal("expected mismatched join token to be rejected")
	}
}

func TestBeginJoinWithoutDesktopOrBusFails(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	if _, err := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 10); err == nil {
		t.Fatal("expected desktop_not_connected without a bus configured")
	}
}

func TestBeginJoinInProgressReturnsTypedError(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)

	if _, err := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 10); err != nil {
		t.Fatalf("first BeginJoin: %v", err)
	}

	_, err := st.BeginJoin("sess-1", "join-tok", "Phone2", "1.2.3.4", 11)
	if err == nil {
		t.Fatal("expected second concurrent BeginJoin to fail")
	}
	if _, ok := err.(*PairRequestInProgress); !ok {
		t.Fatalf("expected *PairRequestInProgress, got %T", err)
	}
}

func TestDeviceRevokeClosesSocketAndPurgesToken(t *testing.T) {
	pub := newFakePublisher()
	st := New(testLimits(), nil, pub)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)

	res, _ := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 10)
	st.ApplyPairDecisionFromDesktop("sess-1", res.Pending.RequestID, true, "")
	decision := <-res.Pending.Wait()
	fin, err := st.FinishJoin("sess-1", res.Pending.RequestID, "join-tok", "", decision, false, 20)
	if err != nil {
		t.Fatalf("FinishJoin: %v", err)
	}

	mobileSock := &fakeSocket{}
	if _, err := st.AttachMobile(fin.DeviceSessionToken, "conn-1", mobileSock, 5000, 30); err != nil {
		t.Fatalf("AttachMobile: %v", err)
	}

	if err := st.DeviceRevoke("sess-1", "desktop-tok", fin.DeviceID); err != nil {
		t.Fatalf("DeviceRevoke: %v", err)
	}
	if !mobileSock.closed {
		t.Fatal("expected mobile socket to be closed on revoke")
	}
	if _, _, err := st.ResolveMobileAuth(fin.DeviceSessionToken, 40); err == nil {
		t.Fatal("expected device token to be purged after revoke")
	}
}

func TestPairStopIsIdempotent(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	if err := st.PairStop("sess-1", "desktop-tok"); err != nil {
		t.Fatalf("first PairStop: %v", err)
	}
	if err := st.PairStop("sess-1", "desktop-tok"); err != nil {
		t.Fatalf("second PairStop should be a no-op, got: %v", err)
	}
}

func TestSequenceReplayProtection(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)
	res, _ := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 10)
	st.ApplyPairDecisionFromDesktop("sess-1", res.Pending.RequestID, true, "")
	decision := <-res.Pending.Wait()
	fin, _ := st.FinishJoin("sess-1", res.Pending.RequestID, "join-tok", "", decision, false, 20)
	st.AttachMobile(fin.DeviceSessionToken, "conn-1", &fakeSocket{}, 5000, 30)

	if !st.CheckAndAdvanceSequence("sess-1", "conn-1", 1) {
		t.Fatal("first sequence number should be accepted")
	}
	if !st.CheckAndAdvanceSequence("sess-1", "conn-1", 2) {
		t.Fatal("strictly increasing sequence should be accepted")
	}
	if st.CheckAndAdvanceSequence("sess-1", "conn-1", 2) {
		t.Fatal("replayed sequence number should be rejected")
	}
	if st.CheckAndAdvanceSequence("sess-1", "conn-1", 1) {
		t.Fatal("out-of-order sequence number should be rejected")
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	pers := newFakePersister()
	st := New(testLimits(), pers, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, IdleTimeoutSeconds: 10, NowMs: 0})

	st.Sweep(20_000) // well past the 10s idle timeout, no sockets attached

	if st.Stats().SessionCount != 0 {
		t.Fatal("expected idle session to be swept")
	}
	if !pers.deleted["sess-1"] {
		t.Fatal("expected persisted record to be deleted on idle sweep")
	}
}

func TestSweepIdleTimeoutAppliesEvenWithLiveSocket(t *testing.T) {
	st := New(testLimits(), nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, IdleTimeoutSeconds: 10, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)

	st.Sweep(20_000) // well past the 10s idle timeout, despite the attached (silent) socket

	if st.Stats().SessionCount != 0 {
		t.Fatal("expected an idle session to be swept even with a live but silent socket attached")
	}
}

func TestSweepRetentionSparesSessionWithLiveSockets(t *testing.T) {
	limits := testLimits()
	limits.SessionRetentionMs = 1000
	st := New(limits, nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)

	st.Sweep(5_000) // well past SessionRetentionMs since creation, but the desktop socket is still live

	if st.Stats().SessionCount != 1 {
		t.Fatal("expected an actively-connected session not to be force-closed by retention expiry")
	}
}

func TestSweepRetentionUsesCreationTimeAndSpecReason(t *testing.T) {
	pub := newFakePublisher()
	limits := testLimits()
	limits.SessionRetentionMs = 1000
	st := New(limits, nil, pub)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	// Touch keeps LastActivityAtMs recent, but retention clocks off CreatedAtMs,
	// so the session is still swept once it has aged past SessionRetentionMs.
	st.Touch("sess-1", 900)
	st.Sweep(5_000)

	if st.Stats().SessionCount != 0 {
		t.Fatal("expected retention expiry to fire off session age, not last-activity time")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) == 0 || !strings.Contains(string(pub.payloads[len(pub.payloads)-1]), `"retention_expired"`) {
		t.Fatalf("expected the sweep to publish a retention_expired disconnect, got %q", pub.payloads)
	}
}

func TestRateLimitBuckets(t *testing.T) {
	limits := testLimits()
	limits.MaxRemoteCommandsPerMinute = 2
	st := New(limits, nil, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})

	if !st.ConsumeDeviceCommandBucket("sess-1", "dev-1", 2, 0) {
		t.Fatal("first command should be allowed")
	}
	if !st.ConsumeDeviceCommandBucket("sess-1", "dev-1", 2, 0) {
		t.Fatal("second command should be allowed")
	}
	if st.ConsumeDeviceCommandBucket("sess-1", "dev-1", 2, 0) {
		t.Fatal("third command within the same window should be rate limited")
	}
}

func TestTokenRotationGraceWindow(t *testing.T) {
	pers := newFakePersister()
	st := New(testLimits(), pers, nil)
	st.PairStart(PairStartInput{SessionID: "sess-1", JoinToken: "join-tok", DesktopSessionToken: "desktop-tok", JoinTokenExpiresAtMs: 100_000, NowMs: 0})
	st.AttachDesktop("sess-1", &fakeSocket{}, 0)
	res, _ := st.BeginJoin("sess-1", "join-tok", "Phone", "1.2.3.4", 10)
	st.ApplyPairDecisionFromDesktop("sess-1", res.Pending.RequestID, true, "")
	decision := <-res.Pending.Wait()
	fin, _ := st.FinishJoin("sess-1", res.Pending.RequestID, "join-tok", "", decision, false, 20)

	newToken, err := st.RotateDeviceToken("sess-1", fin.DeviceID, 5000, 100)
	if err != nil {
		t.Fatalf("RotateDeviceToken: %v", err)
	}

	if _, _, err := st.ResolveMobileAuth(newToken, 101); err != nil {
		t.Fatalf("new token should resolve: %v", err)
	}
	if _, _, err := st.ResolveMobileAuth(fin.DeviceSessionToken, 101); err != nil {
		t.Fatal("old token should still resolve inside the grace window")
	}
	if _, _, err := st.ResolveMobileAuth(fin.DeviceSessionToken, 6000); err == nil {
		t.Fatal("old token should stop resolving after the grace window elapses")
	}
}
