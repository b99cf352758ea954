package wsrelay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codexchat/remote-control-relay/internal/config"
	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxWSMessageBytes:             4096,
		MaxActiveWebsocketConnections: 10,
		MaxSocketOutboundQueue:        16,
		WSAuthTimeoutMs:               1000,
		TokenRotationGraceMs:          5000,
		MaxRemoteCommandsPerMinute:    30,
		MaxRemoteCommandTextBytes:     1024,
		MaxSnapshotRequestsPerMinute:  10,
		AllowLegacyQueryTokenAuth:     true,
		AllowedOrigins:                map[string]bool{"*": true},
	}
}

func testLimits() relaystate.Limits {
	return relaystate.Limits{
		MaxDevicesPerSession:         2,
		SessionRetentionMs:           600_000,
		MaxPendingJoinWaiters:        64,
		MaxRemoteCommandsPerMinute:   30,
		MaxRemoteCommandTextBytes:    1024,
		MaxSnapshotRequestsPerMinute: 10,
		TokenRotationGraceMs:         5000,
		PairApprovalTimeoutMs:        45_000,
		MaxPairRequestsPerMinute:     20,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *relaystate.Store) {
	t.Helper()
	if err := logging.Setup("error", "json"); err != nil {
		t.Fatalf("logging.Setup: %v", err)
	}
	store := relaystate.New(testLimits(), nil, nil)
	ws := New(store, testConfig(), logging.For("wsrelay-test"), metrics.New("wsrelay_test_"+t.Name()))
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestDesktopHandshakeLegacyQueryToken(t *testing.T) {
	srv, store := newTestServer(t)
	store.PairStart(relaystate.PairStartInput{
		SessionID:            "sess-1",
		JoinToken:            "join-tok",
		DesktopSessionToken:  "desktop-tok",
		JoinTokenExpiresAtMs: 1_000_000,
		NowMs:                0,
	})

	conn := dial(t, srv, "desktop-tok")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(data), `"auth_ok"`) || !strings.Contains(string(data), `"desktop"`) {
		t.Fatalf("expected a desktop auth_ok frame, got %s", data)
	}
}

func TestMobileHandshakeCapacityRejection(t *testing.T) {
	if err := logging.Setup("error", "json"); err != nil {
		t.Fatalf("logging.Setup: %v", err)
	}
	store := relaystate.New(testLimits(), nil, nil)
	cfg := testConfig()
	cfg.MaxActiveWebsocketConnections = 1
	ws := New(store, cfg, logging.For("wsrelay-test-cap"), metrics.New("wsrelay_test_cap_"+t.Name()))
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)

	store.PairStart(relaystate.PairStartInput{
		SessionID:            "sess-2",
		JoinToken:            "join-tok",
		DesktopSessionToken:  "desktop-tok-2",
		JoinTokenExpiresAtMs: 1_000_000,
		NowMs:                0,
	})
	first := dial(t, srv, "desktop-tok-2")
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := first.ReadMessage(); err != nil || !strings.Contains(string(data), `"auth_ok"`) {
		t.Fatalf("expected the first connection to be admitted, got data=%s err=%v", data, err)
	}

	// Pair a device against the attached desktop so a mobile can authenticate.
	res, err := store.BeginJoin("sess-2", "join-tok", "Phone", "1.2.3.4", 10)
	if err != nil {
		t.Fatalf("BeginJoin: %v", err)
	}
	_ = store.ApplyPairDecisionFromDesktop("sess-2", res.Pending.RequestID, true, "")
	fin, err := store.FinishJoin("sess-2", res.Pending.RequestID, "join-tok", "", <-res.Pending.Wait(), false, 20)
	if err != nil {
		t.Fatalf("FinishJoin: %v", err)
	}

	// The new mobile connection exceeds the cap of 1 held by the desktop.
	second := dial(t, srv, fin.DeviceSessionToken)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(data), "relay_over_capacity") {
		t.Fatalf("expected a relay_over_capacity disconnect frame, got %s", data)
	}
}

func TestHandshakeRejectsUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dial(t, srv, "not-a-real-token")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed without a frame for an unresolvable token")
	}
}
