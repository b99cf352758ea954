package janitor

import (
	"testing"
	"time"

	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

func testLimits() relaystate.Limits {
	return relaystate.Limits{
		MaxDevicesPerSession:         2,
		SessionRetentionMs:           60_000,
		MaxPendingJoinWaiters:        64,
		MaxRemoteCommandsPerMinute:   30,
		MaxRemoteCommandTextBytes:    1024,
		MaxSnapshotRequestsPerMinute: 10,
		TokenRotationGraceMs:         5000,
		PairApprovalTimeoutMs:        45_000,
		MaxPairRequestsPerMinute:     20,
	}
}

func TestSweepOnceClosesIdleSessions(t *testing.T) {
	if err := logging.Setup("error", "json"); err != nil {
		t.Fatalf("logging.Setup: %v", err)
	}
	store := relaystate.New(testLimits(), nil, nil)
	now := tokenutil.NowMs()
	store.PairStart(relaystate.PairStartInput{
		SessionID:            "sess-1",
		JoinToken:            "join-tok",
		DesktopSessionToken:  "desktop-tok",
		JoinTokenExpiresAtMs: now + 100_000,
		IdleTimeoutSeconds:   1,
		NowMs:                now,
	})

	time.Sleep(1100 * time.Millisecond) // past the 1s idle timeout, no sockets attached

	j := New(store, logging.For("janitor-test"))
	j.sweepOnce()

	if store.Stats().SessionCount != 0 {
		t.Fatal("expected the idle session to be swept")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	if err := logging.Setup("error", "json"); err != nil {
		t.Fatalf("logging.Setup: %v", err)
	}
	store := relaystate.New(testLimits(), nil, nil)
	j := New(store, logging.For("janitor-test-run"))

	go j.Run()
	time.Sleep(20 * time.Millisecond)
	j.Stop()
}
