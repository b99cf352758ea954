package relaystate

import (
	"encoding/json"
	"strings"

	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

// persistedSnapshot copies the persisted subset of a session. Must be
// called with st.mu held, and the result handed to Persister.Save only
// after the lock is released.
func persistedSnapshot(s *Session) PersistedSession {
	devices := make([]PersistedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, PersistedDevice{
			DeviceID:                  d.ID,
			CurrentDeviceSessionToken: d.CurrentDeviceSessionToken,
			Name:                      d.Name,
			JoinedAtMs:                d.JoinedAtMs,
			LastSeenAtMs:              d.LastSeenAtMs,
		})
	}
	return PersistedSession{
		SchemaVersion:        SchemaVersion,
		SessionID:            s.ID,
		JoinToken:            s.JoinToken,
		JoinTokenExpiresAtMs: s.JoinTokenExpiresAtMs,
		JoinTokenUsedAtMs:    s.JoinTokenUsedAtMs,
		DesktopSessionToken:  s.DesktopSessionToken,
		RelayWebSocketURL:    s.RelayWebSocketURL,
		IdleTimeoutSeconds:   s.IdleTimeoutSeconds,
		CreatedAtMs:          s.CreatedAtMs,
		LastActivityAtMs:     s.LastActivityAtMs,
		Devices:              devices,
	}
}

func (st *Store) persistSave(snap PersistedSession) {
	if st.persist != nil {
		st.persist.Save(snap)
	}
}

func (st *Store) persistDelete(sessionID string) {
	if st.persist != nil {
		st.persist.Delete(sessionID)
	}
}

func (st *Store) releaseBusSubscription(sessionID string) {
	if st.pub != nil {
		st.pub.ReleaseSubscription(sessionID)
	}
}

func (st *Store) publishDisconnectBoth(sessionID, reason string) {
	if st.pub == nil {
		return
	}
	payload := encodeDisconnect(reason)
	st.pub.PublishSession(sessionID, "desktop", "", payload)
	st.pub.PublishSession(sessionID, "mobile", "", payload)
}

func (st *Store) publishRevokeDevice(sessionID, deviceID string) {
	if st.pub == nil {
		return
	}
	st.pub.PublishSession(sessionID, "mobile", deviceID, encodeDisconnect("device_revoked"))
}

type pairRequestFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionID"`
	RequestID   string `json:"requestID"`
	DeviceName  string `json:"deviceName"`
	RequesterIP string `json:"requesterIp"`
	RequestedAt string `json:"requestedAt"`
	ExpiresAt   string `json:"expiresAt"`
}

func encodePairRequest(sessionID, requestID, deviceName, requesterIP string, requestedAtMs, expiresAtMs int64) []byte {
	b, _ := json.Marshal(pairRequestFrame{
		Type:        "relay.pair_request",
		SessionID:   sessionID,
		RequestID:   requestID,
		DeviceName:  deviceName,
		RequesterIP: requesterIP,
		RequestedAt: tokenutil.RFC3339FromMs(requestedAtMs),
		ExpiresAt:   tokenutil.RFC3339FromMs(expiresAtMs),
	})
	return b
}

const maxDeviceNameChars = 64

// sanitizeDeviceName trims, collapses whitespace, strips control
// characters, and caps the length of a client-supplied device name so it
// is safe to echo back inside a relay.pair_request frame.
func sanitizeDeviceName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "Mobile Device"
	}

	var b strings.Builder
	lastWasSpace := false
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if r == ' ' || r == '\t' {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "Mobile Device"
	}

	runes := []rune(out)
	if len(runes) > maxDeviceNameChars {
		runes = runes[:maxDeviceNameChars]
	}
	return string(runes)
}
