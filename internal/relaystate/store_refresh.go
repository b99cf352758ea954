package relaystate

import (
	"context"
	"time"
)

// Refresher pulls every currently-persisted session record. Implemented
// by internal/persistence; wired in via SetRefresher so this package
// never imports a concrete storage driver.
type Refresher func(ctx context.Context) ([]PersistedSession, error)

const refreshThrottle = time.Second

// SetRefresher installs the callback used to repopulate the in-memory
// store from persistence when a handshake token resolution misses
// locally (the session may have been created on another instance).
func (st *Store) SetRefresher(r Refresher) {
	st.mu.Lock()
	st.refresher = r
	st.mu.Unlock()
}

// Rehydrate inserts a persisted session snapshot if no live copy already
// exists locally, rebuilding its device-token index entries. Returns
// false if a local session with that ID was already present (the local
// copy always wins; persistence is never allowed to clobber live state).
func (st *Store) Rehydrate(snap PersistedSession) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rehydrateLocked(snap)
}

func (st *Store) rehydrateLocked(snap PersistedSession) bool {
	if _, ok := st.sessions[snap.SessionID]; ok {
		return false
	}

	s := newSession()
	s.ID = snap.SessionID
	s.JoinToken = snap.JoinToken
	s.JoinTokenExpiresAtMs = snap.JoinTokenExpiresAtMs
	s.JoinTokenUsedAtMs = snap.JoinTokenUsedAtMs
	s.DesktopSessionToken = snap.DesktopSessionToken
	s.RelayWebSocketURL = snap.RelayWebSocketURL
	s.IdleTimeoutSeconds = snap.IdleTimeoutSeconds
	s.CreatedAtMs = snap.CreatedAtMs
	s.LastActivityAtMs = snap.LastActivityAtMs

	for _, pd := range snap.Devices {
		s.devices[pd.DeviceID] = &Device{
			ID:                        pd.DeviceID,
			CurrentDeviceSessionToken: pd.CurrentDeviceSessionToken,
			Name:                      pd.Name,
			JoinedAtMs:                pd.JoinedAtMs,
			LastSeenAtMs:              pd.LastSeenAtMs,
		}
		st.deviceTokens[pd.CurrentDeviceSessionToken] = &deviceTokenEntry{sessionID: s.ID, deviceID: pd.DeviceID}
	}

	st.sessions[s.ID] = s
	st.desktopTokens[s.DesktopSessionToken] = s.ID
	return true
}

// RefreshAndResolveRole re-pulls persisted sessions (throttled to at most
// once per second) and retries resolving an auth token against them, for
// the handshake-miss path of spec.md's handshake algorithm.
func (st *Store) RefreshAndResolveRole(ctx context.Context, token string, nowMs int64) (sessionID, deviceID string, isDesktop bool, err error) {
	st.mu.Lock()
	refresher := st.refresher
	throttled := time.Since(st.lastRefreshAt) < refreshThrottle
	if refresher != nil && !throttled {
		st.lastRefreshAt = time.Now()
	}
	st.mu.Unlock()

	if refresher != nil && !throttled {
		if snaps, rerr := refresher(ctx); rerr == nil {
			st.mu.Lock()
			for _, snap := range snaps {
				st.rehydrateLocked(snap)
			}
			st.mu.Unlock()
		}
	}

	if sid, rerr := st.ResolveDesktopAuth(token); rerr == nil {
		return sid, "", true, nil
	}
	if sid, did, rerr := st.ResolveMobileAuth(token, nowMs); rerr == nil {
		return sid, did, false, nil
	}
	return "", "", false, errOf(CodeInvalidDesktopSessionTok, "unrecognized auth token")
}
