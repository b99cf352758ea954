package httpapi

import (
	"net/http"
	"time"

	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

type devicesListRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
}

type deviceWire struct {
	DeviceID   string `json:"deviceID"`
	DeviceName string `json:"deviceName"`
	Connected  bool   `json:"connected"`
	JoinedAt   string `json:"joinedAt"`
	LastSeenAt string `json:"lastSeenAt"`
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	var req devicesListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}
	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) || !tokenutil.IsOpaqueToken(req.DesktopSessionToken, minDesktopTokChars) {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID and desktopSessionToken must be opaque tokens")
		return
	}

	if s.refresh != nil {
		s.refresh()
	}

	devices, err := s.store.DevicesList(req.SessionID, req.DesktopSessionToken)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]deviceWire, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceWire{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Connected:  d.Connected,
			JoinedAt:   d.JoinedAt.Format(time.RFC3339),
			LastSeenAt: d.LastSeenAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Devices []deviceWire `json:"devices"`
	}{Devices: out})
}

type devicesRevokeRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	DeviceID            string `json:"deviceID"`
}

func (s *Server) handleDevicesRevoke(w http.ResponseWriter, r *http.Request) {
	var req devicesRevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "malformed request body")
		return
	}
	if !tokenutil.IsOpaqueToken(req.SessionID, minSessionIDChars) ||
		!tokenutil.IsOpaqueToken(req.DesktopSessionToken, minDesktopTokChars) ||
		req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, string(relaystate.CodeInvalidPairStart), "sessionID, desktopSessionToken, and deviceID are required")
		return
	}

	if err := s.store.DeviceRevoke(req.SessionID, req.DesktopSessionToken, req.DeviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Revoked bool `json:"revoked"`
	}{Revoked: true})
}
