package httpapi

import (
	"net/http"
	"time"

	"github.com/codexchat/remote-control-relay/internal/metrics"
)

type healthzResponse struct {
	OK                      bool   `json:"ok"`
	Sessions                int    `json:"sessions"`
	ActiveWebSockets        int    `json:"activeWebSockets"`
	PendingJoinWaiters      int    `json:"pendingJoinWaiters"`
	DeviceTokens            int    `json:"deviceTokens"`
	BusSubscriptions        int    `json:"busSubscriptions"`
	CrossInstanceBusEnabled bool   `json:"crossInstanceBusEnabled"`
	RedisPersistenceEnabled bool   `json:"redisPersistenceEnabled"`
	Now                     string `json:"now"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, healthzResponse{
		OK:                      true,
		Sessions:                stats.SessionCount,
		ActiveWebSockets:        stats.ConnectedDesktop + stats.ConnectedMobile,
		PendingJoinWaiters:      stats.PendingApprovals,
		DeviceTokens:            stats.DeviceTokens,
		BusSubscriptions:        s.busSubscriptionCount(),
		CrossInstanceBusEnabled: s.crossInstanceBusEnabled,
		RedisPersistenceEnabled: s.redisPersistenceEnabled,
		Now:                     time.Now().UTC().Format(time.RFC3339),
	})
}

type metricszResponse struct {
	healthzResponse
	ConnectedDesktop      int     `json:"connectedDesktop"`
	ConnectedMobile       int     `json:"connectedMobile"`
	IPRateLimitBuckets    int     `json:"ipRateLimitBuckets"`
	OutboundSendFailures  float64 `json:"outboundSendFailures"`
	SlowConsumerDisconnects float64 `json:"slowConsumerDisconnects"`
	BusPublishFailures    float64 `json:"busPublishFailures"`
	PersistenceFailures   float64 `json:"persistenceFailures"`
	PairEndpointAttempts  float64 `json:"pairEndpointAttempts"`
	PairEndpointSuccess   float64 `json:"pairEndpointSuccess"`
	PairEndpointFailure   float64 `json:"pairEndpointFailure"`
}

func (s *Server) handleMetricsz(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, metricszResponse{
		healthzResponse: healthzResponse{
			OK:                      true,
			Sessions:                stats.SessionCount,
			ActiveWebSockets:        stats.ConnectedDesktop + stats.ConnectedMobile,
			PendingJoinWaiters:      stats.PendingApprovals,
			DeviceTokens:            stats.DeviceTokens,
			BusSubscriptions:        s.busSubscriptionCount(),
			CrossInstanceBusEnabled: s.crossInstanceBusEnabled,
			RedisPersistenceEnabled: s.redisPersistenceEnabled,
			Now:                     time.Now().UTC().Format(time.RFC3339),
		},
		ConnectedDesktop:        stats.ConnectedDesktop,
		ConnectedMobile:         stats.ConnectedMobile,
		IPRateLimitBuckets:      stats.IPBuckets,
		OutboundSendFailures:    metrics.ReadCounter(s.metrics.OutboundSendFailures),
		SlowConsumerDisconnects: metrics.ReadCounter(s.metrics.SlowConsumerDrops),
		BusPublishFailures:      metrics.ReadCounter(s.metrics.BusPublishFailures),
		PersistenceFailures:     metrics.ReadCounter(s.metrics.PersistenceFailures),
		PairEndpointAttempts:    metrics.ReadCounterVec(s.metrics.PairEndpointAttempts),
		PairEndpointSuccess:     metrics.ReadCounterVec(s.metrics.PairEndpointSuccess),
		PairEndpointFailure:     metrics.ReadCounterVec(s.metrics.PairEndpointFailure),
	})
}

func (s *Server) busSubscriptionCount() int {
	if s.bus == nil {
		return 0
	}
	return s.bus.SubscriptionCount()
}
