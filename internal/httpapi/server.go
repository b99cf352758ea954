// Package httpapi implements the relay's control plane (spec component
// C6): the pair/{start,join,refresh,stop} and devices/{list,revoke}
// endpoints, plus /healthz and /metricsz. It holds no state of its own —
// every request is a thin translation between JSON-over-HTTP and
// internal/relaystate.Store, following the teacher's preference for a
// small, dependency-free routing layer (net/http.ServeMux) fronting a
// separately-testable core.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/codexchat/remote-control-relay/internal/config"
	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
)

// BusInspector is the narrow surface httpapi needs from the cross-instance
// bus purely for diagnostics (/metricsz); nil when no bus is configured.
type BusInspector interface {
	SubscriptionCount() int
}

// Refresher is invoked opportunistically before control-plane reads that
// might otherwise miss a session created on another instance, per
// spec.md §4.4. Implemented by internal/persistence; nil when persistence
// is not configured. Failures are swallowed by the implementation.
type Refresher func()

// Server serves the relay's HTTP control plane.
type Server struct {
	store   *relaystate.Store
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Registry
	bus     BusInspector
	refresh Refresher

	crossInstanceBusEnabled  bool
	redisPersistenceEnabled  bool
	startedAt                time.Time

	mux *http.ServeMux
}

// New constructs a Server and wires its routes. bus may be nil.
func New(store *relaystate.Store, cfg *config.Config, log logging.Logger, reg *metrics.Registry, bus BusInspector, refresh Refresher, crossInstanceBusEnabled, redisPersistenceEnabled bool) *Server {
	s := &Server{
		store:                   store,
		cfg:                     cfg,
		log:                     log,
		metrics:                 reg,
		bus:                     bus,
		refresh:                 refresh,
		crossInstanceBusEnabled: crossInstanceBusEnabled,
		redisPersistenceEnabled: redisPersistenceEnabled,
		startedAt:               time.Now(),
		mux:                     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler for the control plane, ready to be
// mounted on an *http.Server alongside internal/wsrelay's /ws handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.Handle("/pair/start", s.pairingMiddleware("pair_start", http.HandlerFunc(s.handlePairStart)))
	s.mux.Handle("/pair/join", s.pairingMiddleware("pair_join", http.HandlerFunc(s.handlePairJoin)))
	s.mux.Handle("/pair/refresh", s.pairingMiddleware("pair_refresh", http.HandlerFunc(s.handlePairRefresh)))
	s.mux.Handle("/pair/stop", s.pairingMiddleware("pair_stop", http.HandlerFunc(s.handlePairStop)))
	s.mux.Handle("/devices/list", s.pairingMiddleware("devices_list", http.HandlerFunc(s.handleDevicesList)))
	s.mux.Handle("/devices/revoke", s.pairingMiddleware("devices_revoke", http.HandlerFunc(s.handleDevicesRevoke)))
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/metricsz", s.handleMetricsz)
}

// pairingMiddleware applies CORS, body-size clamping, and the per-IP
// fixed-window rate limit shared by every pair/* and devices/* endpoint,
// then records endpoint attempt/success/failure metrics around the
// wrapped handler.
func (s *Server) pairingMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "this endpoint only accepts POST")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxJSONBytes))

		ip := s.clientIP(r)
		if !s.store.ConsumeIPBucket(ip, nowMs()) {
			s.metrics.PairEndpointFailure.WithLabelValues(endpoint, "rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many pairing requests from this address")
			return
		}

		s.metrics.PairEndpointAttempts.WithLabelValues(endpoint).Inc()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= 200 && rec.status < 300 {
			s.metrics.PairEndpointSuccess.WithLabelValues(endpoint).Inc()
		} else {
			s.metrics.PairEndpointFailure.WithLabelValues(endpoint, rec.errorCode).Inc()
		}
	})
}

// statusRecorder captures the status code and (if an error envelope was
// written) its error code, purely for the metrics wrapper above.
type statusRecorder struct {
	http.ResponseWriter
	status    int
	errorCode string
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// applyCORS sets the conservative CORS headers described by spec.md §4.6:
// POST and OPTIONS only, Content-Type the only allowed request header, and
// either a literal allow-list of origins or the wildcard.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	w.Header().Set("Vary", "Origin")

	if origin == "" {
		return
	}
	if !s.cfg.IsAllowedOrigin(origin) {
		return
	}
	if s.cfg.AllowedOrigins["*"] {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "600")
}

// clientIP resolves the caller's address per spec.md §4.6: the first token
// of X-Forwarded-For when TrustProxy is enabled and the header is present,
// otherwise the socket peer address.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
