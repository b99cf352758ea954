// Command relay runs the remote-control pairing and message relay
// server: the HTTP control plane and the /ws bidirectional channel
// handler on one listener, following the teacher's main/shutdown split
// in server/main.go and server/shutdown.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codexchat/remote-control-relay/internal/bus"
	"github.com/codexchat/remote-control-relay/internal/config"
	"github.com/codexchat/remote-control-relay/internal/httpapi"
	"github.com/codexchat/remote-control-relay/internal/janitor"
	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
	"github.com/codexchat/remote-control-relay/internal/persistence"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
	"github.com/codexchat/remote-control-relay/internal/wsrelay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("relay: config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("relay: logging: %v", err)
	}

	rootLog := logging.For("relay")
	reg := metrics.New(cfg.MetricsNS)

	var persist *persistence.Adapter
	if cfg.RedisURL != "" {
		persist, err = persistence.Open(persistence.Config{URL: cfg.RedisURL, KeyPrefix: cfg.RedisKeyPrefix}, logging.For("persistence"), reg)
		if err != nil {
			log.Fatalf("relay: persistence: %v", err)
		}
		defer persist.Close()
	}

	limits := relaystate.Limits{
		MaxDevicesPerSession:         cfg.MaxDevicesPerSession,
		SessionRetentionMs:           cfg.SessionRetentionMs,
		MaxPendingJoinWaiters:        cfg.MaxPendingJoinWaiters,
		MaxRemoteCommandsPerMinute:   cfg.MaxRemoteCommandsPerMinute,
		MaxRemoteCommandTextBytes:    cfg.MaxRemoteCommandTextBytes,
		MaxSnapshotRequestsPerMinute: cfg.MaxSnapshotRequestsPerMinute,
		TokenRotationGraceMs:         cfg.TokenRotationGraceMs,
		PairApprovalTimeoutMs:        cfg.PairApprovalTimeoutMs,
		MaxPairRequestsPerMinute:     cfg.MaxPairRequestsPerMinute,
	}

	var store *relaystate.Store
	var natsBus *bus.Bus
	if cfg.NatsURL != "" {
		instanceID := tokenutil.RandomToken(8)
		// store is constructed below once natsBus exists, since natsBus's
		// Handler is the store itself; this indirection mirrors the
		// teacher's cluster-node wiring in server/cluster.go, where the
		// node and its message handler are constructed as a pair.
		storeHolder := &storeRef{}
		natsBus, err = bus.Connect(bus.Config{URL: cfg.NatsURL, SubjectPrefix: cfg.NatsSubjectPrefix, InstanceID: instanceID}, storeHolder, logging.For("bus"), reg)
		if err != nil {
			log.Fatalf("relay: bus: %v", err)
		}
		defer natsBus.Close()
		store = relaystate.New(limits, persistAdapterOrNil(persist), natsBus)
		storeHolder.store = store
	} else {
		store = relaystate.New(limits, persistAdapterOrNil(persist), nil)
	}

	if persist != nil {
		store.SetRefresher(persist.LoadAll)
		if snaps, err := persist.LoadAll(context.Background()); err == nil {
			for _, snap := range snaps {
				store.Rehydrate(snap)
			}
			rootLog.Infof("relay: rehydrated %d session(s) from persistence", len(snaps))
		} else {
			rootLog.Errorf("relay: initial persistence load failed: %v", err)
		}
	}

	var refresh httpapi.Refresher
	if persist != nil {
		refresh = func() {
			if snaps, err := persist.LoadAll(context.Background()); err == nil {
				for _, snap := range snaps {
					store.Rehydrate(snap)
				}
			}
		}
	}

	var busInspector httpapi.BusInspector
	if natsBus != nil {
		busInspector = natsBus
	}

	api := httpapi.New(store, cfg, logging.For("httpapi"), reg, busInspector, refresh, natsBus != nil, persist != nil)
	ws := wsrelay.New(store, cfg, logging.For("wsrelay"), reg)

	j := janitor.New(store, logging.For("janitor"))
	go j.Run()
	defer j.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/", api.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := listenAndServe(addr, mux, rootLog); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

// storeRef indirects bus.Handler to the *relaystate.Store constructed
// after the bus that needs to reference it, breaking the construction
// cycle without a placeholder handler implementation.
type storeRef struct {
	store *relaystate.Store
}

func (r *storeRef) HandleBusEnvelope(sessionID, target, targetDeviceID string, payload []byte) {
	if r.store != nil {
		r.store.HandleBusEnvelope(sessionID, target, targetDeviceID, payload)
	}
}

func persistAdapterOrNil(a *persistence.Adapter) relaystate.Persister {
	if a == nil {
		return nil
	}
	return a
}

// listenAndServe mirrors the teacher's server/shutdown.go: listen, serve,
// and on SIGINT/SIGTERM/SIGHUP stop accepting new connections and wait up
// to 10s for in-flight HTTP requests. Hijacked /ws connections are not
// waited on and receive no frame.
func listenAndServe(addr string, handler http.Handler, log logging.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("relay: listening on %s", addr)
		serveErr <- server.Serve(ln)
	}()

	select {
	case sig := <-signchan:
		log.Infof("relay: signal received (%s), shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}
