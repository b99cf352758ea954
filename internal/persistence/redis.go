// Package persistence mirrors relaystate.PersistedSession records to
// Redis so a session survives a process restart and is visible to other
// relay instances sharing the same key prefix.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
)

// minRefreshInterval throttles forced reloads so a burst of resolution
// misses during the handshake doesn't hammer Redis.
const minRefreshInterval = time.Second

// record is the on-wire JSON shape stored under each session key.
type record struct {
	SchemaVersion        int                         `json:"schemaVersion"`
	SessionID            string                      `json:"sessionId"`
	JoinToken            string                      `json:"joinToken"`
	JoinTokenExpiresAtMs int64                       `json:"joinTokenExpiresAtMs"`
	JoinTokenUsedAtMs    int64                       `json:"joinTokenUsedAtMs"`
	DesktopSessionToken  string                      `json:"desktopSessionToken"`
	RelayWebSocketURL    string                      `json:"relayWebSocketUrl"`
	IdleTimeoutSeconds   int                         `json:"idleTimeoutSeconds"`
	CreatedAtMs          int64                       `json:"createdAtMs"`
	LastActivityAtMs     int64                       `json:"lastActivityAtMs"`
	Devices              []relaystate.PersistedDevice `json:"devices"`
}

// Adapter is a Redis-backed relaystate.Persister. Save and Delete swallow
// their own errors (logging and counting them) so a Redis outage degrades
// the relay to in-memory-only operation; Open and LoadAll return their
// errors to the caller.
type Adapter struct {
	client    *redis.Client
	keyPrefix string
	log       logging.Logger
	metrics   *metrics.Registry

	mu           sync.Mutex
	lastRefresh  time.Time
}

// Config configures the Redis connection.
type Config struct {
	URL       string
	KeyPrefix string
}

// Open dials Redis (parsing a redis:// URL) and verifies connectivity.
func Open(cfg Config, log logging.Logger, reg *metrics.Registry) (*Adapter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("persistence: ping redis: %w", err)
	}

	return &Adapter{client: client, keyPrefix: cfg.KeyPrefix, log: log, metrics: reg}, nil
}

// Close releases the underlying Redis connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:v1:%s", a.keyPrefix, sessionID)
}

func (a *Adapter) indexKey() string {
	return fmt.Sprintf("%s:sessions:index:v1", a.keyPrefix)
}

// Save mirrors a session record to Redis. Errors are logged and counted,
// never returned: a failed save never rolls back the in-memory decision
// it followed.
func (a *Adapter) Save(session relaystate.PersistedSession) {
	rec := record{
		SchemaVersion:        relaystate.SchemaVersion,
		SessionID:            session.SessionID,
		JoinToken:            session.JoinToken,
		JoinTokenExpiresAtMs: session.JoinTokenExpiresAtMs,
		JoinTokenUsedAtMs:    session.JoinTokenUsedAtMs,
		DesktopSessionToken:  session.DesktopSessionToken,
		RelayWebSocketURL:    session.RelayWebSocketURL,
		IdleTimeoutSeconds:   session.IdleTimeoutSeconds,
		CreatedAtMs:          session.CreatedAtMs,
		LastActivityAtMs:     session.LastActivityAtMs,
		Devices:              session.Devices,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		a.log.WithSession(session.SessionID).Errorf("persistence: marshal session failed: %v", err)
		a.metrics.PersistenceFailures.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.sessionKey(session.SessionID), payload, 0)
	pipe.SAdd(ctx, a.indexKey(), session.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.WithSession(session.SessionID).Errorf("persistence: save failed: %v", err)
		a.metrics.PersistenceFailures.Inc()
	}
}

// Delete removes a session's persisted record.
func (a *Adapter) Delete(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := a.client.TxPipeline()
	pipe.Del(ctx, a.sessionKey(sessionID))
	pipe.SRem(ctx, a.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.WithSession(sessionID).Errorf("persistence: delete failed: %v", err)
		a.metrics.PersistenceFailures.Inc()
	}
}

// LoadAll fetches every persisted session, dropping any record whose
// schema version does not match. Used at startup to repopulate the store.
func (a *Adapter) LoadAll(ctx context.Context) ([]relaystate.PersistedSession, error) {
	ids, err := a.client.SMembers(ctx, a.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence: load index: %w", err)
	}
	sort.Strings(ids)

	out := make([]relaystate.PersistedSession, 0, len(ids))
	for _, id := range ids {
		payload, err := a.client.Get(ctx, a.sessionKey(id)).Result()
		if err == redis.Nil {
			a.client.SRem(ctx, a.indexKey(), id)
			continue
		}
		if err != nil {
			a.log.WithSession(id).Errorf("persistence: load session failed: %v", err)
			a.metrics.PersistenceFailures.Inc()
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.SchemaVersion != relaystate.SchemaVersion {
			a.log.WithSession(id).Errorf("persistence: dropping record with incompatible schema version")
			continue
		}
		out = append(out, relaystate.PersistedSession{
			SchemaVersion:        rec.SchemaVersion,
			SessionID:            rec.SessionID,
			JoinToken:            rec.JoinToken,
			JoinTokenExpiresAtMs: rec.JoinTokenExpiresAtMs,
			JoinTokenUsedAtMs:    rec.JoinTokenUsedAtMs,
			DesktopSessionToken:  rec.DesktopSessionToken,
			RelayWebSocketURL:    rec.RelayWebSocketURL,
			IdleTimeoutSeconds:   rec.IdleTimeoutSeconds,
			CreatedAtMs:          rec.CreatedAtMs,
			LastActivityAtMs:     rec.LastActivityAtMs,
			Devices:              rec.Devices,
		})
	}
	return out, nil
}

// ForceRefresh re-reads a single session's record, throttled to at most
// once per second, for use when a handshake token lookup misses locally
// and persistence might hold a newer copy written by another instance.
func (a *Adapter) ForceRefresh(ctx context.Context, sessionID string) (*relaystate.PersistedSession, bool) {
	a.mu.Lock()
	if time.Since(a.lastRefresh) < minRefreshInterval {
		a.mu.Unlock()
		return nil, false
	}
	a.lastRefresh = time.Now()
	a.mu.Unlock()

	payload, err := a.client.Get(ctx, a.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.SchemaVersion != relaystate.SchemaVersion {
		return nil, false
	}
	return &relaystate.PersistedSession{
		SchemaVersion:        rec.SchemaVersion,
		SessionID:            rec.SessionID,
		JoinToken:            rec.JoinToken,
		JoinTokenExpiresAtMs: rec.JoinTokenExpiresAtMs,
		JoinTokenUsedAtMs:    rec.JoinTokenUsedAtMs,
		DesktopSessionToken:  rec.DesktopSessionToken,
		RelayWebSocketURL:    rec.RelayWebSocketURL,
		IdleTimeoutSeconds:   rec.IdleTimeoutSeconds,
		CreatedAtMs:          rec.CreatedAtMs,
		LastActivityAtMs:     rec.LastActivityAtMs,
		Devices:              rec.Devices,
	}, true
}
