// Package bus fans session and control messages out across relay
// instances over NATS so a desktop and its mobiles can land on different
// processes behind a load balancer and still reach each other.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/metrics"
)

// Handler is the narrow surface the bus needs from the session store to
// deliver an inbound message. Defined here (rather than imported from
// relaystate) so this package never needs to depend on it; *relaystate.Store
// satisfies this interface structurally.
type Handler interface {
	HandleBusEnvelope(sessionID, target, targetDeviceID string, payload []byte)
}

// envelope is the wire shape published on every session subject. origin
// lets a subscriber ignore messages it published itself.
type envelope struct {
	Origin         string `json:"origin"`
	SessionID      string `json:"sessionId"`
	Target         string `json:"target"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
	Payload        []byte `json:"payload"`
}

// Bus is a relaystate.Publisher backed by a NATS connection, with one
// subscription per session that currently has local sockets or waiters.
type Bus struct {
	conn         *nats.Conn
	subjectPfx   string
	instanceID   string
	log          logging.Logger
	metrics      *metrics.Registry
	handler      Handler

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
	refcount      map[string]int
}

// Config configures the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	InstanceID    string
}

// Connect dials NATS and returns a ready Bus. handler is invoked for every
// inbound message not originated by this instance.
func Connect(cfg Config, handler Handler, log logging.Logger, reg *metrics.Registry) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name(fmt.Sprintf("%s-relay", cfg.InstanceID)))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	b := &Bus{
		conn:          conn,
		subjectPfx:    cfg.SubjectPrefix,
		instanceID:    cfg.InstanceID,
		log:           log,
		metrics:       reg,
		handler:       handler,
		subscriptions: make(map[string]*nats.Subscription),
		refcount:      make(map[string]int),
	}
	return b, nil
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	b.conn.Drain()
}

// SubscriptionCount reports the number of session subjects this instance
// currently holds a live subscription for, for /metricsz.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

func (b *Bus) sessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.session.%s", b.subjectPfx, sessionID)
}

// EnsureSubscription subscribes to a session's subject if this is the
// first local interest in it (reference-counted so overlapping callers —
// e.g. a desktop attach and a concurrent pair/join wait — don't race each
// other's teardown).
func (b *Bus) EnsureSubscription(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refcount[sessionID]++
	if _, ok := b.subscriptions[sessionID]; ok {
		return
	}

	subject := b.sessionSubject(sessionID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.handleMessage(msg.Data)
	})
	if err != nil {
		b.log.WithSession(sessionID).Errorf("bus: subscribe failed: %v", err)
		b.metrics.BusPublishFailures.Inc()
		return
	}
	b.subscriptions[sessionID] = sub
}

// ReleaseSubscription drops one reference to a session's subscription,
// unsubscribing once nothing local cares about it anymore.
func (b *Bus) ReleaseSubscription(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refcount[sessionID] > 0 {
		b.refcount[sessionID]--
	}
	if b.refcount[sessionID] > 0 {
		return
	}
	delete(b.refcount, sessionID)

	if sub, ok := b.subscriptions[sessionID]; ok {
		sub.Unsubscribe()
		delete(b.subscriptions, sessionID)
	}
}

// PublishSession publishes a frame for a session to every other instance.
func (b *Bus) PublishSession(sessionID, target, targetDeviceID string, payload []byte) {
	env := envelope{
		Origin:         b.instanceID,
		SessionID:      sessionID,
		Target:         target,
		TargetDeviceID: targetDeviceID,
		Payload:        payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.metrics.BusPublishFailures.Inc()
		return
	}
	if err := b.conn.Publish(b.sessionSubject(sessionID), data); err != nil {
		b.log.WithSession(sessionID).Errorf("bus: publish failed: %v", err)
		b.metrics.BusPublishFailures.Inc()
	}
}

func (b *Bus) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Errorf("bus: malformed envelope: %v", err)
		return
	}
	if env.Origin == b.instanceID {
		return // self-published, already applied locally
	}
	b.handler.HandleBusEnvelope(env.SessionID, env.Target, env.TargetDeviceID, env.Payload)
}
