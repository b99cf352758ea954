package wsrelay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codexchat/remote-control-relay/internal/metrics"
)

// socket is the concrete relaystate.Socket backing a live gorilla
// websocket connection: a bounded outbound queue drained by one writer
// goroutine, mirroring the teacher's queueOut/send-channel idiom in
// server/session.go but with a non-blocking offer instead of a
// microsecond-scale timeout, per spec.md §4.7.
type socket struct {
	conn *websocket.Conn
	send chan []byte
	stop chan struct{}

	closeOnce sync.Once
	metrics   *metrics.Registry

	deviceID string // empty for the desktop socket
}

func newSocket(conn *websocket.Conn, queueSize int, reg *metrics.Registry) *socket {
	if queueSize < 8 {
		queueSize = 8
	}
	return &socket{
		conn:    conn,
		send:    make(chan []byte, queueSize),
		stop:    make(chan struct{}),
		metrics: reg,
	}
}

// Offer attempts a non-blocking enqueue. A full queue counts as an
// outbound send failure and immediately forces the connection closed as a
// slow consumer: a bounded queue that is already full has no use draining
// slower than its producer.
func (s *socket) Offer(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		s.metrics.OutboundSendFailures.Inc()
		s.forceSlowConsumerClose()
		return false
	}
}

// forceSlowConsumerClose discards the frames still queued and enqueues the
// terminal disconnect frame in their place, so writePump stays the only
// goroutine that writes to the connection.
func (s *socket) forceSlowConsumerClose() {
	s.closeOnce.Do(func() {
		s.metrics.SlowConsumerDrops.Inc()
	discard:
		for {
			select {
			case <-s.send:
			default:
				break discard
			}
		}
		select {
		case s.send <- encodeDisconnectFrame("slow_consumer"):
		default:
		}
		close(s.stop)
	})
}

// Close asks the writer to drain any already-queued frames (up to 100ms)
// after best-effort enqueuing payload, then terminate the connection.
func (s *socket) Close(payload []byte) {
	s.closeOnce.Do(func() {
		if payload != nil {
			select {
			case s.send <- payload:
			default:
			}
		}
		close(s.stop)
	})
}

// writePump is the connection's sole writer, per spec.md §4.7: draining
// the bounded queue until told to stop, then draining whatever remains
// for up to 100ms before aborting.
func (s *socket) writePump() {
	defer s.conn.Close()

	for {
		select {
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.stop:
			deadline := time.NewTimer(100 * time.Millisecond)
			defer deadline.Stop()
		drain:
			for {
				select {
				case msg := <-s.send:
					if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						break drain
					}
				case <-deadline.C:
					break drain
				default:
					break drain
				}
			}
			return
		}
	}
}
