package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/atomic"
)

var errNotConnected = errors.New("socket is not connected")

// frameHandler receives parsed inbound frames and socket lifecycle
// signals. All methods are called from the socket's read goroutine.
type frameHandler interface {
	HandleEvent(relay, subID string, evt *nostr.Event)
	HandleEOSE(relay, subID string)
	HandleOK(relay, eventID string, accepted bool, reason string)
	HandleNotice(relay, message string)
	HandleClosed(relay, subID, reason string)
	HandleProtocolError(relay string, err error)
	HandleDisconnect(relay string, err error)
}

// Socket owns one logical relay connection: framing in both directions
// and liveness tracking. Reconnection policy, subscriptions, and timers
// beyond the handshake deadline live in the pool.
type Socket struct {
	url     string
	dialer  *websocket.Dialer
	handler frameHandler

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	connected    *atomic.Bool
	lastActivity *atomic.Time
}

func newSocket(url string, dialer *websocket.Dialer, handler frameHandler) *Socket {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: relayTimeout}
	}
	return &Socket{
		url:          url,
		dialer:       dialer,
		handler:      handler,
		connected:    atomic.NewBool(false),
		lastActivity: atomic.NewTime(time.Time{}),
	}
}

func (s *Socket) URL() string { return s.url }

func (s *Socket) Connected() bool { return s.connected.Load() }

// LastActivity is the time of the most recent inbound frame, or of the
// last successful Connect if no frame has arrived since. It is monotone
// non-decreasing while the connection is up.
func (s *Socket) LastActivity() time.Time { return s.lastActivity.Load() }

// Connect dials the relay with the handshake deadline and starts the read
// loop. A previous connection, if any, is torn down first.
func (s *Socket) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.connected.Store(true)
	s.lastActivity.Store(time.Now())
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the connection cleanly. The read loop exits without
// reporting a disconnect, so no reconnection is triggered by it.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.connected.Store(false)
	if conn != nil {
		conn.Close()
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := s.conn == conn
			if current {
				s.conn = nil
			}
			s.mu.Unlock()
			if current {
				s.connected.Store(false)
				s.handler.HandleDisconnect(s.url, err)
			}
			return
		}
		s.lastActivity.Store(time.Now())
		s.dispatch(message)
	}
}

// dispatch parses one inbound frame and routes it by kind. Unknown or
// malformed frames are reported and dropped; the connection is retained.
func (s *Socket) dispatch(message []byte) {
	envelope := nostr.ParseMessage(message)
	if envelope == nil {
		s.handler.HandleProtocolError(s.url, fmt.Errorf("unparseable frame: %.80s", message))
		return
	}
	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			s.handler.HandleProtocolError(s.url, errors.New("EVENT frame without subscription id"))
			return
		}
		evt := env.Event
		s.handler.HandleEvent(s.url, *env.SubscriptionID, &evt)
	case *nostr.EOSEEnvelope:
		s.handler.HandleEOSE(s.url, string(*env))
	case *nostr.OKEnvelope:
		s.handler.HandleOK(s.url, env.EventID, env.OK, env.Reason)
	case *nostr.NoticeEnvelope:
		s.handler.HandleNotice(s.url, string(*env))
	case *nostr.ClosedEnvelope:
		s.handler.HandleClosed(s.url, string(env.SubscriptionID), env.Reason)
	default:
		s.handler.HandleProtocolError(s.url, fmt.Errorf("unknown frame type %s", envelope.Label()))
	}
}

// SendReq subscribes with the given id and filters.
func (s *Socket) SendReq(subID string, filters nostr.Filters) error {
	return s.send(&nostr.ReqEnvelope{SubscriptionID: subID, Filters: filters})
}

// SendClose closes the given subscription on the relay.
func (s *Socket) SendClose(subID string) error {
	env := nostr.CloseEnvelope(subID)
	return s.send(&env)
}

// SendEvent publishes one event.
func (s *Socket) SendEvent(evt *nostr.Event) error {
	return s.send(&nostr.EventEnvelope{Event: *evt})
}

func (s *Socket) send(envelope nostr.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	payload, err := envelope.MarshalJSON()
	if err != nil {
		return fmt.Errorf("could not marshal %s frame: %w", envelope.Label(), err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(relayTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write to %s: %w", s.url, err)
	}
	return nil
}
