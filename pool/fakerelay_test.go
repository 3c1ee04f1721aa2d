package pool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// fakeRelay is an in-process relay speaking the wire protocol over a
// websocket, with scripted per-subscription behavior.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	// onReq runs synchronously for every REQ frame.
	onReq func(sess *relaySession, subID string, filters nostr.Filters)
	// onEvent runs for every inbound EVENT frame.
	onEvent func(sess *relaySession, evt *nostr.Event)

	mu     sync.Mutex
	reqs   []recordedReq
	closes []string
}

type recordedReq struct {
	subID   string
	filters nostr.Filters
}

type relaySession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newFakeRelay(t *testing.T) *fakeRelay {
	fr := &fakeRelay{t: t}
	fr.server = httptest.NewServer(http.HandlerFunc(fr.handle))
	t.Cleanup(fr.server.Close)
	return fr
}

// url returns the relay address in the normalized form the pool uses as
// its registry key.
func (fr *fakeRelay) url() string {
	return nostr.NormalizeURL(fr.server.URL)
}

func (fr *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &relaySession{conn: conn}
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}
		switch label {
		case "REQ":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			filters := make(nostr.Filters, 0, len(frame)-2)
			for _, raw := range frame[2:] {
				var f nostr.Filter
				if err := json.Unmarshal(raw, &f); err != nil {
					continue
				}
				filters = append(filters, f)
			}
			fr.mu.Lock()
			fr.reqs = append(fr.reqs, recordedReq{subID: subID, filters: filters})
			fr.mu.Unlock()
			if fr.onReq != nil {
				fr.onReq(sess, subID, filters)
			}
		case "CLOSE":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			fr.mu.Lock()
			fr.closes = append(fr.closes, subID)
			fr.mu.Unlock()
		case "EVENT":
			var evt nostr.Event
			if err := json.Unmarshal(frame[1], &evt); err != nil {
				continue
			}
			if fr.onEvent != nil {
				fr.onEvent(sess, &evt)
			}
		}
	}
}

func (fr *fakeRelay) recordedReqs() []recordedReq {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]recordedReq, len(fr.reqs))
	copy(out, fr.reqs)
	return out
}

func (fr *fakeRelay) recordedCloses() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]string, len(fr.closes))
	copy(out, fr.closes)
	return out
}

func (s *relaySession) send(t *testing.T, frame ...any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("could not marshal frame: %v", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Logf("could not write frame: %v", err)
	}
}

func (s *relaySession) sendRaw(t *testing.T, payload string) {
	t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Logf("could not write frame: %v", err)
	}
}

func (s *relaySession) sendEvent(t *testing.T, subID string, evt *nostr.Event) {
	s.send(t, "EVENT", subID, evt)
}

func (s *relaySession) sendEOSE(t *testing.T, subID string) {
	s.send(t, "EOSE", subID)
}

func (s *relaySession) sendOK(t *testing.T, eventID string, accepted bool, message string) {
	s.send(t, "OK", eventID, accepted, message)
}

func (s *relaySession) sendClosed(t *testing.T, subID, reason string) {
	s.send(t, "CLOSED", subID, reason)
}

// testEvent fabricates a minimal event; the pool treats everything but
// id, kind, and created_at as opaque.
func testEvent(id string, createdAt nostr.Timestamp) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    strings.Repeat("f", 64),
		Kind:      1,
		CreatedAt: createdAt,
		Content:   "content of " + id,
	}
}
