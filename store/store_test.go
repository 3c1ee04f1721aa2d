package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEvent(id string, kind int, createdAt nostr.Timestamp, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    strings.Repeat("a", 64),
		Kind:      kind,
		CreatedAt: createdAt,
		Content:   "content",
		Tags:      tags,
		Sig:       strings.Repeat("0", 128),
	}
}

func TestSaveAndQueryEvents(t *testing.T) {
	s := openTestStore(t)

	events := []*nostr.Event{
		makeEvent("e1", 1, 100, nil),
		makeEvent("e2", 1, 200, nil),
		makeEvent("e3", 7, 300, nil),
	}
	require.NoError(t, s.SaveEvents(events, map[string][]string{
		"e1": {"wss://r1.example.com"},
	}))

	got, err := s.QueryEvents(nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// newest first
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e1", got[1].ID)

	got, err = s.QueryEvents(nostr.Filter{Kinds: []int{1}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)

	since := nostr.Timestamp(250)
	got, err = s.QueryEvents(nostr.Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].ID)
}

func TestSaveIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	evt := makeEvent("e1", 1, 100, nil)

	require.NoError(t, s.SaveEvents([]*nostr.Event{evt}, nil))
	require.NoError(t, s.SaveEvents([]*nostr.Event{evt}, nil))

	got, err := s.QueryEvents(nostr.Filter{IDs: []string{"e1"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReplaceableKindsSupersede(t *testing.T) {
	s := openTestStore(t)

	older := makeEvent("old", 0, 100, nil)
	newer := makeEvent("new", 0, 200, nil)
	require.NoError(t, s.SaveEvents([]*nostr.Event{older}, nil))
	require.NoError(t, s.SaveEvents([]*nostr.Event{newer}, nil))

	got, err := s.QueryEvents(nostr.Filter{Kinds: []int{0}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	// a stale event arriving later must not clobber the newer one
	stale := makeEvent("stale", 0, 50, nil)
	require.NoError(t, s.SaveEvents([]*nostr.Event{stale}, nil))
	got, err = s.QueryEvents(nostr.Filter{Kinds: []int{0}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestParameterizedReplaceableKeyedByDTag(t *testing.T) {
	s := openTestStore(t)

	listA := makeEvent("la", 30000, 100, nostr.Tags{{"d", "alpha"}})
	listB := makeEvent("lb", 30000, 100, nostr.Tags{{"d", "beta"}})
	require.NoError(t, s.SaveEvents([]*nostr.Event{listA, listB}, nil))

	got, err := s.QueryEvents(nostr.Filter{Kinds: []int{30000}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "different d tags coexist")

	newerA := makeEvent("la2", 30000, 200, nostr.Tags{{"d", "alpha"}})
	require.NoError(t, s.SaveEvents([]*nostr.Event{newerA}, nil))
	got, err = s.QueryEvents(nostr.Filter{Kinds: []int{30000}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, "la2")
	assert.Contains(t, ids, "lb")
}

func TestRegularKindsAccumulate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveEvents([]*nostr.Event{
		makeEvent("n1", 1, 100, nil),
		makeEvent("n2", 1, 200, nil),
	}, nil))

	got, err := s.QueryEvents(nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestIdleTimeoutReopens(t *testing.T) {
	s := openTestStore(t, WithIdleTimeout(50*time.Millisecond))
	require.NoError(t, s.SaveEvents([]*nostr.Event{makeEvent("e1", 1, 100, nil)}, nil))

	time.Sleep(150 * time.Millisecond)
	s.mu.Lock()
	closed := s.db == nil
	s.mu.Unlock()
	assert.True(t, closed, "database closes after the idle timeout")

	got, err := s.QueryEvents(nostr.Filter{IDs: []string{"e1"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
