// Package store persists event batches flushed by the relay pool into a
// local SQLite database. It is a best-effort writer: a failed write is
// not retried and delivery across restarts is not guaranteed.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL,
	sig        TEXT NOT NULL,
	dtag       TEXT NOT NULL DEFAULT '',
	relays     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_events_kind_pubkey ON events(kind, pubkey, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

// Store writes events to a SQLite file. The connection is closed after
// the idle timeout and reopened transparently on the next use.
type Store struct {
	path        string
	idleTimeout time.Duration

	mu        sync.Mutex
	db        *sql.DB
	idleTimer *time.Timer
}

type Option func(*Store)

// WithIdleTimeout closes the database after d without writes or reads.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.idleTimeout = d
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.handle(); err != nil {
		return nil, err
	}
	return s, nil
}

// handle returns the open database, reopening it if the idle timer closed
// it. Callers hold s.mu.
func (s *Store) handle() (*sql.DB, error) {
	if s.db == nil {
		db, err := sql.Open("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("could not open database %s: %w", s.path, err)
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not apply schema: %w", err)
		}
		s.db = db
	}
	s.touch()
	return s.db, nil
}

func (s *Store) touch() {
	if s.idleTimeout <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.db != nil {
			s.db.Close()
			s.db = nil
		}
	})
}

// replaceable reports whether an event kind is superseded by a newer
// event of the same (pubkey, kind), per the protocol's replaceable
// ranges. Parameterized-replaceable kinds are additionally keyed by the
// d tag.
func replaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000) || parameterized(kind)
}

func parameterized(kind int) bool {
	return kind >= 30000 && kind < 40000
}

func dTag(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// SaveEvents upserts a flushed batch. For replaceable kinds the latest
// event by created_at wins and older rows for the same key are removed.
// A redelivered event refreshes its seen-on relay list.
func (s *Store) SaveEvents(events []*nostr.Event, relaysForID map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, evt := range events {
		dtag := ""
		if parameterized(evt.Kind) {
			dtag = dTag(evt)
		}
		if replaceable(evt.Kind) {
			var newer int
			query := `SELECT COUNT(*) FROM events WHERE pubkey = ? AND kind = ? AND dtag = ? AND created_at > ?`
			if err := tx.QueryRow(query, evt.PubKey, evt.Kind, dtag, int64(evt.CreatedAt)).Scan(&newer); err != nil {
				return fmt.Errorf("could not check replaceable event: %w", err)
			}
			if newer > 0 {
				continue
			}
			del := `DELETE FROM events WHERE pubkey = ? AND kind = ? AND dtag = ?`
			if _, err := tx.Exec(del, evt.PubKey, evt.Kind, dtag); err != nil {
				return fmt.Errorf("could not supersede replaceable event: %w", err)
			}
		}
		tags, err := json.Marshal(evt.Tags)
		if err != nil {
			return fmt.Errorf("could not marshal tags: %w", err)
		}
		relays, err := json.Marshal(relaysForID[evt.ID])
		if err != nil {
			return fmt.Errorf("could not marshal relays: %w", err)
		}
		insert := `INSERT INTO events (id, pubkey, kind, created_at, content, tags, sig, dtag, relays)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET relays = excluded.relays`
		_, err = tx.Exec(insert, evt.ID, evt.PubKey, evt.Kind, int64(evt.CreatedAt),
			evt.Content, string(tags), evt.Sig, dtag, string(relays))
		if err != nil {
			return fmt.Errorf("could not insert event %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit: %w", err)
	}
	return nil
}

// QueryEvents returns stored events matching the filter, newest first.
// Tag filters and search are not supported locally.
func (s *Store) QueryEvents(filter nostr.Filter) ([]*nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if len(filter.IDs) > 0 {
		conds = append(conds, `id IN (`+placeholders(len(filter.IDs))+`)`)
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Authors) > 0 {
		conds = append(conds, `pubkey IN (`+placeholders(len(filter.Authors))+`)`)
		for _, a := range filter.Authors {
			args = append(args, a)
		}
	}
	if len(filter.Kinds) > 0 {
		conds = append(conds, `kind IN (`+placeholders(len(filter.Kinds))+`)`)
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.Since != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, int64(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, `created_at <= ?`)
		args = append(args, int64(*filter.Until))
	}

	query := `SELECT id, pubkey, kind, created_at, content, tags, sig FROM events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer rows.Close()

	var events []*nostr.Event
	for rows.Next() {
		var evt nostr.Event
		var createdAt int64
		var tags string
		if err := rows.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &evt.Content, &tags, &evt.Sig); err != nil {
			return nil, fmt.Errorf("could not scan event: %w", err)
		}
		evt.CreatedAt = nostr.Timestamp(createdAt)
		if err := json.Unmarshal([]byte(tags), &evt.Tags); err != nil {
			return nil, fmt.Errorf("could not unmarshal tags: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
