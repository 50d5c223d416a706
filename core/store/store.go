// Package store persists sessions between CLI invocations. Tables are
// append-only: rows are inserted exactly once and never updated, so the
// database cannot quietly diverge from the hash chain it stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/evidara/trialtrace/core/errors"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "store_open", "open session database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "store_open", "configure session database")
	}
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trial_events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			locked INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id, seq) REFERENCES trial_events(session_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trial_events_event_id ON trial_events(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_chain_hash ON ledger_entries(chain_hash)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, errors.CategoryIOFailure, "store_schema", "initialize session database schema")
		}
	}
	return nil
}

// AppendRecord inserts one event and its ledger entry in a single
// transaction. A duplicate (session, seq) fails the insert, which is
// the desired behavior for an append-only journal.
func (s *Store) AppendRecord(ctx context.Context, sessionID string, event trial.TrialEvent, entry trial.LedgerEntry) error {
	if event.Seq != entry.Seq || event.ID != entry.EventID {
		return errors.Wrap(fmt.Errorf("event %s/%d does not match entry %s/%d", event.ID, event.Seq, entry.EventID, entry.Seq),
			errors.CategoryInvalidInput, "store_pairing", "event and ledger entry must describe the same append")
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrap(err, errors.CategorySerialization, "store_encode", "encode event payload")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "store_append", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trial_events (session_id, seq, event_id, event_type, timestamp, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, event.Seq, event.ID, string(event.Type), event.Timestamp, string(payload)); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "store_append", "insert trial event")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (session_id, seq, event_id, event_type, timestamp, content_hash, previous_hash, chain_hash, locked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, entry.Seq, entry.EventID, string(entry.EventType), entry.Timestamp,
		entry.ContentHash, entry.PreviousHash, entry.ChainHash, boolToInt(entry.Locked)); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "store_append", "insert ledger entry")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "store_append", "commit append")
	}
	return nil
}

// LoadSession returns the stored events and ledger entries for a
// session in ascending seq order. Both slices are empty when the
// session is unknown.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]trial.TrialEvent, []trial.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_id, event_type, timestamp, payload_json
		 FROM trial_events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "query trial events")
	}
	defer func() { _ = rows.Close() }()

	var events []trial.TrialEvent
	for rows.Next() {
		var event trial.TrialEvent
		var eventType, payload string
		if err := rows.Scan(&event.Seq, &event.ID, &eventType, &event.Timestamp, &payload); err != nil {
			return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "scan trial event")
		}
		event.Type = trial.EventType(eventType)
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, nil, errors.Wrap(err, errors.CategorySerialization, "store_decode", "decode event payload")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "iterate trial events")
	}

	entryRows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_id, event_type, timestamp, content_hash, previous_hash, chain_hash, locked
		 FROM ledger_entries WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "query ledger entries")
	}
	defer func() { _ = entryRows.Close() }()

	var entries []trial.LedgerEntry
	for entryRows.Next() {
		var entry trial.LedgerEntry
		var eventType string
		var locked int
		if err := entryRows.Scan(&entry.Seq, &entry.EventID, &eventType, &entry.Timestamp,
			&entry.ContentHash, &entry.PreviousHash, &entry.ChainHash, &locked); err != nil {
			return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "scan ledger entry")
		}
		entry.EventType = trial.EventType(eventType)
		entry.Locked = locked != 0
		entries = append(entries, entry)
	}
	if err := entryRows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "store_load", "iterate ledger entries")
	}
	return events, entries, nil
}

// SessionIDs lists every session with at least one stored event.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM trial_events ORDER BY session_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "store_list", "query session ids")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.CategoryIOFailure, "store_list", "scan session id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "store_list", "iterate session ids")
	}
	return ids, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "store_close", "close session database")
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
