package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/evidara/trialtrace/core/ledger"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/verify"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recordedSession(t *testing.T, id string) *ledger.Session {
	t.Helper()
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	session, err := ledger.NewSession(id,
		ledger.WithClock(func() time.Time {
			current = current.Add(15 * time.Second)
			return current
		}),
		ledger.WithIDSource(func() string {
			n++
			// Event ids are unique across sessions, so fold the session
			// suffix into the fixture ids.
			return fmt.Sprintf("00000000-00%s-4000-8000-%012d", id[len(id)-2:], n)
		}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.RecordFirstImpression(trial.BIRADSAssessment{Category: 2, Confidence: 4}); err != nil {
		t.Fatalf("impression: %v", err)
	}
	ai := 3
	if _, err := session.RecordAIExposure(&ai, nil); err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if _, err := session.RecordReconciliation(trial.BIRADSAssessment{Category: 3, Confidence: 5}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return session
}

func persist(t *testing.T, s *Store, session *ledger.Session) {
	t.Helper()
	ctx := context.Background()
	events, entries := session.Events(), session.Entries()
	for i := range events {
		if err := s.AppendRecord(ctx, session.ID(), events[i], entries[i]); err != nil {
			t.Fatalf("append seq %d: %v", i, err)
		}
	}
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	session := recordedSession(t, "case-01")
	persist(t, s, session)

	events, entries, err := s.LoadSession(context.Background(), "case-01")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 4 || len(entries) != 4 {
		t.Fatalf("expected 4 records, got %d events %d entries", len(events), len(entries))
	}
	report := verify.Full(entries, events)
	if !report.Valid {
		t.Fatalf("stored session failed verification: %+v", report)
	}

	restored, err := ledger.Restore("case-01", events, entries)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Phase() != ledger.PhaseComplete {
		t.Fatalf("restored phase = %s", restored.Phase())
	}
}

func TestDuplicateSeqRejected(t *testing.T) {
	s := openTestStore(t)
	session := recordedSession(t, "case-01")
	persist(t, s, session)

	events, entries := session.Events(), session.Entries()
	if err := s.AppendRecord(context.Background(), "case-01", events[0], entries[0]); err == nil {
		t.Fatalf("re-inserting seq 0 must fail")
	}
}

func TestAppendRejectsMismatchedPair(t *testing.T) {
	s := openTestStore(t)
	session := recordedSession(t, "case-01")
	events, entries := session.Events(), session.Entries()
	if err := s.AppendRecord(context.Background(), "case-01", events[0], entries[1]); err == nil {
		t.Fatalf("mismatched event/entry pair must fail")
	}
}

func TestSessionIDsAndIsolation(t *testing.T) {
	s := openTestStore(t)
	persist(t, s, recordedSession(t, "case-01"))
	persist(t, s, recordedSession(t, "case-02"))

	ids, err := s.SessionIDs(context.Background())
	if err != nil {
		t.Fatalf("session ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "case-01" || ids[1] != "case-02" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	events, entries, err := s.LoadSession(context.Background(), "case-02")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 4 || len(entries) != 4 {
		t.Fatalf("sessions must not bleed into each other: %d/%d", len(events), len(entries))
	}
}

func TestLoadUnknownSessionIsEmpty(t *testing.T) {
	s := openTestStore(t)
	events, entries, err := s.LoadSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 0 || len(entries) != 0 {
		t.Fatalf("unknown session should be empty, got %d/%d", len(events), len(entries))
	}
}

func TestReopenedDatabasePreservesRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	persist(t, s, recordedSession(t, "case-01"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	events, entries, err := reopened.LoadSession(context.Background(), "case-01")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !verify.Full(entries, events).Valid {
		t.Fatalf("reopened records failed verification")
	}
}
