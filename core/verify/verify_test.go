package verify

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/evidara/trialtrace/core/ledger"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

func buildSession(t *testing.T) ([]trial.LedgerEntry, []trial.TrialEvent) {
	t.Helper()
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	session, err := ledger.NewSession("case-verify",
		ledger.WithClock(func() time.Time {
			current = current.Add(time.Second)
			return current
		}),
		ledger.WithIDSource(func() string {
			n++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
		}),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.RecordFirstImpression(trial.BIRADSAssessment{Category: 3, Confidence: 4}); err != nil {
		t.Fatalf("first impression: %v", err)
	}
	ai := 4
	if _, err := session.RecordAIExposure(&ai, []trial.AIFinding{{ID: "f-1", Score: 0.8, Flagged: true}}); err != nil {
		t.Fatalf("ai exposure: %v", err)
	}
	if _, err := session.RecordAcknowledgement("f-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := session.RecordReconciliation(trial.BIRADSAssessment{Category: 4, Confidence: 5}); err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	return session.Entries(), session.Events()
}

func TestFreshLedgerVerifies(t *testing.T) {
	entries, events := buildSession(t)
	report := Full(entries, events)
	if !report.Valid {
		t.Fatalf("fresh ledger must verify: %v", report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected zero issues, got %v", report.Issues)
	}
	for name, status := range report.Checks {
		if status != "pass" {
			t.Fatalf("check %s has status %s", name, status)
		}
	}
	out := report.Output()
	if out.Result != "PASS" || out.Summary.Failed != 0 || out.Summary.Passed != 6 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestLedgerOnlySkipsContentCheck(t *testing.T) {
	entries, _ := buildSession(t)
	report := Ledger(entries)
	if !report.Valid {
		t.Fatalf("entries-only verification failed: %v", report.Issues)
	}
	if report.Checks[CheckContent] != "skipped" {
		t.Fatalf("content check should be skipped without events")
	}
	out := report.Output()
	if out.Summary.Warnings != 1 {
		t.Fatalf("expected one warning, got %d", out.Summary.Warnings)
	}
}

func TestTamperedPayloadReportedAtExactSeq(t *testing.T) {
	entries, events := buildSession(t)
	events[2].Payload["aiBirads"] = 2

	report := Full(entries, events)
	if report.Valid {
		t.Fatalf("tampered payload must fail verification")
	}
	if report.Checks[CheckContent] != "fail" {
		t.Fatalf("expected content check failure: %+v", report.Checks)
	}
	if len(report.Issues) != 1 {
		t.Fatalf("expected exactly one issue, got %v", report.Issues)
	}
	if !strings.Contains(report.Issues[0], IssueContentTampered) || !strings.Contains(report.Issues[0], "seq 2") {
		t.Fatalf("issue must name CONTENT_TAMPERED at seq 2: %s", report.Issues[0])
	}
	// Checks that passed on earlier entries stay passing; no earlier
	// entry is falsely flagged.
	if report.Checks[CheckSequence] != "pass" || report.Checks[CheckLinkage] != "pass" {
		t.Fatalf("earlier checks must not be falsely flagged: %+v", report.Checks)
	}
}

func TestBrokenLinkageDetected(t *testing.T) {
	entries, events := buildSession(t)
	entries[3].PreviousHash = strings.Repeat("f", 64)

	report := Full(entries, events)
	if report.Valid || report.Checks[CheckLinkage] != "fail" {
		t.Fatalf("expected chain_linkage failure: %+v", report.Checks)
	}
	if !strings.Contains(report.Issues[0], IssueChainBroken) || !strings.Contains(report.Issues[0], "seq 3") {
		t.Fatalf("issue must name CHAIN_BROKEN at seq 3: %s", report.Issues[0])
	}
}

func TestSequenceGapDetected(t *testing.T) {
	entries, events := buildSession(t)
	entries[1].Seq = 5

	report := Full(entries, events)
	if report.Valid || report.Checks[CheckSequence] != "fail" {
		t.Fatalf("expected sequence failure: %+v", report.Checks)
	}
	if !strings.Contains(report.Issues[0], IssueSequenceGap) {
		t.Fatalf("unexpected issue: %s", report.Issues[0])
	}
}

func TestNonChronologicalDetected(t *testing.T) {
	entries, _ := buildSession(t)
	entries[2].Timestamp = "2020-01-01T00:00:00.000Z"

	report := Ledger(entries)
	if report.Valid || report.Checks[CheckChronology] != "fail" {
		t.Fatalf("expected chronology failure: %+v", report.Checks)
	}
	if !strings.Contains(report.Issues[0], IssueNonChronological) {
		t.Fatalf("unexpected issue: %s", report.Issues[0])
	}
}

func TestForgedChainHashDetected(t *testing.T) {
	entries, _ := buildSession(t)
	entries[4].ChainHash = strings.Repeat("a", 64)
	// Keep linkage intact so the forgery is caught structurally, not as
	// a side effect of the next entry's previousHash.
	if len(entries) > 5 {
		entries[5].PreviousHash = entries[4].ChainHash
	}

	report := Ledger(entries)
	if report.Valid || report.Checks[CheckStructure] != "fail" {
		t.Fatalf("expected structural failure: %+v", report.Checks)
	}
	if !strings.Contains(report.Issues[0], IssueStructureTampered) || !strings.Contains(report.Issues[0], "seq 4") {
		t.Fatalf("unexpected issue: %s", report.Issues[0])
	}
}

func TestUnlockedEntryDetected(t *testing.T) {
	entries, _ := buildSession(t)
	entries[0].Locked = false

	report := Ledger(entries)
	if report.Valid || report.Checks[CheckLocked] != "fail" {
		t.Fatalf("expected immutability failure: %+v", report.Checks)
	}
	if !strings.Contains(report.Issues[0], IssueNotLocked) {
		t.Fatalf("unexpected issue: %s", report.Issues[0])
	}
}

func TestFirstFailureOnlyIsReported(t *testing.T) {
	entries, events := buildSession(t)
	events[1].Payload["category"] = 6
	events[3].Payload["findingId"] = "forged"

	report := Full(entries, events)
	if len(report.Issues) != 1 {
		t.Fatalf("verification must stop at the first failure, got %v", report.Issues)
	}
	if !strings.Contains(report.Issues[0], "seq 1") {
		t.Fatalf("first failure must be the earliest: %s", report.Issues[0])
	}
}

func TestEventCountMismatch(t *testing.T) {
	entries, events := buildSession(t)
	report := Full(entries, events[:len(events)-1])
	if report.Valid {
		t.Fatalf("missing events must fail verification")
	}
	if !strings.Contains(report.Issues[0], IssueContentTampered) {
		t.Fatalf("unexpected issue: %s", report.Issues[0])
	}
	// No entry was evaluated, so every other check is unreported.
	for _, name := range []string{CheckSequence, CheckChronology, CheckLinkage, CheckStructure, CheckLocked} {
		if report.Checks[name] != StatusSkipped {
			t.Fatalf("check %s = %s, want %s", name, report.Checks[name], StatusSkipped)
		}
	}
	if report.Checks[CheckContent] != StatusFail {
		t.Fatalf("content check = %s, want %s", report.Checks[CheckContent], StatusFail)
	}
}

func TestEmptyEntriesVerify(t *testing.T) {
	report := Full(nil, nil)
	if !report.Valid {
		t.Fatalf("empty ledger trivially verifies")
	}
}
