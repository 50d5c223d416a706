package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/evidara/trialtrace/core/ledger"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/sign"
	"github.com/evidara/trialtrace/core/verify"
)

func completedSession(t *testing.T) *ledger.Session {
	t.Helper()
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	session, err := ledger.NewSession("case-export",
		ledger.WithClock(func() time.Time {
			current = current.Add(time.Minute)
			return current
		}),
		ledger.WithIDSource(func() string {
			n++
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
		}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := session.RecordFirstImpression(trial.BIRADSAssessment{Category: 3, Confidence: 3}); err != nil {
		t.Fatalf("impression: %v", err)
	}
	ai := 4
	if _, err := session.RecordAIExposure(&ai, []trial.AIFinding{{ID: "f-1", Score: 0.91, Flagged: true}}); err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if _, err := session.RecordAcknowledgement("f-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := session.RecordReconciliation(trial.BIRADSAssessment{Category: 4, Confidence: 4}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return session
}

func bundleOptions(session *ledger.Session) Options {
	return Options{
		SessionID: session.ID(),
		Events:    session.Events(),
		Entries:   session.Entries(),
		Protocol:  map[string]any{"studyId": "STUDY-01", "arm": "ai-assisted"},
		Now:       func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) },
	}
}

func TestWriteBundleProducesEveryArtifact(t *testing.T) {
	session := completedSession(t)
	dir := t.TempDir()
	result, err := WriteBundle(dir, bundleOptions(session))
	if err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if !result.Report.Valid {
		t.Fatalf("expected PASS verification: %+v", result.Report)
	}
	for _, name := range []string{FileEvents, FileLedger, FileVerifierOutput, FileMetrics, FileTrialManifest, FileVerification, FileManifest} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
	if len(result.Manifest.Entries) != 6 {
		t.Fatalf("expected 6 manifest entries, got %d", len(result.Manifest.Entries))
	}
	for i := 1; i < len(result.Manifest.Entries); i++ {
		if result.Manifest.Entries[i-1].Path >= result.Manifest.Entries[i].Path {
			t.Fatalf("entries not sorted by path: %+v", result.Manifest.Entries)
		}
	}
}

func TestTrialManifestChecksumsOtherArtifacts(t *testing.T) {
	dir := t.TempDir()
	result, err := WriteBundle(dir, bundleOptions(completedSession(t)))
	if err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, FileTrialManifest))
	if err != nil {
		t.Fatalf("read trial manifest: %v", err)
	}
	var manifest trial.TrialManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("decode trial manifest: %v", err)
	}
	if len(manifest.Files) != 5 {
		t.Fatalf("expected checksums for the 5 other artifacts, got %d", len(manifest.Files))
	}
	byPath := map[string]trial.ManifestEntry{}
	for _, entry := range result.Manifest.Entries {
		byPath[entry.Path] = entry
	}
	for _, file := range manifest.Files {
		if file.Path == FileTrialManifest {
			t.Fatalf("trial manifest cannot checksum itself")
		}
		want, ok := byPath[file.Path]
		if !ok {
			t.Fatalf("file %s not in export manifest", file.Path)
		}
		if file.SHA256 != want.SHA256 || file.Bytes != want.Bytes {
			t.Fatalf("checksum mismatch for %s: %+v vs %+v", file.Path, file, want)
		}
	}
}

func TestRootHashReproducibleAcrossReExports(t *testing.T) {
	session := completedSession(t)
	options := bundleOptions(session)

	first, err := WriteBundle(t.TempDir(), options)
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	// Different wall clock, same inputs.
	options.Now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	second, err := WriteBundle(t.TempDir(), options)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if first.Manifest.RootHash != second.Manifest.RootHash {
		t.Fatalf("root hash drifted: %s vs %s", first.Manifest.RootHash, second.Manifest.RootHash)
	}
	if first.Manifest.CreatedUTC == second.Manifest.CreatedUTC {
		t.Fatalf("created_utc should reflect the export instant")
	}
}

func TestRootHashChangesWhenInputsChange(t *testing.T) {
	first, err := WriteBundle(t.TempDir(), bundleOptions(completedSession(t)))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	other := completedSession(t)
	if _, err := other.RecordAcknowledgement("f-1"); err == nil {
		t.Fatalf("completed session must reject further events")
	}
	options := bundleOptions(other)
	options.Protocol["site"] = "site-07"
	second, err := WriteBundle(t.TempDir(), options)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if first.Manifest.RootHash == second.Manifest.RootHash {
		t.Fatalf("protocol change must move the root hash")
	}
}

func TestCheckBundleDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteBundle(dir, bundleOptions(completedSession(t))); err != nil {
		t.Fatalf("export: %v", err)
	}
	report, err := CheckBundle(dir, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Valid || !report.RootHashMatch || report.FilesChecked != 6 {
		t.Fatalf("pristine bundle should pass: %+v", report)
	}

	path := filepath.Join(dir, FileMetrics)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), "true", "false", 1)
	if tampered == string(data) {
		t.Fatalf("fixture problem: nothing to tamper with")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = CheckBundle(dir, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Valid {
		t.Fatalf("tampered bundle must fail")
	}
	found := false
	for _, finding := range report.Findings {
		if strings.Contains(finding, FileMetrics) {
			found = true
		}
	}
	if !found {
		t.Fatalf("findings should name the tampered file: %v", report.Findings)
	}
}

func TestSignedBundleVerifies(t *testing.T) {
	pair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	options := bundleOptions(completedSession(t))
	options.SignKey = pair.Private
	dir := t.TempDir()
	result, err := WriteBundle(dir, options)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(result.Manifest.Signatures) != 1 {
		t.Fatalf("expected one signature")
	}
	report, err := CheckBundle(dir, pair.Public)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Valid || report.SignaturesChecked != 1 {
		t.Fatalf("signed bundle should verify: %+v", report)
	}

	wrong, _ := sign.GenerateKeyPair()
	report, err = CheckBundle(dir, wrong.Public)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Valid {
		t.Fatalf("foreign key must not verify the signature")
	}
}

func TestReadBundleReplaysFullVerification(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteBundle(dir, bundleOptions(completedSession(t))); err != nil {
		t.Fatalf("export: %v", err)
	}
	events, entries, err := ReadBundle(dir)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if len(events) != 5 || len(entries) != 5 {
		t.Fatalf("expected 5 events and entries, got %d/%d", len(events), len(entries))
	}
	report := verify.Full(entries, events)
	if !report.Valid {
		t.Fatalf("replayed bundle failed verification: %+v", report)
	}

	// Restore rebuilds a live session from the exported artifacts.
	restored, err := ledger.Restore("case-export", events, entries)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Phase() != ledger.PhaseComplete {
		t.Fatalf("restored phase = %s", restored.Phase())
	}
}

func TestWriteBundleRejectsMismatchedInputs(t *testing.T) {
	session := completedSession(t)
	options := bundleOptions(session)
	options.Entries = options.Entries[:len(options.Entries)-1]
	if _, err := WriteBundle(t.TempDir(), options); err == nil {
		t.Fatalf("expected pairing error")
	}
}
