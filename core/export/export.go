// Package export assembles a verification bundle on disk: the event
// log, the hash-chain ledger, the verifier report, the derived-metrics
// CSV, the session manifest, and a checksummed export manifest whose
// root hash is reproducible for unchanged inputs.
package export

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/evidara/trialtrace/core/canonical"
	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/fsx"
	"github.com/evidara/trialtrace/core/ledger"
	"github.com/evidara/trialtrace/core/metrics"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/sign"
	"github.com/evidara/trialtrace/core/verify"
)

const (
	ManifestSchema      = "trialtrace.export_manifest/1"
	TrialManifestSchema = "trialtrace.trial_manifest/1"

	FileEvents         = "events.jsonl"
	FileLedger         = "ledger.json"
	FileVerifierOutput = "verifier_output.json"
	FileMetrics        = "derived_metrics.csv"
	FileTrialManifest  = "trial_manifest.json"
	FileVerification   = "VERIFICATION.md"
	FileManifest       = "export_manifest.json"
)

// Options carries everything a bundle is built from. Protocol and
// TimestampTrustModel come from study configuration; SignKey is
// optional and adds an ed25519 attestation over the root hash.
type Options struct {
	SessionID           string
	Events              []trial.TrialEvent
	Entries             []trial.LedgerEntry
	Protocol            map[string]any
	TimestampTrustModel string
	SignKey             ed25519.PrivateKey
	Now                 func() time.Time
}

// Result reports what was written.
type Result struct {
	Dir      string
	Manifest trial.ExportManifest
	Report   verify.Report
}

// WriteBundle verifies the session, renders every artifact, and writes
// the bundle to dir atomically file by file. A FAIL verdict from the
// verifier still exports: the bundle documents the failure.
func WriteBundle(dir string, options Options) (Result, error) {
	if options.SessionID == "" {
		return Result{}, errors.Wrap(fmt.Errorf("session id is required"),
			errors.CategoryInvalidInput, "export_no_session", "provide the session to export")
	}
	if len(options.Events) == 0 || len(options.Events) != len(options.Entries) {
		return Result{}, errors.Wrap(
			fmt.Errorf("session %s has %d events and %d ledger entries", options.SessionID, len(options.Events), len(options.Entries)),
			errors.CategoryInvalidInput, "export_incomplete", "events and ledger entries must pair one to one")
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	report := verify.Full(options.Entries, options.Events)

	eventsBytes, err := EncodeEventsJSONL(options.Events)
	if err != nil {
		return Result{}, err
	}
	ledgerBytes, err := marshalIndent(options.Entries, FileLedger)
	if err != nil {
		return Result{}, err
	}
	verifierBytes, err := marshalIndent(report.Output(), FileVerifierOutput)
	if err != nil {
		return Result{}, err
	}
	record, err := metrics.Compute(options.SessionID, options.Events)
	if err != nil {
		return Result{}, err
	}
	metricsBytes, err := metrics.EncodeCSV([]trial.DerivedMetrics{record})
	if err != nil {
		return Result{}, err
	}

	summary := integritySummary(options, report)
	verificationBytes := verificationDoc(options.SessionID, summary)

	// The trial manifest checksums every other artifact, so those are
	// rendered first and the manifest itself is hashed last.
	artifacts := []struct {
		path string
		data []byte
	}{
		{FileEvents, eventsBytes},
		{FileLedger, ledgerBytes},
		{FileVerifierOutput, verifierBytes},
		{FileMetrics, metricsBytes},
		{FileVerification, verificationBytes},
	}

	files := make([]trial.ManifestEntry, 0, len(artifacts))
	for _, artifact := range artifacts {
		files = append(files, manifestEntry(artifact.path, artifact.data))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	manifest := trialManifest(options, summary, files)
	trialManifestBytes, err := marshalIndent(manifest, FileTrialManifest)
	if err != nil {
		return Result{}, err
	}
	artifacts = append(artifacts, struct {
		path string
		data []byte
	}{FileTrialManifest, trialManifestBytes})

	entries := make([]trial.ManifestEntry, 0, len(files)+1)
	entries = append(entries, files...)
	entries = append(entries, manifestEntry(FileTrialManifest, trialManifestBytes))
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	rootHash, err := RootHash(entries)
	if err != nil {
		return Result{}, err
	}
	exportManifest := trial.ExportManifest{
		Schema:     ManifestSchema,
		CreatedUTC: now().UTC().Format(ledger.TimestampLayout),
		Entries:    entries,
		RootHash:   rootHash,
	}
	if len(options.SignKey) > 0 {
		signature, err := sign.SignRootHash(options.SignKey, rootHash)
		if err != nil {
			return Result{}, err
		}
		exportManifest.Signatures = []trial.Signature{signature}
	}
	manifestBytes, err := marshalIndent(exportManifest, FileManifest)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, errors.Wrap(err, errors.CategoryIOFailure, "export_mkdir", "create the export directory")
	}
	for _, artifact := range artifacts {
		if err := fsx.WriteFileAtomic(filepath.Join(dir, artifact.path), artifact.data, 0o644); err != nil {
			return Result{}, errors.Wrap(err, errors.CategoryIOFailure, "export_write", fmt.Sprintf("write %s", artifact.path))
		}
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, FileManifest), manifestBytes, 0o644); err != nil {
		return Result{}, errors.Wrap(err, errors.CategoryIOFailure, "export_write", "write export_manifest.json")
	}

	return Result{Dir: dir, Manifest: exportManifest, Report: report}, nil
}

// RootHash computes the bundle root: the canonical sha-256 of the
// entries object alone. Creation time and signatures are excluded so
// two exports of the same inputs agree byte for byte.
func RootHash(entries []trial.ManifestEntry) (string, error) {
	items := make([]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"path":   entry.Path,
			"sha256": entry.SHA256,
			"bytes":  entry.Bytes,
		})
	}
	return canonical.Digest(map[string]any{"entries": items})
}

// EncodeEventsJSONL renders one canonical JSON line per event, in log
// order. Canonical lines make the file content a stable function of
// the events.
func EncodeEventsJSONL(events []trial.TrialEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range events {
		line, err := canonical.Marshal(event)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func manifestEntry(path string, data []byte) trial.ManifestEntry {
	return trial.ManifestEntry{
		Path:   path,
		SHA256: canonical.SHA256Hex(data),
		Bytes:  int64(len(data)),
	}
}

func integritySummary(options Options, report verify.Report) trial.IntegritySummary {
	summary := trial.IntegritySummary{
		Result:  "FAIL",
		Entries: len(options.Entries),
	}
	if report.Valid {
		summary.Result = "PASS"
	}
	for _, status := range report.Checks {
		switch status {
		case verify.StatusPass:
			summary.ChecksPassed++
		case verify.StatusFail:
			summary.ChecksFailed++
		}
	}
	summary.ChainHead = options.Entries[len(options.Entries)-1].ChainHash
	return summary
}

func trialManifest(options Options, summary trial.IntegritySummary, files []trial.ManifestEntry) trial.TrialManifest {
	protocol := options.Protocol
	if protocol == nil {
		protocol = map[string]any{}
	}
	trustModel := options.TimestampTrustModel
	if trustModel == "" {
		trustModel = "client-clock; timestamps are untrusted instrumentation, ordering is protected by the hash chain"
	}
	return trial.TrialManifest{
		Schema:    TrialManifestSchema,
		SessionID: options.SessionID,
		// The bundle creation instant is deliberately absent here:
		// the manifest must hash identically across re-exports, so it
		// carries the last ledger timestamp instead of wall-clock time.
		CreatedUTC:          options.Entries[len(options.Entries)-1].Timestamp,
		Protocol:            protocol,
		Integrity:           summary,
		Files:               files,
		TimestampTrustModel: trustModel,
	}
}

func verificationDoc(sessionID string, integrity trial.IntegritySummary) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Verification Guide\n\n")
	fmt.Fprintf(&buf, "Session `%s`, %d ledger entries, chain head `%s`.\n\n", sessionID, integrity.Entries, integrity.ChainHead)
	buf.WriteString(`This bundle is self-verifying. To check it independently:

1. For every entry in export_manifest.json, confirm the named file's
   SHA-256 and byte count match.
2. Recompute the root hash: RFC 8785 canonical JSON of
   {"entries": [...]} from the manifest, then SHA-256. It must equal
   root_hash.
3. If signatures are present, verify each ed25519 signature over the
   ASCII root hash with the study's published public key.
4. Replay the ledger: for each entry in ledger.json, recompute the
   content hash (SHA-256 of the canonical event payload) and the chain
   hash over (seq, previousHash, eventId, timestamp, contentHash), and
   confirm the chain links back to the all-zeros genesis hash.

Or run: trialtrace verify --export <this directory>
`)
	return buf.Bytes()
}

func marshalIndent(value any, name string) ([]byte, error) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.CategorySerialization, "export_encode", fmt.Sprintf("encode %s", name))
	}
	return append(raw, '\n'), nil
}
