package export

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evidara/trialtrace/core/canonical"
	"github.com/evidara/trialtrace/core/errors"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/sign"
)

// CheckReport is the manifest-level verdict for a bundle on disk.
// File-integrity problems are findings, not errors, matching the
// ledger verifier's posture.
type CheckReport struct {
	Valid             bool     `json:"valid"`
	RootHash          string   `json:"rootHash"`
	RootHashMatch     bool     `json:"rootHashMatch"`
	FilesChecked      int      `json:"filesChecked"`
	SignaturesChecked int      `json:"signaturesChecked"`
	Findings          []string `json:"findings,omitempty"`
}

// CheckBundle re-derives every manifest entry from the files on disk
// and recomputes the root hash. If pub is non-nil, manifest signatures
// are verified against it.
func CheckBundle(dir string, pub ed25519.PublicKey) (CheckReport, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return CheckReport{}, err
	}
	report := CheckReport{}
	for _, entry := range manifest.Entries {
		report.FilesChecked++
		if entry.Path != filepath.Base(entry.Path) {
			report.Findings = append(report.Findings, fmt.Sprintf("%s: manifest path escapes the bundle directory", entry.Path))
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Path)) // #nosec G304 -- paths constrained to bundle dir above
		if err != nil {
			report.Findings = append(report.Findings, fmt.Sprintf("%s: unreadable: %v", entry.Path, err))
			continue
		}
		if int64(len(data)) != entry.Bytes {
			report.Findings = append(report.Findings, fmt.Sprintf("%s: %d bytes on disk, manifest says %d", entry.Path, len(data), entry.Bytes))
		}
		if got := canonical.SHA256Hex(data); got != entry.SHA256 {
			report.Findings = append(report.Findings, fmt.Sprintf("%s: sha256 %s, manifest says %s", entry.Path, got, entry.SHA256))
		}
	}

	recomputed, err := RootHash(manifest.Entries)
	if err != nil {
		return CheckReport{}, err
	}
	report.RootHash = recomputed
	report.RootHashMatch = recomputed == manifest.RootHash
	if !report.RootHashMatch {
		report.Findings = append(report.Findings, fmt.Sprintf("root hash %s, manifest says %s", recomputed, manifest.RootHash))
	}

	if pub != nil {
		if len(manifest.Signatures) == 0 {
			report.Findings = append(report.Findings, "public key supplied but manifest carries no signatures")
		}
		for i, signature := range manifest.Signatures {
			report.SignaturesChecked++
			ok, err := sign.VerifyRootHash(pub, signature, manifest.RootHash)
			if err != nil {
				report.Findings = append(report.Findings, fmt.Sprintf("signature %d: %v", i, err))
				continue
			}
			if !ok {
				report.Findings = append(report.Findings, fmt.Sprintf("signature %d: does not verify", i))
			}
		}
	}

	report.Valid = len(report.Findings) == 0
	return report, nil
}

// ReadManifest loads export_manifest.json from a bundle directory.
func ReadManifest(dir string) (trial.ExportManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileManifest)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return trial.ExportManifest{}, errors.Wrap(err, errors.CategoryIOFailure, "manifest_read", "read export_manifest.json")
	}
	var manifest trial.ExportManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return trial.ExportManifest{}, errors.Wrap(err, errors.CategorySerialization, "manifest_decode", "export_manifest.json is not valid JSON")
	}
	return manifest, nil
}

// ReadBundle loads the event log and ledger from a bundle directory so
// the chain can be replayed with the full verifier.
func ReadBundle(dir string) ([]trial.TrialEvent, []trial.LedgerEntry, error) {
	eventsFile, err := os.Open(filepath.Join(dir, FileEvents)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read events.jsonl")
	}
	defer func() { _ = eventsFile.Close() }()

	var events []trial.TrialEvent
	scanner := bufio.NewScanner(eventsFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event trial.TrialEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, nil, errors.Wrap(fmt.Errorf("line %d: %w", line, err),
				errors.CategorySerialization, "bundle_decode", "events.jsonl contains an invalid record")
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read events.jsonl")
	}

	ledgerData, err := os.ReadFile(filepath.Join(dir, FileLedger)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read ledger.json")
	}
	var entries []trial.LedgerEntry
	if err := json.Unmarshal(ledgerData, &entries); err != nil {
		return nil, nil, errors.Wrap(err, errors.CategorySerialization, "bundle_decode", "ledger.json is not valid JSON")
	}
	return events, entries, nil
}
