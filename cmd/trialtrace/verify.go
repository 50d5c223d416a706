package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/export"
	"github.com/evidara/trialtrace/core/protocol"
	"github.com/evidara/trialtrace/core/schema/spec"
	"github.com/evidara/trialtrace/core/schema/validate"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/sign"
	"github.com/evidara/trialtrace/core/store"
	"github.com/evidara/trialtrace/core/verify"
)

type verifyOutput struct {
	OK        bool                  `json:"ok"`
	Source    string                `json:"source,omitempty"`
	Verifier  *trial.VerifierOutput `json:"verifier,omitempty"`
	Bundle    *export.CheckReport   `json:"bundle,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorCode string                `json:"error_code,omitempty"`
	Hint      string                `json:"hint,omitempty"`
}

func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Re-derive every hash in a session ledger or export bundle and report an independent PASS/FAIL verdict; tampering is a finding, not a crash.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"session":    true,
		"export":     true,
		"config":     true,
		"public-key": true,
	})
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var sessionID, exportDir, configPath, publicKeyPath string
	var jsonOutput bool
	flagSet.StringVar(&sessionID, "session", "", "verify a stored session")
	flagSet.StringVar(&exportDir, "export", "", "verify an export bundle directory")
	flagSet.StringVar(&configPath, "config", "", "protocol config file")
	flagSet.StringVar(&publicKeyPath, "public-key", "", "path to base64 public key for signature checks")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(true, verifyFailure(err), exitInvalidInput)
	}
	if (sessionID == "") == (exportDir == "") {
		err := errors.Wrap(fmt.Errorf("exactly one of --session or --export is required"),
			errors.CategoryInvalidInput, "bad_target", "name either a stored session or a bundle directory")
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitInvalidInput)
	}

	var publicKey ed25519.PublicKey
	if publicKeyPath != "" {
		key, err := sign.LoadPublicKey(publicKeyPath)
		if err != nil {
			return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInvalidInput))
		}
		publicKey = key
	}

	if sessionID != "" {
		return verifyStoredSession(jsonOutput, configPath, sessionID)
	}
	return verifyExportBundle(jsonOutput, exportDir, publicKey)
}

func verifyStoredSession(jsonOutput bool, configPath, sessionID string) int {
	cfg, err := protocol.Load(configPath)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	defer func() { _ = st.Close() }()

	events, entries, err := st.LoadSession(context.Background(), sessionID)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	if len(events) == 0 {
		err := errors.Wrap(fmt.Errorf("unknown session %s", sessionID),
			errors.CategoryInvalidInput, "session_unknown", "list stored sessions with: trialtrace session list")
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitInvalidInput)
	}

	report := verify.Full(entries, events)
	output := report.Output()
	exitCode := exitOK
	if !report.Valid {
		exitCode = exitVerifyFailed
	}
	return writeVerifyOutput(jsonOutput, verifyOutput{OK: report.Valid, Source: sessionID, Verifier: &output}, exitCode)
}

func verifyExportBundle(jsonOutput bool, dir string, publicKey ed25519.PublicKey) int {
	// Shape first: a malformed artifact is an input problem, not a
	// chain verdict.
	if err := validateBundleShape(dir); err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInvalidInput))
	}

	bundle, err := export.CheckBundle(dir, publicKey)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInternalFailure))
	}

	events, entries, err := export.ReadBundle(dir)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	report := verify.Full(entries, events)
	output := report.Output()

	ok := bundle.Valid && report.Valid
	exitCode := exitOK
	if !ok {
		exitCode = exitVerifyFailed
	}
	return writeVerifyOutput(jsonOutput, verifyOutput{OK: ok, Source: dir, Verifier: &output, Bundle: &bundle}, exitCode)
}

func validateBundleShape(dir string) error {
	manifest, err := os.ReadFile(filepath.Join(dir, export.FileManifest)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read export_manifest.json")
	}
	if err := validate.JSON(spec.ExportManifest, manifest); err != nil {
		return err
	}
	events, err := os.ReadFile(filepath.Join(dir, export.FileEvents)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read events.jsonl")
	}
	if err := validate.JSONL(spec.TrialEvent, events); err != nil {
		return err
	}
	ledgerData, err := os.ReadFile(filepath.Join(dir, export.FileLedger)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read ledger.json")
	}
	var rawEntries []json.RawMessage
	if err := json.Unmarshal(ledgerData, &rawEntries); err != nil {
		return errors.Wrap(err, errors.CategoryInvalidInput, "artifact_shape", "ledger.json must be a JSON array of ledger entries")
	}
	for i, raw := range rawEntries {
		if err := validate.JSON(spec.LedgerEntry, raw); err != nil {
			return errors.Wrap(err, errors.CategoryInvalidInput, "artifact_shape", fmt.Sprintf("ledger.json entry %d", i))
		}
	}
	verifierData, err := os.ReadFile(filepath.Join(dir, export.FileVerifierOutput)) // #nosec G304 -- caller names the bundle directory
	if err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "bundle_read", "read verifier_output.json")
	}
	return validate.JSON(spec.VerifierOutput, verifierData)
}

func verifyFailure(err error) verifyOutput {
	return verifyOutput{OK: false, Error: err.Error(), ErrorCode: errors.CodeOf(err), Hint: errors.HintOf(err)}
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "trialtrace:", output.Error)
		return exitCode
	}
	verdict := "PASS"
	if !output.OK {
		verdict = "FAIL"
	}
	fmt.Printf("%s %s\n", verdict, output.Source)
	if output.Verifier != nil {
		for _, check := range output.Verifier.Checks {
			line := fmt.Sprintf("  %-20s %s", check.Name, check.Status)
			if check.Message != "" && check.Status == verify.StatusFail {
				line += "  " + check.Message
			}
			fmt.Println(line)
		}
	}
	if output.Bundle != nil {
		for _, finding := range output.Bundle.Findings {
			fmt.Println("  finding:", finding)
		}
	}
	return exitCode
}
