package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/export"
	"github.com/evidara/trialtrace/core/protocol"
	"github.com/evidara/trialtrace/core/sign"
	"github.com/evidara/trialtrace/core/store"
)

type exportOutput struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Dir       string `json:"dir,omitempty"`
	RootHash  string `json:"root_hash,omitempty"`
	Signed    bool   `json:"signed,omitempty"`
	Integrity string `json:"integrity,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

func runExport(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Write a session's verification bundle: event log, ledger, verifier report, derived metrics, manifests, and a reproducible signed root hash.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"session":     true,
		"out":         true,
		"config":      true,
		"private-key": true,
	})
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var sessionID, outDir, configPath, privateKeyPath string
	var jsonOutput bool
	flagSet.StringVar(&sessionID, "session", "", "session to export")
	flagSet.StringVar(&outDir, "out", "", "bundle output directory")
	flagSet.StringVar(&configPath, "config", "", "protocol config file")
	flagSet.StringVar(&privateKeyPath, "private-key", "", "path to base64 private key for attestation")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeExportOutput(true, exportFailure(err), exitInvalidInput)
	}
	if sessionID == "" || outDir == "" {
		err := errors.Wrap(fmt.Errorf("--session and --out are required"),
			errors.CategoryInvalidInput, "missing_args", "name the session and the output directory")
		return writeExportOutput(jsonOutput, exportFailure(err), exitInvalidInput)
	}

	cfg, err := protocol.Load(configPath)
	if err != nil {
		return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	if err := cfg.Validate(); err != nil {
		return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInvalidInput))
	}

	var signKey ed25519.PrivateKey
	keyPath := privateKeyPath
	if keyPath == "" {
		keyPath = cfg.SigningKey
	}
	if keyPath != "" {
		key, err := sign.LoadPrivateKey(keyPath)
		if err != nil {
			return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInvalidInput))
		}
		signKey = key
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	defer func() { _ = st.Close() }()

	events, entries, err := st.LoadSession(context.Background(), sessionID)
	if err != nil {
		return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	if len(events) == 0 {
		err := errors.Wrap(fmt.Errorf("unknown session %s", sessionID),
			errors.CategoryInvalidInput, "session_unknown", "list stored sessions with: trialtrace session list")
		return writeExportOutput(jsonOutput, exportFailure(err), exitInvalidInput)
	}

	result, err := export.WriteBundle(outDir, export.Options{
		SessionID:           sessionID,
		Events:              events,
		Entries:             entries,
		Protocol:            cfg.Manifest(),
		TimestampTrustModel: cfg.TimestampTrustModel,
		SignKey:             signKey,
	})
	if err != nil {
		return writeExportOutput(jsonOutput, exportFailure(err), exitCodeForError(err, exitInternalFailure))
	}

	integrity := "PASS"
	exitCode := exitOK
	if !result.Report.Valid {
		// The bundle still documents the broken chain; surface it.
		integrity = "FAIL"
		exitCode = exitVerifyFailed
	}
	return writeExportOutput(jsonOutput, exportOutput{
		OK:        result.Report.Valid,
		SessionID: sessionID,
		Dir:       result.Dir,
		RootHash:  result.Manifest.RootHash,
		Signed:    len(result.Manifest.Signatures) > 0,
		Integrity: integrity,
	}, exitCode)
}

func exportFailure(err error) exportOutput {
	return exportOutput{OK: false, Error: err.Error(), ErrorCode: errors.CodeOf(err), Hint: errors.HintOf(err)}
}

func writeExportOutput(jsonOutput bool, output exportOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "trialtrace:", output.Error)
		if output.Hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", output.Hint)
		}
		return exitCode
	}
	fmt.Printf("exported %s to %s\nroot=%s signed=%t integrity=%s\n",
		output.SessionID, output.Dir, output.RootHash, output.Signed, output.Integrity)
	return exitCode
}
