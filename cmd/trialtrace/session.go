package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/ledger"
	"github.com/evidara/trialtrace/core/protocol"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/store"
	"github.com/evidara/trialtrace/core/verify"
)

var sessionValueFlags = map[string]bool{
	"id":         true,
	"config":     true,
	"birads":     true,
	"confidence": true,
	"ai-birads":  true,
	"findings":   true,
	"detail":     true,
	"finding":    true,
	"rationale":  true,
	"reason":     true,
}

type sessionOutput struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Seq       *int   `json:"seq,omitempty"`
	ChainHash string `json:"chain_hash,omitempty"`
	Entries   int    `json:"entries,omitempty"`
	Integrity string `json:"integrity,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

func runSession(arguments []string) int {
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	if hasExplainFlag(arguments) {
		return writeExplain("Record reader-study events into the session's hash-chained ledger: one append per clinical action, phase-gated and immutable once written.")
	}
	subcommand := arguments[0]
	rest := reorderInterspersedFlags(arguments[1:], sessionValueFlags)

	switch subcommand {
	case "start", "impression", "expose", "disclose", "ack", "deviate", "skip-deviation", "reconcile", "status":
		return runSessionOp(subcommand, rest)
	case "list":
		return runSessionList(rest)
	default:
		printUsage()
		return exitInvalidInput
	}
}

type sessionFlags struct {
	id         string
	config     string
	json       bool
	birads     int
	confidence int
	aiBirads   int
	findings   string
	detail     string
	finding    string
	rationale  string
	reason     string
	calib      bool
}

func parseSessionFlags(name string, arguments []string) (sessionFlags, error) {
	flagSet := flag.NewFlagSet("session "+name, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var f sessionFlags
	flagSet.StringVar(&f.id, "id", "", "session id")
	flagSet.StringVar(&f.config, "config", "", "protocol config file")
	flagSet.BoolVar(&f.json, "json", false, "emit JSON output")
	flagSet.IntVar(&f.birads, "birads", -1, "BI-RADS category 0-6")
	flagSet.IntVar(&f.confidence, "confidence", -1, "confidence 1-5")
	flagSet.IntVar(&f.aiBirads, "ai-birads", -1, "AI BI-RADS category 0-6 (omit when the AI gave none)")
	flagSet.StringVar(&f.findings, "findings", "", "path to AI findings JSON array")
	flagSet.StringVar(&f.detail, "detail", "", "path to disclosure detail JSON object")
	flagSet.StringVar(&f.finding, "finding", "", "acknowledged finding id")
	flagSet.StringVar(&f.rationale, "rationale", "", "deviation rationale")
	flagSet.StringVar(&f.reason, "reason", "", "deviation skip reason")
	flagSet.BoolVar(&f.calib, "calibration", false, "mark the session as a calibration trial")
	if err := flagSet.Parse(arguments); err != nil {
		return sessionFlags{}, errors.Wrap(err, errors.CategoryInvalidInput, "bad_flags", "check command usage")
	}
	if f.id == "" {
		return sessionFlags{}, errors.Wrap(fmt.Errorf("--id is required"), errors.CategoryInvalidInput, "missing_id", "name the session to operate on")
	}
	return f, nil
}

func runSessionOp(name string, arguments []string) int {
	f, err := parseSessionFlags(name, arguments)
	if err != nil {
		return writeSessionOutput(true, sessionFailure(err), exitCodeForError(err, exitInvalidInput))
	}

	cfg, err := protocol.Load(f.config)
	if err != nil {
		return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	events, entries, err := st.LoadSession(ctx, f.id)
	if err != nil {
		return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}

	var session *ledger.Session
	if name == "start" {
		if len(events) > 0 {
			err := errors.Wrap(fmt.Errorf("session %s already exists", f.id),
				errors.CategoryInvalidInput, "session_exists", "session ids are single-use")
			return writeSessionOutput(f.json, sessionFailure(err), exitInvalidInput)
		}
		session, err = ledger.NewSession(f.id, ledger.WithCalibration(f.calib || cfg.Calibration))
	} else {
		if len(events) == 0 {
			err := errors.Wrap(fmt.Errorf("unknown session %s", f.id),
				errors.CategoryInvalidInput, "session_unknown", "start the session first")
			return writeSessionOutput(f.json, sessionFailure(err), exitInvalidInput)
		}
		session, err = ledger.Restore(f.id, events, entries)
	}
	if err != nil {
		return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}

	if name == "status" {
		report := verify.Full(session.Entries(), session.Events())
		integrity := "PASS"
		if !report.Valid {
			integrity = "FAIL"
		}
		out := sessionOutput{
			OK:        true,
			SessionID: session.ID(),
			Phase:     string(session.Phase()),
			Entries:   len(session.Entries()),
			Integrity: integrity,
		}
		out.ChainHash = session.Head()
		return writeSessionOutput(f.json, out, exitOK)
	}

	persisted := len(events)
	entry, err := applySessionOp(session, name, f)
	if err != nil {
		return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	newEvents, newEntries := session.Events(), session.Entries()
	for i := persisted; i < len(newEvents); i++ {
		if err := st.AppendRecord(ctx, session.ID(), newEvents[i], newEntries[i]); err != nil {
			return writeSessionOutput(f.json, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
		}
	}

	seq := entry.Seq
	return writeSessionOutput(f.json, sessionOutput{
		OK:        true,
		SessionID: session.ID(),
		Phase:     string(session.Phase()),
		EventType: string(entry.EventType),
		Seq:       &seq,
		ChainHash: entry.ChainHash,
		Entries:   len(newEntries),
	}, exitOK)
}

func applySessionOp(session *ledger.Session, name string, f sessionFlags) (trial.LedgerEntry, error) {
	switch name {
	case "start":
		// NewSession already appended SESSION_STARTED.
		entries := session.Entries()
		return entries[len(entries)-1], nil
	case "impression":
		return session.RecordFirstImpression(trial.BIRADSAssessment{Category: f.birads, Confidence: f.confidence})
	case "expose":
		var aiBirads *int
		if f.aiBirads >= 0 {
			aiBirads = &f.aiBirads
		}
		findings, err := readFindings(f.findings)
		if err != nil {
			return trial.LedgerEntry{}, err
		}
		return session.RecordAIExposure(aiBirads, findings)
	case "disclose":
		detail, err := readDetail(f.detail)
		if err != nil {
			return trial.LedgerEntry{}, err
		}
		return session.RecordDisclosure(detail)
	case "ack":
		return session.RecordAcknowledgement(f.finding)
	case "deviate":
		return session.RecordDeviation(f.rationale)
	case "skip-deviation":
		return session.RecordDeviationSkipped(f.reason)
	case "reconcile":
		return session.RecordReconciliation(trial.BIRADSAssessment{Category: f.birads, Confidence: f.confidence})
	}
	return trial.LedgerEntry{}, errors.Wrap(fmt.Errorf("unknown operation %s", name),
		errors.CategoryInvalidInput, "bad_operation", "check command usage")
}

func readFindings(path string) ([]trial.AIFinding, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- caller supplies local findings path
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "findings_read", "read findings file")
	}
	var findings []trial.AIFinding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "findings_decode", "findings file must be a JSON array")
	}
	return findings, nil
}

func readDetail(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- caller supplies local detail path
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "detail_read", "read disclosure detail file")
	}
	var detail map[string]any
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "detail_decode", "detail file must be a JSON object")
	}
	return detail, nil
}

func runSessionList(arguments []string) int {
	flagSet := flag.NewFlagSet("session list", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "protocol config file")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeSessionOutput(true, sessionFailure(err), exitInvalidInput)
	}

	cfg, err := protocol.Load(configPath)
	if err != nil {
		return writeSessionOutput(jsonOutput, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return writeSessionOutput(jsonOutput, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	defer func() { _ = st.Close() }()

	ids, err := st.SessionIDs(context.Background())
	if err != nil {
		return writeSessionOutput(jsonOutput, sessionFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	if jsonOutput {
		return writeJSONOutput(map[string]any{"ok": true, "sessions": ids}, exitOK)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return exitOK
}

func sessionFailure(err error) sessionOutput {
	return sessionOutput{
		OK:        false,
		Error:     err.Error(),
		ErrorCode: errors.CodeOf(err),
		Hint:      errors.HintOf(err),
	}
}

func writeSessionOutput(jsonOutput bool, output sessionOutput, exitCode int) int {
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
	if output.EventType != "" {
		fmt.Printf("%s seq=%d phase=%s chain=%s\n", output.EventType, *output.Seq, output.Phase, output.ChainHash)
		return exitCode
	}
	fmt.Printf("session=%s phase=%s entries=%d integrity=%s\n", output.SessionID, output.Phase, output.Entries, output.Integrity)
	return exitCode
}
