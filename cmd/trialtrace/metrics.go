package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/fsx"
	"github.com/evidara/trialtrace/core/metrics"
	"github.com/evidara/trialtrace/core/protocol"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
	"github.com/evidara/trialtrace/core/store"
)

type metricsOutput struct {
	OK        bool                   `json:"ok"`
	Records   []trial.DerivedMetrics `json:"records,omitempty"`
	CSVPath   string                 `json:"csv_path,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Hint      string                 `json:"hint,omitempty"`
}

func runMetrics(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Compute per-session analytics (assessment change, AI-directed agreement, reading durations) from the recorded event log; unknowable values stay null.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"session": true,
		"config":  true,
		"csv":     true,
	})
	flagSet := flag.NewFlagSet("metrics", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var sessionID, configPath, csvPath string
	var jsonOutput bool
	flagSet.StringVar(&sessionID, "session", "", "limit to one session (default: all stored sessions)")
	flagSet.StringVar(&configPath, "config", "", "protocol config file")
	flagSet.StringVar(&csvPath, "csv", "", "write records as CSV to this path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeMetricsOutput(true, metricsFailure(err), exitInvalidInput)
	}

	cfg, err := protocol.Load(configPath)
	if err != nil {
		return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	ids := []string{sessionID}
	if sessionID == "" {
		ids, err = st.SessionIDs(ctx)
		if err != nil {
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
		}
	}

	var records []trial.DerivedMetrics
	for _, id := range ids {
		events, _, err := st.LoadSession(ctx, id)
		if err != nil {
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
		}
		if len(events) == 0 {
			err := errors.Wrap(fmt.Errorf("unknown session %s", id),
				errors.CategoryInvalidInput, "session_unknown", "list stored sessions with: trialtrace session list")
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitInvalidInput)
		}
		record, err := metrics.Compute(id, events)
		if err != nil {
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
		}
		records = append(records, record)
	}

	if csvPath != "" {
		encoded, err := metrics.EncodeCSV(records)
		if err != nil {
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
		}
		if err := fsx.WriteFileAtomic(csvPath, encoded, 0o644); err != nil {
			return writeMetricsOutput(jsonOutput, metricsFailure(err), exitCodeForError(err, exitInternalFailure))
		}
		return writeMetricsOutput(jsonOutput, metricsOutput{OK: true, Records: records, CSVPath: csvPath}, exitOK)
	}
	return writeMetricsOutput(jsonOutput, metricsOutput{OK: true, Records: records}, exitOK)
}

func metricsFailure(err error) metricsOutput {
	return metricsOutput{OK: false, Error: err.Error(), ErrorCode: errors.CodeOf(err), Hint: errors.HintOf(err)}
}

func writeMetricsOutput(jsonOutput bool, output metricsOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "trialtrace:", output.Error)
		return exitCode
	}
	if output.CSVPath != "" {
		fmt.Printf("wrote %d records to %s\n", len(output.Records), output.CSVPath)
		return exitCode
	}
	encoded, err := metrics.EncodeCSV(output.Records)
	if err != nil {
		fmt.Fprintln(os.Stderr, "trialtrace:", err)
		return exitInternalFailure
	}
	fmt.Print(string(encoded))
	return exitCode
}
