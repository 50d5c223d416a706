package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evidara/trialtrace/core/fsx"
)

// operationalEvent is one JSONL record in the optional operational log
// (TRIALTRACE_OPERATIONAL_LOG). Purely diagnostic; never part of the
// evidence chain.
type operationalEvent struct {
	Event     string    `json:"event"`
	Command   string    `json:"command"`
	At        time.Time `json:"at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Version   string    `json:"version,omitempty"`
}

func writeOperationalEvent(event operationalEvent) {
	path := strings.TrimSpace(os.Getenv("TRIALTRACE_OPERATIONAL_LOG"))
	if path == "" {
		return
	}
	event.Version = version
	encoded, err := json.Marshal(event)
	if err == nil {
		err = fsx.AppendLine(path, encoded, 0o600)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "trialtrace warning: operational log write failed: %v\n", err)
	}
}
