// Package spec embeds the JSON Schemas for exported artifacts.
package spec

import (
	"embed"
	"fmt"
)

//go:embed *.schema.json
var schemas embed.FS

// Schema names accepted by Read.
const (
	TrialEvent     = "trial_event"
	LedgerEntry    = "ledger_entry"
	ExportManifest = "export_manifest"
	VerifierOutput = "verifier_output"
)

// Read returns the raw schema document for name.
func Read(name string) ([]byte, error) {
	data, err := schemas.ReadFile(name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return data, nil
}
