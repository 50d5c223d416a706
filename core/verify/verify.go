// Package verify independently re-derives and checks a session ledger.
// It never trusts the producing process: everything is recomputed from
// the entries (and, when available, the source events), so a third
// party can run it from exported files alone.
//
// Integrity violations are reportable outcomes, not errors. A broken
// chain is evidence that must survive, so the verifier always returns a
// structured report instead of failing.
package verify

import (
	"fmt"

	"github.com/evidara/trialtrace/core/chain"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

// Check names, in the order they are evaluated.
const (
	CheckSequence   = "sequence"
	CheckChronology = "chronology"
	CheckLinkage    = "chain_linkage"
	CheckContent    = "content_integrity"
	CheckStructure  = "structural_integrity"
	CheckLocked     = "immutability"
)

// Per-check statuses.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusSkipped = "skipped"
)

// Issue codes prefixing every reported issue.
const (
	IssueSequenceGap       = "SEQUENCE_GAP"
	IssueNonChronological  = "NON_CHRONOLOGICAL"
	IssueChainBroken       = "CHAIN_BROKEN"
	IssueContentTampered   = "CONTENT_TAMPERED"
	IssueStructureTampered = "STRUCTURE_TAMPERED"
	IssueNotLocked         = "NOT_LOCKED"
)

var checkOrder = []string{
	CheckSequence,
	CheckChronology,
	CheckLinkage,
	CheckContent,
	CheckStructure,
	CheckLocked,
}

// Report is the verifier's result. Valid is true only when every
// evaluated check passed and no issues were found.
type Report struct {
	Valid  bool
	Checks map[string]string // check name -> pass, fail, or skipped
	Issues []string
}

// Ledger verifies entries alone. Content integrity cannot be checked
// without the source events and is reported as skipped.
func Ledger(entries []trial.LedgerEntry) Report {
	return run(entries, nil, false)
}

// Full verifies entries against their source events, enabling the
// content-integrity check.
func Full(entries []trial.LedgerEntry, events []trial.TrialEvent) Report {
	return run(entries, events, true)
}

// run walks entries in ascending seq order and stops at the first
// failure, so the earliest point of tampering is reported rather than a
// later symptom masking it.
func run(entries []trial.LedgerEntry, events []trial.TrialEvent, withEvents bool) Report {
	report := Report{Checks: map[string]string{}}
	for _, name := range checkOrder {
		report.Checks[name] = StatusPass
	}
	if !withEvents {
		report.Checks[CheckContent] = StatusSkipped
	}

	fail := func(check, issue string) Report {
		report.Checks[check] = StatusFail
		report.Issues = append(report.Issues, issue)
		// Checks that never ran on the failing entry stay unreported
		// rather than falsely passing.
		seen := false
		for _, name := range checkOrder {
			if name == check {
				seen = true
				continue
			}
			if seen && report.Checks[name] == StatusPass {
				report.Checks[name] = StatusSkipped
			}
		}
		report.Valid = false
		return report
	}

	if withEvents && len(events) != len(entries) {
		// No entry was walked, so the positional checks never ran either.
		report.Checks[CheckSequence] = StatusSkipped
		report.Checks[CheckChronology] = StatusSkipped
		report.Checks[CheckLinkage] = StatusSkipped
		return fail(CheckContent, fmt.Sprintf("%s: %d events for %d entries", IssueContentTampered, len(events), len(entries)))
	}

	for i, entry := range entries {
		if entry.Seq != i {
			return fail(CheckSequence, fmt.Sprintf("%s seq %d: entry carries seq %d", IssueSequenceGap, i, entry.Seq))
		}
		if i > 0 && entry.Timestamp < entries[i-1].Timestamp {
			return fail(CheckChronology, fmt.Sprintf("%s seq %d: %s precedes %s", IssueNonChronological, i, entry.Timestamp, entries[i-1].Timestamp))
		}
		expectedPrev := chain.GenesisHash
		if i > 0 {
			expectedPrev = entries[i-1].ChainHash
		}
		if entry.PreviousHash != expectedPrev {
			return fail(CheckLinkage, fmt.Sprintf("%s seq %d: previousHash %s, expected %s", IssueChainBroken, i, entry.PreviousHash, expectedPrev))
		}
		if withEvents {
			event := events[i]
			if event.ID != entry.EventID || event.Seq != entry.Seq || event.Type != entry.EventType || event.Timestamp != entry.Timestamp {
				return fail(CheckContent, fmt.Sprintf("%s seq %d: event record does not match ledger entry", IssueContentTampered, i))
			}
			recomputed, err := chain.ContentHash(event.Payload)
			if err != nil {
				return fail(CheckContent, fmt.Sprintf("%s seq %d: payload not canonically encodable: %v", IssueContentTampered, i, err))
			}
			if recomputed != entry.ContentHash {
				return fail(CheckContent, fmt.Sprintf("%s seq %d: contentHash %s, recomputed %s", IssueContentTampered, i, entry.ContentHash, recomputed))
			}
		}
		recomputedChain, err := chain.ChainHash(entry.Seq, entry.PreviousHash, entry.EventID, entry.Timestamp, entry.ContentHash)
		if err != nil {
			return fail(CheckStructure, fmt.Sprintf("%s seq %d: chain hash input invalid: %v", IssueStructureTampered, i, err))
		}
		if recomputedChain != entry.ChainHash {
			return fail(CheckStructure, fmt.Sprintf("%s seq %d: chainHash %s, recomputed %s", IssueStructureTampered, i, entry.ChainHash, recomputedChain))
		}
		if !entry.Locked {
			return fail(CheckLocked, fmt.Sprintf("%s seq %d: entry is not locked", IssueNotLocked, i))
		}
	}

	report.Valid = true
	return report
}

// Output renders the report in the verifier_output.json shape.
func (r Report) Output() trial.VerifierOutput {
	out := trial.VerifierOutput{Result: "PASS"}
	if !r.Valid {
		out.Result = "FAIL"
	}
	issueIndex := 0
	for _, name := range checkOrder {
		status := r.Checks[name]
		check := trial.CheckResult{Name: name, Status: status}
		switch status {
		case StatusPass:
			out.Summary.Passed++
		case StatusFail:
			out.Summary.Failed++
			if issueIndex < len(r.Issues) {
				check.Message = r.Issues[issueIndex]
				issueIndex++
			}
		case StatusSkipped:
			out.Summary.Warnings++
			check.Message = "not evaluated"
		}
		out.Checks = append(out.Checks, check)
	}
	return out
}
