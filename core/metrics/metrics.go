// Package metrics computes the per-session analytic record from a
// finalized event log. Everything here is a pure function of the
// events; the record is recomputable at any time and carries no state
// of its own.
package metrics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/ledger"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

const (
	DirectionUpgrade   = "upgrade"
	DirectionDowngrade = "downgrade"
	DirectionUnchanged = "unchanged"
)

// Compute derives the session record from its event log. ADDA is
// tri-state: nil means the denominator condition failed
// (AI absent or AI agreed with the initial read) and must never be
// flattened to false downstream.
func Compute(sessionID string, events []trial.TrialEvent) (trial.DerivedMetrics, error) {
	record := trial.DerivedMetrics{
		SessionID:       sessionID,
		ChangeDirection: DirectionUnchanged,
	}

	var started, impression, exposure, final *trial.TrialEvent
	for i := range events {
		event := &events[i]
		switch event.Type {
		case trial.EventSessionStarted:
			if started == nil {
				started = event
			}
		case trial.EventFirstImpressionLocked:
			if impression == nil {
				impression = event
			}
		case trial.EventAIRevealed:
			if exposure == nil {
				exposure = event
			}
		case trial.EventFinalAssessment:
			if final == nil {
				final = event
			}
		}
	}
	if started == nil {
		return trial.DerivedMetrics{}, errors.Wrap(
			fmt.Errorf("session %s has no SESSION_STARTED event", sessionID),
			errors.CategoryInvalidInput, "metrics_no_start", "metrics require a complete event log")
	}
	if calibration, ok := boolField(started.Payload, "calibration"); ok {
		record.Calibration = calibration
	}

	if impression != nil {
		record.InitialBirads = intField(impression.Payload, "category")
		record.InitialConfidence = intField(impression.Payload, "confidence")
	}
	if exposure != nil {
		record.AIBirads = intField(exposure.Payload, "aiBirads")
	}
	if final != nil {
		record.FinalBirads = intField(final.Payload, "category")
		record.FinalConfidence = intField(final.Payload, "confidence")
	}

	if record.InitialBirads != nil && record.FinalBirads != nil {
		initial, finalCat := *record.InitialBirads, *record.FinalBirads
		record.ChangeOccurred = finalCat != initial
		switch {
		case finalCat > initial:
			record.ChangeDirection = DirectionUpgrade
		case finalCat < initial:
			record.ChangeDirection = DirectionDowngrade
		}
		if record.ChangeOccurred && record.AIBirads != nil && finalCat == *record.AIBirads {
			record.AIConsistentChange = true
		}
		record.AIInconsistentChange = record.ChangeOccurred && !record.AIConsistentChange

		// ADDA: defined only when the AI disagreed with the initial read.
		if record.AIBirads != nil && initial != *record.AIBirads {
			record.ADDADenominator = true
			adda := record.ChangeOccurred && finalCat == *record.AIBirads
			record.ADDA = &adda
		}
	}

	// Calibration trials record no durations: the value is not
	// applicable, which is different from zero.
	if !record.Calibration {
		if impression != nil {
			record.PreExposureSeconds = secondsBetween(started.Timestamp, impression.Timestamp)
		}
		if exposure != nil && final != nil {
			record.PostExposureSeconds = secondsBetween(exposure.Timestamp, final.Timestamp)
		}
	}
	return record, nil
}

func secondsBetween(from, to string) *float64 {
	start, err := time.Parse(ledger.TimestampLayout, from)
	if err != nil {
		return nil
	}
	end, err := time.Parse(ledger.TimestampLayout, to)
	if err != nil {
		return nil
	}
	seconds := end.Sub(start).Seconds()
	return &seconds
}

// intField reads an integer payload field, tolerating the numeric
// types a JSON round trip produces.
func intField(payload map[string]any, key string) *int {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case int:
		return &v
	case int64:
		value := int(v)
		return &value
	case float64:
		value := int(v)
		return &value
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return nil
		}
		value := int(parsed)
		return &value
	default:
		return nil
	}
}

func boolField(payload map[string]any, key string) (bool, bool) {
	value, ok := payload[key].(bool)
	return value, ok
}
