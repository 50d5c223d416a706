// Package ledger owns the append-only trial session ledger: the only
// code path that creates ledger entries. Appends are serialized per
// session because each link reads the previous entry's chain hash.
package ledger

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evidara/trialtrace/core/chain"
	"github.com/evidara/trialtrace/core/errors"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

// TimestampLayout is the fixed-width UTC ISO-8601 form recorded on
// every event. 24 bytes, matching the chain-hash timestamp field.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Phase is the linear session state machine.
type Phase string

const (
	PhaseAwaitingFirstImpression Phase = "AWAITING_FIRST_IMPRESSION"
	PhaseAwaitingAIExposure      Phase = "AWAITING_AI_EXPOSURE"
	PhaseAwaitingReconciliation  Phase = "AWAITING_RECONCILIATION"
	PhaseComplete                Phase = "COMPLETE"
)

// ErrInvalidPhaseTransition reports an append attempted in a phase that
// does not permit the event type. The ledger is left unmodified.
var ErrInvalidPhaseTransition = stderrors.New("invalid phase transition")

// Session is an exclusive owner of one trial's event log and ledger.
type Session struct {
	mu          sync.Mutex
	id          string
	phase       Phase
	calibration bool
	events      []trial.TrialEvent
	entries     []trial.LedgerEntry
	now         func() time.Time
	newID       func() string
}

type Option func(*Session)

// WithClock replaces the wall clock; tests use it to make timestamps
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDSource replaces the event id generator.
func WithIDSource(newID func() string) Option {
	return func(s *Session) { s.newID = newID }
}

// WithCalibration marks the session as a calibration trial. Calibration
// sessions record no exposure durations in derived metrics.
func WithCalibration(calibration bool) Option {
	return func(s *Session) { s.calibration = calibration }
}

// NewSession creates a session and appends its SESSION_STARTED event.
func NewSession(id string, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.Wrap(fmt.Errorf("session id is required"),
			errors.CategoryInvalidInput, "session_id_required", "provide a non-empty session id")
	}
	s := &Session{
		id:    id,
		phase: PhaseAwaitingFirstImpression,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	_, err := s.append(trial.EventSessionStarted, map[string]any{
		"sessionId":   id,
		"calibration": s.calibration,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Restore rebuilds a session from previously recorded events and
// entries, for example after loading from the store or an export
// bundle. The chain must still link; a broken chain is refused so no
// new entries are ever appended on top of tampered history.
func Restore(id string, events []trial.TrialEvent, entries []trial.LedgerEntry, opts ...Option) (*Session, error) {
	if len(events) == 0 || len(events) != len(entries) {
		return nil, errors.Wrap(fmt.Errorf("session %s: %d events and %d entries", id, len(events), len(entries)),
			errors.CategoryInvalidInput, "session_restore_shape", "events and entries must pair one-to-one")
	}
	if events[0].Type != trial.EventSessionStarted {
		return nil, errors.Wrap(fmt.Errorf("session %s does not begin with %s", id, trial.EventSessionStarted),
			errors.CategoryInvalidInput, "session_restore_start", "first event must be SESSION_STARTED")
	}
	prev := chain.GenesisHash
	for i, entry := range entries {
		if entry.Seq != i || entry.PreviousHash != prev {
			return nil, errors.Wrap(fmt.Errorf("session %s chain broken at seq %d", id, i),
				errors.CategoryVerification, "session_restore_chain", "run the integrity verifier for a full report")
		}
		if events[i].ID != entry.EventID {
			return nil, errors.Wrap(fmt.Errorf("session %s event/entry mismatch at seq %d", id, i),
				errors.CategoryVerification, "session_restore_pairing", "events and entries disagree on event identity")
		}
		prev = entry.ChainHash
	}

	s := &Session{
		id:          id,
		phase:       phaseAfter(events),
		calibration: startedCalibration(events[0]),
		events:      append([]trial.TrialEvent(nil), events...),
		entries:     append([]trial.LedgerEntry(nil), entries...),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Calibration() bool { return s.calibration }

// Events returns a copy of the event log in seq order.
func (s *Session) Events() []trial.TrialEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trial.TrialEvent(nil), s.events...)
}

// Entries returns a copy of the ledger in seq order.
func (s *Session) Entries() []trial.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trial.LedgerEntry(nil), s.entries...)
}

// Head returns the chain hash of the latest entry.
func (s *Session) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return chain.GenesisHash
	}
	return s.entries[len(s.entries)-1].ChainHash
}

// RecordFirstImpression locks the reader's unassisted assessment and
// advances to AWAITING_AI_EXPOSURE.
func (s *Session) RecordFirstImpression(assessment trial.BIRADSAssessment) (trial.LedgerEntry, error) {
	if err := validateAssessment(assessment); err != nil {
		return trial.LedgerEntry{}, err
	}
	return s.append(trial.EventFirstImpressionLocked, map[string]any{
		"category":   assessment.Category,
		"confidence": assessment.Confidence,
	})
}

// RecordAIExposure records the AI output shown to the reader and
// advances to AWAITING_RECONCILIATION. aiBirads is nil when the AI
// produced no overall assessment.
func (s *Session) RecordAIExposure(aiBirads *int, findings []trial.AIFinding) (trial.LedgerEntry, error) {
	if aiBirads != nil && (*aiBirads < 0 || *aiBirads > 6) {
		return trial.LedgerEntry{}, errors.Wrap(fmt.Errorf("ai birads %d out of range", *aiBirads),
			errors.CategoryInvalidInput, "birads_range", "category must be between 0 and 6")
	}
	for _, finding := range findings {
		if finding.ID == "" {
			return trial.LedgerEntry{}, errors.Wrap(fmt.Errorf("finding id is required"),
				errors.CategoryInvalidInput, "finding_id_required", "every AI finding needs a stable id")
		}
	}
	payload := map[string]any{"findings": findings}
	if aiBirads != nil {
		payload["aiBirads"] = *aiBirads
	} else {
		payload["aiBirads"] = nil
	}
	return s.append(trial.EventAIRevealed, payload)
}

// RecordDisclosure records that the AI-involvement disclosure was
// presented. detail carries open-ended presentation metadata.
func (s *Session) RecordDisclosure(detail map[string]any) (trial.LedgerEntry, error) {
	payload := map[string]any{}
	for key, value := range detail {
		payload[key] = value
	}
	return s.append(trial.EventDisclosurePresented, payload)
}

// RecordAcknowledgement records review of one AI finding. Repeats for
// the same finding id are deliberately kept: each acknowledgement is
// evidence of a review pass, and deduplication is display logic.
func (s *Session) RecordAcknowledgement(findingID string) (trial.LedgerEntry, error) {
	if findingID == "" {
		return trial.LedgerEntry{}, errors.Wrap(fmt.Errorf("finding id is required"),
			errors.CategoryInvalidInput, "finding_id_required", "acknowledgement must name a finding id")
	}
	return s.append(trial.EventAIFindingAcknowledged, map[string]any{"findingId": findingID})
}

// RecordDeviation records the reader's rationale for departing from the
// AI assessment.
func (s *Session) RecordDeviation(rationale string) (trial.LedgerEntry, error) {
	if rationale == "" {
		return trial.LedgerEntry{}, errors.Wrap(fmt.Errorf("deviation rationale is required"),
			errors.CategoryInvalidInput, "deviation_rationale_required", "submit a rationale or record a skip")
	}
	return s.append(trial.EventDeviationSubmitted, map[string]any{"rationale": rationale})
}

// RecordDeviationSkipped records that the deviation prompt was shown
// and declined.
func (s *Session) RecordDeviationSkipped(reason string) (trial.LedgerEntry, error) {
	return s.append(trial.EventDeviationSkipped, map[string]any{"reason": reason})
}

// RecordReconciliation locks the final assessment and completes the
// session; the ledger is read-only afterwards.
func (s *Session) RecordReconciliation(assessment trial.BIRADSAssessment) (trial.LedgerEntry, error) {
	if err := validateAssessment(assessment); err != nil {
		return trial.LedgerEntry{}, err
	}
	return s.append(trial.EventFinalAssessment, map[string]any{
		"category":   assessment.Category,
		"confidence": assessment.Confidence,
	})
}

func (s *Session) append(eventType trial.EventType, payload map[string]any) (trial.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextPhaseLocked(eventType)
	if err != nil {
		return trial.LedgerEntry{}, err
	}

	// All fallible work happens before any state changes, so a failed
	// append leaves the ledger untouched.
	contentHash, err := chain.ContentHash(payload)
	if err != nil {
		return trial.LedgerEntry{}, err
	}
	seq := len(s.entries)
	prevHash := chain.GenesisHash
	if seq > 0 {
		prevHash = s.entries[seq-1].ChainHash
	}
	eventID := s.newID()
	timestamp := s.nextTimestampLocked()
	chainHash, err := chain.ChainHash(seq, prevHash, eventID, timestamp, contentHash)
	if err != nil {
		return trial.LedgerEntry{}, err
	}

	event := trial.TrialEvent{
		ID:        eventID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: timestamp,
		Payload:   payload,
	}
	entry := trial.LedgerEntry{
		Seq:          seq,
		EventID:      eventID,
		EventType:    eventType,
		Timestamp:    timestamp,
		ContentHash:  contentHash,
		PreviousHash: prevHash,
		ChainHash:    chainHash,
		Locked:       true,
	}
	s.events = append(s.events, event)
	s.entries = append(s.entries, entry)
	s.phase = next
	return entry, nil
}

// nextPhaseLocked validates that the current phase permits eventType
// and returns the phase after the append.
func (s *Session) nextPhaseLocked(eventType trial.EventType) (Phase, error) {
	switch eventType {
	case trial.EventSessionStarted:
		if len(s.entries) == 0 && s.phase == PhaseAwaitingFirstImpression {
			return PhaseAwaitingFirstImpression, nil
		}
	case trial.EventFirstImpressionLocked:
		if s.phase == PhaseAwaitingFirstImpression {
			return PhaseAwaitingAIExposure, nil
		}
	case trial.EventAIRevealed:
		if s.phase == PhaseAwaitingAIExposure {
			return PhaseAwaitingReconciliation, nil
		}
	case trial.EventDisclosurePresented, trial.EventAIFindingAcknowledged,
		trial.EventDeviationSubmitted, trial.EventDeviationSkipped:
		if s.phase == PhaseAwaitingReconciliation {
			return PhaseAwaitingReconciliation, nil
		}
	case trial.EventFinalAssessment:
		if s.phase == PhaseAwaitingReconciliation {
			return PhaseComplete, nil
		}
	default:
		return "", errors.Wrap(fmt.Errorf("unknown event type %s", eventType),
			errors.CategoryInvalidInput, "event_type_unknown", "event type must be one of the closed enumeration")
	}
	return "", errors.Wrap(
		fmt.Errorf("%w: %s not permitted in phase %s", ErrInvalidPhaseTransition, eventType, s.phase),
		errors.CategoryPhaseViolation, "phase_transition",
		"session phases advance strictly: first impression, AI exposure, reconciliation")
}

// nextTimestampLocked formats the current time and clamps it so the
// recorded sequence never goes backwards even if the host clock does.
// Fixed-width UTC strings compare correctly as bytes.
func (s *Session) nextTimestampLocked() string {
	candidate := s.now().UTC().Format(TimestampLayout)
	if n := len(s.entries); n > 0 && candidate < s.entries[n-1].Timestamp {
		return s.entries[n-1].Timestamp
	}
	return candidate
}

func validateAssessment(assessment trial.BIRADSAssessment) error {
	if assessment.Category < 0 || assessment.Category > 6 {
		return errors.Wrap(fmt.Errorf("birads category %d out of range", assessment.Category),
			errors.CategoryInvalidInput, "birads_range", "category must be between 0 and 6")
	}
	if assessment.Confidence < 1 || assessment.Confidence > 5 {
		return errors.Wrap(fmt.Errorf("confidence %d out of range", assessment.Confidence),
			errors.CategoryInvalidInput, "confidence_range", "confidence must be between 1 and 5")
	}
	return nil
}

func phaseAfter(events []trial.TrialEvent) Phase {
	phase := PhaseAwaitingFirstImpression
	for _, event := range events {
		switch event.Type {
		case trial.EventFirstImpressionLocked:
			phase = PhaseAwaitingAIExposure
		case trial.EventAIRevealed:
			phase = PhaseAwaitingReconciliation
		case trial.EventFinalAssessment:
			phase = PhaseComplete
		}
	}
	return phase
}

func startedCalibration(started trial.TrialEvent) bool {
	calibration, ok := started.Payload["calibration"].(bool)
	return ok && calibration
}
