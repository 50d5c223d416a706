// Package trial defines the wire shapes shared by the ledger, verifier,
// metrics engine, and export bundle. Field names here are the bit-exact
// contract for exported artifacts; do not rename casually.
package trial

// EventType enumerates the closed set of trial event kinds.
type EventType string

const (
	EventSessionStarted        EventType = "SESSION_STARTED"
	EventFirstImpressionLocked EventType = "FIRST_IMPRESSION_LOCKED"
	EventAIRevealed            EventType = "AI_REVEALED"
	EventDisclosurePresented   EventType = "DISCLOSURE_PRESENTED"
	EventAIFindingAcknowledged EventType = "AI_FINDING_ACKNOWLEDGED"
	EventDeviationSubmitted    EventType = "DEVIATION_SUBMITTED"
	EventDeviationSkipped      EventType = "DEVIATION_SKIPPED"
	EventFinalAssessment       EventType = "FINAL_ASSESSMENT"
)

// TrialEvent is one recorded occurrence. Immutable once appended.
type TrialEvent struct {
	ID        string         `json:"id"`
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// LedgerEntry is the hash-chain record for one event.
type LedgerEntry struct {
	Seq          int       `json:"seq"`
	EventID      string    `json:"eventId"`
	EventType    EventType `json:"eventType"`
	Timestamp    string    `json:"timestamp"`
	ContentHash  string    `json:"contentHash"`
	PreviousHash string    `json:"previousHash"`
	ChainHash    string    `json:"chainHash"`
	Locked       bool      `json:"locked"`
}

// BIRADSAssessment is the ordinal clinical assessment recorded at first
// impression and reconciliation.
type BIRADSAssessment struct {
	Category   int `json:"category"`   // 0..6
	Confidence int `json:"confidence"` // 1..5
}

// AIFinding is one AI-reported finding presented during exposure.
type AIFinding struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Flagged bool           `json:"flagged"`
	Region  *FindingRegion `json:"region,omitempty"`
}

type FindingRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VerifierOutput is the verifier's structured report as written to
// verifier_output.json.
type VerifierOutput struct {
	Result  string        `json:"result"` // PASS or FAIL
	Checks  []CheckResult `json:"checks"`
	Summary VerifySummary `json:"summary"`
}

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass, fail, or skipped
	Message string `json:"message,omitempty"`
}

type VerifySummary struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
}

// DerivedMetrics is the single computed analytics record per session.
// Pointer fields are tri-state: nil means not applicable, never false
// or zero.
type DerivedMetrics struct {
	SessionID            string   `json:"sessionId"`
	Calibration          bool     `json:"calibration"`
	InitialBirads        *int     `json:"initialBirads"`
	InitialConfidence    *int     `json:"initialConfidence"`
	AIBirads             *int     `json:"aiBirads"`
	FinalBirads          *int     `json:"finalBirads"`
	FinalConfidence      *int     `json:"finalConfidence"`
	ChangeOccurred       bool     `json:"changeOccurred"`
	ChangeDirection      string   `json:"changeDirection"` // upgrade, downgrade, or unchanged
	AIConsistentChange   bool     `json:"aiConsistentChange"`
	AIInconsistentChange bool     `json:"aiInconsistentChange"`
	ADDADenominator      bool     `json:"addaDenominator"`
	ADDA                 *bool    `json:"adda"`
	PreExposureSeconds   *float64 `json:"preExposureSeconds"`
	PostExposureSeconds  *float64 `json:"postExposureSeconds"`
}

// ExportManifest is the checksummed index of an export bundle. The root
// hash is the canonical sha-256 of the entries object alone, so it is
// reproducible regardless of when the bundle was assembled.
type ExportManifest struct {
	Schema     string          `json:"schema"`
	CreatedUTC string          `json:"created_utc"`
	Entries    []ManifestEntry `json:"entries"`
	RootHash   string          `json:"root_hash"`
	Signatures []Signature     `json:"signatures,omitempty"`
}

type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Signature is an optional ed25519 attestation over the root hash.
type Signature struct {
	Alg      string `json:"alg"`
	KeyID    string `json:"key_id"`
	Sig      string `json:"sig"`
	RootHash string `json:"root_hash"`
}

// TrialManifest is the session-level summary written to
// trial_manifest.json.
type TrialManifest struct {
	Schema              string           `json:"schema"`
	SessionID           string           `json:"sessionId"`
	CreatedUTC          string           `json:"createdUtc"`
	Protocol            map[string]any   `json:"protocol"`
	Integrity           IntegritySummary `json:"integrity"`
	Files               []ManifestEntry  `json:"files"`
	TimestampTrustModel string           `json:"timestampTrustModel"`
}

type IntegritySummary struct {
	Result       string `json:"result"`
	Entries      int    `json:"entries"`
	ChainHead    string `json:"chainHead"`
	ChecksPassed int    `json:"checksPassed"`
	ChecksFailed int    `json:"checksFailed"`
}
