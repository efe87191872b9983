package types

import (
	"fmt"
	"time"
)

// Source is the closed set of death-verification evidence sources.
// Adding a source requires an explicit constant and a weight-table entry;
// open strings are rejected at the boundary.
type Source string

const (
	SourceDeathCertificate Source = "death_certificate_official"
	SourceInsuranceClaim   Source = "insurance_claim"
	SourceHospitalRecord   Source = "hospital_record"
	SourceSSDI             Source = "ssdi"
	SourceFuneralHome      Source = "funeral_home"
	SourceObituary         Source = "obituary_index"
)

// sourceWeights maps each source to its fixed base weight, reflecting
// forensic reliability rather than recency.
var sourceWeights = map[Source]float64{
	SourceDeathCertificate: 1.0,
	SourceInsuranceClaim:   0.9,
	SourceHospitalRecord:   0.85,
	SourceSSDI:             0.8,
	SourceFuneralHome:      0.75,
	SourceObituary:         0.65,
}

// Weight returns the source's base weight. ok is false for unknown sources.
func (s Source) Weight() (float64, bool) {
	w, ok := sourceWeights[s]
	return w, ok
}

// Valid reports whether s is a member of the closed source set.
func (s Source) Valid() bool {
	_, ok := sourceWeights[s]
	return ok
}

// ParseSource converts an external string into a Source, rejecting anything
// outside the closed set.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown evidence source %q", raw)
	}
	return s, nil
}

// EvidenceStatus is the lifecycle of a single verification event.
type EvidenceStatus string

const (
	EvidencePending           EvidenceStatus = "pending"
	EvidenceConfirmed         EvidenceStatus = "confirmed"
	EvidenceRejected          EvidenceStatus = "rejected"
	EvidenceDisputed          EvidenceStatus = "disputed"
	EvidenceNeedsConfirmation EvidenceStatus = "needs_confirmation"
)

// DeathVerificationEvent is one piece of evidence for one user. Events are
// append-only; only Status moves after creation.
type DeathVerificationEvent struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Source            Source         `json:"source"`
	Confidence        float64        `json:"confidence"` // Self-reported by the source, in [0,1]
	Status            EvidenceStatus `json:"status"`
	ReportedDeathDate *time.Time     `json:"reported_death_date,omitempty"`
	ReportedLocation  string         `json:"reported_location,omitempty"`
	CertificateNumber string         `json:"certificate_number,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Validate checks structural invariants on an evidence event.
func (e *DeathVerificationEvent) Validate() error {
	if e.ID == "" || e.UserID == "" {
		return fmt.Errorf("event id and user id are required")
	}
	if !e.Source.Valid() {
		return fmt.Errorf("unknown evidence source %q", e.Source)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", e.Confidence)
	}
	return nil
}

// UserVerification tracks per-user consensus bookkeeping: whether death has
// been confirmed, whether an authoritative-source escalation has been
// requested, and whether repeated source failures flagged the user for
// manual review.
type UserVerification struct {
	UserID       string     `json:"user_id"`
	Confirmed    bool       `json:"confirmed"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	Escalated    bool       `json:"escalated"`
	ManualReview bool       `json:"manual_review"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SourceHealth tracks consecutive failures for one (user, source) pair so
// outages back off across sweeps and eventually escalate to manual review.
type SourceHealth struct {
	UserID              string    `json:"user_id"`
	Source              Source    `json:"source"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	NextAttemptAt       time.Time `json:"next_attempt_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
