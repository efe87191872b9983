package types

import (
	"fmt"
	"time"
)

// VaultStatus represents the lifecycle state of a vault.
type VaultStatus string

const (
	StatusActive    VaultStatus = "active"
	StatusWarning   VaultStatus = "warning"   // Check-in deadline missed
	StatusCritical  VaultStatus = "critical"  // Half the grace period elapsed
	StatusTriggered VaultStatus = "triggered" // Release path engaged
	StatusCancelled VaultStatus = "cancelled" // Soft-deleted by owner
)

// statusRank orders statuses for the monotonicity invariant.
// Cancelled sits outside the escalation order and is handled explicitly.
var statusRank = map[VaultStatus]int{
	StatusActive:    0,
	StatusWarning:   1,
	StatusCritical:  2,
	StatusTriggered: 3,
}

// Rank returns the escalation order of the status. Cancelled has no rank.
func (s VaultStatus) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// Live reports whether the vault is still on the escalation path
// (not yet triggered, not cancelled).
func (s VaultStatus) Live() bool {
	return s == StatusActive || s == StatusWarning || s == StatusCritical
}

// TriggerCause records which path moved a vault to Triggered.
type TriggerCause string

const (
	CauseNone      TriggerCause = ""
	CauseClock     TriggerCause = "clock"     // Dead man's switch expiry
	CauseConsensus TriggerCause = "consensus" // Verified death consensus
)

// Vault is the aggregate root for a single inheritance vault.
type Vault struct {
	ID                  string       `json:"id"`
	OwnerID             string       `json:"owner_id"`
	CheckInIntervalDays int          `json:"check_in_interval_days"`
	GracePeriodDays     int          `json:"grace_period_days"`
	LastCheckInAt       time.Time    `json:"last_check_in_at"`
	NextCheckInDue      time.Time    `json:"next_check_in_due"`
	Status              VaultStatus  `json:"status"`
	FragmentScheme      string       `json:"fragment_scheme"` // e.g. "2-of-3"
	TriggeredAt         *time.Time   `json:"triggered_at,omitempty"`
	TriggerCause        TriggerCause `json:"trigger_cause,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Validate checks structural invariants on a vault record.
func (v *Vault) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vault id is required")
	}
	if v.OwnerID == "" {
		return fmt.Errorf("vault owner is required")
	}
	if v.CheckInIntervalDays <= 0 {
		return fmt.Errorf("check-in interval must be positive, got %d", v.CheckInIntervalDays)
	}
	if v.GracePeriodDays <= 0 {
		return fmt.Errorf("grace period must be positive, got %d", v.GracePeriodDays)
	}
	return nil
}

// RecomputeDue derives the next check-in deadline from the last check-in.
// The deadline is always lastCheckInAt + checkInIntervalDays.
func (v *Vault) RecomputeDue() {
	v.NextCheckInDue = v.LastCheckInAt.Add(time.Duration(v.CheckInIntervalDays) * 24 * time.Hour)
}
