package types

import (
	"fmt"
	"time"
)

// BeneficiaryShare is one beneficiary's allocation within a release.
type BeneficiaryShare struct {
	PartyID          string `json:"party_id"`
	Contact          string `json:"contact"`
	ShareBasisPoints int    `json:"share_basis_points"`
}

// ReleaseDirective instructs the on-chain mirror collaborator to release a
// triggered vault to its beneficiaries. At most one directive exists per
// vault; it is persisted as an outbox row and retried until delivered. The
// internal vault status stays authoritative; the mirror is an
// eventually-consistent reflection.
type ReleaseDirective struct {
	ID            string             `json:"id"`
	VaultID       string             `json:"vault_id"`
	Beneficiaries []BeneficiaryShare `json:"beneficiaries"`
	CreatedAt     time.Time          `json:"created_at"`
	Attempts      int                `json:"attempts"`
	LastAttemptAt *time.Time         `json:"last_attempt_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	Delivered     bool               `json:"delivered"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
}

// Validate checks structural invariants on a directive.
func (d *ReleaseDirective) Validate() error {
	if d.ID == "" || d.VaultID == "" {
		return fmt.Errorf("directive id and vault id are required")
	}
	if len(d.Beneficiaries) == 0 {
		return fmt.Errorf("directive must name at least one beneficiary")
	}
	total := 0
	for _, b := range d.Beneficiaries {
		total += b.ShareBasisPoints
	}
	if total > 10000 {
		return fmt.Errorf("beneficiary shares exceed 10000 basis points: %d", total)
	}
	return nil
}
