package types

import (
	"fmt"
	"time"
)

// Role identifies a party's relationship to a vault.
type Role string

const (
	RoleGuardian    Role = "guardian"
	RoleBeneficiary Role = "beneficiary"
	RoleAttestor    Role = "attestor"
)

// GuardianCount is the fixed number of guardians bound at vault creation.
// The set is immutable afterwards.
const GuardianCount = 3

// Party is a guardian, beneficiary or attestor bound to a vault.
// A beneficiary can never simultaneously be a guardian on the same vault.
type Party struct {
	ID               string    `json:"id"`
	VaultID          string    `json:"vault_id"`
	Role             Role      `json:"role"`
	Contact          string    `json:"contact"` // Opaque delivery identifier for the notification sink
	Accepted         bool      `json:"accepted"`
	ShareBasisPoints int       `json:"share_basis_points,omitempty"` // Beneficiaries only
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks structural invariants on a party record.
func (p *Party) Validate() error {
	if p.ID == "" || p.VaultID == "" {
		return fmt.Errorf("party id and vault id are required")
	}
	switch p.Role {
	case RoleGuardian, RoleAttestor:
		if p.ShareBasisPoints != 0 {
			return fmt.Errorf("role %s cannot hold a beneficiary share", p.Role)
		}
	case RoleBeneficiary:
		if p.ShareBasisPoints <= 0 || p.ShareBasisPoints > 10000 {
			return fmt.Errorf("beneficiary share must be in (0, 10000] basis points, got %d", p.ShareBasisPoints)
		}
	default:
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// AttestationDecision is a guardian's recorded position on the owner's death.
type AttestationDecision string

const (
	DecisionPending AttestationDecision = "pending"
	DecisionApprove AttestationDecision = "approve"
	DecisionReject  AttestationDecision = "reject"
)

// GuardianAttestation records one guardian's decision for one vault.
// The (vault, guardian) pair is the composite key; resubmission replaces
// the decision subject to the ledger's cooldown rule.
type GuardianAttestation struct {
	VaultID     string              `json:"vault_id"`
	GuardianID  string              `json:"guardian_id"`
	Decision    AttestationDecision `json:"decision"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// SecretFragment is one encrypted share of an owner secret, held on behalf
// of a single guardian. Payload is sealed with a key derived from the
// guardian's key material and Salt; decrypting it never requires another
// guardian's key.
type SecretFragment struct {
	VaultID    string `json:"vault_id"`
	GuardianID string `json:"guardian_id"`
	Index      byte   `json:"index"`   // x-coordinate of the share
	Payload    []byte `json:"payload"` // Sealed share bytes
	Salt       []byte `json:"salt"`    // Per-fragment derivation salt
	Tag        []byte `json:"tag"`     // Verification tag over the original secret
}
