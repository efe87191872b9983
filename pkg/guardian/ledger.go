package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

var (
	// ErrCooldownActive is returned when a guardian re-attests within the
	// cooldown of their previous submission.
	ErrCooldownActive = errors.New("guardian attestation cooldown active")

	// ErrNotGuardian is returned when the attesting party is not one of the
	// vault's fixed guardians.
	ErrNotGuardian = errors.New("party is not a guardian of this vault")

	// ErrGuardianSetFrozen is returned when guardian details are modified
	// while the vault is under verification.
	ErrGuardianSetFrozen = errors.New("guardian set is frozen while vault is under verification")
)

// Cooldown is the minimum gap between two attestations from the same
// guardian. It prevents rushed or coerced re-attestation.
const Cooldown = 24 * time.Hour

// ApprovalThreshold is the number of "approve" attestations that flags a
// vault for verification. It is a necessary input to the consensus engine,
// never a unilateral trigger.
const ApprovalThreshold = 2

// Store is the slice of the backend the ledger reads and writes.
type Store interface {
	storage.AttestationStore
	storage.PartyStore
	storage.VaultStore
}

// Ledger records guardian death-attestations and enforces the threshold,
// cooldown and freeze rules.
type Ledger struct {
	store  Store
	vaults *vault.StateMachine
	logger *slog.Logger
}

// NewLedger creates an attestation ledger that reports threshold hits to
// the given state machine.
func NewLedger(store Store, vaults *vault.StateMachine, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, vaults: vaults, logger: logger}
}

// Attest records one guardian's decision for one vault. The guardian must be
// one of the vault's fixed three; a resubmission inside the cooldown fails
// with ErrCooldownActive and leaves the recorded decision unchanged.
// Reaching the approval threshold flags the vault for verification.
func (l *Ledger) Attest(ctx context.Context, vaultID, guardianID string, decision types.AttestationDecision, now time.Time) error {
	if decision != types.DecisionApprove && decision != types.DecisionReject {
		return fmt.Errorf("decision must be approve or reject, got %q", decision)
	}

	v, err := l.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if !v.Status.Live() {
		return fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, vault.ErrInvalidState)
	}

	party, err := l.store.GetParty(ctx, guardianID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("party %s: %w", guardianID, ErrNotGuardian)
		}
		return fmt.Errorf("load party %s: %w", guardianID, err)
	}
	if party.VaultID != vaultID || party.Role != types.RoleGuardian {
		return fmt.Errorf("party %s: %w", guardianID, ErrNotGuardian)
	}

	prev, err := l.store.GetAttestation(ctx, vaultID, guardianID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load previous attestation: %w", err)
	}
	if prev != nil && now.Sub(prev.SubmittedAt) < Cooldown {
		return fmt.Errorf("guardian %s attested at %s: %w",
			guardianID, prev.SubmittedAt.Format(time.RFC3339), ErrCooldownActive)
	}

	if err := l.store.UpsertAttestation(ctx, &types.GuardianAttestation{
		VaultID:     vaultID,
		GuardianID:  guardianID,
		Decision:    decision,
		SubmittedAt: now,
	}); err != nil {
		return fmt.Errorf("record attestation: %w", err)
	}

	l.logger.Info("guardian attested", "vaultID", vaultID, "guardianID", guardianID, "decision", decision)

	if decision != types.DecisionApprove {
		return nil
	}

	count, err := l.AttestationCount(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("count approvals: %w", err)
	}
	if count >= ApprovalThreshold {
		if err := l.vaults.FlagForVerification(ctx, vaultID, now); err != nil {
			return fmt.Errorf("flag vault for verification: %w", err)
		}
	}
	return nil
}

// AttestationCount returns the number of "approve" decisions recorded for
// the vault's guardians.
func (l *Ledger) AttestationCount(ctx context.Context, vaultID string) (int, error) {
	atts, err := l.store.ListAttestations(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range atts {
		if a.Decision == types.DecisionApprove {
			count++
		}
	}
	return count, nil
}

// ThresholdReached reports whether the vault has the required approvals.
func (l *Ledger) ThresholdReached(ctx context.Context, vaultID string) (bool, error) {
	count, err := l.AttestationCount(ctx, vaultID)
	if err != nil {
		return false, err
	}
	return count >= ApprovalThreshold, nil
}

// UpdateGuardianContact changes a guardian's delivery contact. The guardian
// set itself is immutable from creation; even contact edits are rejected
// while the vault is in Warning or Critical to shut out last-minute
// manipulation.
func (l *Ledger) UpdateGuardianContact(ctx context.Context, vaultID, guardianID, contact string) error {
	v, err := l.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if v.Status == types.StatusWarning || v.Status == types.StatusCritical {
		return fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, ErrGuardianSetFrozen)
	}

	party, err := l.store.GetParty(ctx, guardianID)
	if err != nil {
		return fmt.Errorf("load party %s: %w", guardianID, err)
	}
	if party.VaultID != vaultID || party.Role != types.RoleGuardian {
		return fmt.Errorf("party %s: %w", guardianID, ErrNotGuardian)
	}

	party.Contact = contact
	if err := l.store.UpdateParty(ctx, party); err != nil {
		return fmt.Errorf("persist contact update: %w", err)
	}
	return nil
}

// AcceptInvitation marks a guardian as having accepted their role.
func (l *Ledger) AcceptInvitation(ctx context.Context, vaultID, guardianID string) error {
	party, err := l.store.GetParty(ctx, guardianID)
	if err != nil {
		return fmt.Errorf("load party %s: %w", guardianID, err)
	}
	if party.VaultID != vaultID || party.Role != types.RoleGuardian {
		return fmt.Errorf("party %s: %w", guardianID, ErrNotGuardian)
	}
	party.Accepted = true
	if err := l.store.UpdateParty(ctx, party); err != nil {
		return fmt.Errorf("persist acceptance: %w", err)
	}
	return nil
}
