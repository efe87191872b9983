package storage

import (
	"context"
	"errors"

	"github.com/relves/vaultcore/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// VaultStore persists vault aggregates.
type VaultStore interface {
	CreateVault(ctx context.Context, v *types.Vault) error
	GetVault(ctx context.Context, id string) (*types.Vault, error)
	// UpdateVault replaces the stored record for v.ID.
	UpdateVault(ctx context.Context, v *types.Vault) error
	ListVaultsByOwner(ctx context.Context, ownerID string) ([]*types.Vault, error)
	// ListLiveVaults returns vaults in Active/Warning/Critical, the set the
	// periodic sweep must advance.
	ListLiveVaults(ctx context.Context) ([]*types.Vault, error)
	// ListTriggeredVaultsWithoutDirective returns triggered vaults whose
	// release directive does not exist yet, so the sweep can retry a handoff
	// that failed after the trigger transition.
	ListTriggeredVaultsWithoutDirective(ctx context.Context) ([]*types.Vault, error)
}

// PartyStore persists guardians, beneficiaries and attestors.
type PartyStore interface {
	CreateParty(ctx context.Context, p *types.Party) error
	GetParty(ctx context.Context, id string) (*types.Party, error)
	UpdateParty(ctx context.Context, p *types.Party) error
	ListParties(ctx context.Context, vaultID string) ([]*types.Party, error)
}

// FragmentStore persists encrypted secret fragments. The fragment set for a
// vault is written once, atomically, at vault creation.
type FragmentStore interface {
	PutFragments(ctx context.Context, vaultID string, frags []*types.SecretFragment) error
	GetFragments(ctx context.Context, vaultID string) ([]*types.SecretFragment, error)
}

// AttestationStore persists guardian attestations keyed by (vault, guardian).
type AttestationStore interface {
	UpsertAttestation(ctx context.Context, a *types.GuardianAttestation) error
	GetAttestation(ctx context.Context, vaultID, guardianID string) (*types.GuardianAttestation, error)
	ListAttestations(ctx context.Context, vaultID string) ([]*types.GuardianAttestation, error)
}

// EvidenceStore persists death-verification events and per-user consensus
// bookkeeping.
type EvidenceStore interface {
	CreateEvent(ctx context.Context, ev *types.DeathVerificationEvent) error
	ListEventsByUser(ctx context.Context, userID string) ([]*types.DeathVerificationEvent, error)
	UpdateEventStatus(ctx context.Context, eventID string, status types.EvidenceStatus) error
	// ListUnresolvedUsers returns user IDs that have at least one event and
	// are not yet confirmed, the set the sweep re-checks.
	ListUnresolvedUsers(ctx context.Context) ([]string, error)

	GetUserVerification(ctx context.Context, userID string) (*types.UserVerification, error)
	SetUserVerification(ctx context.Context, uv *types.UserVerification) error

	GetSourceHealth(ctx context.Context, userID string, source types.Source) (*types.SourceHealth, error)
	SetSourceHealth(ctx context.Context, sh *types.SourceHealth) error
}

// DirectiveStore persists the release-directive outbox. CreateDirective is
// idempotent per vault: if a directive already exists for d.VaultID it
// returns the existing one with created=false and writes nothing.
type DirectiveStore interface {
	CreateDirective(ctx context.Context, d *types.ReleaseDirective) (existing *types.ReleaseDirective, created bool, err error)
	GetDirectiveByVault(ctx context.Context, vaultID string) (*types.ReleaseDirective, error)
	ListPendingDirectives(ctx context.Context) ([]*types.ReleaseDirective, error)
	RecordDirectiveAttempt(ctx context.Context, id string, attemptErr string) error
	MarkDirectiveDelivered(ctx context.Context, id string) error
}

// OpsStore persists operator-visibility state: the last error observed for
// an aggregate during a sweep.
type OpsStore interface {
	SetLastError(ctx context.Context, kind, aggregateID, message string) error
	GetLastError(ctx context.Context, kind, aggregateID string) (string, error)
}

// Backend is the full persistence surface the core depends on. Selection
// between implementations happens at process startup via configuration,
// never through module-level globals.
type Backend interface {
	VaultStore
	PartyStore
	FragmentStore
	AttestationStore
	EvidenceStore
	DirectiveStore
	OpsStore
	Close() error
}
