package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/secretshare"
	"github.com/relves/vaultcore/pkg/types"
)

// GuardianSpec names one guardian at provisioning time. KeyMaterial is the
// guardian-supplied key used to seal their fragment at rest.
type GuardianSpec struct {
	Contact     string
	KeyMaterial []byte
}

// BeneficiarySpec names one beneficiary and their allocation.
type BeneficiarySpec struct {
	Contact          string
	ShareBasisPoints int
}

// ProvisionRequest carries everything needed to create a vault: the owner,
// the check-in schedule, the secret to split, exactly three guardians and at
// least one beneficiary.
type ProvisionRequest struct {
	OwnerID             string
	CheckInIntervalDays int
	GracePeriodDays     int
	Secret              []byte
	Guardians           []GuardianSpec
	Beneficiaries       []BeneficiarySpec
}

// ProvisionStore is the slice of the backend provisioning writes to.
type ProvisionStore interface {
	storage.VaultStore
	storage.PartyStore
	storage.FragmentStore
}

// Provisioner creates vaults: it splits the owner secret, seals one fragment
// per guardian, and binds the immutable guardian set.
type Provisioner struct {
	store  ProvisionStore
	scheme secretshare.Scheme
	clk    clock.Clock
	sink   notify.Sink
	logger *slog.Logger
}

// NewProvisioner creates a provisioner using the default 2-of-3 scheme.
func NewProvisioner(store ProvisionStore, clk clock.Clock, sink notify.Sink, logger *slog.Logger) *Provisioner {
	if clk == nil {
		clk = clock.System{}
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{store: store, scheme: secretshare.NewScheme(), clk: clk, sink: sink, logger: logger}
}

// Provision creates the vault, its parties and its fragment set. Exactly
// three guardians are required and a contact may not appear as both
// guardian and beneficiary on the same vault.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*types.Vault, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := p.clk.Now()
	v := &types.Vault{
		ID:                  uuid.NewString(),
		OwnerID:             req.OwnerID,
		CheckInIntervalDays: req.CheckInIntervalDays,
		GracePeriodDays:     req.GracePeriodDays,
		LastCheckInAt:       now,
		Status:              types.StatusActive,
		FragmentScheme:      p.scheme.String(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	v.RecomputeDue()
	if err := v.Validate(); err != nil {
		return nil, err
	}

	frags, err := p.scheme.Split(req.Secret)
	if err != nil {
		return nil, fmt.Errorf("split owner secret: %w", err)
	}

	guardians := make([]*types.Party, 0, len(req.Guardians))
	sealed := make([]*types.SecretFragment, 0, len(frags))
	for i, g := range req.Guardians {
		party := &types.Party{
			ID:        uuid.NewString(),
			VaultID:   v.ID,
			Role:      types.RoleGuardian,
			Contact:   g.Contact,
			CreatedAt: now,
		}
		guardians = append(guardians, party)

		sf, err := secretshare.EncryptFragment(frags[i], v.ID, party.ID, g.KeyMaterial)
		if err != nil {
			return nil, fmt.Errorf("seal fragment for guardian %s: %w", party.ID, err)
		}
		sealed = append(sealed, sf)
	}

	if err := p.store.CreateVault(ctx, v); err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	for _, g := range guardians {
		if err := p.store.CreateParty(ctx, g); err != nil {
			return nil, fmt.Errorf("create guardian: %w", err)
		}
	}
	for _, b := range req.Beneficiaries {
		party := &types.Party{
			ID:               uuid.NewString(),
			VaultID:          v.ID,
			Role:             types.RoleBeneficiary,
			Contact:          b.Contact,
			ShareBasisPoints: b.ShareBasisPoints,
			CreatedAt:        now,
		}
		if err := party.Validate(); err != nil {
			return nil, err
		}
		if err := p.store.CreateParty(ctx, party); err != nil {
			return nil, fmt.Errorf("create beneficiary: %w", err)
		}
	}
	if err := p.store.PutFragments(ctx, v.ID, sealed); err != nil {
		return nil, fmt.Errorf("store fragments: %w", err)
	}

	for _, g := range guardians {
		if err := p.sink.Notify(ctx, notify.Event{
			Kind: notify.GuardianInvited, VaultID: v.ID, UserID: req.OwnerID, PartyID: g.ID, At: now,
		}); err != nil {
			p.logger.Warn("notification sink failed", "kind", notify.GuardianInvited, "partyID", g.ID, "error", err)
		}
	}

	p.logger.Info("vault provisioned", "vaultID", v.ID, "ownerID", req.OwnerID, "scheme", v.FragmentScheme)
	return v, nil
}

func validateRequest(req ProvisionRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if len(req.Guardians) != types.GuardianCount {
		return fmt.Errorf("exactly %d guardians required, got %d", types.GuardianCount, len(req.Guardians))
	}
	if len(req.Beneficiaries) == 0 {
		return fmt.Errorf("at least one beneficiary required")
	}

	guardianContacts := make(map[string]bool, len(req.Guardians))
	for _, g := range req.Guardians {
		if g.Contact == "" {
			return fmt.Errorf("guardian contact is required")
		}
		if guardianContacts[g.Contact] {
			return fmt.Errorf("duplicate guardian contact %q", g.Contact)
		}
		guardianContacts[g.Contact] = true
	}
	for _, b := range req.Beneficiaries {
		// A beneficiary can never simultaneously be a guardian on the same vault.
		if guardianContacts[b.Contact] {
			return fmt.Errorf("contact %q cannot be both guardian and beneficiary", b.Contact)
		}
	}
	return nil
}
