package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/secretshare"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

// Mirror relays release directives to the external ledger (the on-chain
// contract). Submission is fire-and-forget from the core's point of view:
// the internal vault status is authoritative and the mirror is an
// eventually-consistent reflection.
type Mirror interface {
	SubmitRelease(ctx context.Context, d *types.ReleaseDirective) error
}

// Store is the slice of the backend the coordinator uses.
type Store interface {
	storage.VaultStore
	storage.PartyStore
	storage.FragmentStore
	storage.DirectiveStore
}

// Config tunes the coordinator.
type Config struct {
	// MaxSubmitTries bounds mirror submissions per outbox drain.
	// Default: 3.
	MaxSubmitTries uint

	// SubmitTimeout bounds one mirror submission. Default: 15s.
	SubmitTimeout time.Duration

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxSubmitTries == 0 {
		c.MaxSubmitTries = 3
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator handles a vault entering Triggered: it records exactly one
// release directive per vault, notifies beneficiaries, and synchronizes the
// directive to the mirror with retries.
type Coordinator struct {
	cfg    Config
	store  Store
	scheme secretshare.Scheme
	mirror Mirror
	sink   notify.Sink
	clk    clock.Clock
}

// NewCoordinator creates a release coordinator. mirror may be nil when no
// on-chain representation exists; directives then stay queued until one is
// configured.
func NewCoordinator(cfg Config, store Store, mirror Mirror, sink notify.Sink, clk clock.Clock) *Coordinator {
	cfg.ApplyDefaults()
	if sink == nil {
		sink = notify.LogSink{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Coordinator{
		cfg:    cfg,
		store:  store,
		scheme: secretshare.NewScheme(),
		mirror: mirror,
		sink:   sink,
		clk:    clk,
	}
}

// OnTriggered marks pending deliverables ready for a triggered vault.
// Idempotent: the directive is created at most once per vault, and only its
// creation emits notifications or a mirror submission.
func (c *Coordinator) OnTriggered(ctx context.Context, v *types.Vault) error {
	if v.Status != types.StatusTriggered {
		return fmt.Errorf("vault %s is %s: %w", v.ID, v.Status, vault.ErrInvalidState)
	}

	parties, err := c.store.ListParties(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("load parties for vault %s: %w", v.ID, err)
	}

	var beneficiaries []types.BeneficiaryShare
	for _, p := range parties {
		if p.Role == types.RoleBeneficiary {
			beneficiaries = append(beneficiaries, types.BeneficiaryShare{
				PartyID:          p.ID,
				Contact:          p.Contact,
				ShareBasisPoints: p.ShareBasisPoints,
			})
		}
	}
	if len(beneficiaries) == 0 {
		return fmt.Errorf("vault %s has no beneficiaries", v.ID)
	}

	now := c.clk.Now()
	d := &types.ReleaseDirective{
		ID:            uuid.NewString(),
		VaultID:       v.ID,
		Beneficiaries: beneficiaries,
		CreatedAt:     now,
	}
	if err := d.Validate(); err != nil {
		return err
	}

	stored, created, err := c.store.CreateDirective(ctx, d)
	if err != nil {
		return fmt.Errorf("record directive for vault %s: %w", v.ID, err)
	}
	if !created {
		// Duplicate trigger attempt; the earlier directive stands.
		return nil
	}

	for _, b := range stored.Beneficiaries {
		c.emit(ctx, notify.Event{
			Kind: notify.BeneficiaryReleaseReady, VaultID: v.ID, PartyID: b.PartyID, At: now,
		})
	}

	c.cfg.Logger.Info("release directive recorded", "vaultID", v.ID, "beneficiaries", len(stored.Beneficiaries))

	// Best-effort first submission; the outbox drain retries on later sweeps.
	if c.mirror != nil {
		if err := c.submit(ctx, stored); err != nil {
			c.cfg.Logger.Warn("initial mirror submission failed", "vaultID", v.ID, "error", err)
		}
	}
	return nil
}

// DrainOutbox retries undelivered directives against the mirror. Failures
// are recorded per directive and never abort the drain.
func (c *Coordinator) DrainOutbox(ctx context.Context) error {
	if c.mirror == nil {
		return nil
	}

	pending, err := c.store.ListPendingDirectives(ctx)
	if err != nil {
		return fmt.Errorf("list pending directives: %w", err)
	}

	for _, d := range pending {
		if err := c.submit(ctx, d); err != nil {
			c.cfg.Logger.Warn("mirror submission failed", "vaultID", d.VaultID, "attempts", d.Attempts+1, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) submit(ctx context.Context, d *types.ReleaseDirective) error {
	operation := func() (struct{}, error) {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		return struct{}{}, c.mirror.SubmitRelease(sctx, d)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxSubmitTries))
	if err != nil {
		if recErr := c.store.RecordDirectiveAttempt(ctx, d.ID, err.Error()); recErr != nil {
			c.cfg.Logger.Warn("failed to record directive attempt", "directiveID", d.ID, "error", recErr)
		}
		return err
	}

	if err := c.store.MarkDirectiveDelivered(ctx, d.ID); err != nil {
		return fmt.Errorf("mark directive %s delivered: %w", d.ID, err)
	}
	c.cfg.Logger.Info("directive delivered to mirror", "vaultID", d.VaultID, "directiveID", d.ID)
	return nil
}

// ReconstructSecret recovers the owner secret for a triggered vault from
// guardian-presented key material. Each presenting guardian's fragment is
// opened with that guardian's own key; the threshold applies to how many
// present, not whose keys are combined.
func (c *Coordinator) ReconstructSecret(ctx context.Context, vaultID string, presented map[string][]byte) ([]byte, error) {
	v, err := c.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if v.Status != types.StatusTriggered {
		return nil, fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, vault.ErrInvalidState)
	}

	stored, err := c.store.GetFragments(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("load fragments for vault %s: %w", vaultID, err)
	}

	var frags []secretshare.Fragment
	var openErrs []error
	for _, sf := range stored {
		key, ok := presented[sf.GuardianID]
		if !ok {
			continue
		}
		f, err := secretshare.DecryptFragment(sf, key)
		if err != nil {
			openErrs = append(openErrs, fmt.Errorf("guardian %s: %w", sf.GuardianID, err))
			continue
		}
		frags = append(frags, f)
	}

	secret, err := c.scheme.Reconstruct(frags)
	if err != nil {
		if errors.Is(err, secretshare.ErrInsufficientFragments) && len(openErrs) > 0 {
			return nil, fmt.Errorf("%w (fragment open failures: %v)", err, errors.Join(openErrs...))
		}
		return nil, err
	}
	return secret, nil
}

func (c *Coordinator) emit(ctx context.Context, ev notify.Event) {
	if err := c.sink.Notify(ctx, ev); err != nil {
		c.cfg.Logger.Warn("notification sink failed", "kind", ev.Kind, "vaultID", ev.VaultID, "error", err)
	}
}
