package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/guardian"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

// Decision is the outcome of one consensus check. It is derived state,
// recomputed from the current evidence snapshot; Verified=false is a normal
// "not yet" result, not an error.
type Decision struct {
	Verified   bool           `json:"verified"`
	Confidence float64        `json:"confidence"`
	Sources    []types.Source `json:"sources"`
	Approvals  int            `json:"approvals"`
	Reason     string         `json:"reason"`
}

// Releaser receives triggered vaults for release coordination. Declared here
// so the engine does not depend on the release package.
type Releaser interface {
	OnTriggered(ctx context.Context, v *types.Vault) error
}

// Config tunes the engine.
type Config struct {
	// ConfidenceThreshold is the minimum weighted confidence for
	// verification. Default: 0.70.
	ConfidenceThreshold float64

	// MinSources is the minimum number of distinct contributing sources.
	// Default: 2. Both conditions are required; a single source at
	// confidence 1.0 never verifies alone.
	MinSources int

	// EscalationThreshold is the confidence at which an authoritative
	// source is requested while verification is still short. Default: 0.5.
	EscalationThreshold float64

	// CacheSize bounds the decision cache. Default: 512.
	CacheSize int

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.70
	}
	if c.MinSources <= 0 {
		c.MinSources = 2
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 0.5
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine aggregates evidence and guardian-attestation state into a single
// verified/unverified decision and drives the trigger fan-out when
// verification is reached.
type Engine struct {
	cfg        Config
	store      storage.EvidenceStore
	vaultStore storage.VaultStore
	ledger     *guardian.Ledger
	vaults     *vault.StateMachine
	releaser   Releaser
	sink       notify.Sink
	clk        clock.Clock
	cache      *lru.Cache[string, Decision]
}

// NewEngine creates a consensus engine.
func NewEngine(cfg Config, store storage.EvidenceStore, vaultStore storage.VaultStore,
	ledger *guardian.Ledger, vaults *vault.StateMachine, releaser Releaser,
	sink notify.Sink, clk clock.Clock) (*Engine, error) {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	cache, err := lru.New[string, Decision](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		vaultStore: vaultStore,
		ledger:     ledger,
		vaults:     vaults,
		releaser:   releaser,
		sink:       sink,
		clk:        clk,
		cache:      cache,
	}, nil
}

// CheckConsensus recomputes the decision for one user from the current
// snapshot of evidence and attestations. On a fresh verification it triggers
// the user's live vaults, marks the user confirmed and hands off to the
// release coordinator; repeat invocations after verification return the same
// decision without re-running side effects.
func (e *Engine) CheckConsensus(ctx context.Context, userID string) (Decision, error) {
	if userID == "" {
		return Decision{}, fmt.Errorf("user id is required")
	}

	events, err := e.store.ListEventsByUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load evidence for user %s: %w", userID, err)
	}

	vaults, err := e.vaultStore.ListVaultsByOwner(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load vaults for user %s: %w", userID, err)
	}

	approvals := 0
	for _, v := range vaults {
		n, err := e.ledger.AttestationCount(ctx, v.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("count attestations for vault %s: %w", v.ID, err)
		}
		if n > approvals {
			approvals = n
		}
	}

	decision := e.evaluate(events)
	decision.Approvals = approvals

	key := fingerprint(userID, events, approvals)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	uv, err := e.store.GetUserVerification(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Decision{}, fmt.Errorf("load verification state for user %s: %w", userID, err)
		}
		uv = &types.UserVerification{UserID: userID}
	}

	now := e.clk.Now()

	switch {
	case decision.Verified:
		if !uv.Confirmed {
			if err := e.confirm(ctx, userID, uv, events, vaults, decision); err != nil {
				return decision, err
			}
		}
	case decision.Confidence >= e.cfg.EscalationThreshold && len(decision.Sources) >= 1:
		// Suspected but unconfirmed: request an authoritative source once.
		if !uv.Escalated {
			uv.Escalated = true
			uv.UpdatedAt = now
			if err := e.store.SetUserVerification(ctx, uv); err != nil {
				return decision, fmt.Errorf("persist escalation for user %s: %w", userID, err)
			}
			e.emit(ctx, notify.Event{
				Kind: notify.EscalationRequested, UserID: userID, At: now,
				Detail: "order official death certificate",
			})
			e.cfg.Logger.Info("verification escalated", "userID", userID, "confidence", decision.Confidence)
		}
	}

	e.cache.Add(key, decision)
	return decision, nil
}

// evaluate computes the weighted decision from non-rejected events. Each
// source contributes once, at its highest-confidence event, so a pile of
// low-reliability hits cannot drown out one authoritative record.
func (e *Engine) evaluate(events []*types.DeathVerificationEvent) Decision {
	best := make(map[types.Source]float64)
	for _, ev := range events {
		if ev.Status == types.EvidenceRejected {
			continue
		}
		if conf, ok := best[ev.Source]; !ok || ev.Confidence > conf {
			best[ev.Source] = ev.Confidence
		}
	}

	if len(best) == 0 {
		return Decision{Reason: "no usable evidence"}
	}

	var weightedSum, weightTotal float64
	sources := make([]types.Source, 0, len(best))
	for src, conf := range best {
		w, ok := src.Weight()
		if !ok {
			continue
		}
		weightedSum += w * conf
		weightTotal += w
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	confidence := 0.0
	if weightTotal > 0 {
		confidence = weightedSum / weightTotal
	}

	d := Decision{Confidence: confidence, Sources: sources}
	switch {
	case confidence < e.cfg.ConfidenceThreshold && len(sources) < e.cfg.MinSources:
		d.Reason = fmt.Sprintf("confidence %.2f below %.2f and only %d source(s)", confidence, e.cfg.ConfidenceThreshold, len(sources))
	case confidence < e.cfg.ConfidenceThreshold:
		d.Reason = fmt.Sprintf("confidence %.2f below %.2f", confidence, e.cfg.ConfidenceThreshold)
	case len(sources) < e.cfg.MinSources:
		d.Reason = fmt.Sprintf("only %d source(s), need %d", len(sources), e.cfg.MinSources)
	default:
		d.Verified = true
		d.Reason = "consensus reached"
	}
	return d
}

// confirm runs the one-time verification side effects: confirm contributing
// events, trigger the user's live vaults, hand each off to the release
// coordinator and finally mark the user confirmed. Every step is idempotent
// so an abandoned sweep can safely re-run it.
func (e *Engine) confirm(ctx context.Context, userID string, uv *types.UserVerification,
	events []*types.DeathVerificationEvent, vaults []*types.Vault, decision Decision) error {
	now := e.clk.Now()

	for _, ev := range events {
		if ev.Status == types.EvidencePending || ev.Status == types.EvidenceNeedsConfirmation {
			if err := e.store.UpdateEventStatus(ctx, ev.ID, types.EvidenceConfirmed); err != nil {
				return fmt.Errorf("confirm event %s: %w", ev.ID, err)
			}
		}
	}

	for _, v := range vaults {
		if !v.Status.Live() && v.Status != types.StatusTriggered {
			continue
		}
		if v.Status.Live() {
			if err := e.vaults.Trigger(ctx, v.ID, types.CauseConsensus, now); err != nil {
				return fmt.Errorf("trigger vault %s: %w", v.ID, err)
			}
		}
		triggered, err := e.vaultStore.GetVault(ctx, v.ID)
		if err != nil {
			return fmt.Errorf("reload vault %s: %w", v.ID, err)
		}
		if e.releaser != nil {
			if err := e.releaser.OnTriggered(ctx, triggered); err != nil {
				return fmt.Errorf("hand off vault %s to release: %w", v.ID, err)
			}
		}
	}

	// Confirming the user drops them from the unresolved sweep set, so it is
	// persisted only after every trigger and release handoff has succeeded.
	// A failure above leaves the user unresolved and the next sweep re-runs
	// the remaining steps.
	uv.Confirmed = true
	uv.ConfirmedAt = &now
	uv.UpdatedAt = now
	if err := e.store.SetUserVerification(ctx, uv); err != nil {
		return fmt.Errorf("persist confirmation for user %s: %w", userID, err)
	}

	e.cfg.Logger.Info("death verification confirmed",
		"userID", userID, "confidence", decision.Confidence, "sources", len(decision.Sources))
	return nil
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if err := e.sink.Notify(ctx, ev); err != nil {
		e.cfg.Logger.Warn("notification sink failed", "kind", ev.Kind, "userID", ev.UserID, "error", err)
	}
}

// fingerprint keys the decision cache on the evidence snapshot, so new
// events or attestations force a recompute.
func fingerprint(userID string, events []*types.DeathVerificationEvent, approvals int) string {
	latest := ""
	rejected := 0
	for _, ev := range events {
		if ev.ID > latest {
			latest = ev.ID
		}
		if ev.Status == types.EvidenceRejected {
			rejected++
		}
	}
	return fmt.Sprintf("%s|%d|%d|%d|%s", userID, len(events), rejected, approvals, latest)
}
