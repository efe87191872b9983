package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/types"
)

var (
	// ErrInvalidState is returned when an operation is illegal in the
	// vault's current status.
	ErrInvalidState = errors.New("operation not valid in current vault status")

	// ErrRevokeWindowExpired is returned when Revoke is called more than
	// RevokeWindow after the vault triggered.
	ErrRevokeWindowExpired = errors.New("revoke window expired")
)

// RevokeWindow is how long after triggering an owner can still revoke the
// release and return the vault to Active.
const RevokeWindow = 7 * 24 * time.Hour

// StateMachine owns vault status transitions. Statuses escalate
// Active < Warning < Critical < Triggered and never move backwards except
// through the time-bounded Revoke path.
type StateMachine struct {
	store  storage.VaultStore
	clk    clock.Clock
	sink   notify.Sink
	logger *slog.Logger
}

// New creates a state machine over the given vault store.
func New(store storage.VaultStore, clk clock.Clock, sink notify.Sink, logger *slog.Logger) *StateMachine {
	if clk == nil {
		clk = clock.System{}
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{store: store, clk: clk, sink: sink, logger: logger}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// CheckIn records an owner liveness proof. Valid only while the vault is on
// the escalation path; it resets the status to Active and recomputes the
// next deadline.
func (m *StateMachine) CheckIn(ctx context.Context, vaultID, signature string) error {
	if signature == "" {
		return fmt.Errorf("check-in signature is required")
	}

	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if !v.Status.Live() {
		return fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, ErrInvalidState)
	}

	now := m.clk.Now()
	v.LastCheckInAt = now
	v.RecomputeDue()
	v.Status = types.StatusActive
	v.UpdatedAt = now

	if err := m.store.UpdateVault(ctx, v); err != nil {
		return fmt.Errorf("persist check-in for vault %s: %w", vaultID, err)
	}

	m.logger.Info("owner checked in", "vaultID", vaultID, "nextDue", v.NextCheckInDue)
	return nil
}

// AdvanceClock evaluates the dead-man's-switch thresholds at the given time
// and escalates as far as the elapsed time warrants. It is idempotent:
// calling it again with the same time leaves the vault unchanged, and
// vaults that are Triggered or Cancelled are skipped without error.
//
// Thresholds: past the deadline Active becomes Warning; past half the grace
// period Warning becomes Critical; past the full grace period Critical
// becomes Triggered.
func (m *StateMachine) AdvanceClock(ctx context.Context, vaultID string, now time.Time) (types.VaultStatus, error) {
	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return "", fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if !v.Status.Live() {
		return v.Status, nil
	}

	grace := days(v.GracePeriodDays)
	from := v.Status

	for {
		next := v.Status
		switch v.Status {
		case types.StatusActive:
			if now.After(v.NextCheckInDue) {
				next = types.StatusWarning
			}
		case types.StatusWarning:
			if now.After(v.NextCheckInDue.Add(grace / 2)) {
				next = types.StatusCritical
			}
		case types.StatusCritical:
			if now.After(v.NextCheckInDue.Add(grace)) {
				next = types.StatusTriggered
			}
		}
		if next == v.Status {
			break
		}
		v.Status = next
		if next == types.StatusTriggered {
			t := now
			v.TriggeredAt = &t
			v.TriggerCause = types.CauseClock
			break
		}
	}

	if v.Status == from {
		return from, nil
	}

	v.UpdatedAt = now
	if err := m.store.UpdateVault(ctx, v); err != nil {
		return from, fmt.Errorf("persist escalation for vault %s: %w", vaultID, err)
	}

	m.logger.Info("vault escalated", "vaultID", vaultID, "from", from, "to", v.Status)

	switch v.Status {
	case types.StatusWarning, types.StatusCritical:
		m.emit(ctx, notify.Event{Kind: notify.CheckInReminderDue, VaultID: vaultID, UserID: v.OwnerID, At: now})
	case types.StatusTriggered:
		m.emit(ctx, notify.Event{Kind: notify.VaultTriggered, VaultID: vaultID, UserID: v.OwnerID, At: now, Detail: string(types.CauseClock)})
	}
	return v.Status, nil
}

// Trigger moves a vault to Triggered on behalf of the consensus engine.
// Already-triggered vaults are a no-op so sweep retries stay safe;
// cancelled vaults reject.
func (m *StateMachine) Trigger(ctx context.Context, vaultID string, cause types.TriggerCause, now time.Time) error {
	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if v.Status == types.StatusTriggered {
		return nil
	}
	if v.Status == types.StatusCancelled {
		return fmt.Errorf("vault %s is cancelled: %w", vaultID, ErrInvalidState)
	}

	t := now
	v.Status = types.StatusTriggered
	v.TriggeredAt = &t
	v.TriggerCause = cause
	v.UpdatedAt = now

	if err := m.store.UpdateVault(ctx, v); err != nil {
		return fmt.Errorf("persist trigger for vault %s: %w", vaultID, err)
	}

	m.logger.Info("vault triggered", "vaultID", vaultID, "cause", cause)
	m.emit(ctx, notify.Event{Kind: notify.VaultTriggered, VaultID: vaultID, UserID: v.OwnerID, At: now, Detail: string(cause)})
	return nil
}

// FlagForVerification moves an Active vault to Warning when the guardian
// approval threshold is reached. Guardian attestation alone never triggers a
// vault; it only flags it while the consensus engine gathers corroborating
// evidence. Vaults already past Active are left untouched.
func (m *StateMachine) FlagForVerification(ctx context.Context, vaultID string, now time.Time) error {
	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if v.Status != types.StatusActive {
		return nil
	}

	v.Status = types.StatusWarning
	v.UpdatedAt = now
	if err := m.store.UpdateVault(ctx, v); err != nil {
		return fmt.Errorf("persist verification flag for vault %s: %w", vaultID, err)
	}

	m.logger.Info("vault flagged for verification", "vaultID", vaultID)
	return nil
}

// Revoke returns a triggered vault to Active. Only the explicit revoke path
// moves status backwards, and only within RevokeWindow of triggering.
func (m *StateMachine) Revoke(ctx context.Context, vaultID, actor string, now time.Time) error {
	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if v.Status != types.StatusTriggered || v.TriggeredAt == nil {
		return fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, ErrInvalidState)
	}
	if now.Sub(*v.TriggeredAt) > RevokeWindow {
		return fmt.Errorf("vault %s triggered at %s: %w", vaultID, v.TriggeredAt.Format(time.RFC3339), ErrRevokeWindowExpired)
	}

	v.Status = types.StatusActive
	v.TriggeredAt = nil
	v.TriggerCause = types.CauseNone
	v.LastCheckInAt = now
	v.RecomputeDue()
	v.UpdatedAt = now

	if err := m.store.UpdateVault(ctx, v); err != nil {
		return fmt.Errorf("persist revoke for vault %s: %w", vaultID, err)
	}

	m.logger.Info("trigger revoked", "vaultID", vaultID, "actor", actor)
	return nil
}

// Cancel soft-deletes a vault by owner action. Valid only on the escalation
// path; triggered vaults must go through Revoke first.
func (m *StateMachine) Cancel(ctx context.Context, vaultID, actor string) error {
	v, err := m.store.GetVault(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", vaultID, err)
	}
	if !v.Status.Live() {
		return fmt.Errorf("vault %s is %s: %w", vaultID, v.Status, ErrInvalidState)
	}

	now := m.clk.Now()
	v.Status = types.StatusCancelled
	v.UpdatedAt = now

	if err := m.store.UpdateVault(ctx, v); err != nil {
		return fmt.Errorf("persist cancel for vault %s: %w", vaultID, err)
	}

	m.logger.Info("vault cancelled", "vaultID", vaultID, "actor", actor)
	return nil
}

func (m *StateMachine) emit(ctx context.Context, ev notify.Event) {
	if err := m.sink.Notify(ctx, ev); err != nil {
		m.logger.Warn("notification sink failed", "kind", ev.Kind, "vaultID", ev.VaultID, "error", err)
	}
}
