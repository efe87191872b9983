package vault_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/vaultcore/internal/storage/memory"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newVault(t *testing.T, store *memory.Store, intervalDays, graceDays int) *types.Vault {
	t.Helper()
	v := &types.Vault{
		ID:                  uuid.NewString(),
		OwnerID:             "owner-1",
		CheckInIntervalDays: intervalDays,
		GracePeriodDays:     graceDays,
		LastCheckInAt:       epoch,
		Status:              types.StatusActive,
		FragmentScheme:      "2-of-3",
		CreatedAt:           epoch,
		UpdatedAt:           epoch,
	}
	v.RecomputeDue()
	require.NoError(t, store.CreateVault(context.Background(), v))
	return v
}

func TestCheckIn_ResetsToActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(epoch)
	sm := vault.New(store, clk, &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)

	// Escalate to Warning first.
	clk.Advance(91 * 24 * time.Hour)
	status, err := sm.AdvanceClock(ctx, v.ID, clk.Now())
	require.NoError(t, err)
	require.Equal(t, types.StatusWarning, status)

	require.NoError(t, sm.CheckIn(ctx, v.ID, "sig"))

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, clk.Now(), got.LastCheckInAt)
	assert.Equal(t, clk.Now().Add(90*24*time.Hour), got.NextCheckInDue)
}

func TestCheckIn_RejectedWhenTriggered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewFake(epoch)
	sm := vault.New(store, clk, &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	require.NoError(t, sm.Trigger(ctx, v.ID, types.CauseConsensus, clk.Now()))

	err := sm.CheckIn(ctx, v.ID, "sig")
	assert.ErrorIs(t, err, vault.ErrInvalidState)
}

func TestCheckIn_RejectedWhenCancelled(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	require.NoError(t, sm.Cancel(ctx, v.ID, "owner-1"))

	err := sm.CheckIn(ctx, v.ID, "sig")
	assert.ErrorIs(t, err, vault.ErrInvalidState)
}

func TestAdvanceClock_EscalationLadder(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	due := v.NextCheckInDue

	// Before the deadline nothing moves.
	status, err := sm.AdvanceClock(ctx, v.ID, due.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, status)

	// Past the deadline: Warning.
	status, err = sm.AdvanceClock(ctx, v.ID, due.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWarning, status)

	// Past half the grace period: Critical.
	status, err = sm.AdvanceClock(ctx, v.ID, due.Add(7*24*time.Hour+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCritical, status)

	// Past the full grace period: Triggered.
	status, err = sm.AdvanceClock(ctx, v.ID, due.Add(14*24*time.Hour+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusTriggered, status)

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TriggeredAt)
	assert.Equal(t, types.CauseClock, got.TriggerCause)
}

func TestAdvanceClock_DeadMansSwitchSingleCall(t *testing.T) {
	// A vault with a 90-day interval and 14-day grace period, untouched for
	// 104+ days, reaches Triggered from one call with no guardian or
	// evidence input.
	ctx := context.Background()
	store := memory.New()
	recorder := &notify.Recorder{}
	sm := vault.New(store, clock.NewFake(epoch), recorder, nil)

	v := newVault(t, store, 90, 14)

	status, err := sm.AdvanceClock(ctx, v.ID, epoch.Add(105*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusTriggered, status)
	assert.Equal(t, 1, recorder.Count(notify.VaultTriggered))
}

func TestAdvanceClock_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	now := v.NextCheckInDue.Add(time.Hour)

	status, err := sm.AdvanceClock(ctx, v.ID, now)
	require.NoError(t, err)
	require.Equal(t, types.StatusWarning, status)

	// Same time again: no further movement.
	status, err = sm.AdvanceClock(ctx, v.ID, now)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWarning, status)

	// Triggered and cancelled vaults are skipped without error.
	require.NoError(t, sm.Cancel(ctx, v.ID, "owner-1"))
	status, err = sm.AdvanceClock(ctx, v.ID, now.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, status)
}

func TestTrigger_IdempotentAndKeepsFirstCause(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	recorder := &notify.Recorder{}
	sm := vault.New(store, clock.NewFake(epoch), recorder, nil)

	v := newVault(t, store, 90, 14)

	require.NoError(t, sm.Trigger(ctx, v.ID, types.CauseConsensus, epoch))
	require.NoError(t, sm.Trigger(ctx, v.ID, types.CauseClock, epoch.Add(time.Hour)))

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CauseConsensus, got.TriggerCause)
	assert.Equal(t, epoch, *got.TriggeredAt)
	assert.Equal(t, 1, recorder.Count(notify.VaultTriggered))
}

func TestRevoke_WithinWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	require.NoError(t, sm.Trigger(ctx, v.ID, types.CauseClock, epoch))

	// Six days in: revoke succeeds and the check-in clock resets.
	revokeAt := epoch.Add(6 * 24 * time.Hour)
	require.NoError(t, sm.Revoke(ctx, v.ID, "owner-1", revokeAt))

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Nil(t, got.TriggeredAt)
	assert.Equal(t, revokeAt, got.LastCheckInAt)
}

func TestRevoke_WindowExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	require.NoError(t, sm.Trigger(ctx, v.ID, types.CauseClock, epoch))

	err := sm.Revoke(ctx, v.ID, "owner-1", epoch.Add(8*24*time.Hour))
	assert.ErrorIs(t, err, vault.ErrRevokeWindowExpired)

	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTriggered, got.Status)
}

func TestRevoke_OnlyFromTriggered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)

	err := sm.Revoke(ctx, v.ID, "owner-1", epoch)
	assert.ErrorIs(t, err, vault.ErrInvalidState)
}

func TestFlagForVerification_OnlyMovesActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)

	require.NoError(t, sm.FlagForVerification(ctx, v.ID, epoch))
	got, err := store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWarning, got.Status)

	// Flagging never escalates beyond Warning.
	require.NoError(t, sm.FlagForVerification(ctx, v.ID, epoch))
	got, err = store.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWarning, got.Status)
}

func TestStatusMonotonicity(t *testing.T) {
	// Statuses observed over an escalation never decrease in rank outside
	// the explicit revoke path.
	ctx := context.Background()
	store := memory.New()
	sm := vault.New(store, clock.NewFake(epoch), &notify.Recorder{}, nil)

	v := newVault(t, store, 90, 14)
	due := v.NextCheckInDue

	observed := []types.VaultStatus{types.StatusActive}
	for _, offset := range []time.Duration{
		-time.Hour,
		time.Hour,
		3 * 24 * time.Hour,
		8 * 24 * time.Hour,
		15 * 24 * time.Hour,
		20 * 24 * time.Hour,
	} {
		status, err := sm.AdvanceClock(ctx, v.ID, due.Add(offset))
		require.NoError(t, err)
		observed = append(observed, status)
	}

	prev := -1
	for _, s := range observed {
		rank, ok := s.Rank()
		require.True(t, ok)
		assert.GreaterOrEqual(t, rank, prev)
		prev = rank
	}
}
