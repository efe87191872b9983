package release_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/vaultcore/internal/storage/memory"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/release"
	"github.com/relves/vaultcore/pkg/secretshare"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeMirror scripts mirror submissions.
type fakeMirror struct {
	failures int
	calls    int
}

func (m *fakeMirror) SubmitRelease(_ context.Context, _ *types.ReleaseDirective) error {
	m.calls++
	if m.calls <= m.failures {
		return errors.New("rpc unavailable")
	}
	return nil
}

type fixture struct {
	store *memory.Store
	sink  *notify.Recorder
	vault *types.Vault
	heirs []*types.Party
}

func setupVault(t *testing.T, status types.VaultStatus) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	v := &types.Vault{
		ID:                  uuid.NewString(),
		OwnerID:             "owner-1",
		CheckInIntervalDays: 90,
		GracePeriodDays:     14,
		LastCheckInAt:       epoch,
		Status:              status,
		FragmentScheme:      "2-of-3",
		CreatedAt:           epoch,
		UpdatedAt:           epoch,
	}
	if status == types.StatusTriggered {
		at := epoch
		v.TriggeredAt = &at
		v.TriggerCause = types.CauseConsensus
	}
	v.RecomputeDue()
	require.NoError(t, store.CreateVault(ctx, v))

	var heirs []*types.Party
	for _, share := range []int{6000, 4000} {
		h := &types.Party{
			ID:               uuid.NewString(),
			VaultID:          v.ID,
			Role:             types.RoleBeneficiary,
			Contact:          uuid.NewString() + "@example.com",
			ShareBasisPoints: share,
			CreatedAt:        epoch,
		}
		require.NoError(t, store.CreateParty(ctx, h))
		heirs = append(heirs, h)
	}

	return &fixture{store: store, sink: &notify.Recorder{}, vault: v, heirs: heirs}
}

func newCoordinator(f *fixture, mirror release.Mirror) *release.Coordinator {
	return release.NewCoordinator(release.Config{}, f.store, mirror, f.sink, clock.NewFake(epoch))
}

func TestOnTriggered_RecordsDirectiveAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	coord := newCoordinator(f, nil)

	require.NoError(t, coord.OnTriggered(ctx, f.vault))

	d, err := f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)
	require.Len(t, d.Beneficiaries, 2)
	shares := []int{d.Beneficiaries[0].ShareBasisPoints, d.Beneficiaries[1].ShareBasisPoints}
	assert.ElementsMatch(t, []int{6000, 4000}, shares)
	assert.False(t, d.Delivered)

	assert.Equal(t, 2, f.sink.Count(notify.BeneficiaryReleaseReady))
}

func TestOnTriggered_IdempotentPerVault(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	coord := newCoordinator(f, nil)

	require.NoError(t, coord.OnTriggered(ctx, f.vault))
	first, err := f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)

	require.NoError(t, coord.OnTriggered(ctx, f.vault))
	second, err := f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, f.sink.Count(notify.BeneficiaryReleaseReady), "repeat trigger must not re-notify")
}

func TestOnTriggered_RejectsUntriggeredVault(t *testing.T) {
	f := setupVault(t, types.StatusActive)
	coord := newCoordinator(f, nil)

	err := coord.OnTriggered(context.Background(), f.vault)
	assert.ErrorIs(t, err, vault.ErrInvalidState)
}

func TestOnTriggered_RequiresBeneficiaries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := &types.Vault{
		ID:                  uuid.NewString(),
		OwnerID:             "owner-1",
		CheckInIntervalDays: 90,
		GracePeriodDays:     14,
		LastCheckInAt:       epoch,
		Status:              types.StatusTriggered,
		FragmentScheme:      "2-of-3",
		CreatedAt:           epoch,
		UpdatedAt:           epoch,
	}
	require.NoError(t, store.CreateVault(ctx, v))

	coord := release.NewCoordinator(release.Config{}, store, nil, &notify.Recorder{}, clock.NewFake(epoch))
	assert.Error(t, coord.OnTriggered(ctx, v))
}

func TestOnTriggered_SubmitsToMirror(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	mirror := &fakeMirror{}
	coord := newCoordinator(f, mirror)

	require.NoError(t, coord.OnTriggered(ctx, f.vault))
	assert.Equal(t, 1, mirror.calls)

	d, err := f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.NotNil(t, d.DeliveredAt)
}

func TestDrainOutbox_RetriesUntilDelivered(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	// First three calls fail: the initial best-effort submission exhausts its
	// in-process retries and the directive stays queued.
	mirror := &fakeMirror{failures: 3}
	coord := newCoordinator(f, mirror)

	require.NoError(t, coord.OnTriggered(ctx, f.vault))

	d, err := f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)
	assert.False(t, d.Delivered)
	assert.Equal(t, 1, d.Attempts)
	assert.Contains(t, d.LastError, "rpc unavailable")

	// Next sweep drains the outbox and succeeds.
	require.NoError(t, coord.DrainOutbox(ctx))

	d, err = f.store.GetDirectiveByVault(ctx, f.vault.ID)
	require.NoError(t, err)
	assert.True(t, d.Delivered)

	// A drained outbox is a no-op.
	calls := mirror.calls
	require.NoError(t, coord.DrainOutbox(ctx))
	assert.Equal(t, calls, mirror.calls)
}

func TestDrainOutbox_NilMirror(t *testing.T) {
	f := setupVault(t, types.StatusTriggered)
	coord := newCoordinator(f, nil)
	require.NoError(t, coord.DrainOutbox(context.Background()))
}

func sealFragments(t *testing.T, f *fixture, secret []byte) (guardianIDs []string, keys map[string][]byte) {
	t.Helper()
	ctx := context.Background()

	frags, err := secretshare.NewScheme().Split(secret)
	require.NoError(t, err)

	keys = make(map[string][]byte)
	var stored []*types.SecretFragment
	for _, frag := range frags {
		g := &types.Party{
			ID:        uuid.NewString(),
			VaultID:   f.vault.ID,
			Role:      types.RoleGuardian,
			Contact:   uuid.NewString() + "@example.com",
			CreatedAt: epoch,
		}
		require.NoError(t, f.store.CreateParty(ctx, g))
		guardianIDs = append(guardianIDs, g.ID)

		key := []byte(uuid.NewString())
		keys[g.ID] = key

		sf, err := secretshare.EncryptFragment(frag, f.vault.ID, g.ID, key)
		require.NoError(t, err)
		stored = append(stored, sf)
	}
	require.NoError(t, f.store.PutFragments(ctx, f.vault.ID, stored))
	return guardianIDs, keys
}

func TestReconstructSecret_TwoGuardiansSuffice(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	secret := []byte("estate master key 0123456789abcdef")
	ids, keys := sealFragments(t, f, secret)
	coord := newCoordinator(f, nil)

	got, err := coord.ReconstructSecret(ctx, f.vault.ID, map[string][]byte{
		ids[0]: keys[ids[0]],
		ids[2]: keys[ids[2]],
	})
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestReconstructSecret_OneGuardianInsufficient(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	ids, keys := sealFragments(t, f, []byte("estate master key"))
	coord := newCoordinator(f, nil)

	_, err := coord.ReconstructSecret(ctx, f.vault.ID, map[string][]byte{
		ids[0]: keys[ids[0]],
	})
	assert.ErrorIs(t, err, secretshare.ErrInsufficientFragments)
}

func TestReconstructSecret_WrongKeyDoesNotCount(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusTriggered)
	ids, keys := sealFragments(t, f, []byte("estate master key"))
	coord := newCoordinator(f, nil)

	_, err := coord.ReconstructSecret(ctx, f.vault.ID, map[string][]byte{
		ids[0]: keys[ids[0]],
		ids[1]: []byte("not the right key material"),
	})
	assert.ErrorIs(t, err, secretshare.ErrInsufficientFragments)
}

func TestReconstructSecret_RequiresTriggeredVault(t *testing.T) {
	ctx := context.Background()
	f := setupVault(t, types.StatusActive)
	ids, keys := sealFragments(t, f, []byte("estate master key"))
	coord := newCoordinator(f, nil)

	_, err := coord.ReconstructSecret(ctx, f.vault.ID, map[string][]byte{
		ids[0]: keys[ids[0]],
		ids[1]: keys[ids[1]],
	})
	assert.ErrorIs(t, err, vault.ErrInvalidState)
}
