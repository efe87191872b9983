package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/vaultcore/pkg/types"
)

func TestStatusRankOrdering(t *testing.T) {
	order := []types.VaultStatus{
		types.StatusActive, types.StatusWarning, types.StatusCritical, types.StatusTriggered,
	}
	for i := 1; i < len(order); i++ {
		cur, ok := order[i].Rank()
		require.True(t, ok)
		prev, ok := order[i-1].Rank()
		require.True(t, ok)
		assert.Greater(t, cur, prev, "%s must outrank %s", order[i], order[i-1])
	}

	_, ok := types.StatusCancelled.Rank()
	assert.False(t, ok, "cancelled sits outside the escalation order")
}

func TestStatusLive(t *testing.T) {
	assert.True(t, types.StatusActive.Live())
	assert.True(t, types.StatusWarning.Live())
	assert.True(t, types.StatusCritical.Live())
	assert.False(t, types.StatusTriggered.Live())
	assert.False(t, types.StatusCancelled.Live())
}

func TestRecomputeDue(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v := types.Vault{CheckInIntervalDays: 90, LastCheckInAt: at}
	v.RecomputeDue()
	assert.Equal(t, at.Add(90*24*time.Hour), v.NextCheckInDue)
}

func TestParseSource(t *testing.T) {
	src, err := types.ParseSource("ssdi")
	require.NoError(t, err)
	assert.Equal(t, types.SourceSSDI, src)

	_, err = types.ParseSource("tarot")
	assert.Error(t, err)
}

func TestSourceWeights(t *testing.T) {
	w, ok := types.SourceDeathCertificate.Weight()
	require.True(t, ok)
	assert.Equal(t, 1.0, w)

	wObit, ok := types.SourceObituary.Weight()
	require.True(t, ok)
	assert.Less(t, wObit, w, "an obituary is weaker evidence than a certificate")

	_, ok = types.Source("tarot").Weight()
	assert.False(t, ok)
}

func TestDirectiveValidate(t *testing.T) {
	d := types.ReleaseDirective{
		ID:      "d1",
		VaultID: "v1",
		Beneficiaries: []types.BeneficiaryShare{
			{PartyID: "b1", ShareBasisPoints: 6000},
			{PartyID: "b2", ShareBasisPoints: 4000},
		},
	}
	require.NoError(t, d.Validate())

	d.Beneficiaries[0].ShareBasisPoints = 7000
	assert.Error(t, d.Validate(), "shares above 10000 basis points rejected")

	d.Beneficiaries = nil
	assert.Error(t, d.Validate())
}
