package evidence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/vaultcore/internal/storage/memory"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/evidence"
	"github.com/relves/vaultcore/pkg/types"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedClient answers queries from a fixed script.
type scriptedClient struct {
	source types.Source
	result evidence.QueryResult
	err    error
	calls  int
}

func (c *scriptedClient) Source() types.Source { return c.source }

func (c *scriptedClient) Query(_ context.Context, _ evidence.QueryRequest) (evidence.QueryResult, error) {
	c.calls++
	return c.result, c.err
}

func newCollector(t *testing.T, clk clock.Clock, clients ...*scriptedClient) (*evidence.Collector, *memory.Store) {
	t.Helper()
	store := memory.New()
	col := evidence.NewCollector(store, clk, evidence.Config{MaxAttempts: 1})
	for _, c := range clients {
		require.NoError(t, col.Register(c))
	}
	return col, store
}

func TestRegister_RejectsUnknownSource(t *testing.T) {
	col, _ := newCollector(t, clock.NewFake(epoch))
	err := col.Register(&scriptedClient{source: types.Source("ouija_board")})
	assert.Error(t, err)
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	col, _ := newCollector(t, clock.NewFake(epoch),
		&scriptedClient{source: types.SourceObituary})
	err := col.Register(&scriptedClient{source: types.SourceObituary})
	assert.Error(t, err)
}

func TestPoll_PersistsPendingEvents(t *testing.T) {
	ctx := context.Background()
	deathDate := epoch.AddDate(0, -1, 0)
	cert := &scriptedClient{
		source: types.SourceDeathCertificate,
		result: evidence.QueryResult{
			Found:             true,
			Confidence:        1.0,
			CertificateNumber: "DC-2024-0042",
			DeathDate:         &deathDate,
		},
	}
	obit := &scriptedClient{
		source: types.SourceObituary,
		result: evidence.QueryResult{Found: false},
	}
	col, store := newCollector(t, clock.NewFake(epoch), cert, obit)

	events, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1", FullName: "Ada Byron"})
	require.NoError(t, err)
	require.Len(t, events, 1, "only positive answers become events")

	ev := events[0]
	assert.Equal(t, types.SourceDeathCertificate, ev.Source)
	assert.Equal(t, types.EvidencePending, ev.Status)
	assert.Equal(t, "DC-2024-0042", ev.CertificateNumber)
	assert.Equal(t, epoch, ev.CreatedAt)

	stored, err := store.ListEventsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, 1, obit.calls, "a no-record answer still counts as a query")
}

func TestPoll_RequiresUserID(t *testing.T) {
	col, _ := newCollector(t, clock.NewFake(epoch))
	_, err := col.Poll(context.Background(), evidence.QueryRequest{})
	assert.Error(t, err)
}

func TestPoll_FailureIsNotNegativeEvidence(t *testing.T) {
	ctx := context.Background()
	down := &scriptedClient{
		source: types.SourceSSDI,
		err:    errors.New("connection refused"),
	}
	up := &scriptedClient{
		source: types.SourceInsuranceClaim,
		result: evidence.QueryResult{Found: true, Confidence: 0.9},
	}
	col, store := newCollector(t, clock.NewFake(epoch), down, up)

	events, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err, "one source failing must not fail the batch")
	require.Len(t, events, 1)
	assert.Equal(t, types.SourceInsuranceClaim, events[0].Source)

	// The outage became source-health state, not an evidence event.
	sh, err := store.GetSourceHealth(ctx, "user-1", types.SourceSSDI)
	require.NoError(t, err)
	assert.Equal(t, 1, sh.ConsecutiveFailures)
	assert.Contains(t, sh.LastError, "connection refused")
	assert.Equal(t, epoch.Add(time.Minute), sh.NextAttemptAt)
}

func TestPoll_SkipsSourceInBackoff(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	down := &scriptedClient{source: types.SourceSSDI, err: errors.New("boom")}
	col, _ := newCollector(t, clk, down)

	_, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, down.calls)

	// 30s later the 1m retry delay has not elapsed: the source is skipped.
	clk.Advance(30 * time.Second)
	_, err = col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, down.calls)

	// Past the delay it is queried again, and the delay doubles.
	clk.Advance(31 * time.Second)
	_, err = col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, down.calls)
}

func TestPoll_RecoveryResetsHealth(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	flaky := &scriptedClient{source: types.SourceHospitalRecord, err: errors.New("boom")}
	col, store := newCollector(t, clk, flaky)

	_, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)

	flaky.err = nil
	flaky.result = evidence.QueryResult{Found: false}
	clk.Advance(2 * time.Minute)

	_, err = col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)

	sh, err := store.GetSourceHealth(ctx, "user-1", types.SourceHospitalRecord)
	require.NoError(t, err)
	assert.Equal(t, 0, sh.ConsecutiveFailures)
	assert.Empty(t, sh.LastError)
}

func TestPoll_FailureBudgetFlagsManualReview(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	down := &scriptedClient{source: types.SourceFuneralHome, err: errors.New("boom")}
	store := memory.New()
	col := evidence.NewCollector(store, clk, evidence.Config{MaxAttempts: 1, FailureBudget: 3})
	require.NoError(t, col.Register(down))

	for i := 0; i < 3; i++ {
		_, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
		require.NoError(t, err)
		clk.Advance(2 * time.Hour)
	}

	uv, err := store.GetUserVerification(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, uv.ManualReview)
	assert.False(t, uv.Confirmed, "manual review is not a death verdict")
}

func TestPoll_RetriesTransientFailureWithinSweep(t *testing.T) {
	ctx := context.Background()
	down := &scriptedClient{source: types.SourceSSDI, err: errors.New("boom")}
	store := memory.New()
	col := evidence.NewCollector(store, clock.NewFake(epoch), evidence.Config{MaxAttempts: 3})
	require.NoError(t, col.Register(down))

	_, err := col.Poll(ctx, evidence.QueryRequest{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, down.calls)
}

func TestSubmit_FillsDefaultsAndValidates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	col := evidence.NewCollector(store, clock.NewFake(epoch), evidence.Config{})

	ev := &types.DeathVerificationEvent{
		UserID:     "user-1",
		Source:     types.SourceDeathCertificate,
		Confidence: 1.0,
	}
	require.NoError(t, col.Submit(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, types.EvidencePending, ev.Status)
	assert.Equal(t, epoch, ev.CreatedAt)

	stored, err := store.ListEventsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestSubmit_RejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	col, _ := newCollector(t, clock.NewFake(epoch))

	err := col.Submit(ctx, &types.DeathVerificationEvent{
		UserID:     "user-1",
		Source:     types.Source("rumor"),
		Confidence: 0.5,
	})
	assert.Error(t, err)

	err = col.Submit(ctx, &types.DeathVerificationEvent{
		UserID:     "user-1",
		Source:     types.SourceObituary,
		Confidence: 1.5,
	})
	assert.Error(t, err)
}
