package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/types"
)

// ErrSourceUnavailable marks a transport or auth failure against an external
// verification source. It is recoverable: the source is retried with backoff
// on later sweeps, and its absence is never treated as "not found = alive".
var ErrSourceUnavailable = errors.New("evidence source unavailable")

// QueryRequest identifies the person a source is asked about.
type QueryRequest struct {
	UserID      string
	FullName    string
	DateOfBirth time.Time
}

// QueryResult is one source's answer. Found=false with err=nil means the
// source responded and had no record; that is not evidence of life, just an
// absence of evidence of death.
type QueryResult struct {
	Found             bool
	Confidence        float64
	CertificateNumber string
	DeathDate         *time.Time
	Location          string
}

// SourceClient queries one external verification source. Implementations
// live with the transport collaborators; the core only sees this contract.
type SourceClient interface {
	Source() types.Source
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// Config tunes the collector.
type Config struct {
	// SourceTimeout bounds a single query to one source.
	// Default: 10s.
	SourceTimeout time.Duration

	// MaxAttempts is the number of tries per source within one poll.
	// Default: 3.
	MaxAttempts uint

	// FailureBudget is the number of consecutive failed sweeps for one
	// source before the user is flagged for manual review.
	// Default: 5.
	FailureBudget int

	// RetryBase is the first cross-sweep retry delay for a failing source;
	// it doubles per consecutive failure up to RetryCap.
	// Defaults: 1m base, 1h cap.
	RetryBase time.Duration
	RetryCap  time.Duration

	// MaxConcurrent bounds how many sources are queried at once.
	// Default: 4.
	MaxConcurrent int

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.FailureBudget <= 0 {
		c.FailureBudget = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Collector normalizes heterogeneous source responses into typed, weighted
// DeathVerificationEvents.
type Collector struct {
	cfg   Config
	store storage.EvidenceStore
	clk   clock.Clock

	mu      sync.RWMutex
	clients map[types.Source]SourceClient
}

// NewCollector creates a collector. Source clients are registered afterwards
// with Register.
func NewCollector(store storage.EvidenceStore, clk clock.Clock, cfg Config) *Collector {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	return &Collector{
		cfg:     cfg,
		store:   store,
		clk:     clk,
		clients: make(map[types.Source]SourceClient),
	}
}

// Register adds a source client. The source must be a member of the closed
// source set; one client per source.
func (c *Collector) Register(client SourceClient) error {
	src := client.Source()
	if !src.Valid() {
		return fmt.Errorf("unknown evidence source %q", src)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.clients[src]; exists {
		return fmt.Errorf("source %s already registered", src)
	}
	c.clients[src] = client
	return nil
}

// Poll queries every registered source for the given user and persists one
// pending event per positive answer. Failures are per-source: a failing or
// timed-out source is recorded as unavailable and skipped until its backoff
// elapses, and the rest of the batch proceeds.
func (c *Collector) Poll(ctx context.Context, req QueryRequest) ([]*types.DeathVerificationEvent, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	c.mu.RLock()
	clients := make([]SourceClient, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.RUnlock()

	now := c.clk.Now()

	var (
		resMu  sync.Mutex
		events []*types.DeathVerificationEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)

	for _, client := range clients {
		g.Go(func() error {
			src := client.Source()

			if c.inBackoff(gctx, req.UserID, src, now) {
				return nil
			}

			result, err := c.queryWithRetry(gctx, client, req)
			if err != nil {
				c.recordFailure(gctx, req.UserID, src, now, err)
				return nil
			}
			c.recordSuccess(gctx, req.UserID, src, now)

			if !result.Found {
				return nil
			}

			ev := &types.DeathVerificationEvent{
				ID:                uuid.NewString(),
				UserID:            req.UserID,
				Source:            src,
				Confidence:        result.Confidence,
				Status:            types.EvidencePending,
				ReportedDeathDate: result.DeathDate,
				ReportedLocation:  result.Location,
				CertificateNumber: result.CertificateNumber,
				CreatedAt:         now,
			}
			if err := ev.Validate(); err != nil {
				c.cfg.Logger.Warn("source returned invalid event", "source", src, "error", err)
				return nil
			}
			if err := c.store.CreateEvent(gctx, ev); err != nil {
				return fmt.Errorf("persist event from %s: %w", src, err)
			}

			resMu.Lock()
			events = append(events, ev)
			resMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return events, err
	}
	return events, nil
}

// Submit records a push-based evidence item, e.g. an uploaded certificate.
func (c *Collector) Submit(ctx context.Context, ev *types.DeathVerificationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = types.EvidencePending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.clk.Now()
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := c.store.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("persist submitted event: %w", err)
	}
	c.cfg.Logger.Info("evidence submitted", "userID", ev.UserID, "source", ev.Source, "confidence", ev.Confidence)
	return nil
}

// queryWithRetry runs one source query under the per-source timeout,
// retrying transient failures a bounded number of times.
func (c *Collector) queryWithRetry(ctx context.Context, client SourceClient, req QueryRequest) (QueryResult, error) {
	operation := func() (QueryResult, error) {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
		defer cancel()
		res, err := client.Query(qctx, req)
		if err != nil {
			return QueryResult{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, client.Source(), err)
		}
		return res, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.cfg.MaxAttempts))
}

// inBackoff reports whether a previously failing source is still inside its
// cross-sweep retry delay.
func (c *Collector) inBackoff(ctx context.Context, userID string, src types.Source, now time.Time) bool {
	sh, err := c.store.GetSourceHealth(ctx, userID, src)
	if err != nil {
		return false
	}
	return sh.ConsecutiveFailures > 0 && now.Before(sh.NextAttemptAt)
}

func (c *Collector) recordSuccess(ctx context.Context, userID string, src types.Source, now time.Time) {
	sh, err := c.store.GetSourceHealth(ctx, userID, src)
	if err != nil || sh.ConsecutiveFailures == 0 {
		return
	}
	sh.ConsecutiveFailures = 0
	sh.LastError = ""
	sh.NextAttemptAt = now
	sh.UpdatedAt = now
	if err := c.store.SetSourceHealth(ctx, sh); err != nil {
		c.cfg.Logger.Warn("failed to reset source health", "source", src, "error", err)
	}
}

// recordFailure bumps the source's consecutive-failure count, schedules the
// next attempt with exponential delay, and flags the user for manual review
// once the failure budget is exhausted.
func (c *Collector) recordFailure(ctx context.Context, userID string, src types.Source, now time.Time, cause error) {
	failures := 1
	if sh, err := c.store.GetSourceHealth(ctx, userID, src); err == nil {
		failures = sh.ConsecutiveFailures + 1
	}

	delay := c.cfg.RetryBase << (failures - 1)
	if delay > c.cfg.RetryCap || delay <= 0 {
		delay = c.cfg.RetryCap
	}

	sh := &types.SourceHealth{
		UserID:              userID,
		Source:              src,
		ConsecutiveFailures: failures,
		LastError:           cause.Error(),
		NextAttemptAt:       now.Add(delay),
		UpdatedAt:           now,
	}
	if err := c.store.SetSourceHealth(ctx, sh); err != nil {
		c.cfg.Logger.Warn("failed to record source health", "source", src, "error", err)
	}

	c.cfg.Logger.Warn("evidence source unavailable",
		"userID", userID, "source", src, "failures", failures, "nextAttempt", sh.NextAttemptAt, "error", cause)

	if failures < c.cfg.FailureBudget {
		return
	}

	uv, err := c.store.GetUserVerification(ctx, userID)
	if err != nil {
		uv = &types.UserVerification{UserID: userID}
	}
	if uv.ManualReview {
		return
	}
	uv.ManualReview = true
	uv.UpdatedAt = now
	if err := c.store.SetUserVerification(ctx, uv); err != nil {
		c.cfg.Logger.Warn("failed to flag manual review", "userID", userID, "error", err)
		return
	}
	c.cfg.Logger.Warn("user flagged for manual review", "userID", userID, "source", src, "failures", failures)
}
