package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/consensus"
	"github.com/relves/vaultcore/pkg/evidence"
	"github.com/relves/vaultcore/pkg/release"
	"github.com/relves/vaultcore/pkg/types"
	"github.com/relves/vaultcore/pkg/vault"
)

// SubjectResolver maps a user ID to the identity details evidence sources
// are queried with. The profile store is a collaborator concern.
type SubjectResolver interface {
	Resolve(ctx context.Context, userID string) (evidence.QueryRequest, error)
}

// idResolver queries sources with the bare user ID when no profile
// collaborator is wired.
type idResolver struct{}

func (idResolver) Resolve(_ context.Context, userID string) (evidence.QueryRequest, error) {
	return evidence.QueryRequest{UserID: userID}, nil
}

// Config tunes the scheduler.
type Config struct {
	// Interval between sweeps. Default: 5m.
	Interval time.Duration

	// Workers bounds concurrent per-aggregate work, capping outbound calls
	// to evidence sources. Default: 8.
	Workers int

	// Resolver supplies query identities; defaults to the bare user ID.
	Resolver SubjectResolver

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Resolver == nil {
		c.Resolver = idResolver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler is the timer-driven loop that advances every vault's clock,
// re-checks consensus for every user with unresolved evidence, and drains
// the release outbox. It is pure core: no HTTP surface is involved, and it
// can be driven directly in tests via RunOnce.
type Scheduler struct {
	cfg       Config
	backend   storage.Backend
	vaults    *vault.StateMachine
	collector *evidence.Collector
	engine    *consensus.Engine
	releases  *release.Coordinator
	clk       clock.Clock
	pool      *workerpool.WorkerPool
	locks     keyedLocks

	mu      sync.Mutex
	running bool
}

// NewScheduler wires the sweep over the core services.
func NewScheduler(cfg Config, backend storage.Backend, vaults *vault.StateMachine,
	collector *evidence.Collector, engine *consensus.Engine, releases *release.Coordinator,
	clk clock.Clock) *Scheduler {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		cfg:       cfg,
		backend:   backend,
		vaults:    vaults,
		collector: collector,
		engine:    engine,
		releases:  releases,
		clk:       clk,
		pool:      workerpool.New(cfg.Workers),
		locks:     keyedLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// Run sweeps on every tick until ctx is cancelled. A sweep that outlives its
// scheduling window is left to finish and the overlapping tick is skipped;
// transitions are idempotent, so the next sweep re-evaluates safely.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.pool.StopWait()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.cfg.Logger.Warn("previous sweep still running, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.RunOnce(ctx); err != nil {
		s.cfg.Logger.Error("sweep failed", "error", err)
	}
}

// RunOnce performs one full sweep. Failures local to one vault or user are
// persisted as that aggregate's last error and never abort the rest.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clk.Now()
	started := time.Now()

	vaults, err := s.backend.ListLiveVaults(ctx)
	if err != nil {
		return err
	}

	// Triggered vaults leave the live set, so a handoff that failed after the
	// trigger transition is picked up here and retried until the directive
	// exists.
	stranded, err := s.backend.ListTriggeredVaultsWithoutDirective(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, v := range vaults {
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			s.sweepVault(ctx, v, now)
		})
	}
	for _, v := range stranded {
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			s.retryRelease(ctx, v)
		})
	}

	users, err := s.backend.ListUnresolvedUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		wg.Add(1)
		s.pool.Submit(func() {
			defer wg.Done()
			s.sweepUser(ctx, userID)
		})
	}

	wg.Wait()

	if err := s.releases.DrainOutbox(ctx); err != nil {
		s.cfg.Logger.Warn("outbox drain failed", "error", err)
	}

	s.cfg.Logger.Info("sweep complete",
		"vaults", len(vaults), "stranded", len(stranded), "users", len(users), "elapsed", time.Since(started))
	return nil
}

// retryRelease re-hands a triggered vault with no directive to the release
// coordinator under the vault's lock.
func (s *Scheduler) retryRelease(ctx context.Context, v *types.Vault) {
	unlock := s.locks.lock("vault/" + v.ID)
	defer unlock()

	if err := s.releases.OnTriggered(ctx, v); err != nil {
		s.recordError(ctx, "vault", v.ID, err)
	}
}

// sweepVault advances one vault's dead-man's-switch clock under the vault's
// lock, handing newly triggered vaults to the release coordinator.
func (s *Scheduler) sweepVault(ctx context.Context, v *types.Vault, now time.Time) {
	unlock := s.locks.lock("vault/" + v.ID)
	defer unlock()

	status, err := s.vaults.AdvanceClock(ctx, v.ID, now)
	if err != nil {
		s.recordError(ctx, "vault", v.ID, err)
		return
	}
	if status != types.StatusTriggered {
		return
	}

	triggered, err := s.backend.GetVault(ctx, v.ID)
	if err != nil {
		s.recordError(ctx, "vault", v.ID, err)
		return
	}
	if err := s.releases.OnTriggered(ctx, triggered); err != nil {
		s.recordError(ctx, "vault", v.ID, err)
	}
}

// sweepUser polls evidence sources and re-checks consensus for one user
// under the user's lock.
func (s *Scheduler) sweepUser(ctx context.Context, userID string) {
	unlock := s.locks.lock("user/" + userID)
	defer unlock()

	req, err := s.cfg.Resolver.Resolve(ctx, userID)
	if err != nil {
		s.recordError(ctx, "user", userID, err)
		return
	}

	if _, err := s.collector.Poll(ctx, req); err != nil {
		// Per-source failures are handled inside Poll; this is a store-level
		// failure worth surfacing.
		s.recordError(ctx, "user", userID, err)
	}

	decision, err := s.engine.CheckConsensus(ctx, userID)
	if err != nil {
		s.recordError(ctx, "user", userID, err)
		return
	}
	if !decision.Verified {
		s.cfg.Logger.Debug("consensus not reached",
			"userID", userID, "confidence", decision.Confidence, "sources", len(decision.Sources), "reason", decision.Reason)
	}
}

func (s *Scheduler) recordError(ctx context.Context, kind, id string, err error) {
	s.cfg.Logger.Warn("sweep iteration failed", "kind", kind, "id", id, "error", err)
	if persistErr := s.backend.SetLastError(ctx, kind, id, err.Error()); persistErr != nil {
		s.cfg.Logger.Warn("failed to persist last error", "kind", kind, "id", id, "error", persistErr)
	}
}

// keyedLocks serializes all mutations for a single aggregate: two sweeps can
// never race a state transition on the same vault or user.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
