// Package scheduler decides when feed imports run and keeps them from overlapping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/badno/catalogsync/internal/metrics"
	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
)

// DefaultDebounce is the quiet period after a completed import
const DefaultDebounce = 300 * time.Second

var (
	ErrAlreadyRunning = state.ErrAlreadyRunning
	ErrLocked         = errors.New("import lock held by another process")
	ErrPanic          = errors.New("import panicked")
)

// Decision records what a scheduled trigger did
type Decision string

const (
	DecisionRan      Decision = "ran"
	DecisionDisabled Decision = "auto_import_disabled"
	DecisionRunning  Decision = "already_running"
	DecisionDebounce Decision = "debounced"
	DecisionLocked   Decision = "locked"
	DecisionNoUpdate Decision = "no_update"
	DecisionFailed   Decision = "failed"
)

// Kind selects the import a manual trigger runs
type Kind string

const (
	KindNext    Kind = "next"
	KindInitial Kind = "initial"
)

// Importer runs feed imports
type Importer interface {
	ImportNext(ctx context.Context) (*orchestrator.Result, error)
	ImportInitial(ctx context.Context) (*orchestrator.Result, error)
	SkipNext(ctx context.Context) (int, error)
}

// Guard wraps the importer with the run policy
type Guard struct {
	importer Importer
	store    state.Store
	locker   Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	debounce time.Duration
	lease    time.Duration
	now      func() time.Time
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithLocker adds a cross-process lock around every run
func WithLocker(l Locker) GuardOption {
	return func(g *Guard) { g.locker = l }
}

// WithDebounce overrides DefaultDebounce
func WithDebounce(d time.Duration) GuardOption {
	return func(g *Guard) { g.debounce = d }
}

// WithLease overrides state.DefaultLease. A running claim is refreshed every
// third of the lease and can be taken over once it has not been refreshed
// for a whole lease. Zero disables takeover.
func WithLease(d time.Duration) GuardOption {
	return func(g *Guard) { g.lease = d }
}

// WithMetrics counts decisions
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard
func NewGuard(importer Importer, store state.Store, logger *slog.Logger, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		importer: importer,
		store:    store,
		logger:   logger,
		debounce: DefaultDebounce,
		lease:    state.DefaultLease,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RunScheduled is the periodic trigger. It skips when auto import is
// disabled, an import is running or one finished within the debounce window.
// Otherwise it claims the run and imports the next file. The returned error
// is informational; the outcome is already reflected in the run state.
func (g *Guard) RunScheduled(ctx context.Context) (Decision, *orchestrator.Result, error) {
	d, res, err := g.runScheduled(ctx)
	g.metrics.Decision(string(d))
	return d, res, err
}

func (g *Guard) runScheduled(ctx context.Context) (Decision, *orchestrator.Result, error) {
	st, err := g.store.State(ctx)
	if err != nil {
		g.logger.Error("failed to read run state", "error", err)
		return DecisionFailed, nil, err
	}

	if st.PreventAutoImport {
		g.logger.Info("auto import disabled after reset, skipping scheduled run")
		return DecisionDisabled, nil, nil
	}
	if st.Status == models.StatusRunning {
		if !st.ClaimExpired(g.now(), g.lease) {
			g.logger.Info("import already running, skipping scheduled run")
			return DecisionRunning, nil, nil
		}
		g.logger.Warn("running claim is stale, taking it over", "claimed_at", st.ClaimedAt, "lease", g.lease)
	}
	if st.LastImportTime != nil {
		if since := g.now().Sub(*st.LastImportTime); since < g.debounce {
			g.logger.Info("recent import, skipping scheduled run", "seconds_ago", int(since.Seconds()))
			return DecisionDebounce, nil, nil
		}
	}

	res, err := g.claimAndRun(ctx, KindNext)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		g.logger.Info("import claimed concurrently, skipping scheduled run")
		return DecisionRunning, nil, nil
	case errors.Is(err, ErrLocked):
		g.logger.Info("import lock held elsewhere, skipping scheduled run")
		return DecisionLocked, nil, nil
	case errors.Is(err, orchestrator.ErrNoUpdateAvailable):
		g.logger.Info("no new feed file available")
		return DecisionNoUpdate, nil, nil
	case err != nil:
		g.logger.Error("scheduled import failed", "error", err)
		return DecisionFailed, res, err
	}

	g.logger.Info("scheduled import finished", "file", res.FileName, "status", res.Status,
		"imported", res.Imported, "updated", res.Updated, "failed", res.Failed)
	return DecisionRan, res, nil
}

// RunManual runs an on-demand import. The auto-import flag and debounce
// window do not apply, but the run is still claimed so imports never overlap.
// A claim left behind by a crashed process is taken over once its lease expired.
func (g *Guard) RunManual(ctx context.Context, kind Kind) (*orchestrator.Result, error) {
	if kind != KindNext && kind != KindInitial {
		return nil, fmt.Errorf("unknown import kind %q", kind)
	}
	return g.claimAndRun(ctx, kind)
}

// SkipNext claims the run and moves the run state past the next feed file
// without importing it. It returns the new last file number.
func (g *Guard) SkipNext(ctx context.Context) (int, error) {
	var n int
	err := g.withClaim(ctx, func(ctx context.Context) (err error) {
		n, err = g.importer.SkipNext(ctx)
		return err
	})
	return n, err
}

func (g *Guard) claimAndRun(ctx context.Context, kind Kind) (*orchestrator.Result, error) {
	var res *orchestrator.Result
	err := g.withClaim(ctx, func(ctx context.Context) (err error) {
		res, err = g.invoke(ctx, kind)
		return err
	})
	return res, err
}

// withClaim runs fn holding the optional lock and the run claim. Failures
// other than a missing next file leave the status at error.
func (g *Guard) withClaim(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.locker != nil {
		ok, err := g.locker.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLocked
		}
		defer func() {
			if err := g.locker.Release(context.WithoutCancel(ctx)); err != nil {
				g.logger.Warn("failed to release import lock", "error", err)
			}
		}()
	}

	if err := g.store.ClaimRun(ctx, g.lease); err != nil {
		return err
	}
	stop := g.heartbeat(ctx)
	err := fn(ctx)
	stop()
	if err != nil && !errors.Is(err, orchestrator.ErrNoUpdateAvailable) && !errors.Is(err, orchestrator.ErrInitialFileNotFound) {
		g.markError(ctx)
	}
	return err
}

// invoke runs the importer, turning a panic into an error
func (g *Guard) invoke(ctx context.Context, kind Kind) (res *orchestrator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("import panicked", "kind", kind, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if kind == KindInitial {
		return g.importer.ImportInitial(ctx)
	}
	return g.importer.ImportNext(ctx)
}

// heartbeat refreshes the claim until the returned func is called
func (g *Guard) heartbeat(ctx context.Context) (stop func()) {
	if g.lease <= 0 {
		return func() {}
	}
	ctx = context.WithoutCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(g.lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := g.store.Heartbeat(ctx); err != nil {
					g.logger.Warn("failed to refresh run claim", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (g *Guard) markError(ctx context.Context) {
	if err := g.store.SetStatus(context.WithoutCancel(ctx), models.StatusError); err != nil {
		g.logger.Error("failed to record error status", "error", err)
	}
}
