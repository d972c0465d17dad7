// Package reset erases everything imports created and disables the
// scheduled trigger until it is explicitly re-enabled.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
)

// Step is one independent cleanup action. Count is the number of items it removed.
type Step struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// StepResult is the outcome of a single step
type StepResult struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the step failure, if any
func (r StepResult) Err() error {
	return r.err
}

// Report aggregates every step outcome of one reset
type Report struct {
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Steps       []StepResult `json:"steps"`
}

// OK reports whether every step succeeded
func (r *Report) OK() bool {
	return r.Err() == nil
}

// Err joins the failures of all steps
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.err))
		}
	}
	return errors.Join(errs...)
}

func (r *Report) stepErr(name string) error {
	for _, s := range r.Steps {
		if s.Name == name {
			return s.err
		}
	}
	return nil
}

// Count returns the count reported by the named step
func (r *Report) Count(name string) int {
	for _, s := range r.Steps {
		if s.Name == name {
			return s.Count
		}
	}
	return 0
}

// Cache is something holding derived state that must be dropped after a reset
type Cache interface {
	Forget()
}

// Resetter runs the cleanup steps in order
type Resetter struct {
	steps   []Step
	store   state.Store
	flusher catalog.Flusher
	lease   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Resetter
type Option func(*Resetter)

// WithLease sets the lease used to claim the run, state.DefaultLease by default
func WithLease(d time.Duration) Option {
	return func(r *Resetter) { r.lease = d }
}

// Step names
const (
	StepProducts   = "products"
	StepCategories = "categories"
	StepAttributes = "attributes"
	StepBrands     = "brands"
	StepRunLog     = "run_log"
	StepRunState   = "run_state"
	StepCaches     = "caches"
)

// New builds the standard cleanup sequence. flusher may be nil.
// The reset claims the run like an import does and releases it by
// returning the status to idle.
func New(products catalog.Store, terms catalog.TermStore, runs state.RunLog, store state.Store, caches []Cache, flusher catalog.Flusher, logger *slog.Logger, opts ...Option) *Resetter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resetter{
		store:   store,
		flusher: flusher,
		lease:   state.DefaultLease,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.steps = []Step{
		{Name: StepProducts, Run: products.DeleteAll},
		{Name: StepCategories, Run: func(ctx context.Context) (int, error) {
			return terms.DeleteTaxonomy(ctx, models.TaxonomyCategory)
		}},
		{Name: StepAttributes, Run: terms.DeleteAttributeDefinitions},
		{Name: StepBrands, Run: func(ctx context.Context) (int, error) {
			return terms.DeleteTaxonomy(ctx, models.TaxonomyBrand)
		}},
		{Name: StepRunLog, Run: runs.Clear},
		{Name: StepRunState, Run: func(ctx context.Context) (int, error) {
			if err := store.ResetRunState(ctx); err != nil {
				return 0, err
			}
			return 1, store.DisableAutoImport(ctx, r.now())
		}},
		{Name: StepCaches, Run: func(ctx context.Context) (int, error) {
			for _, c := range caches {
				c.Forget()
			}
			if flusher != nil {
				if err := flusher.Flush(ctx); err != nil {
					return len(caches), err
				}
			}
			return len(caches), nil
		}},
	}
	return r
}

// NewWithSteps creates a resetter running custom steps
func NewWithSteps(steps []Step, logger *slog.Logger) *Resetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resetter{steps: steps, logger: logger, now: time.Now}
}

// Run executes every step even when earlier ones fail. It returns
// state.ErrAlreadyRunning without touching anything while an import holds the run.
func (r *Resetter) Run(ctx context.Context) (*Report, error) {
	if r.store != nil {
		if err := r.store.ClaimRun(ctx, r.lease); err != nil {
			r.logger.Warn("full reset refused", "error", err)
			return nil, err
		}
		if r.flusher != nil {
			if err := r.flusher.Refresh(ctx); err != nil {
				r.logger.Warn("failed to reload catalog before reset", "error", err)
			}
		}
	}

	report := &Report{StartedAt: r.now()}
	r.logger.Warn("full reset started")

	for _, step := range r.steps {
		res := r.runStep(ctx, step)
		if res.err != nil {
			r.logger.Error("reset step failed", "step", res.Name, "count", res.Count, "error", res.err)
		} else {
			r.logger.Info("reset step finished", "step", res.Name, "count", res.Count)
		}
		report.Steps = append(report.Steps, res)
	}

	if r.store != nil && report.stepErr(StepRunState) != nil {
		// the run state step normally releases the claim
		if err := r.store.SetStatus(context.WithoutCancel(ctx), models.StatusError); err != nil {
			r.logger.Error("failed to release run claim after reset", "error", err)
		}
	}

	report.CompletedAt = r.now()
	r.logger.Warn("full reset finished", "ok", report.OK())
	return report, nil
}

func (r *Resetter) runStep(ctx context.Context, step Step) (res StepResult) {
	res.Name = step.Name
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("panic: %v", p)
			res.Error = res.err.Error()
		}
	}()

	res.Count, res.err = step.Run(ctx)
	if res.err != nil {
		res.Error = res.err.Error()
	}
	return res
}
