package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// defaultPollInterval is the watch cadence when none is configured.
const defaultPollInterval = time.Hour

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Catalog  Catalog    // satisfied by *calibre.Client
	Cloud    Cloud      // satisfied by *tolino.Session
	Store    StateStore // satisfied by state.Store
	Executor ExecutorConfig
	Safety   *SafetyConfig // nil uses DefaultSafetyConfig
	Logger   *slog.Logger
}

// RunOpts holds per-run options for RunOnce.
type RunOpts struct {
	DryRun    bool
	Force     bool // skip big-delete protection
	Deletions bool // delete cloud copies of books removed from the library
}

// Engine runs sync cycles: load state, log in, fetch both catalogs, plan,
// execute, save, log out.
type Engine struct {
	catalog Catalog
	cloud   Cloud
	store   StateStore
	execCfg ExecutorConfig
	safety  *SafetyConfig
	planner *Planner
	logger  *slog.Logger

	// newExecutor is swapped by tests to control staging ids.
	newExecutor func(m state.Mapping) *Executor
}

// NewEngine creates an Engine. Catalog, Cloud and Store are required.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil || cfg.Cloud == nil || cfg.Store == nil {
		return nil, errors.New("sync: engine needs a catalog, a cloud and a store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	safety := cfg.Safety
	if safety == nil {
		safety = DefaultSafetyConfig()
	}

	e := &Engine{
		catalog: cfg.Catalog,
		cloud:   cfg.Cloud,
		store:   cfg.Store,
		execCfg: cfg.Executor,
		safety:  safety,
		planner: NewPlanner(logger),
		logger:  logger,
	}

	e.newExecutor = func(m state.Mapping) *Executor {
		return NewExecutor(e.catalog, e.cloud, e.store, m, e.execCfg, e.logger)
	}

	return e, nil
}

// RunOnce executes a single sync cycle. Per-item failures are reported in
// Report.Stats.Errors with a nil error. Fatal failures (state load, login,
// catalog or inventory fetch, big-delete protection, commit) are returned;
// once the state is loaded the mapping is saved and the session logged out
// on every path.
func (e *Engine) RunOnce(ctx context.Context, opts RunOpts) (report *Report, err error) {
	start := time.Now()

	e.logger.Info("sync cycle starting",
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("deletions", opts.Deletions),
		slog.Bool("force", opts.Force),
	)

	mapping, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: loading state: %w", err)
	}

	report = &Report{DryRun: opts.DryRun}
	exec := e.newExecutor(mapping)

	defer func() {
		report.Duration = time.Since(start)
	}()

	defer func() {
		if lerr := e.cloud.Logout(context.WithoutCancel(ctx)); lerr != nil {
			e.logger.Error("logout failed", slog.String("error", lerr.Error()))
			err = errors.Join(err, fmt.Errorf("sync: logging out: %w", lerr))
		}
	}()

	if !opts.DryRun {
		defer func() {
			if serr := e.store.Save(context.WithoutCancel(ctx), exec.Mapping()); serr != nil {
				err = errors.Join(err, fmt.Errorf("sync: saving state: %w", serr))
			}
		}()
	}

	if err := e.cloud.Login(ctx); err != nil {
		return report, fmt.Errorf("sync: logging in: %w", err)
	}

	books, inventory, err := e.fetch(ctx)
	if err != nil {
		return report, err
	}

	safety := e.safety
	if opts.Force {
		safety = nil
	}

	plan, err := e.planner.Plan(books, inventory, mapping, PlanOptions{Deletions: opts.Deletions}, safety)
	report.Plan = plan

	if err != nil {
		return report, err
	}

	if opts.DryRun {
		e.logPlan(plan)
		e.logger.Info("dry-run complete: no changes applied")

		return report, nil
	}

	if plan.Empty() {
		e.logger.Info("sync cycle complete: nothing to do")
		return report, nil
	}

	if err := exec.Execute(ctx, plan, &report.Stats); err != nil {
		return report, err
	}

	e.logger.Info("sync cycle complete",
		slog.Duration("duration", time.Since(start)),
		slog.Int("uploaded", report.Stats.Uploaded),
		slog.Int("deleted", report.Stats.Deleted),
		slog.Int("dropped", report.Stats.Dropped),
		slog.Int("errors", report.Stats.Errors),
	)

	return report, nil
}

// fetch reads the library catalog and the cloud inventory concurrently.
// Both are read-only.
func (e *Engine) fetch(ctx context.Context) ([]calibre.Book, []tolino.Item, error) {
	var (
		books     []calibre.Book
		inventory []tolino.Item
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		books, err = e.catalog.Books(gctx)
		if err != nil {
			return fmt.Errorf("sync: fetching library catalog: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		var err error

		inventory, err = e.cloud.Inventory(gctx)
		if err != nil {
			return fmt.Errorf("sync: fetching cloud inventory: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return books, inventory, nil
}

func (e *Engine) logPlan(p *Plan) {
	for i := range p.Uploads {
		e.logger.Info("would upload",
			slog.Int("book_id", p.Uploads[i].ID),
			slog.String("uuid", p.Uploads[i].UUID),
			slog.String("title", p.Uploads[i].Title),
		)
	}

	for _, r := range p.Deletes {
		e.logger.Info("would delete",
			slog.String("uuid", r.UUID),
			slog.String("deliverable_id", r.DestinationID),
		)
	}

	for _, r := range p.Dropped {
		e.logger.Info("would drop mapping",
			slog.String("uuid", r.UUID),
			slog.String("deliverable_id", r.DestinationID),
		)
	}
}

// WatchOpts holds options for RunWatch.
type WatchOpts struct {
	RunOpts
	PollInterval time.Duration // 0 → 1h

	// Trigger starts a cycle immediately (SIGHUP from the CLI).
	Trigger <-chan struct{}

	// OnCycle observes every cycle's outcome.
	OnCycle func(*Report, error)
}

// RunWatch runs a cycle, then another after every poll interval or
// trigger, until ctx is cancelled. Cycle failures are logged and retried
// on the next cycle, except commit failures which stop the loop. Returns
// nil on clean shutdown.
func (e *Engine) RunWatch(ctx context.Context, opts WatchOpts) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	e.logger.Info("watch mode starting", slog.Duration("poll_interval", interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("watch mode stopped")
			return nil

		case <-timer.C:

		case <-opts.Trigger:
			e.logger.Info("sync triggered")

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report, err := e.RunOnce(ctx, opts.RunOpts)
		if opts.OnCycle != nil {
			opts.OnCycle(report, err)
		}

		if err != nil {
			if errors.Is(err, ErrCommit) {
				return err
			}

			if ctx.Err() != nil {
				e.logger.Info("watch mode stopped")
				return nil
			}

			e.logger.Error("sync cycle failed", slog.String("error", err.Error()))
		}

		timer.Reset(interval)

		e.logger.Debug("waiting for next cycle", slog.Duration("interval", interval))
	}
}
