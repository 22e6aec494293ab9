package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/poesterlin/tolino-calibre-sync/internal/state"
)

// stagingDirPerms restricts staged book files to the owner.
const stagingDirPerms = 0o700

// ExecutorConfig holds the per-run transfer options.
type ExecutorConfig struct {
	StagingDir       string   // parent of the per-item staging directories
	PreferredFormats []string // first match wins, compared case-insensitively
	UploadCovers     bool
	UpdateMetadata   bool
	Collection       string // empty disables collection tagging
}

// Executor applies a Plan one item at a time. It owns the in-memory
// mapping and persists it after every remote change.
type Executor struct {
	catalog Catalog
	cloud   Cloud
	store   StateStore
	mapping state.Mapping
	cfg     ExecutorConfig
	logger  *slog.Logger

	// newStagingID names per-item staging directories; tests override it.
	newStagingID func() string
}

// NewExecutor creates an Executor working on mapping in place.
func NewExecutor(
	catalog Catalog, cloud Cloud, store StateStore, mapping state.Mapping,
	cfg ExecutorConfig, logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	if mapping == nil {
		mapping = state.Mapping{}
	}

	return &Executor{
		catalog:      catalog,
		cloud:        cloud,
		store:        store,
		mapping:      mapping,
		cfg:          cfg,
		logger:       logger,
		newStagingID: uuid.NewString,
	}
}

// Mapping returns the live mapping.
func (e *Executor) Mapping() state.Mapping { return e.mapping }

// Execute runs drops, then uploads, then deletes. Per-item failures are
// counted in stats and do not stop the run. A commit failure or context
// cancellation stops it and is returned.
func (e *Executor) Execute(ctx context.Context, plan *Plan, stats *Stats) error {
	e.logger.Info("executor: starting",
		slog.Int("uploads", len(plan.Uploads)),
		slog.Int("deletes", len(plan.Deletes)),
		slog.Int("dropped", len(plan.Dropped)),
	)

	if err := e.applyDrops(ctx, plan.Dropped, stats); err != nil {
		return err
	}

	for i := range plan.Uploads {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync: stopped before upload %d of %d: %w", i+1, len(plan.Uploads), err)
		}

		if err := e.runItem(ActionUpload, plan.Uploads[i].UUID, stats, func() error {
			return e.upload(ctx, &plan.Uploads[i], stats)
		}); err != nil {
			return err
		}
	}

	for i := range plan.Deletes {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync: stopped before delete %d of %d: %w", i+1, len(plan.Deletes), err)
		}

		r := plan.Deletes[i]

		if err := e.runItem(ActionDelete, r.UUID, stats, func() error {
			return e.deleteItem(ctx, r, stats)
		}); err != nil {
			return err
		}
	}

	e.logger.Info("executor: done",
		slog.Int("uploaded", stats.Uploaded),
		slog.Int("deleted", stats.Deleted),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.Errors),
	)

	return nil
}

// runItem isolates one item: item errors are logged and counted, commit
// errors propagate.
func (e *Executor) runItem(action ActionType, id string, stats *Stats, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	if isFatal(err) {
		return err
	}

	stats.Errors++

	e.logger.Error("item failed",
		slog.String("action", action.String()),
		slog.String("uuid", id),
		slog.String("error", err.Error()),
	)

	return nil
}

// commit persists the current mapping. Failures are fatal.
func (e *Executor) commit(ctx context.Context) error {
	// The remote change already happened; finish the write even if the run
	// is being cancelled.
	if err := e.store.Save(context.WithoutCancel(ctx), e.mapping); err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}

	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, ErrCommit)
}

// itemError tags err as confined to the current item.
func itemError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrItemFailed, op, err)
}
