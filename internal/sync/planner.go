package sync

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// SafetyConfig controls big-delete protection thresholds.
type SafetyConfig struct {
	BigDeleteMinItems   int     // mapping must have at least this many entries before the check applies
	BigDeleteMaxCount   int     // max number of deletes before triggering
	BigDeleteMaxPercent float64 // max percentage of mapped books being deleted
}

const (
	defaultBigDeleteMinItems   = 10
	defaultBigDeleteMaxCount   = 1000
	defaultBigDeleteMaxPercent = 50.0
	percentMultiplier          = 100.0
)

// DefaultSafetyConfig returns min 10 entries, max 1000 deletes, max 50%.
func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		BigDeleteMinItems:   defaultBigDeleteMinItems,
		BigDeleteMaxCount:   defaultBigDeleteMaxCount,
		BigDeleteMaxPercent: defaultBigDeleteMaxPercent,
	}
}

// ErrBigDeleteTriggered indicates that the planned deletions exceed the
// safety thresholds. The run stops before touching anything; --force
// overrides it.
var ErrBigDeleteTriggered = errors.New("sync: big-delete protection triggered")

// PlanOptions tune reconciliation.
type PlanOptions struct {
	// Deletions schedules cloud deletes for books removed from the library.
	Deletions bool
}

// Plan is the outcome of reconciliation. Uploads follow catalog order
// (ascending library id); Deletes and Dropped follow sorted UUID order.
type Plan struct {
	Uploads []calibre.Book
	Deletes []Removal

	// Dropped entries point at ids the cloud no longer lists. They are
	// removed from the mapping without a delete call.
	Dropped []Removal

	// MissingUUID holds books excluded because they have no UUID.
	MissingUUID []calibre.Book
	Warnings    []string
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Uploads) == 0 && len(p.Deletes) == 0 && len(p.Dropped) == 0
}

// Reconcile compares the library catalog, the cloud inventory and the
// mapping. It performs no I/O and does not modify its inputs.
func Reconcile(books []calibre.Book, inventory []tolino.Item, mapping state.Mapping, opts PlanOptions) *Plan {
	p := &Plan{}

	inLibrary := make(map[string]struct{}, len(books))

	for i := range books {
		b := books[i]

		if b.UUID == "" {
			p.MissingUUID = append(p.MissingUUID, b)
			p.Warnings = append(p.Warnings, fmt.Sprintf("book %d (%q) has no uuid, skipped", b.ID, b.Title))

			continue
		}

		if _, dup := inLibrary[b.UUID]; dup {
			continue
		}

		inLibrary[b.UUID] = struct{}{}

		if _, mapped := mapping[b.UUID]; !mapped {
			p.Uploads = append(p.Uploads, b)
		}
	}

	inCloud := make(map[string]struct{}, len(inventory))
	for i := range inventory {
		inCloud[inventory[i].ID] = struct{}{}
	}

	for _, uuid := range mapping.UUIDs() {
		if _, ok := inLibrary[uuid]; ok {
			continue
		}

		r := Removal{UUID: uuid, DestinationID: mapping[uuid]}

		if _, ok := inCloud[r.DestinationID]; !ok {
			p.Dropped = append(p.Dropped, r)
			continue
		}

		if opts.Deletions {
			p.Deletes = append(p.Deletes, r)
		}
	}

	return p
}

// Planner wraps Reconcile with logging and big-delete protection.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner with the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Planner{logger: logger}
}

// Plan reconciles and checks the deletes against safety. A nil safety
// config disables the check.
func (pl *Planner) Plan(
	books []calibre.Book, inventory []tolino.Item, mapping state.Mapping,
	opts PlanOptions, safety *SafetyConfig,
) (*Plan, error) {
	pl.logger.Info("planning sync actions",
		slog.Int("books", len(books)),
		slog.Int("cloud_items", len(inventory)),
		slog.Int("mapped", len(mapping)),
		slog.Bool("deletions", opts.Deletions),
	)

	p := Reconcile(books, inventory, mapping, opts)

	for _, w := range p.Warnings {
		pl.logger.Warn(w)
	}

	pl.logger.Info("plan ready",
		slog.Int("uploads", len(p.Uploads)),
		slog.Int("deletes", len(p.Deletes)),
		slog.Int("dropped", len(p.Dropped)),
		slog.Int("missing_uuid", len(p.MissingUUID)),
	)

	if bigDeleteTriggered(len(p.Deletes), len(mapping), safety) {
		pl.logger.Warn("big-delete protection triggered",
			slog.Int("deletes", len(p.Deletes)),
			slog.Int("mapped", len(mapping)),
		)

		return p, ErrBigDeleteTriggered
	}

	return p, nil
}

func bigDeleteTriggered(deletes, mapped int, cfg *SafetyConfig) bool {
	if cfg == nil || deletes == 0 {
		return false
	}

	if mapped < cfg.BigDeleteMinItems {
		return false
	}

	if cfg.BigDeleteMaxCount > 0 && deletes > cfg.BigDeleteMaxCount {
		return true
	}

	if cfg.BigDeleteMaxPercent > 0 {
		pct := float64(deletes) / float64(mapped) * percentMultiplier
		if pct > cfg.BigDeleteMaxPercent {
			return true
		}
	}

	return false
}
