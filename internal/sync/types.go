package sync

import (
	"context"
	"errors"
	"time"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// ErrItemFailed marks an error confined to a single book. The run goes on
// with the next item.
var ErrItemFailed = errors.New("sync: item failed")

// ErrCommit marks a failure to persist the mapping after a remote change.
// It aborts the run: continuing would risk uploading the same book twice.
var ErrCommit = errors.New("sync: committing state failed")

// Catalog is the library side. Satisfied by *calibre.Client.
type Catalog interface {
	Books(ctx context.Context) ([]calibre.Book, error)
	DownloadFile(ctx context.Context, format string, id int, path string) (int64, error)
}

// Cloud is the reading-account side. Satisfied by *tolino.Session.
type Cloud interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Inventory(ctx context.Context) ([]tolino.Item, error)
	Upload(ctx context.Context, path string) (string, error)
	AddCover(ctx context.Context, deliverableID, path string) error
	UpdateMetadata(ctx context.Context, deliverableID string, update tolino.MetadataUpdate) (string, error)
	AddToCollection(ctx context.Context, deliverableID, collection string) error
	Delete(ctx context.Context, deliverableID string) error
}

// StateStore persists the mapping. Satisfied by state.Store.
type StateStore interface {
	Load(ctx context.Context) (state.Mapping, error)
	Save(ctx context.Context, m state.Mapping) error
}

// ActionType identifies what the executor does with one mapping entry or
// book.
type ActionType int

// Action types, in execution order.
const (
	ActionDrop ActionType = iota
	ActionUpload
	ActionDelete
)

func (a ActionType) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionUpload:
		return "upload"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Removal is a mapping entry whose book left the library.
type Removal struct {
	UUID          string
	DestinationID string
}

// Stats are the per-run counters. Never persisted.
type Stats struct {
	Uploaded       int
	Deleted        int
	CoversUploaded int
	Errors         int

	// Skipped counts books without a preferred format; Dropped counts
	// mapping entries removed because the cloud no longer has them.
	Skipped int
	Dropped int
}

// Report summarizes one run.
type Report struct {
	DryRun   bool
	Duration time.Duration
	Plan     *Plan
	Stats    Stats
}
