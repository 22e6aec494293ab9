// Package state persists the mapping from library book UUIDs to cloud
// deliverable ids between sync runs. Two backends exist: a pretty-printed
// JSON document (the default) and a SQLite ledger selected by a .db or
// .sqlite file extension.
package state

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// Mapping maps a library book UUID to the cloud id it was uploaded as. An
// entry exists only for uploads whose commit succeeded.
type Mapping map[string]string

// UUIDs returns the mapped UUIDs in ascending order.
func (m Mapping) UUIDs() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// Clone returns an independent copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// Store loads and saves the mapping. Save replaces the persisted mapping
// as a whole and must be durable when it returns.
type Store interface {
	Load(ctx context.Context) (Mapping, error)
	Save(ctx context.Context, m Mapping) error
	Path() string
	Close() error
}

// IsSQLitePath reports whether path selects the SQLite backend.
func IsSQLitePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	default:
		return false
	}
}

// Open returns the store for path, choosing the backend by extension.
func Open(ctx context.Context, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if IsSQLitePath(path) {
		return OpenSQLite(ctx, path, logger)
	}

	return NewJSONStore(path, logger), nil
}
