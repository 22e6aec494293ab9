package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/poesterlin/tolino-calibre-sync/internal/atomicfile"
)

// FilePerms restricts the state document to its owner.
const FilePerms = 0o600

// JSONStore keeps the mapping in a single JSON object {uuid: id}.
type JSONStore struct {
	path   string
	logger *slog.Logger
}

// NewJSONStore returns a store backed by the document at path. The file is
// not touched until Load or Save.
func NewJSONStore(path string, logger *slog.Logger) *JSONStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &JSONStore{path: path, logger: logger}
}

// Path returns the document location.
func (s *JSONStore) Path() string { return s.path }

// Close is a no-op; the document is never held open.
func (s *JSONStore) Close() error { return nil }

// Load reads the document. A missing file is an empty mapping.
func (s *JSONStore) Load(_ context.Context) (Mapping, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no sync state yet, starting empty", slog.String("path", s.path))
		return Mapping{}, nil
	}

	if err != nil {
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}

	m := Mapping{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &IOError{Op: "decode", Path: s.path, Err: err}
	}

	if m == nil {
		// The document was the literal null.
		m = Mapping{}
	}

	s.logger.Debug("sync state loaded",
		slog.String("path", s.path),
		slog.Int("entries", len(m)),
	)

	return m, nil
}

// Save writes the whole mapping atomically.
func (s *JSONStore) Save(_ context.Context, m Mapping) error {
	if m == nil {
		m = Mapping{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: s.path, Err: err}
	}

	data = append(data, '\n')

	if err := atomicfile.Write(s.path, data, FilePerms); err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}

	s.logger.Debug("sync state saved",
		slog.String("path", s.path),
		slog.Int("entries", len(m)),
	)

	return nil
}
