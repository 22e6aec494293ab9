package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

type tLogWriter struct{ t *testing.T }

func (w tLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(tLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeCatalog serves book files from memory, keyed by "FORMAT/id".
type fakeCatalog struct {
	books    []calibre.Book
	booksErr error

	files       map[string]string
	downloadErr map[string]error
	downloads   []string
}

func fileKey(format string, id int) string {
	return fmt.Sprintf("%s/%d", format, id)
}

func (c *fakeCatalog) Books(_ context.Context) ([]calibre.Book, error) {
	if c.booksErr != nil {
		return nil, c.booksErr
	}

	return c.books, nil
}

func (c *fakeCatalog) DownloadFile(_ context.Context, format string, id int, path string) (int64, error) {
	key := fileKey(format, id)
	c.downloads = append(c.downloads, key)

	if err := c.downloadErr[key]; err != nil {
		return 0, err
	}

	content, ok := c.files[key]
	if !ok {
		return 0, &calibre.Error{Op: "download " + key, StatusCode: 404, Err: calibre.ErrNotFound}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, err
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return 0, err
	}

	return int64(len(content)), nil
}

// fakeCloud records every call. Uploaded files get ids new-1, new-2, ...
type fakeCloud struct {
	inventory    []tolino.Item
	inventoryErr error
	loginErr     error
	logoutErr    error

	uploadErr map[string]error // by file base name
	deleteErr map[string]error // by deliverable id
	coverErr  error
	metaErr   error
	metaNewID map[string]string
	collErr   error

	// afterUpload runs once an upload succeeded, before returning.
	afterUpload func(id string)
	// onCover runs when a cover upload starts.
	onCover func(id string)

	logins, logouts int
	nextID          int
	uploads         []string
	uploadContent   map[string]string
	deletes         []string
	covers          []string
	metaCalls       []tolino.MetadataUpdate
	collections     []string
}

func (c *fakeCloud) Login(_ context.Context) error {
	c.logins++
	return c.loginErr
}

func (c *fakeCloud) Logout(_ context.Context) error {
	c.logouts++
	return c.logoutErr
}

func (c *fakeCloud) Inventory(_ context.Context) ([]tolino.Item, error) {
	if c.inventoryErr != nil {
		return nil, c.inventoryErr
	}

	return c.inventory, nil
}

func (c *fakeCloud) Upload(_ context.Context, path string) (string, error) {
	name := filepath.Base(path)
	c.uploads = append(c.uploads, name)

	if err := c.uploadErr[name]; err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &tolino.Error{Op: "upload " + name, Err: tolino.ErrTransfer, Cause: err}
	}

	c.nextID++
	id := fmt.Sprintf("new-%d", c.nextID)

	if c.uploadContent == nil {
		c.uploadContent = make(map[string]string)
	}

	c.uploadContent[id] = string(data)

	if c.afterUpload != nil {
		c.afterUpload(id)
	}

	return id, nil
}

func (c *fakeCloud) AddCover(_ context.Context, id, path string) error {
	if c.onCover != nil {
		c.onCover(id)
	}

	if _, err := os.Stat(path); err != nil {
		return err
	}

	c.covers = append(c.covers, id)

	return c.coverErr
}

func (c *fakeCloud) UpdateMetadata(_ context.Context, id string, update tolino.MetadataUpdate) (string, error) {
	c.metaCalls = append(c.metaCalls, update)

	if c.metaErr != nil {
		return "", c.metaErr
	}

	if newID, ok := c.metaNewID[id]; ok {
		return newID, nil
	}

	return id, nil
}

func (c *fakeCloud) AddToCollection(_ context.Context, id, collection string) error {
	c.collections = append(c.collections, id+"@"+collection)
	return c.collErr
}

func (c *fakeCloud) Delete(_ context.Context, id string) error {
	c.deletes = append(c.deletes, id)
	return c.deleteErr[id]
}

// memStore is an in-memory StateStore keeping a snapshot per save.
type memStore struct {
	saved     state.Mapping
	loadErr   error
	saveErr   error
	saves     int
	snapshots []state.Mapping
}

func newMemStore(m state.Mapping) *memStore {
	if m == nil {
		m = state.Mapping{}
	}

	return &memStore{saved: m.Clone()}
}

func (s *memStore) Load(_ context.Context) (state.Mapping, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	return s.saved.Clone(), nil
}

func (s *memStore) Save(_ context.Context, m state.Mapping) error {
	s.saves++

	if s.saveErr != nil {
		return s.saveErr
	}

	s.saved = m.Clone()
	s.snapshots = append(s.snapshots, m.Clone())

	return nil
}

var errBoom = errors.New("boom")

func book(id int, uuid string, formats ...string) calibre.Book {
	return calibre.Book{
		ID:      id,
		UUID:    uuid,
		Title:   fmt.Sprintf("Book %d", id),
		Authors: []string{"Ann Author"},
		Formats: formats,
	}
}

func cloudItem(id string) tolino.Item {
	return tolino.Item{ID: id, DeliverableID: id, Title: "t " + id}
}

// stagingEmpty reports whether no per-item staging directory is left.
func stagingEmpty(t *testing.T, dir string) bool {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	if err != nil {
		t.Fatalf("reading staging dir: %v", err)
	}

	return len(entries) == 0
}
