package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// maxTitleWidth caps the title column of ls.
const maxTitleWidth = 48

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the books in the cloud",
		Long: `List the cloud inventory. Books uploaded by this tool are marked in
the SYNCED column, which shows the upload time when the state file is an
SQLite database.`,
		Args: cobra.NoArgs,
		RunE: runLs,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deliverable-id> [destination]",
		Short: "Download a book from the cloud",
		Long: `Download a cloud book. The destination is an existing directory, a
path ending in a separator, or the output file path. Defaults to the
current directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <deliverable-id>",
		Short: "Delete a book from the cloud",
		Long: `Delete a cloud book and forget its mapping, so the next sync uploads
it again if it is still in the library.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}
}

// lsEntry is the --json form of one inventory item.
type lsEntry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors,omitempty"`
	MimeType  string   `json:"mime_type,omitempty"`
	Type      string   `json:"type,omitempty"`
	Purchased string   `json:"purchased,omitempty"`
	Synced    bool     `json:"synced"`
	SyncedAt  string   `json:"synced_at,omitempty"`
}

// syncRecord is what the state file knows about an uploaded book.
// SyncedAt is zero unless the backend records it.
type syncRecord struct {
	UUID     string
	SyncedAt time.Time
}

func newLsEntry(it *tolino.Item, rec *syncRecord) lsEntry {
	e := lsEntry{
		ID:       it.ID,
		Title:    it.Title,
		Authors:  it.Authors,
		MimeType: it.MimeType,
		Type:     it.Type,
		Synced:   rec != nil,
	}

	if it.Purchased != nil {
		e.Purchased = it.Purchased.UTC().Format(time.RFC3339)
	}

	if rec != nil && !rec.SyncedAt.IsZero() {
		e.SyncedAt = rec.SyncedAt.UTC().Format(time.RFC3339)
	}

	return e
}

// syncedCell renders the SYNCED column.
func syncedCell(rec *syncRecord) string {
	switch {
	case rec == nil:
		return ""
	case rec.SyncedAt.IsZero():
		return "yes"
	default:
		return formatAgo(rec.SyncedAt)
	}
}

func runLs(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	synced, err := syncedBooks(ctx, cc)
	if err != nil {
		return err
	}

	var items []tolino.Item

	err = withSession(ctx, cc, func(s *tolino.Session) error {
		var ierr error
		items, ierr = s.Inventory(ctx)

		return ierr
	})
	if err != nil {
		return err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
	})

	if cc.Flags.JSON {
		entries := make([]lsEntry, len(items))
		for i := range items {
			entries[i] = newLsEntry(&items[i], synced[items[i].ID])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	rows := make([][]string, 0, len(items))
	for i := range items {
		it := &items[i]

		rows = append(rows, []string{
			it.ID,
			syncedCell(synced[it.ID]),
			formatTime(it.Purchased),
			truncateCell(it.Title, maxTitleWidth),
			strings.Join(it.Authors, ", "),
		})
	}

	printTable(os.Stdout, []string{"ID", "SYNCED", "ADDED", "TITLE", "AUTHORS"}, rows)
	cc.Statusf("%d book(s)\n", len(items))

	return nil
}

// syncedBooks returns the state file's records keyed by cloud id.
func syncedBooks(ctx context.Context, cc *CLIContext) (map[string]*syncRecord, error) {
	records := make(map[string]*syncRecord)

	if _, err := os.Stat(cc.Cfg.Sync.StateFile); err != nil {
		// Never synced; nothing is marked.
		return records, nil //nolint:nilerr // a missing state file is not an error here
	}

	store, err := state.Open(ctx, cc.Cfg.Sync.StateFile, cc.Logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	m, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	sqlite, _ := store.(*state.SQLiteStore)

	for uuid, id := range m {
		rec := &syncRecord{UUID: uuid}

		if sqlite != nil {
			at, ok, err := sqlite.SyncedAt(ctx, uuid)
			if err != nil {
				return nil, err
			}

			if ok {
				rec.SyncedAt = at
			}
		}

		records[id] = rec
	}

	return records, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	dest := "."
	if len(args) > 1 {
		dest = args[1]
	}

	return withSession(ctx, cc, func(s *tolino.Session) error {
		path, err := s.Download(ctx, args[0], dest)
		if err != nil {
			return err
		}

		size := int64(-1)
		if info, serr := os.Stat(path); serr == nil {
			size = info.Size()
		}

		cc.Logger.Debug("downloaded", slog.String("id", args[0]), slog.String("path", path))
		cc.Statusf("Downloaded %s (%s)\n", path, formatSize(size))

		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	id := args[0]

	release, err := acquireSyncLock(config.LockPath(cc.Cfg.Sync.StateFile))
	if err != nil {
		return err
	}
	defer release()

	err = withSession(ctx, cc, func(s *tolino.Session) error {
		return s.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	forgotten, err := forgetDeliverable(ctx, cc, id)
	if err != nil {
		return fmt.Errorf("deleted %s but could not update the state file: %w", id, err)
	}

	if forgotten != "" {
		cc.Statusf("Deleted %s (book %s)\n", id, forgotten)
	} else {
		cc.Statusf("Deleted %s\n", id)
	}

	return nil
}

// forgetDeliverable removes the mapping entry pointing at id and returns
// its UUID, or "" when id was not uploaded by this tool.
func forgetDeliverable(ctx context.Context, cc *CLIContext, id string) (string, error) {
	store, err := state.Open(ctx, cc.Cfg.Sync.StateFile, cc.Logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	m, err := store.Load(ctx)
	if err != nil {
		return "", err
	}

	for _, uuid := range m.UUIDs() {
		if m[uuid] == id {
			delete(m, uuid)
			return uuid, store.Save(ctx, m)
		}
	}

	return "", nil
}
