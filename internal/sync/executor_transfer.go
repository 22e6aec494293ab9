package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

const coverFileName = "cover.jpg"

// upload stages the book, uploads it and commits the new mapping entry
// before any optional follow-up. The staging directory is removed on every
// path.
func (e *Executor) upload(ctx context.Context, book *calibre.Book, stats *Stats) error {
	format, ok := selectFormat(book, e.cfg.PreferredFormats)
	if !ok {
		stats.Skipped++

		e.logger.Warn("no preferred format available, skipping",
			slog.Int("book_id", book.ID),
			slog.String("title", book.Title),
			slog.String("formats", strings.Join(book.Formats, ",")),
		)

		return nil
	}

	dir, err := e.makeStagingDir()
	if err != nil {
		return itemError("create staging directory", err)
	}
	defer e.removeStaging(dir)

	filePath := filepath.Join(dir, stagingFileName(book, format))

	n, err := e.catalog.DownloadFile(ctx, format, book.ID, filePath)
	if err != nil {
		return itemError(fmt.Sprintf("download %s of book %d", format, book.ID), err)
	}

	e.logger.Debug("staged book",
		slog.Int("book_id", book.ID),
		slog.String("format", format),
		slog.Int64("bytes", n),
	)

	id, err := e.cloud.Upload(ctx, filePath)
	if err != nil {
		return itemError(fmt.Sprintf("upload book %d", book.ID), err)
	}

	e.mapping[book.UUID] = id
	if err := e.commit(ctx); err != nil {
		return err
	}

	stats.Uploaded++

	e.logger.Info("uploaded book",
		slog.Int("book_id", book.ID),
		slog.String("uuid", book.UUID),
		slog.String("title", book.Title),
		slog.String("deliverable_id", id),
	)

	if e.cfg.UploadCovers {
		e.uploadCover(ctx, book, id, dir, stats)
	}

	if e.cfg.UpdateMetadata {
		if id, err = e.updateMetadata(ctx, book, id); err != nil {
			return err
		}
	}

	if e.cfg.Collection != "" {
		if err := e.cloud.AddToCollection(ctx, id, e.cfg.Collection); err != nil {
			e.logger.Warn("adding to collection failed",
				slog.String("deliverable_id", id),
				slog.String("collection", e.cfg.Collection),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// uploadCover sends the library thumbnail. Failures are logged only: the
// book itself is already committed.
func (e *Executor) uploadCover(ctx context.Context, book *calibre.Book, id, dir string, stats *Stats) {
	coverPath := filepath.Join(dir, coverFileName)

	if _, err := e.catalog.DownloadFile(ctx, calibre.ThumbFormat, book.ID, coverPath); err != nil {
		e.logger.Warn("cover download failed",
			slog.Int("book_id", book.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := e.cloud.AddCover(ctx, id, coverPath); err != nil {
		e.logger.Warn("cover upload failed",
			slog.String("deliverable_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	stats.CoversUploaded++
}

// updateMetadata replaces the file-name-derived metadata with the library's.
// When the cloud answers with a different id the mapping follows it; only
// a commit failure is returned.
func (e *Executor) updateMetadata(ctx context.Context, book *calibre.Book, id string) (string, error) {
	update := tolino.MetadataUpdate{
		Title:  book.Title,
		Author: strings.Join(book.Authors, ", "),
	}

	newID, err := e.cloud.UpdateMetadata(ctx, id, update)
	if err != nil {
		e.logger.Warn("metadata update failed",
			slog.String("deliverable_id", id),
			slog.String("error", err.Error()),
		)

		return id, nil
	}

	if newID == "" || newID == id {
		return id, nil
	}

	e.logger.Info("cloud reassigned deliverable id",
		slog.String("uuid", book.UUID),
		slog.String("old", id),
		slog.String("new", newID),
	)

	e.mapping[book.UUID] = newID
	if err := e.commit(ctx); err != nil {
		return id, err
	}

	return newID, nil
}

func (e *Executor) makeStagingDir() (string, error) {
	dir := filepath.Join(e.cfg.StagingDir, e.newStagingID())
	if err := os.MkdirAll(dir, stagingDirPerms); err != nil {
		return "", err
	}

	return dir, nil
}

func (e *Executor) removeStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("removing staging directory failed",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
	}
}
