package calibre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ThumbFormat is the pseudo-format that serves a book's cover thumbnail.
const ThumbFormat = "thumb"

// Fetcher performs a single auth-aware GET. *digest.Client satisfies it.
// Defined at the consumer per "accept interfaces, return structs".
type Fetcher interface {
	Do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error)
}

// Book is one entry of the library catalog.
type Book struct {
	ID      int
	UUID    string
	Title   string
	Authors []string
	Formats []string
}

// LookupFormat finds format among the book's formats, ignoring case, and
// returns it spelled the way the server listed it.
func (b *Book) LookupFormat(format string) (string, bool) {
	for _, f := range b.Formats {
		if strings.EqualFold(f, format) {
			return f, true
		}
	}

	return "", false
}

// bookJSON mirrors a value of the books-init "metadata" object.
type bookJSON struct {
	UUID    string   `json:"uuid"`
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Formats []string `json:"formats"`
}

type booksInitJSON struct {
	Metadata map[string]bookJSON `json:"metadata"`
}

// Client reads a single library of a Calibre content server.
type Client struct {
	baseURL   string
	libraryID string
	fetcher   Fetcher
	logger    *slog.Logger
}

// NewClient creates a Calibre client. baseURL carries the scheme and no
// trailing slash, e.g. "http://calibre.local:8080".
func NewClient(baseURL, libraryID string, fetcher Fetcher, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		libraryID: libraryID,
		fetcher:   fetcher,
		logger:    logger,
	}
}

// Books returns the catalog sorted by ascending numeric book id. Entries
// with a non-numeric key are skipped with a warning.
func (c *Client) Books(ctx context.Context) ([]Book, error) {
	q := url.Values{}
	q.Set("library_id", c.libraryID)
	q.Set("sort", "timestamp.desc")

	rawURL := c.baseURL + "/interface-data/books-init?" + q.Encode()

	c.logger.Info("fetching calibre catalog", slog.String("library", c.libraryID))

	header := http.Header{}
	header.Set("Accept", "application/json")

	resp, err := c.get(ctx, "list books", rawURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload booksInitJSON
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Op: "list books", Err: fmt.Errorf("%w: %w", ErrInvalidResponse, err)}
	}

	if payload.Metadata == nil {
		return nil, &Error{Op: "list books", Err: fmt.Errorf("%w: missing metadata object", ErrInvalidResponse)}
	}

	books := make([]Book, 0, len(payload.Metadata))

	for key, raw := range payload.Metadata {
		id, err := strconv.Atoi(key)
		if err != nil {
			c.logger.Warn("skipping catalog entry with non-numeric id",
				slog.String("id", key),
				slog.String("title", raw.Title),
			)

			continue
		}

		books = append(books, Book{
			ID:      id,
			UUID:    raw.UUID,
			Title:   raw.Title,
			Authors: raw.Authors,
			Formats: raw.Formats,
		})
	}

	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })

	c.logger.Info("fetched calibre catalog", slog.Int("books", len(books)))

	return books, nil
}

// DownloadURL returns the URL serving format of book id.
func (c *Client) DownloadURL(format string, id int) string {
	return fmt.Sprintf("%s/get/%s/%d/%s",
		c.baseURL, url.PathEscape(format), id, url.PathEscape(c.libraryID))
}

// Download streams format of book id into w and returns the byte count.
func (c *Client) Download(ctx context.Context, format string, id int, w io.Writer) (int64, error) {
	op := fmt.Sprintf("download %s of book %d", format, id)

	resp, err := c.get(ctx, op, c.DownloadURL(format, id), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("calibre: %s: %w", op, err)
	}

	return n, nil
}

// DownloadFile downloads format of book id to path. A partially written
// file is removed when the download fails.
func (c *Client) DownloadFile(ctx context.Context, format string, id int, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("calibre: creating %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("calibre: creating %s: %w", path, err)
	}

	n, dlErr := c.Download(ctx, format, id, f)
	closeErr := f.Close()

	if dlErr == nil && closeErr != nil {
		dlErr = fmt.Errorf("calibre: closing %s: %w", path, closeErr)
	}

	if dlErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("could not remove partial download",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return 0, dlErr
	}

	c.logger.Debug("downloaded from calibre",
		slog.Int("id", id),
		slog.String("format", format),
		slog.Int64("bytes", n),
	)

	return n, nil
}

// get issues an auth-aware GET and converts non-2xx responses to *Error.
func (c *Client) get(ctx context.Context, op, rawURL string, header http.Header) (*http.Response, error) {
	resp, err := c.fetcher.Do(ctx, http.MethodGet, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("calibre: %s: %w", op, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Error("calibre rejected credentials, check username and password",
			slog.String("op", op),
		)
	}

	return nil, &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}
}
