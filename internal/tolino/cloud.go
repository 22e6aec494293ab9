package tolino

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Web reader identity sent with device and collection calls.
const (
	clientType    = "TOLINO_WEBREADER"
	clientVersion = "4.4.1"
	hardwareType  = "HTML5"

	defaultHardwareName = "tolino calibre sync"
)

// Item is one entry of the cloud inventory.
type Item struct {
	// ID is the deliverable id, falling back to the publication identifier.
	ID            string
	DeliverableID string
	Identifier    string
	Title         string
	Subtitle      string
	Authors       []string
	MimeType      string
	PartnerID     int
	Type          string
	Purchased     *time.Time
	Issued        *time.Time
}

// Device is a reader registered with the account.
type Device struct {
	ID         string
	Name       string
	Type       string
	PartnerID  int
	Registered *time.Time
	LastUsed   *time.Time
}

// MetadataUpdate lists metadata fields to overwrite. Empty fields keep the
// cloud's current value.
type MetadataUpdate struct {
	Title     string
	Subtitle  string
	Author    string
	Publisher string
	ISBN      string
	Language  string
	Edition   int
	Issued    time.Time
}

// DownloadInfo locates the file of a cloud book.
type DownloadInfo struct {
	URL      string
	Filename string
	Format   string
}

// flexInt decodes JSON numbers and numeric strings alike; the cloud mixes
// both for ids and timestamps.
type flexInt struct {
	Value int64
	Valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = flexInt{}
		return nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Non-numeric values are treated as absent rather than failing the
		// whole inventory.
		*f = flexInt{}
		return nil //nolint:nilerr // tolerant decoding
	}

	*f = flexInt{Value: v, Valid: true}

	return nil
}

// millis converts a millisecond timestamp to a time, nil when absent.
func (f flexInt) millis() *time.Time {
	if !f.Valid || f.Value <= 0 {
		return nil
	}

	t := time.UnixMilli(f.Value).UTC()

	return &t
}

type inventoryItemJSON struct {
	ResellerID    flexInt `json:"resellerId"`
	DeliverableID string  `json:"deliverableId"`
	EpubMetaData  *struct {
		Identifier string  `json:"identifier"`
		Title      string  `json:"title"`
		Subtitle   string  `json:"subtitle"`
		Type       string  `json:"type"`
		Issued     flexInt `json:"issued"`
		Author     []struct {
			Name string `json:"name"`
		} `json:"author"`
		Deliverable []struct {
			ContentFormat string  `json:"contentFormat"`
			Purchased     flexInt `json:"purchased"`
		} `json:"deliverable"`
	} `json:"epubMetaData"`
}

// parseItem extracts an Item; ok is false for entries lacking the nested
// metadata or deliverable.
func parseItem(raw json.RawMessage) (Item, bool) {
	var in inventoryItemJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return Item{}, false
	}

	meta := in.EpubMetaData
	if meta == nil || len(meta.Deliverable) == 0 {
		return Item{}, false
	}

	item := Item{
		ID:            in.DeliverableID,
		DeliverableID: in.DeliverableID,
		Identifier:    meta.Identifier,
		Title:         meta.Title,
		Subtitle:      meta.Subtitle,
		MimeType:      meta.Deliverable[0].ContentFormat,
		PartnerID:     int(in.ResellerID.Value),
		Type:          strings.ToLower(meta.Type),
		Purchased:     meta.Deliverable[0].Purchased.millis(),
		Issued:        meta.Issued.millis(),
	}

	if item.ID == "" {
		item.ID = meta.Identifier
	}

	if item.ID == "" {
		return Item{}, false
	}

	if item.Title == "" {
		item.Title = "Unknown Title"
	}

	if item.Type == "" {
		item.Type = "unknown"
	}

	for _, a := range meta.Author {
		item.Authors = append(item.Authors, a.Name)
	}

	return item, true
}

// Inventory lists the account's books (immediate-delivery and ebook
// categories). Entries without usable metadata are skipped.
func (s *Session) Inventory(ctx context.Context) ([]Item, error) {
	const op = "list inventory"

	rawURL, err := withQuery(s.partner.InventoryURL, url.Values{"strip": {"true"}})
	if err != nil {
		return nil, &Error{Op: op, Err: ErrRequest, Cause: err}
	}

	resp, err := s.call(ctx, op, ErrRequest, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		PublicationInventory *struct {
			Edata []json.RawMessage `json:"edata"`
			Ebook []json.RawMessage `json:"ebook"`
		} `json:"PublicationInventory"`
	}

	if err := decodeJSON(resp, op, &payload); err != nil {
		return nil, err
	}

	inv := payload.PublicationInventory
	if inv == nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: missing PublicationInventory", ErrInvalidResponse)}
	}

	all := make([]json.RawMessage, 0, len(inv.Edata)+len(inv.Ebook))
	all = append(all, inv.Edata...)
	all = append(all, inv.Ebook...)

	items := make([]Item, 0, len(all))
	skipped := 0

	for _, raw := range all {
		item, ok := parseItem(raw)
		if !ok {
			skipped++
			continue
		}

		items = append(items, item)
	}

	s.logger.Info("fetched cloud inventory",
		slog.Int("items", len(items)),
		slog.Int("skipped", skipped),
	)

	return items, nil
}

// Upload sends a book file and returns the deliverable id the cloud
// assigned to it.
func (s *Session) Upload(ctx context.Context, filePath string) (string, error) {
	name := filepath.Base(filePath)
	op := "upload " + name

	if _, err := s.authHeader(); err != nil {
		return "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", &Error{Op: op, Err: ErrTransfer, Cause: err}
	}

	body, contentType := multipartPipe(func(mw *multipart.Writer) error {
		defer f.Close()
		return writeFilePart(mw, "file", name, bookMimeType(name), f)
	})
	defer body.Close()

	resp, err := s.call(ctx, op, ErrTransfer, http.MethodPost, s.partner.UploadURL, body,
		http.Header{"Content-Type": {contentType}})
	if err != nil {
		return "", err
	}

	var payload struct {
		Metadata struct {
			DeliverableID string `json:"deliverableId"`
		} `json:"metadata"`
	}

	if err := decodeJSON(resp, op, &payload); err != nil {
		return "", err
	}

	if payload.Metadata.DeliverableID == "" {
		return "", &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: response has no deliverableId", ErrTransfer)}
	}

	s.logger.Info("uploaded book",
		slog.String("file", name),
		slog.String("deliverable_id", payload.Metadata.DeliverableID),
	)

	return payload.Metadata.DeliverableID, nil
}

// AddCover uploads a cover image for an uploaded book.
func (s *Session) AddCover(ctx context.Context, deliverableID, coverPath string) error {
	name := filepath.Base(coverPath)
	op := "upload cover for " + deliverableID

	if s.partner.CoverURL == "" {
		return &Error{Op: op, Err: ErrUnsupported}
	}

	if _, err := s.authHeader(); err != nil {
		return err
	}

	f, err := os.Open(coverPath)
	if err != nil {
		return &Error{Op: op, Err: ErrTransfer, Cause: err}
	}

	body, contentType := multipartPipe(func(mw *multipart.Writer) error {
		defer f.Close()

		if err := writeFilePart(mw, "file", name, imageMimeType(name), f); err != nil {
			return err
		}

		return mw.WriteField("deliverableId", deliverableID)
	})
	defer body.Close()

	resp, err := s.call(ctx, op, ErrTransfer, http.MethodPost, s.partner.CoverURL, body,
		http.Header{"Content-Type": {contentType}})
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// UpdateMetadata merges update into the book's current metadata and writes
// it back. Returns the deliverable id reported by the cloud.
func (s *Session) UpdateMetadata(ctx context.Context, deliverableID string, update MetadataUpdate) (string, error) {
	op := "update metadata of " + deliverableID

	if s.partner.MetaURL == "" {
		return "", &Error{Op: op, Err: ErrUnsupported}
	}

	metaURL, err := withQuery(strings.TrimRight(s.partner.MetaURL, "/")+"/", url.Values{"deliverableId": {deliverableID}})
	if err != nil {
		return "", &Error{Op: op, Err: ErrRequest, Cause: err}
	}

	resp, err := s.call(ctx, op, ErrRequest, http.MethodGet, metaURL, nil, nil)
	if err != nil {
		return "", err
	}

	var current struct {
		Metadata map[string]any `json:"metadata"`
	}

	if err := decodeJSON(resp, op, &current); err != nil {
		return "", err
	}

	if current.Metadata == nil {
		return "", &Error{Op: op, Err: fmt.Errorf("%w: no current metadata", ErrInvalidResponse)}
	}

	update.apply(current.Metadata)

	payload, err := json.Marshal(map[string]any{"uploadMetaData": current.Metadata})
	if err != nil {
		return "", &Error{Op: op, Err: ErrRequest, Cause: err}
	}

	resp, err = s.call(ctx, op, ErrRequest, http.MethodPut, metaURL, bytes.NewReader(payload),
		http.Header{"Content-Type": {"application/json"}})
	if err != nil {
		return "", err
	}

	var updated struct {
		Metadata struct {
			DeliverableID string `json:"deliverableId"`
		} `json:"metadata"`
	}

	// An empty or non-JSON success body still means the update went through.
	if err := decodeJSON(resp, op, &updated); err != nil || updated.Metadata.DeliverableID == "" {
		return deliverableID, nil
	}

	return updated.Metadata.DeliverableID, nil
}

func (u MetadataUpdate) apply(m map[string]any) {
	set := func(key, v string) {
		if v != "" {
			m[key] = v
		}
	}

	set("title", u.Title)
	set("subtitle", u.Subtitle)
	set("author", u.Author)
	set("publisher", u.Publisher)
	set("isbn", u.ISBN)
	set("language", u.Language)

	if u.Edition != 0 {
		m["edition"] = u.Edition
	}

	if !u.Issued.IsZero() {
		m["issued"] = u.Issued.Unix()
	}
}

// AddToCollection tags a book with a collection, creating the collection
// when it does not exist.
func (s *Session) AddToCollection(ctx context.Context, deliverableID, collection string) error {
	op := fmt.Sprintf("add %s to collection %q", deliverableID, collection)

	if s.partner.SyncDataURL == "" {
		return &Error{Op: op, Err: ErrUnsupported}
	}

	payload := map[string]any{
		"revision": nil,
		"patches": []map[string]any{{
			"op":   "add",
			"path": "/publications/" + deliverableID + "/tags",
			"value": map[string]any{
				"modified": s.nowFunc().UnixMilli(),
				"name":     collection,
				"category": "collection",
			},
		}},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &Error{Op: op, Err: ErrRequest, Cause: err}
	}

	resp, err := s.call(ctx, op, ErrRequest, http.MethodPatch, s.partner.SyncDataURL, bytes.NewReader(data),
		http.Header{
			"Content-Type": {"application/json"},
			"client_type":  {clientType},
		})
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// Delete removes a book from the cloud. The verb comes from the partner
// settings or the session override.
func (s *Session) Delete(ctx context.Context, deliverableID string) error {
	op := "delete " + deliverableID

	rawURL, err := withQuery(s.partner.DeleteURL, url.Values{"deliverableId": {deliverableID}})
	if err != nil {
		return &Error{Op: op, Err: ErrDelete, Cause: err}
	}

	resp, err := s.call(ctx, op, ErrDelete, s.deleteMethod, rawURL, nil, nil)
	if err != nil {
		return err
	}

	drain(resp)

	s.logger.Info("deleted book from cloud", slog.String("deliverable_id", deliverableID))

	return nil
}

// Devices lists the readers registered with the account.
func (s *Session) Devices(ctx context.Context) ([]Device, error) {
	const op = "list devices"

	if _, err := s.authHeader(); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"deviceListRequest": map[string]any{
			"accounts": []map[string]any{s.accountRef()},
		},
	}

	resp, err := s.postJSON(ctx, op, s.partner.DevicesURL, payload, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		DeviceListResponse struct {
			Devices []struct {
				DeviceID         string  `json:"deviceId"`
				DeviceName       string  `json:"deviceName"`
				DeviceType       string  `json:"deviceType"`
				ResellerID       flexInt `json:"resellerId"`
				DeviceRegistered flexInt `json:"deviceRegistered"`
				DeviceLastUsage  flexInt `json:"deviceLastUsage"`
			} `json:"devices"`
		} `json:"deviceListResponse"`
	}

	if err := decodeJSON(resp, op, &out); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(out.DeviceListResponse.Devices))
	for _, d := range out.DeviceListResponse.Devices {
		devices = append(devices, Device{
			ID:         d.DeviceID,
			Name:       d.DeviceName,
			Type:       d.DeviceType,
			PartnerID:  int(d.ResellerID.Value),
			Registered: d.DeviceRegistered.millis(),
			LastUsed:   d.DeviceLastUsage.millis(),
		})
	}

	return devices, nil
}

// Register registers this client's hardware id as a reader. Device-mode
// sessions are already bound to a registered reader.
func (s *Session) Register(ctx context.Context, name string) error {
	op := "register device " + s.hardwareID

	if s.flow.Kind() == FlowDevice {
		return &Error{Op: op, Err: fmt.Errorf("%w: not available in device login mode", ErrUnsupported)}
	}

	if name == "" {
		name = defaultHardwareName
	}

	resp, err := s.postJSON(ctx, op, s.partner.RegisterURL, map[string]string{"hardware_name": name}, http.Header{
		"client_type":    {clientType},
		"client_version": {clientVersion},
		"hardware_type":  {hardwareType},
	})
	if err != nil {
		return err
	}

	drain(resp)

	s.logger.Info("registered device", slog.String("hardware_id", s.hardwareID))

	return nil
}

// Unregister removes a reader from the account. An empty deviceID means
// this client's hardware id.
func (s *Session) Unregister(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		deviceID = s.hardwareID
	}

	op := "unregister device " + deviceID

	if s.flow.Kind() == FlowDevice {
		return &Error{Op: op, Err: fmt.Errorf("%w: not available in device login mode", ErrUnsupported)}
	}

	if _, err := s.authHeader(); err != nil {
		return err
	}

	payload := map[string]any{
		"deleteDevicesRequest": map[string]any{
			"accounts": []map[string]any{s.accountRef()},
			"devices": []map[string]any{{
				"device_id":   deviceID,
				"reseller_id": s.partner.ID,
			}},
		},
	}

	resp, err := s.postJSON(ctx, op, s.partner.UnregisterURL, payload, nil)
	if err != nil {
		return err
	}

	drain(resp)

	s.logger.Info("unregistered device", slog.String("device_id", deviceID))

	return nil
}

// DownloadInfo resolves the content URL of a cloud book.
func (s *Session) DownloadInfo(ctx context.Context, deliverableID string) (DownloadInfo, error) {
	op := "download info for " + deliverableID

	if s.partner.DownloadInfoURL == "" {
		return DownloadInfo{}, &Error{Op: op, Err: ErrUnsupported}
	}

	enc := base64.RawStdEncoding.EncodeToString([]byte(deliverableID))
	rawURL := strings.Replace(s.partner.DownloadInfoURL, "{}/{}", enc+"/"+enc, 1)

	resp, err := s.call(ctx, op, ErrTransfer, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return DownloadInfo{}, err
	}

	var out struct {
		DownloadInfo struct {
			ContentURL string `json:"contentUrl"`
			Format     string `json:"format"`
		} `json:"DownloadInfo"`
	}

	if err := decodeJSON(resp, op, &out); err != nil {
		return DownloadInfo{}, err
	}

	if out.DownloadInfo.ContentURL == "" {
		return DownloadInfo{}, &Error{Op: op, Err: fmt.Errorf("%w: missing contentUrl", ErrInvalidResponse)}
	}

	info := DownloadInfo{
		URL:      out.DownloadInfo.ContentURL,
		Format:   out.DownloadInfo.Format,
		Filename: "download_" + deliverableID,
	}

	if u, err := url.Parse(info.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			info.Filename = base
		}
	}

	return info, nil
}

// Download saves a cloud book. dest is either an existing directory, a
// path ending in a separator (created as a directory), or the full output
// file path. Returns the written file path.
func (s *Session) Download(ctx context.Context, deliverableID, dest string) (string, error) {
	info, err := s.DownloadInfo(ctx, deliverableID)
	if err != nil {
		return "", err
	}

	outPath, err := resolveDownloadPath(dest, info.Filename)
	if err != nil {
		return "", &Error{Op: "download " + deliverableID, Err: ErrTransfer, Cause: err}
	}

	op := "download " + deliverableID

	resp, err := s.callWith(ctx, s.followClient, op, ErrTransfer, http.MethodGet, info.URL, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f, err := os.Create(outPath)
	if err != nil {
		return "", &Error{Op: op, Err: ErrTransfer, Cause: err}
	}

	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(outPath)
		return "", &Error{Op: op, Err: ErrTransfer, Cause: err}
	}

	s.logger.Info("downloaded book",
		slog.String("deliverable_id", deliverableID),
		slog.String("path", outPath),
	)

	return outPath, nil
}

func resolveDownloadPath(dest, filename string) (string, error) {
	info, err := os.Stat(dest)
	if err == nil {
		if info.IsDir() {
			return filepath.Join(dest, filename), nil
		}

		return dest, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	if strings.HasSuffix(dest, string(filepath.Separator)) || strings.HasSuffix(dest, "/") {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", err
		}

		return filepath.Join(dest, filename), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	return dest, nil
}

func (s *Session) accountRef() map[string]any {
	return map[string]any{
		"auth_token":  s.token.AccessToken,
		"reseller_id": s.partner.ID,
	}
}

func (s *Session) postJSON(ctx context.Context, op, rawURL string, payload any, extra http.Header) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Op: op, Err: ErrRequest, Cause: err}
	}

	header := http.Header{"Content-Type": {"application/json"}}
	for k, v := range extra {
		header[k] = v
	}

	return s.call(ctx, op, ErrRequest, http.MethodPost, rawURL, bytes.NewReader(data), header)
}

// multipartPipe streams a multipart body produced by write. The returned
// reader must be closed by the caller so the writer goroutine never blocks.
func multipartPipe(write func(*multipart.Writer) error) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := write(mw)
		if err == nil {
			err = mw.Close()
		}

		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func writeFilePart(mw *multipart.Writer, field, filename, contentType string, r io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	_, err = io.Copy(part, r)

	return err
}

func bookMimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".epub":
		return "application/epub+zip"
	default:
		return "application/octet-stream"
	}
}

func imageMimeType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return "image/png"
	}

	return "image/jpeg"
}

// withQuery appends q to rawURL, preserving any query already present.
func withQuery(rawURL string, q url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Add(k, v)
		}
	}

	u.RawQuery = existing.Encode()

	return u.String(), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()
}
