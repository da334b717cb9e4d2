// Package license checks the application version against the license server
// and populates download records from the file manifest it returns.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/italolelis/obb_downloader/internal/filesystem"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUnlicensed is returned when the server denies the license.
var ErrUnlicensed = errors.New("application is not licensed")

const maxManifestSize = 1 << 20

// Config holds the license server settings.
type Config struct {
	URL          string
	PackageName  string
	VersionCode  int
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// File is one expansion file listed in the manifest.
type File struct {
	Index    int    `json:"index"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Manifest is the license server response.
type Manifest struct {
	Status string `json:"status"`
	Files  []File `json:"files"`
}

// Gate decides when a license check is due and refreshes the download records.
type Gate struct {
	cfg    Config
	store  storage.DownloadRepository
	layout filesystem.Layout
	client *http.Client
}

// NewGate creates a gate. The HTTP client authenticates with client
// credentials when a client id is set, or with a static token when one is set.
func NewGate(ctx context.Context, cfg Config, store storage.DownloadRepository, layout filesystem.Layout) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	client := base

	switch {
	case cfg.ClientID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	case cfg.Token != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		client.Timeout = cfg.Timeout
	}

	return &Gate{cfg: cfg, store: store, layout: layout, client: client}
}

// IsRecheckRequired reports whether the stored version differs from the running one.
func (g *Gate) IsRecheckRequired(ctx context.Context) (bool, error) {
	md, err := g.store.Metadata(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read metadata: %w", err)
	}

	return md.VersionCode != g.cfg.VersionCode, nil
}

// RefreshAndPopulateRecords fetches the manifest and reconciles the stored
// records with it. It returns the records in slot order.
func (g *Gate) RefreshAndPopulateRecords(ctx context.Context) ([]*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	manifest, err := g.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if manifest.Status != "licensed" {
		logger.WarnContext(ctx, "license denied", "status", manifest.Status)

		return nil, ErrUnlicensed
	}

	records := make([]*storage.DownloadRecord, 0, len(manifest.Files))

	for i, f := range manifest.Files {
		if f.Index != i {
			return nil, fmt.Errorf("manifest file %q has index %d, expected %d", f.FileName, f.Index, i)
		}

		rec, err := g.reconcile(ctx, f)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := g.store.Prune(ctx, len(records)); err != nil {
		return nil, fmt.Errorf("failed to prune records: %w", err)
	}

	md, err := g.store.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	md.VersionCode = g.cfg.VersionCode
	md.Status = 0

	if err := g.store.UpdateMetadata(ctx, md); err != nil {
		return nil, fmt.Errorf("failed to update metadata: %w", err)
	}

	logger.InfoContext(ctx, "license refreshed", "files", len(records), "version_code", g.cfg.VersionCode)

	return records, nil
}

func (g *Gate) reconcile(ctx context.Context, f File) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	current, err := g.store.Get(ctx, f.Index)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read record %d: %w", f.Index, err)
	}

	if current != nil && current.FileName != f.FileName {
		logger.InfoContext(ctx, "expansion file replaced", "index", f.Index, "old", current.FileName, "new", f.FileName)

		if err := g.layout.Remove(current.FileName); err != nil {
			logger.WarnContext(ctx, "failed to delete replaced file", "file_name", current.FileName, "err", err)
		}

		current = nil
	}

	size := f.Size
	if size <= 0 {
		size = storage.UnknownSize
	}

	rec := current

	switch {
	case rec == nil && size > 0 && g.layout.FileExists(f.FileName, size):
		rec = storage.NewDownloadRecord(f.Index, f.FileName)
		rec.URI = f.URL
		rec.TotalBytes = size
		rec.CurrentBytes = size
		rec.Status = storage.StatusSuccess
	case rec == nil:
		rec = storage.NewDownloadRecord(f.Index, f.FileName)
		rec.URI = f.URL
		rec.TotalBytes = size
	case rec.Status != storage.StatusSuccess:
		rec.URI = f.URL
		if size > 0 && rec.TotalBytes != size {
			rec.ResetDownload()
			rec.TotalBytes = size
		}
	default:
		return rec, nil
	}

	if err := g.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store record %d: %w", f.Index, err)
	}

	return rec, nil
}

func (g *Gate) fetch(ctx context.Context) (*Manifest, error) {
	u, err := url.Parse(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid license URL: %w", err)
	}

	q := u.Query()
	q.Set("package", g.cfg.PackageName)
	q.Set("version_code", strconv.Itoa(g.cfg.VersionCode))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build license request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch license: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnlicensed
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("license server returned status %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode license manifest: %w", err)
	}

	return &m, nil
}
