// Package report downloads VirusTotal file reports and caches them on disk.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/processing"
)

// Status tells how a Fetch call ended.
type Status int

const (
	StatusCached Status = iota
	StatusDownloaded
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCached:
		return "cached"
	case StatusDownloaded:
		return "downloaded"
	case StatusNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// Result is the outcome of a Fetch. Path is always set; the file only exists
// when Available reports true.
type Result struct {
	Path   string
	Status Status
	Err    error
}

// Available reports whether the report file can be read.
func (r Result) Available() bool {
	return r.Status == StatusCached || r.Status == StatusDownloaded
}

// Config configures a Fetcher.
type Config struct {
	BaseURL string
	APIKey  string
	DataDir string
	Timeout time.Duration
}

// Fetcher retrieves reports by content hash, at most once per hash.
type Fetcher struct {
	baseURL string
	apiKey  string
	dataDir string
	client  *http.Client
	log     *slog.Logger
}

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{32,64}$`)

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config, log *slog.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dir := cfg.DataDir
	if dir == "" {
		dir = "data"
	}
	return &Fetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		dataDir: dir,
		client:  &http.Client{Timeout: timeout},
		log:     logger.OrDiscard(log),
	}
}

// Path returns the cache location of the report with the given hash.
func (f *Fetcher) Path(hash string) string {
	return filepath.Join(f.dataDir, fmt.Sprintf("virustotal_report_%s.json", hash))
}

// Cached reports whether a local copy of the report exists.
func (f *Fetcher) Cached(hash string) bool {
	_, err := os.Stat(f.Path(strings.TrimSpace(hash)))
	return err == nil
}

// Fetch returns the local path of the report, downloading it when no cached
// copy exists. Not-found and transport failures are logged and reported in
// the Result rather than returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, hash string) Result {
	hash = strings.TrimSpace(hash)
	if !hashPattern.MatchString(hash) {
		err := fmt.Errorf("invalid report hash %q", hash)
		f.log.Error("fetch report", slog.Any("err", err))
		return Result{Path: f.Path(filepath.Base(hash)), Status: StatusFailed, Err: err}
	}

	path := f.Path(hash)
	if f.Cached(hash) {
		f.log.Debug("report cached", slog.String("path", path))
		return Result{Path: path, Status: StatusCached}
	}

	status, err := f.download(ctx, hash, path)
	switch status {
	case StatusDownloaded:
		f.log.Info("report downloaded", slog.String("hash", hash), slog.String("path", path))
	case StatusNotFound:
		f.log.Warn("report not found", slog.String("hash", hash))
	default:
		f.log.Error("report download failed", slog.String("hash", hash), slog.Any("err", err))
	}
	return Result{Path: path, Status: status, Err: err}
}

func (f *Fetcher) download(ctx context.Context, hash, path string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/files/"+hash, http.NoBody)
	if err != nil {
		return StatusFailed, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-apikey", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return StatusFailed, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusFailed, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return StatusNotFound, fmt.Errorf("no report for hash %s", hash)
	case resp.StatusCode != http.StatusOK:
		return StatusFailed, fmt.Errorf("report service returned %s: %s", resp.Status, processing.Excerpt(string(body), 200))
	}

	if !json.Valid(body) {
		return StatusFailed, fmt.Errorf("report body is not valid JSON")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return StatusFailed, fmt.Errorf("create data dir: %w", err)
	}
	if err := writeFileAtomic(path, body); err != nil {
		return StatusFailed, fmt.Errorf("write report: %w", err)
	}
	return StatusDownloaded, nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// cached report is either complete or absent.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
