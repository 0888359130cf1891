package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"TrialStreamer/internal/checksum"
	"TrialStreamer/internal/config"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/ports"
)

const (
	digestSuffix  = ".md5"
	partialSuffix = ".part"
)

// Fetcher downloads archives and their digests into the local cache.
type Fetcher struct {
	client    *http.Client
	baseURL   string
	localDir  string
	retries   int
	workers   int
	userAgent string
	logger    *slog.Logger
}

var _ ports.Fetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher; retries is the number of extra attempts after
// the first failed one.
func NewFetcher(client *http.Client, cfg config.PubMedConfig, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	workers := cfg.DownloadWorkers
	if workers <= 0 {
		workers = 1
	}
	retries := cfg.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		client:    client,
		baseURL:   cfg.BaseURL,
		localDir:  cfg.LocalDataPath,
		retries:   retries,
		workers:   workers,
		userAgent: userAgent(cfg.UserEmail),
		logger:    logger,
	}
}

// Dir returns the cache subdirectory holding a collection.
func (f *Fetcher) Dir(collection domain.Collection) string {
	return filepath.Join(f.localDir, string(collection))
}

// LocalPath returns where a source file is cached.
func (f *Fetcher) LocalPath(file domain.SourceFile) string {
	return filepath.Join(f.Dir(file.Collection), file.Name)
}

// Downloaded lists archive basenames already present in the cache.
func (f *Fetcher) Downloaded(collection domain.Collection) (map[string]struct{}, error) {
	matches, err := filepath.Glob(filepath.Join(f.Dir(collection), "*"+archiveSuffix))
	if err != nil {
		return nil, fmt.Errorf("glob cache: %w", err)
	}
	out := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		out[filepath.Base(m)] = struct{}{}
	}
	return out, nil
}

// FetchAll materializes every file concurrently. A failure of one file does
// not stop the others; failures are joined into the returned error.
func (f *Fetcher) FetchAll(ctx context.Context, files []domain.SourceFile) ([]domain.SourceFile, error) {
	cached := map[domain.Collection]map[string]struct{}{}
	for _, file := range files {
		if _, ok := cached[file.Collection]; ok {
			continue
		}
		if err := os.MkdirAll(f.Dir(file.Collection), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		set, err := f.Downloaded(file.Collection)
		if err != nil {
			return nil, err
		}
		cached[file.Collection] = set
	}

	out := make([]domain.SourceFile, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(f.workers)
	for i, file := range files {
		_, isCached := cached[file.Collection][file.Name]
		g.Go(func() error {
			out[i], errs[i] = f.fetch(ctx, file, isCached)
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(errs...)
}

func (f *Fetcher) fetch(ctx context.Context, file domain.SourceFile, cached bool) (domain.SourceFile, error) {
	file.LocalPath = f.LocalPath(file)
	file.Verified = false

	if cached {
		ok, err := checksum.Validate(file.LocalPath, file.DigestPath())
		if err == nil && ok {
			file.Verified = true
			return file, nil
		}
		f.warn("cached copy failed validation, downloading again", "file", file.Name, "error", err)
		removeArtifacts(file)
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			removeArtifacts(file)
			return file, fmt.Errorf("fetch %s: %w", file.Name, err)
		}

		f.info("downloading", "file", file.Name, "attempt", attempt+1)
		lastErr = f.downloadAndValidate(ctx, file)
		if lastErr == nil {
			file.Verified = true
			return file, nil
		}

		removeArtifacts(file)
		f.info("download failed", "file", file.Name, "attempt", attempt+1, "error", lastErr)
	}

	return file, fmt.Errorf("%w: fetch %s after %d attempts: %w", domain.ErrTransient, file.Name, f.retries+1, lastErr)
}

func (f *Fetcher) downloadAndValidate(ctx context.Context, file domain.SourceFile) error {
	if err := f.download(ctx, file.RemotePath, file.LocalPath); err != nil {
		return err
	}
	if err := f.download(ctx, file.RemotePath+digestSuffix, file.DigestPath()); err != nil {
		return err
	}

	ok, err := checksum.Validate(file.LocalPath, file.DigestPath())
	if err != nil {
		return fmt.Errorf("validate %s: %w", file.Name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s does not match its md5 digest", domain.ErrIntegrity, file.Name)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, remotePath, dest string) error {
	fileURL, err := url.JoinPath(f.baseURL, remotePath)
	if err != nil {
		return fmt.Errorf("build url for %s: %w", remotePath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", domain.ErrTransient, remotePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: get %s returned %s", domain.ErrTransient, remotePath, resp.Status)
	}

	tmp := dest + partialSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: read %s: %w", domain.ErrTransient, remotePath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move %s into place: %w", dest, err)
	}
	return nil
}

// removeArtifacts deletes everything a failed attempt may have left behind.
func removeArtifacts(file domain.SourceFile) {
	for _, p := range []string{
		file.LocalPath,
		file.LocalPath + partialSuffix,
		file.DigestPath(),
		file.DigestPath() + partialSuffix,
	} {
		_ = os.Remove(p)
	}
}

func (f *Fetcher) info(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Info(msg, args...)
	}
}

func (f *Fetcher) warn(msg string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Warn(msg, args...)
	}
}

// SpotCheck validates every cached archive of a collection without modifying
// anything and returns the names that do not match their digest.
func (f *Fetcher) SpotCheck(collection domain.Collection) ([]string, error) {
	set, err := f.Downloaded(collection)
	if err != nil {
		return nil, err
	}

	var bad []string
	for name := range set {
		local := filepath.Join(f.Dir(collection), name)
		ok, err := checksum.Validate(local, local+digestSuffix)
		if err != nil || !ok {
			bad = append(bad, name)
		}
	}
	sort.Strings(bad)
	return bad, nil
}
