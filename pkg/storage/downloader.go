// Package storage fetches cloud images over HTTP(S) or from S3 into the
// local work directory.
package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/security"
)

const partSuffix = ".part"

// ObjectSource opens objects from an S3-compatible store.
type ObjectSource interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// DownloadResult describes one fetched image. The provisioner owns Path and
// removes it when the attempt ends.
type DownloadResult struct {
	Path    string
	Size    int64
	Success bool
	Err     error
}

// Options tunes a Downloader.
type Options struct {
	// Retries is the total number of attempts for retryable failures.
	Retries       int
	RetryInterval time.Duration
	Quiet         bool
}

// Downloader streams images to disk and verifies what it wrote.
type Downloader struct {
	httpClient *http.Client
	s3         ObjectSource
	validator  *security.Validator
	opts       Options
}

// NewDownloader creates a downloader. s3 may be nil when no catalog entry
// uses an s3:// URL.
func NewDownloader(httpClient *http.Client, s3 ObjectSource, validator *security.Validator, opts Options) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	return &Downloader{httpClient: httpClient, s3: s3, validator: validator, opts: opts}
}

// Fetch downloads rawURL to dest. The returned result is never nil; on
// failure it carries the same classified error that is returned.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dest string) (*DownloadResult, error) {
	start := time.Now()
	slog.Info("download_started", "url", rawURL, "dest", dest)

	attempt := 0
	var size int64
	op := func() error {
		attempt++
		n, err := d.fetchOnce(ctx, rawURL, dest)
		if err == nil {
			size = n
			return nil
		}
		var dlErr *errors.DownloadError
		if errors.As(err, &dlErr) && dlErr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.RetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.Retries-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		slog.Warn("download_retry", "url", rawURL, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		slog.Error("download_failed", "url", rawURL, "attempts", attempt, "error", err)
		return &DownloadResult{Path: dest, Err: err}, err
	}

	slog.Info("download_completed",
		"url", rawURL,
		"dest", dest,
		"size", humanize.IBytes(uint64(size)),
		"attempts", attempt,
		"duration", time.Since(start).Round(time.Millisecond))
	return &DownloadResult{Path: dest, Size: size, Success: true}, nil
}

// fetchOnce performs a single transfer into dest.part and renames it into
// place once verified.
func (d *Downloader) fetchOnce(ctx context.Context, rawURL, dest string) (int64, error) {
	part := dest + partSuffix
	if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
		return 0, &errors.DownloadError{Kind: errors.DownloadDiskWrite, URL: rawURL, Err: err}
	}

	body, expected, err := d.open(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if expected > 0 && d.validator != nil {
		if err := d.validator.ValidateFileSize(expected); err != nil {
			return 0, &errors.DownloadError{Kind: errors.DownloadSizeMismatch, URL: rawURL, Err: err}
		}
	}

	written, err := d.writePart(rawURL, body, part, expected)
	if err != nil {
		os.Remove(part)
		return 0, err
	}

	if err := d.verify(rawURL, written, expected); err != nil {
		os.Remove(part)
		return 0, err
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return 0, &errors.DownloadError{Kind: errors.DownloadDiskWrite, URL: rawURL, Err: err}
	}
	return written, nil
}

// open resolves rawURL to a body and the size the source announced, -1 when
// unknown.
func (d *Downloader) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, errors.Wrap(err, "invalid image url")
	}

	if u.Scheme == "s3" {
		if d.s3 == nil {
			return nil, 0, errors.New("s3 source not configured")
		}
		return d.s3.GetObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build request")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, 0, &errors.DownloadError{Kind: errors.DownloadNetwork, URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, &errors.DownloadError{Kind: errors.DownloadHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

// writePart copies body into part, telling read failures (network) apart
// from write failures (disk).
func (d *Downloader) writePart(rawURL string, body io.Reader, part string, expected int64) (int64, error) {
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, &errors.DownloadError{Kind: errors.DownloadDiskWrite, URL: rawURL, Err: err}
	}

	if d.validator != nil && d.validator.MaxFileSize() > 0 {
		// One byte past the limit is enough to detect an oversized body.
		body = io.LimitReader(body, d.validator.MaxFileSize()+1)
	}

	fw := &fileWriter{f: f}
	written, copyErr := io.Copy(fw, io.TeeReader(body, newProgressWriter(rawURL, expected, d.opts.Quiet)))
	closeErr := f.Close()

	switch {
	case copyErr != nil && fw.err != nil:
		return written, &errors.DownloadError{Kind: errors.DownloadDiskWrite, URL: rawURL, Err: fw.err}
	case copyErr != nil:
		return written, &errors.DownloadError{Kind: errors.DownloadNetwork, URL: rawURL, Err: copyErr}
	case closeErr != nil:
		return written, &errors.DownloadError{Kind: errors.DownloadDiskWrite, URL: rawURL, Err: closeErr}
	}
	return written, nil
}

func (d *Downloader) verify(rawURL string, written, expected int64) error {
	if written == 0 {
		return &errors.DownloadError{Kind: errors.DownloadSizeMismatch, URL: rawURL, Err: errors.New("empty response body")}
	}
	if expected >= 0 && written != expected {
		return &errors.DownloadError{
			Kind: errors.DownloadSizeMismatch,
			URL:  rawURL,
			Err:  errors.New("got " + humanize.Comma(written) + " bytes, expected " + humanize.Comma(expected)),
		}
	}
	if d.validator != nil {
		if err := d.validator.ValidateFileSize(written); err != nil {
			return &errors.DownloadError{Kind: errors.DownloadSizeMismatch, URL: rawURL, Err: err}
		}
	}
	return nil
}

// fileWriter records the first write error so copy failures can be
// attributed to the local disk.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// RemovePartials deletes leftover *.part files in dir and returns the paths
// it removed.
func RemovePartials(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read work dir")
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("partial_remove_failed", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}
