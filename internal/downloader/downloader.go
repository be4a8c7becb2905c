// Package downloader fetches a single blob over HTTP with resume,
// rate-limiting, conditional requests, streaming checksum verification and
// bounded retries. It knows nothing about manifests, priority classes, or
// the model cache — those are the Sync Engine's job (internal/modelsync).
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"noded/internal/hashsum"
)

// Config holds the tunables named in spec.md §6.
type Config struct {
	RegistryBase   string
	MaxRetries     int
	Backoff        time.Duration
	MaxBytesPerSec int64
	ChunkSize      int
}

// DefaultConfig mirrors the defaults in spec.md §6.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		Backoff:        200 * time.Millisecond,
		MaxBytesPerSec: 0,
		ChunkSize:      4096,
	}
}

// ProgressFunc is invoked with cumulative bytes written and, when known,
// the total expected size (0 if unknown).
type ProgressFunc func(downloaded, total int64)

// Downloader fetches blobs into a models directory.
type Downloader struct {
	modelsDir string
	cfg       Config
	client    *http.Client
	log       *zerolog.Logger

	locks keyedMutex
}

// New returns a Downloader that writes blobs under modelsDir.
func New(modelsDir string, cfg Config, logger *zerolog.Logger) *Downloader {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	return &Downloader{
		modelsDir: modelsDir,
		cfg:       cfg,
		client:    &http.Client{},
		log:       logger,
	}
}

func (d *Downloader) logger() *zerolog.Logger { return d.log }

// resolveURL joins a possibly-relative blobURL against the configured
// registry base.
func (d *Downloader) resolveURL(blobURL string) (string, error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return blobURL, nil
	}
	if d.cfg.RegistryBase == "" {
		return blobURL, nil
	}
	base, err := url.Parse(d.cfg.RegistryBase)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// Download implements the contract in spec.md §4.4. It returns the local
// path on success, or "" with a non-nil error otherwise. expectedSHA256 and
// ifNoneMatch are both optional (empty string disables them).
func (d *Downloader) Download(ctx context.Context, blobURL, outFilename string, progress ProgressFunc, expectedSHA256, ifNoneMatch string) (string, error) {
	resolved, err := d.resolveURL(blobURL)
	if err != nil {
		return "", &downloadFailedError{url: blobURL, reason: err.Error()}
	}

	outPath := filepath.Join(d.modelsDir, outFilename)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", &downloadFailedError{url: resolved, reason: err.Error()}
	}

	unlock := d.locks.Lock(outPath)
	defer unlock()

	preexisted := fileExists(outPath)

	if ifNoneMatch != "" {
		path, err := d.downloadConditional(ctx, resolved, outPath, progress, expectedSHA256, ifNoneMatch)
		if err != nil && !preexisted {
			os.Remove(outPath)
		}
		return path, err
	}

	path, err := d.downloadResumable(ctx, resolved, outPath, progress, expectedSHA256)
	if err != nil && !preexisted {
		os.Remove(outPath)
	}
	return path, err
}

// downloadConditional implements step 2 of spec.md §4.4.
func (d *Downloader) downloadConditional(ctx context.Context, resolved, outPath string, progress ProgressFunc, expectedSHA256, ifNoneMatch string) (string, error) {
	op := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
		if err != nil {
			return "", &downloadFailedError{url: resolved, reason: err.Error()}
		}
		req.Header.Set("If-None-Match", ifNoneMatch)

		resp, err := d.client.Do(req)
		if err != nil {
			return "", &downloadFailedError{url: resolved, reason: err.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified && fileExists(outPath) {
			return outPath, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", &downloadFailedError{url: resolved, reason: fmt.Sprintf("status %d", resp.StatusCode)}
		}

		if err := d.streamToFile(ctx, resp.Body, outPath, resp.ContentLength, progress, expectedSHA256, false); err != nil {
			if IsChecksumMismatch(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return outPath, nil
	}

	return d.retry(ctx, op)
}

// downloadResumable implements steps 3-6 of spec.md §4.4, including the
// checksum-mismatch-then-full-redownload-once policy.
func (d *Downloader) downloadResumable(ctx context.Context, resolved, outPath string, progress ProgressFunc, expectedSHA256 string) (string, error) {
	path, err := d.attemptResumable(ctx, resolved, outPath, progress, expectedSHA256)
	if err == nil {
		return path, nil
	}
	if !IsChecksumMismatch(err) {
		return "", err
	}

	// Checksum mismatch: discard and retry once as a full, non-resumed
	// download.
	os.Remove(outPath)
	path, err = d.attemptResumable(ctx, resolved, outPath, progress, expectedSHA256)
	if err != nil {
		os.Remove(outPath)
		return "", err
	}
	return path, nil
}

func (d *Downloader) attemptResumable(ctx context.Context, resolved, outPath string, progress ProgressFunc, expectedSHA256 string) (string, error) {
	op := func() (string, error) {
		offset := localSize(outPath)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
		if err != nil {
			return "", &downloadFailedError{url: resolved, reason: err.Error()}
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return "", &downloadFailedError{url: resolved, reason: err.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", &downloadFailedError{url: resolved, reason: fmt.Sprintf("status %d", resp.StatusCode)}
		}

		resuming := offset > 0 && resp.StatusCode == http.StatusPartialContent
		total := resp.ContentLength
		if resuming && total > 0 {
			total += offset
		}
		if err := d.streamToFile(ctx, resp.Body, outPath, total, progress, expectedSHA256, resuming); err != nil {
			if IsChecksumMismatch(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return outPath, nil
	}

	return d.retry(ctx, op)
}

// streamToFile copies src to outPath (appending when resuming, truncating
// otherwise), verifying a streaming digest when expectedSHA256 is set, and
// throttling via the configured rate limit.
func (d *Downloader) streamToFile(ctx context.Context, src io.Reader, outPath string, total int64, progress ProgressFunc, expectedSHA256 string, resuming bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	if resuming {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(outPath, flags, 0o644)
	if err != nil {
		return &downloadFailedError{url: outPath, reason: err.Error()}
	}
	defer f.Close()

	var acc *hashsum.Accumulator
	if expectedSHA256 != "" {
		acc = hashsum.NewAccumulator()
		if resuming {
			// A streaming digest can't be resumed from an on-disk offset
			// without rehashing the existing bytes; rehash them once so the
			// running digest covers the whole file.
			if existing, err := os.ReadFile(outPath); err == nil {
				acc.Update(existing)
			}
		}
	}

	var limiter *rate.Limiter
	if d.cfg.MaxBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.MaxBytesPerSec), d.cfg.ChunkSize)
	}

	buf := make([]byte, d.cfg.ChunkSize)
	var written int64
	if resuming {
		written = localSize(outPath)
	}
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return &downloadFailedError{url: outPath, reason: err.Error()}
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return &downloadFailedError{url: outPath, reason: err.Error()}
			}
			if acc != nil {
				acc.Update(buf[:n])
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &downloadFailedError{url: outPath, reason: readErr.Error()}
		}
	}

	if acc != nil {
		got := acc.Finalize()
		if got != expectedSHA256 {
			return &checksumMismatchError{url: outPath, expected: expectedSHA256, got: got}
		}
	}
	return nil
}

// retry runs op up to cfg.MaxRetries+1 times with fixed backoff.
func (d *Downloader) retry(ctx context.Context, op func() (string, error)) (string, error) {
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.cfg.Backoff)),
		backoff.WithMaxTries(uint(d.cfg.MaxRetries+1)),
	)
	if err != nil {
		return "", err
	}
	return result, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func localSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// keyedMutex grants per-path mutual exclusion for the duration of a write,
// matching spec.md's "best-effort per-file lock" requirement without
// needing a cross-process lock (that discipline lives in internal/modelsync
// for the ETag cache, which does need to survive process restarts).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
