package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/jo-hoe/mediagen/internal/common"
	"github.com/jo-hoe/mediagen/internal/jobs"
)

// downloadTimeout bounds a shared download once no caller can cancel it.
const downloadTimeout = 10 * time.Minute

// ErrUncacheable is returned for URLs without a usable final path segment.
var ErrUncacheable = errors.New("url has no cacheable file name")

// Fetcher downloads remote media.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// MediaCache stores downloaded media on disk, keyed by the last path segment of the URL.
// Two URLs ending in the same file name share one entry.
type MediaCache struct {
	log     *slog.Logger
	root    string
	fetcher Fetcher
	group   singleflight.Group
}

var _ jobs.Processor = (*MediaCache)(nil)
var _ jobs.Evictor = (*MediaCache)(nil)

// NewMediaCache creates the cache directory if needed.
func NewMediaCache(root string, fetcher Fetcher, logger *slog.Logger) (*MediaCache, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MediaCache{log: logger.With("component", "media_cache"), root: abs, fetcher: fetcher}, nil
}

// Root returns the absolute cache directory.
func (c *MediaCache) Root() string { return c.root }

// Key returns the cache file name for rawURL.
func Key(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." || strings.HasPrefix(name, common.TempDownloadPrefix) {
		return "", ErrUncacheable
	}
	return name, nil
}

// Get reports the local path for rawURL if it is already cached.
func (c *MediaCache) Get(rawURL string) (string, bool) {
	key, err := Key(rawURL)
	if err != nil {
		return "", false
	}
	p := filepath.Join(c.root, key)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// FetchAndCache returns the local path for rawURL, downloading it on a miss.
// Concurrent callers for the same key share a single download; a caller whose ctx
// ends stops waiting while the download continues for the others.
func (c *MediaCache) FetchAndCache(ctx context.Context, rawURL string) (string, error) {
	if p, ok := c.Get(rawURL); ok {
		return p, nil
	}
	key, err := Key(rawURL)
	if err != nil {
		return "", err
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if p, ok := c.Get(rawURL); ok {
			return p, nil
		}
		// the download is shared, so one caller giving up must not fail the others
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
		defer cancel()
		return c.download(dctx, rawURL, key)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *MediaCache) download(ctx context.Context, rawURL, key string) (string, error) {
	if c.fetcher == nil {
		return "", errors.New("media cache has no fetcher")
	}
	body, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(c.root, 0o750); err != nil {
		return "", fmt.Errorf("ensure cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.root, common.TempDownloadPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write media: %w", errors.Join(copyErr, closeErr))
	}
	dst := filepath.Join(c.root, key)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("store media: %w", err)
	}
	c.log.Debug("media cached", "key", key, "bytes", n)
	return dst, nil
}

// Process implements jobs.Processor so the prefetch queue can warm the cache.
func (c *MediaCache) Process(ctx context.Context, item jobs.WorkItem) error {
	_, err := c.FetchAndCache(ctx, item.URL)
	return err
}

// Evict removes the local file behind ref. File URLs and absolute paths are deleted
// only when they live inside the cache root; remote URLs delete their cached entry.
func (c *MediaCache) Evict(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	var target string
	switch {
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return fmt.Errorf("parse file url: %w", err)
		}
		target = filepath.FromSlash(u.Path)
	case filepath.IsAbs(ref):
		target = ref
	default:
		key, err := Key(ref)
		if err != nil {
			return nil
		}
		target = filepath.Join(c.root, key)
	}
	if !c.contains(target) {
		c.log.Warn("refusing to delete file outside cache", "path", target)
		return nil
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cached media: %w", err)
	}
	return nil
}

func (c *MediaCache) contains(p string) bool {
	rel, err := filepath.Rel(c.root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Clear deletes every cached file and leaves an empty cache directory.
func (c *MediaCache) Clear() error {
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := os.MkdirAll(c.root, 0o750); err != nil {
		return fmt.Errorf("recreate cache dir: %w", err)
	}
	return nil
}

// SizeInBytes sums the sizes of all cached files, skipping in-flight downloads.
func (c *MediaCache) SizeInBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), common.TempDownloadPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk cache: %w", err)
	}
	return total, nil
}

// SizeString returns the cache size in human-readable form, e.g. "12 MB".
func (c *MediaCache) SizeString() (string, error) {
	n, err := c.SizeInBytes()
	if err != nil {
		return "", err
	}
	return humanize.Bytes(uint64(n)), nil
}
