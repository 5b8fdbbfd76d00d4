// Package imagecache keeps badge and emoji images on local disk, keyed by a
// hash of their remote URL.
package imagecache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/you/chzzk-chat/internal/core"
)

// Kind selects the on-disk partition of an image.
type Kind string

const (
	KindBadge Kind = "badges"
	KindEmoji Kind = "emojis"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultWorkers = 4

	maxImageBytes = 5 << 20
)

// ParseKind maps a directory name back to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindBadge:
		return KindBadge, true
	case KindEmoji:
		return KindEmoji, true
	default:
		return "", false
	}
}

// CachedImage is a resolved local copy of a remote image.
type CachedImage struct {
	Kind Kind
	URL  string
	Path string
}

type Options struct {
	HTTP       *http.Client
	Timeout    time.Duration
	Workers    int
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type entry struct {
	path string
	ok   bool
}

// Cache memoizes image lookups for the life of the process. Failed fetches are
// remembered too, so a broken URL is requested at most once per run.
type Cache struct {
	dir     string
	http    *http.Client
	timeout time.Duration
	workers int
	logger  *slog.Logger
	lookups *prometheus.CounterVec

	mu      sync.Mutex
	entries map[string]entry

	group singleflight.Group
	sem   *semaphore.Weighted
}

// New prepares dir/badges and dir/emojis and returns a cache rooted at dir.
func New(dir string, opts Options) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("imagecache: dir is required")
	}
	for _, kind := range []Kind{KindBadge, KindEmoji} {
		if err := os.MkdirAll(filepath.Join(dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("imagecache: create %s dir: %w", kind, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chzzk",
		Name:      "image_cache_lookups_total",
		Help:      "Image cache lookups by result",
	}, []string{"result"})
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(lookups); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					lookups = existing
				}
			}
		}
	}

	return &Cache{
		dir:     dir,
		http:    client,
		timeout: opts.Timeout,
		workers: opts.Workers,
		logger:  logger,
		lookups: lookups,
		entries: make(map[string]entry),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

func (c *Cache) Dir() string { return c.dir }

// FileName is the on-disk name for url: the MD5 hex digest plus .gif when the
// URL mentions one, .png otherwise.
func FileName(url string) string {
	sum := md5.Sum([]byte(url))
	ext := ".png"
	if strings.Contains(url, ".gif") {
		ext = ".gif"
	}
	return hex.EncodeToString(sum[:]) + ext
}

func (c *Cache) pathFor(kind Kind, url string) string {
	return filepath.Join(c.dir, string(kind), FileName(url))
}

// Resolve returns the local copy of url, downloading it on first use. The
// second result is false when the image is unavailable and the caller should
// fall back to the remote URL.
func (c *Cache) Resolve(ctx context.Context, kind Kind, url string) (CachedImage, bool) {
	url = strings.TrimSpace(url)
	if url == "" {
		return CachedImage{}, false
	}
	key := string(kind) + "\x00" + url

	if e, ok := c.lookup(key); ok {
		if e.ok {
			c.observe("memory")
			return CachedImage{Kind: kind, URL: url, Path: e.path}, true
		}
		c.observe("negative")
		return CachedImage{}, false
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.lookup(key); ok {
			return e, nil
		}
		path := c.pathFor(kind, url)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			c.store(key, entry{path: path, ok: true})
			c.observe("disk")
			return entry{path: path, ok: true}, nil
		}
		if err := c.fetch(ctx, url, path); err != nil {
			c.logger.Warn("imagecache: fetch failed", "kind", kind, "url", url, "err", err)
			c.store(key, entry{})
			c.observe("failed")
			return entry{}, nil
		}
		c.store(key, entry{path: path, ok: true})
		c.observe("fetched")
		return entry{path: path, ok: true}, nil
	})

	e, _ := v.(entry)
	if !e.ok {
		return CachedImage{}, false
	}
	return CachedImage{Kind: kind, URL: url, Path: e.path}, true
}

// BadgePath returns the local path of a badge image, or "".
func (c *Cache) BadgePath(ctx context.Context, url string) string {
	img, _ := c.Resolve(ctx, KindBadge, url)
	return img.Path
}

// EmojiPath returns the local path of an emoji image, or "".
func (c *Cache) EmojiPath(ctx context.Context, url string) string {
	img, _ := c.Resolve(ctx, KindEmoji, url)
	return img.Path
}

// Resolved holds a display reference for every image of an event: the local
// path when cached, the remote URL otherwise.
type Resolved struct {
	Badges []string
	Emojis map[string]string
}

// ResolveEvent resolves all badge and emoji images of ev concurrently.
func (c *Cache) ResolveEvent(ctx context.Context, ev core.ChatEvent) Resolved {
	out := Resolved{
		Badges: make([]string, len(ev.BadgeURLs)),
		Emojis: make(map[string]string, len(ev.Emojis)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, url := range ev.BadgeURLs {
		g.Go(func() error {
			ref := url
			if img, ok := c.Resolve(gctx, KindBadge, url); ok {
				ref = img.Path
			}
			out.Badges[i] = ref
			return nil
		})
	}
	for token, url := range ev.Emojis {
		g.Go(func() error {
			ref := url
			if img, ok := c.Resolve(gctx, KindEmoji, url); ok {
				ref = img.Path
			}
			mu.Lock()
			out.Emojis[token] = ref
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Cache) lookup(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache) store(key string, e entry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Cache) observe(result string) {
	c.lookups.WithLabelValues(result).Inc()
}

// fetch downloads url into path. The download is detached from the caller's
// cancellation since other callers may be waiting on the same result.
func (c *Cache) fetch(ctx context.Context, url, path string) error {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.sem.Acquire(fetchCtx, 1); err != nil {
		return fmt.Errorf("wait for worker: %w", err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxImageBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > maxImageBytes {
		err = fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	if err == nil && n == 0 {
		err = errors.New("empty body")
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename image: %w", err)
	}
	return nil
}
