package jobengine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

// BundleCache extracts a checksum-verified bundle artifact into a
// deterministic on-disk directory once, then serves every subsequent
// acquire of the same (slug, version, checksum) from that directory.
// Entries are reference-counted: the directory is only eligible for
// TTL-based garbage collection once its refcount drops to zero.
type BundleCache struct {
	Root    string
	Backend bundlestore.Backend
	TTL     time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	dir       string
	refs      int
	idleSince time.Time
}

// NewBundleCache builds a BundleCache rooted at root, creating it if
// necessary.
func NewBundleCache(root string, backend bundlestore.Backend, ttl time.Duration) (*BundleCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle cache root: %w", err)
	}
	return &BundleCache{Root: root, Backend: backend, TTL: ttl, entries: map[string]*cacheEntry{}}, nil
}

func cacheKey(version *catalog.JobBundleVersion) string {
	return version.Slug + "@" + version.Version + "#" + version.Checksum
}

// Acquire ensures version's artifact is extracted on disk and returns its
// directory, incrementing the entry's refcount. Concurrent acquires of the
// same (slug, version, checksum) deduplicate onto one extraction: the
// first caller downloads and extracts while later callers block on the
// same mutex and then find the entry already populated.
func (c *BundleCache) Acquire(ctx context.Context, version *catalog.JobBundleVersion) (string, error) {
	key := cacheKey(version)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.refs++
		return entry.dir, nil
	}

	dir := filepath.Join(c.Root, bundlestore.SanitizeSegment(version.Slug, "bundle"), bundlestore.SanitizeSegment(version.Version, "v")+"-"+version.Checksum[:12])
	if _, statErr := os.Stat(dir); statErr != nil {
		if err := c.extract(ctx, version, dir); err != nil {
			return "", err
		}
	}

	c.entries[key] = &cacheEntry{dir: dir, refs: 1}
	obs.BundleCacheEntries.Set(float64(len(c.entries)))
	return dir, nil
}

// Release decrements version's refcount. The directory is not removed
// immediately; GC reclaims it after TTL once refs reach zero.
func (c *BundleCache) Release(version *catalog.JobBundleVersion) {
	key := cacheKey(version)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		entry.refs = 0
		entry.idleSince = time.Now()
	}
}

// GC removes cache directories whose refcount has been zero for longer
// than TTL. Intended to run on a periodic ticker.
func (c *BundleCache) GC(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.refs > 0 {
			continue
		}
		if now.Sub(entry.idleSince) < c.TTL {
			continue
		}
		_ = os.RemoveAll(entry.dir)
		delete(c.entries, key)
		removed++
	}
	obs.BundleCacheEntries.Set(float64(len(c.entries)))
	return removed
}

// RunGC ticks every interval until ctx is canceled, reclaiming idle cache
// directories past their TTL. Intended to run as its own goroutine
// alongside the job-run consumer loop.
func (c *BundleCache) RunGC(ctx context.Context, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.GC(time.Now()); removed > 0 {
				log.Info("bundle cache reclaimed idle entries", obs.Int("removed", removed))
			}
		}
	}
}

func (c *BundleCache) extract(ctx context.Context, version *catalog.JobBundleVersion, dir string) error {
	data, err := c.Backend.Get(ctx, version.ArtifactPath)
	if err != nil {
		return apperrors.Wrap(apperrors.KindNotFound, "fetch bundle artifact", err)
	}
	if got := bundlestore.Checksum(data); got != version.Checksum {
		return apperrors.New(apperrors.KindChecksumMismatch,
			fmt.Sprintf("bundle artifact checksum mismatch: expected %s got %s", version.Checksum, got))
	}
	if err := untarInto(data, dir); err != nil {
		return apperrors.Wrap(apperrors.KindDependencyFailed, "extract bundle artifact", err)
	}
	return nil
}

// untarInto gunzips+untars data into dir, rejecting any entry whose path
// would escape dir.
func untarInto(data []byte, dir string) error {
	tmp := dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target := filepath.Join(tmp, filepath.Clean(hdr.Name))
		rel, err := filepath.Rel(tmp, target)
		if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == "../" {
			return fmt.Errorf("tar entry escapes bundle directory: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}

	return os.Rename(tmp, dir)
}
