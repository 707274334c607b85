package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const lockName = ".lock"

// CacheDir is a directory holding temporary local copies of file content.
// Creation takes a shared lock on the directory and Prune an exclusive one,
// so several processes may share one cache.
type CacheDir struct {
	path string
}

var (
	defaultCacheOnce sync.Once
	defaultCache     *CacheDir
	defaultCacheErr  error
)

// DefaultCacheDir returns the process-wide cache under the system temp directory.
func DefaultCacheDir() (*CacheDir, error) {
	defaultCacheOnce.Do(func() {
		defaultCache, defaultCacheErr = NewCacheDir(filepath.Join(os.TempDir(), "ccc_file_cache"))
	})
	return defaultCache, defaultCacheErr
}

// NewCacheDir creates path if needed and returns a cache rooted there.
func NewCacheDir(path string) (*CacheDir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", path, err)
	}
	return &CacheDir{path: path}, nil
}

// Path returns the cache directory.
func (d *CacheDir) Path() string { return d.path }

// Create writes a new cached file named after name, filled by fill.
// A failed fill leaves nothing behind.
func (d *CacheDir) Create(name string, fill func(w io.Writer) error, opts ...Option) (*CachedFile, error) {
	lock := flock.New(filepath.Join(d.path, lockName))
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "content"
	}
	path := filepath.Join(d.path, uuid.NewString()+"-"+base)

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := fill(out); err != nil {
		out.Close()
		os.Remove(path)
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	m := applyOptions(opts)
	if m.name == "" {
		m.name = base
	}
	return newCachedFile(path, m), nil
}

// Prune removes cached files last modified more than maxAge ago and
// returns how many were removed.
func (d *CacheDir) Prune(maxAge time.Duration) (int, error) {
	lock := flock.New(filepath.Join(d.path, lockName))
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.Name() == lockName || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.path, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// CachedFile is a LocalFile owned by a cache directory. Close deletes it.
// Files that are never closed are removed once the CachedFile is garbage collected.
type CachedFile struct {
	*LocalFile
	once    sync.Once
	cleanup runtime.Cleanup
}

func newCachedFile(path string, m meta) *CachedFile {
	c := &CachedFile{LocalFile: &LocalFile{path: path, meta: m}}
	c.cleanup = runtime.AddCleanup(c, func(p string) { _ = os.Remove(p) }, path)
	return c
}

// Close removes the cached copy. It is safe to call more than once.
func (c *CachedFile) Close() error {
	var err error
	c.once.Do(func() {
		c.cleanup.Stop()
		if rmErr := os.Remove(c.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

func (c *CachedFile) String() string { return fmt.Sprintf("<CachedFile %s>", c.path) }

// Cache copies any reference into dir. A nil dir uses DefaultCacheDir.
func Cache(ref Reference, dir *CacheDir) (*CachedFile, error) {
	if dir == nil {
		var err error
		if dir, err = DefaultCacheDir(); err != nil {
			return nil, err
		}
	}
	encoding := ""
	if e, ok := ref.(interface{ declaredEncoding() string }); ok {
		encoding = e.declaredEncoding()
	}
	return dir.Create(ref.Name(), func(w io.Writer) error {
		rc, err := ref.Open("rb", "")
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return err
	}, WithName(ref.Name()), WithEncoding(encoding))
}

func (m meta) declaredEncoding() string { return m.encoding }
