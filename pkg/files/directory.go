package files

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Directory is a read-only handle to a directory tree.
type Directory interface {
	// PutDir copies the tree to dst with cp -r semantics and returns the created path.
	PutDir(dst string) (string, error)

	// DirName is the base name of the directory.
	DirName() string
}

// LocalDirectory is a directory on the local filesystem.
type LocalDirectory struct {
	path string
}

// NewLocalDirectory references an existing directory.
func NewLocalDirectory(dir string) (*LocalDirectory, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &LocalDirectory{path: abs}, nil
}

// Path returns the absolute path of the directory.
func (d *LocalDirectory) Path() string { return d.path }

// DirName implements Directory.
func (d *LocalDirectory) DirName() string { return filepath.Base(d.path) }

// PutDir implements Directory.
func (d *LocalDirectory) PutDir(dst string) (string, error) {
	target, err := TargetPath(dst, d.DirName())
	if err != nil {
		return "", err
	}
	err = filepath.WalkDir(d.path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.path, p)
		if err != nil {
			return err
		}
		out := filepath.Join(target, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.MkdirAll(out, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, out)
		default:
			return copyFile(p, out)
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", d.path, err)
	}
	return target, nil
}

func (d *LocalDirectory) String() string { return fmt.Sprintf("<LocalDirectory %s>", d.path) }

// Archive is a directory stored inside a tar (optionally gzipped) file.
// Only members under DirName are extracted.
type Archive struct {
	archive string
	dirName string
}

// NewArchive references the directory dirName inside the tar file at archivePath.
func NewArchive(archivePath, dirName string) *Archive {
	return &Archive{archive: archivePath, dirName: strings.Trim(path.Clean(dirName), "/")}
}

// DirName implements Directory.
func (a *Archive) DirName() string { return path.Base(a.dirName) }

// PutDir implements Directory.
func (a *Archive) PutDir(dst string) (string, error) {
	target, err := TargetPath(dst, a.DirName())
	if err != nil {
		return "", err
	}

	f, err := os.Open(a.archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r, err := maybeGunzip(f)
	if err != nil {
		return "", err
	}

	prefix := a.dirName + "/"
	extracted := 0
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive %s: %w", a.archive, err)
		}

		name := strings.TrimPrefix(path.Clean(strings.TrimPrefix(hdr.Name, "./")), "/")
		var rel string
		switch {
		case name == a.dirName:
			rel = "."
		case strings.HasPrefix(name, prefix):
			rel = strings.TrimPrefix(name, prefix)
		default:
			continue
		}
		out, err := JoinLocal(target, rel)
		if err != nil {
			return "", err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(out, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return "", err
			}
			if err := writeMember(out, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(rel), hdr.Linkname)) {
				return "", fmt.Errorf("%w: link %s -> %s", ErrPathEscape, rel, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return "", err
			}
			if err := os.Symlink(hdr.Linkname, out); err != nil {
				return "", err
			}
		default:
			continue
		}
		extracted++
	}
	if extracted == 0 {
		return "", fmt.Errorf("archive %s has no entries under %s", a.archive, a.dirName)
	}
	return target, nil
}

func (a *Archive) String() string { return fmt.Sprintf("<Archive %s:%s>", a.archive, a.dirName) }

func writeMember(out string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

// LazyArchive is an Archive whose tar file is fetched on first use.
type LazyArchive struct {
	fetcher Fetcher
	dirName string
	cache   *CacheDir

	mu    sync.Mutex
	local *CachedFile
}

// NewLazyArchive combines a fetcher that produces a tar stream with the
// directory to extract from it. A nil cache uses DefaultCacheDir.
func NewLazyArchive(f Fetcher, dirName string, cache *CacheDir) *LazyArchive {
	return &LazyArchive{fetcher: f, dirName: dirName, cache: cache}
}

// DirName implements Directory.
func (l *LazyArchive) DirName() string { return path.Base(l.dirName) }

// Fetch downloads the archive if needed.
func (l *LazyArchive) Fetch(ctx context.Context) (*Archive, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local == nil {
		lazy := NewLazy(l.fetcher, WithName(l.DirName()+".tar"), WithCacheDir(l.cache))
		local, err := lazy.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		l.local = local
	}
	return NewArchive(l.local.Path(), l.dirName), nil
}

// PutDir implements Directory.
func (l *LazyArchive) PutDir(dst string) (string, error) {
	a, err := l.Fetch(context.Background())
	if err != nil {
		return "", err
	}
	return a.PutDir(dst)
}

func (l *LazyArchive) String() string {
	return fmt.Sprintf("<LazyArchive %s:%s>", l.fetcher.Describe(), l.dirName)
}
