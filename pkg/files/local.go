package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFile is a file on the local filesystem.
type LocalFile struct {
	path string
	meta
}

// NewLocalFile references an existing regular file.
func NewLocalFile(path string, opts ...Option) (*LocalFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	m := applyOptions(opts)
	if m.name == "" {
		m.name = filepath.Base(abs)
	}
	return &LocalFile{path: abs, meta: m}, nil
}

// Path returns the absolute path of the file.
func (f *LocalFile) Path() string { return f.path }

// Open implements Reference.
func (f *LocalFile) Open(mode, encoding string) (io.ReadCloser, error) {
	binary, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	if binary {
		return os.Open(f.path)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	return openBytes(data, "r", pickEncoding(encoding, f.encoding))
}

// Put implements Reference. The copy keeps the source's permission bits.
func (f *LocalFile) Put(dst string) (*LocalFile, error) {
	target, err := TargetPath(dst, f.name)
	if err != nil {
		return nil, err
	}
	if err := copyFile(f.path, target); err != nil {
		return nil, err
	}
	return NewLocalFile(target, WithEncoding(f.encoding))
}

// Size implements Reference.
func (f *LocalFile) Size() (int64, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Name implements Reference.
func (f *LocalFile) Name() string { return f.name }

// Source implements Reference.
func (f *LocalFile) Source() string { return f.path }

func (f *LocalFile) String() string { return fmt.Sprintf("<LocalFile %s>", f.path) }

// TargetPath resolves where Put writes, following cp: an existing directory
// receives a file called name, anything else must have an existing parent.
func TargetPath(dst, name string) (string, error) {
	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		if name == "" {
			return "", fmt.Errorf("cannot put unnamed content into directory %s", dst)
		}
		return filepath.Join(dst, filepath.Base(name)), nil
	}
	parent := filepath.Dir(dst)
	if fi, err := os.Stat(parent); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrParentMissing, parent)
	}
	return dst, nil
}

// JoinLocal joins a relative path onto root and rejects paths that would leave it.
func JoinLocal(root, rel string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

func copyFile(src, dst string) error {
	if same, _ := sameFile(src, dst); same {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, fi.Mode().Perm())
}

func sameFile(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(fa, fb), nil
}
