// Package files provides uniform, read-only handles to file content that may
// live in memory, on local disk, in a cache directory, or at a remote location
// that has not been fetched yet.
package files

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var (
	// ErrContradictoryMode is returned when a mode asks for both binary and text.
	ErrContradictoryMode = errors.New("mode requests both binary and text")

	// ErrReadOnly is returned when a mode asks for write, append or update access.
	ErrReadOnly = errors.New("file references are read-only")

	// ErrParentMissing is returned by Put when the destination's parent directory does not exist.
	ErrParentMissing = errors.New("destination parent directory does not exist")

	// ErrPathEscape is returned when a relative path would resolve outside its root.
	ErrPathEscape = errors.New("path escapes its root directory")
)

// DefaultEncoding is used when neither the caller nor the reference names one.
const DefaultEncoding = "utf-8"

// Reference is a read-only handle to a single file's content.
type Reference interface {
	// Open returns a stream positioned at the start of the content.
	// mode is made of 'r', 'b' and 't'. Text mode (the default) yields UTF-8.
	Open(mode, encoding string) (io.ReadCloser, error)

	// Put writes the content to dst with cp semantics and returns a
	// reference to the new file.
	Put(dst string) (*LocalFile, error)

	// Size reports the content length in bytes.
	Size() (int64, error)

	// Name is the base name used when the content is put into a directory.
	Name() string

	// Source describes where the content lives.
	Source() string

	String() string
}

// Read reads the whole content, equivalent to Open followed by io.ReadAll.
func Read(ref Reference, mode, encoding string) ([]byte, error) {
	rc, err := ref.Open(mode, encoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadString reads the whole content as text.
func ReadString(ref Reference, encoding string) (string, error) {
	b, err := Read(ref, "r", encoding)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Lines iterates over the text lines of the content. Line terminators are stripped.
func Lines(ref Reference, encoding string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rc, err := ref.Open("r", encoding)
		if err != nil {
			yield("", err)
			return
		}
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text(), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
		}
	}
}

// parseMode validates an open mode and reports whether it is binary.
func parseMode(mode string) (bool, error) {
	var binary, text bool
	for _, c := range mode {
		switch c {
		case 'r':
		case 'b':
			binary = true
		case 't':
			text = true
		case 'w', 'a', '+', 'x':
			return false, fmt.Errorf("mode %q: %w", mode, ErrReadOnly)
		default:
			return false, fmt.Errorf("invalid mode %q", mode)
		}
	}
	if binary && text {
		return false, fmt.Errorf("mode %q: %w", mode, ErrContradictoryMode)
	}
	return binary, nil
}

// options shared by the reference constructors.
type meta struct {
	name     string
	encoding string
	cache    *CacheDir
}

// Option configures a reference at construction.
type Option func(*meta)

// WithName sets the base name used by Put when the destination is a directory.
func WithName(name string) Option {
	return func(m *meta) { m.name = name }
}

// WithEncoding declares the text encoding of the underlying bytes.
func WithEncoding(encoding string) Option {
	return func(m *meta) { m.encoding = encoding }
}

// WithCacheDir sets where fetched or cached copies are stored.
func WithCacheDir(dir *CacheDir) Option {
	return func(m *meta) { m.cache = dir }
}

func applyOptions(opts []Option) meta {
	var m meta
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func pickEncoding(requested, declared string) string {
	if requested != "" {
		return requested
	}
	if declared != "" {
		return declared
	}
	return DefaultEncoding
}

// openBytes serves an in-memory byte slice in the given mode.
func openBytes(data []byte, mode, encoding string) (io.ReadCloser, error) {
	binary, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	if binary {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	text, err := Decode(data, encoding)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(text)), nil
}
