package files

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Bytes is an in-memory byte payload with a declared text encoding.
type Bytes struct {
	data []byte
	meta
}

// NewBytes copies data into a new in-memory reference.
func NewBytes(data []byte, opts ...Option) *Bytes {
	return &Bytes{
		data: append([]byte(nil), data...),
		meta: applyOptions(opts),
	}
}

// Open implements Reference.
func (b *Bytes) Open(mode, encoding string) (io.ReadCloser, error) {
	return openBytes(b.data, mode, pickEncoding(encoding, b.encoding))
}

// Put implements Reference.
func (b *Bytes) Put(dst string) (*LocalFile, error) {
	return writeLocal(dst, b.name, b.data, b.encoding)
}

// Size implements Reference.
func (b *Bytes) Size() (int64, error) { return int64(len(b.data)), nil }

// Name implements Reference.
func (b *Bytes) Name() string { return b.name }

// Source implements Reference.
func (b *Bytes) Source() string { return "memory" }

func (b *Bytes) String() string {
	return fmt.Sprintf("<Bytes %q (%d bytes)>", b.name, len(b.data))
}

// Text is an in-memory string. Binary access returns the string encoded
// with the requested (or declared) encoding.
type Text struct {
	text string
	meta
}

// NewText creates a reference to text.
func NewText(text string, opts ...Option) *Text {
	return &Text{text: text, meta: applyOptions(opts)}
}

// Open implements Reference.
func (t *Text) Open(mode, encoding string) (io.ReadCloser, error) {
	binary, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	if !binary {
		return io.NopCloser(strings.NewReader(t.text)), nil
	}
	data, err := Encode(t.text, pickEncoding(encoding, t.encoding))
	if err != nil {
		return nil, err
	}
	return openBytes(data, "rb", "")
}

// Put implements Reference. The file is written in the declared encoding.
func (t *Text) Put(dst string) (*LocalFile, error) {
	data, err := Encode(t.text, pickEncoding("", t.encoding))
	if err != nil {
		return nil, err
	}
	return writeLocal(dst, t.name, data, t.encoding)
}

// Size implements Reference.
func (t *Text) Size() (int64, error) {
	data, err := Encode(t.text, pickEncoding("", t.encoding))
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Name implements Reference.
func (t *Text) Name() string { return t.name }

// Source implements Reference.
func (t *Text) Source() string { return "memory" }

func (t *Text) String() string {
	return fmt.Sprintf("<Text %q (%d chars)>", t.name, len([]rune(t.text)))
}

func writeLocal(dst, name string, data []byte, encoding string) (*LocalFile, error) {
	target, err := TargetPath(dst, name)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return NewLocalFile(target, WithEncoding(encoding))
}
