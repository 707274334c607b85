package files

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// DecodeError reports bytes that are not valid in the declared encoding.
type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("content is not valid %s: %v", e.Encoding, e.Err)
	}
	return fmt.Sprintf("content is not valid %s", e.Encoding)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports text that cannot be represented in the requested encoding.
type EncodeError struct {
	Encoding string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("text cannot be encoded as %s: %v", e.Encoding, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// lookupEncoding resolves an IANA or WHATWG encoding label.
func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		name = DefaultEncoding
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// Decode converts data in the named encoding to a UTF-8 string.
// Invalid input is an error; no replacement characters are substituted.
func Decode(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", &DecodeError{Encoding: name, Err: err}
	}
	// The x/text decoders substitute U+FFFD for bad input. A lossless
	// round trip is the only way to tell that apart from a real U+FFFD.
	back, err := enc.NewEncoder().Bytes(decoded)
	if err != nil || !bytes.Equal(back, data) {
		return "", &DecodeError{Encoding: name, Err: err}
	}
	return string(decoded), nil
}

// Encode converts a UTF-8 string to the named encoding.
func Encode(text, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, &EncodeError{Encoding: name, Err: err}
	}
	return out, nil
}
