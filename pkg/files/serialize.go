package files

import (
	"encoding/json"
	"fmt"
)

// Serialized kinds.
const (
	kindBytes = "bytes"
	kindText  = "text"
	kindLazy  = "lazy"
)

type envelope struct {
	Kind     string            `json:"kind"`
	Name     string            `json:"name,omitempty"`
	Encoding string            `json:"encoding,omitempty"`
	Content  []byte            `json:"content,omitempty"`
	Text     string            `json:"text,omitempty"`
	Fetcher  string            `json:"fetcher,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Marshal serializes a reference. In-memory and local references carry
// their content; lazy references carry only what is needed to fetch again,
// so an unmarshaled copy refetches from the origin.
func Marshal(ref Reference) ([]byte, error) {
	env, err := toEnvelope(ref)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(ref Reference) (*envelope, error) {
	switch r := ref.(type) {
	case *Lazy:
		return &envelope{
			Kind:     kindLazy,
			Name:     r.name,
			Encoding: r.encoding,
			Fetcher:  r.fetcher.Kind(),
			Params:   r.fetcher.Params(),
		}, nil
	case *Text:
		return &envelope{Kind: kindText, Name: r.name, Encoding: r.encoding, Text: r.text}, nil
	default:
		data, err := Read(ref, "rb", "")
		if err != nil {
			return nil, fmt.Errorf("failed to read %s for serialization: %w", ref.Source(), err)
		}
		env := &envelope{Kind: kindBytes, Name: ref.Name(), Content: data}
		if e, ok := ref.(interface{ declaredEncoding() string }); ok {
			env.Encoding = e.declaredEncoding()
		}
		return env, nil
	}
}

// Unmarshal rebuilds a reference produced by Marshal.
func Unmarshal(data []byte) (Reference, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid file reference: %w", err)
	}
	return env.reference()
}

func (env *envelope) reference() (Reference, error) {
	opts := []Option{WithName(env.Name), WithEncoding(env.Encoding)}
	switch env.Kind {
	case kindBytes:
		return NewBytes(env.Content, opts...), nil
	case kindText:
		return NewText(env.Text, opts...), nil
	case kindLazy:
		f, err := decodeFetcher(env.Fetcher, env.Params)
		if err != nil {
			return nil, err
		}
		return NewLazy(f, opts...), nil
	default:
		return nil, fmt.Errorf("unknown file reference kind %q", env.Kind)
	}
}

// MarshalMap serializes a set of references keyed by path.
func MarshalMap(refs map[string]Reference) ([]byte, error) {
	out := make(map[string]*envelope, len(refs))
	for name, ref := range refs {
		env, err := toEnvelope(ref)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = env
	}
	return json.MarshalIndent(out, "", "  ")
}

// UnmarshalMap rebuilds references produced by MarshalMap.
func UnmarshalMap(data []byte) (map[string]Reference, error) {
	var raw map[string]*envelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid file manifest: %w", err)
	}
	refs := make(map[string]Reference, len(raw))
	for name, env := range raw {
		ref, err := env.reference()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		refs[name] = ref
	}
	return refs, nil
}
