package files

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"
)

// Fetcher retrieves remote content for a Lazy reference.
type Fetcher interface {
	// Kind names the fetch strategy; it selects the decoder on Unmarshal.
	Kind() string

	// Fetch writes the full content to w.
	Fetch(ctx context.Context, w io.Writer) error

	// Params are the serializable parameters needed to rebuild the fetcher.
	Params() map[string]string

	// Describe returns a human readable origin, such as a URL.
	Describe() string
}

// Sizer is implemented by fetchers that can report size without fetching.
type Sizer interface {
	RemoteSize(ctx context.Context) (int64, error)
}

// FetcherDecoder rebuilds a Fetcher from its Params.
type FetcherDecoder func(params map[string]string) (Fetcher, error)

var (
	fetcherMu sync.RWMutex
	fetchers  = map[string]FetcherDecoder{
		httpKind: func(p map[string]string) (Fetcher, error) {
			if p["url"] == "" {
				return nil, fmt.Errorf("http fetcher: missing url")
			}
			return &HTTPFetcher{URL: p["url"]}, nil
		},
	}
)

// RegisterFetcher makes a fetch strategy available to Unmarshal.
func RegisterFetcher(kind string, decode FetcherDecoder) {
	fetcherMu.Lock()
	defer fetcherMu.Unlock()
	fetchers[kind] = decode
}

func decodeFetcher(kind string, params map[string]string) (Fetcher, error) {
	fetcherMu.RLock()
	decode, ok := fetchers[kind]
	fetcherMu.RUnlock()
	if !ok {
		registered := make([]string, 0, len(fetchers))
		fetcherMu.RLock()
		for k := range fetchers {
			registered = append(registered, k)
		}
		fetcherMu.RUnlock()
		sort.Strings(registered)
		return nil, fmt.Errorf("unknown fetcher kind %q (registered: %v)", kind, registered)
	}
	return decode(params)
}

// Lazy defers fetching remote content until it is first accessed. A
// successful fetch is kept in the cache directory and reused; a failed
// fetch is reported and leaves the reference unfetched.
type Lazy struct {
	fetcher Fetcher
	meta

	mu    sync.Mutex
	local *CachedFile
}

// NewLazy creates a lazy reference. The name defaults to the base of the fetcher's origin.
func NewLazy(f Fetcher, opts ...Option) *Lazy {
	m := applyOptions(opts)
	if m.name == "" {
		m.name = path.Base(f.Describe())
	}
	return &Lazy{fetcher: f, meta: m}
}

// Fetcher returns the fetch strategy.
func (l *Lazy) Fetcher() Fetcher { return l.fetcher }

// Fetched reports whether a local copy is present.
func (l *Lazy) Fetched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local != nil
}

// Fetch downloads the content if it has not been already and returns the local copy.
func (l *Lazy) Fetch(ctx context.Context) (*CachedFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local != nil {
		return l.local, nil
	}

	dir := l.cache
	if dir == nil {
		var err error
		if dir, err = DefaultCacheDir(); err != nil {
			return nil, err
		}
	}

	local, err := dir.Create(l.name, func(w io.Writer) error {
		return l.fetcher.Fetch(ctx, w)
	}, WithName(l.name), WithEncoding(l.encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", l.fetcher.Describe(), err)
	}
	l.local = local
	return local, nil
}

// Release drops the local copy. The next access fetches again.
func (l *Lazy) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local == nil {
		return nil
	}
	err := l.local.Close()
	l.local = nil
	return err
}

// Open implements Reference.
func (l *Lazy) Open(mode, encoding string) (io.ReadCloser, error) {
	if _, err := parseMode(mode); err != nil {
		return nil, err
	}
	local, err := l.Fetch(context.Background())
	if err != nil {
		return nil, err
	}
	return local.Open(mode, pickEncoding(encoding, l.encoding))
}

// Put implements Reference.
func (l *Lazy) Put(dst string) (*LocalFile, error) {
	local, err := l.Fetch(context.Background())
	if err != nil {
		return nil, err
	}
	return local.Put(dst)
}

// Size implements Reference. It asks the origin when the content is not local yet.
func (l *Lazy) Size() (int64, error) {
	l.mu.Lock()
	local := l.local
	l.mu.Unlock()
	if local != nil {
		return local.Size()
	}
	if s, ok := l.fetcher.(Sizer); ok {
		if n, err := s.RemoteSize(context.Background()); err == nil {
			return n, nil
		}
	}
	fetched, err := l.Fetch(context.Background())
	if err != nil {
		return 0, err
	}
	return fetched.Size()
}

// Name implements Reference.
func (l *Lazy) Name() string { return l.name }

// Source implements Reference.
func (l *Lazy) Source() string { return l.fetcher.Describe() }

func (l *Lazy) String() string {
	state := "unfetched"
	if l.Fetched() {
		state = "fetched"
	}
	return fmt.Sprintf("<Lazy %s %s>", l.fetcher.Describe(), state)
}

const httpKind = "http"

// HTTPFetcher downloads content with a GET request.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (h *HTTPFetcher) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

// NewHTTP returns a lazy reference to url.
func NewHTTP(url string, opts ...Option) *Lazy {
	return NewLazy(&HTTPFetcher{URL: url}, opts...)
}

// Kind implements Fetcher.
func (h *HTTPFetcher) Kind() string { return httpKind }

// Describe implements Fetcher.
func (h *HTTPFetcher) Describe() string { return h.URL }

// Params implements Fetcher.
func (h *HTTPFetcher) Params() map[string]string { return map[string]string{"url": h.URL} }

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", h.URL, resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// RemoteSize implements Sizer with a HEAD request.
func (h *HTTPFetcher) RemoteSize(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, fmt.Errorf("HEAD %s: size unavailable (status %d)", h.URL, resp.StatusCode)
	}
	return resp.ContentLength, nil
}
