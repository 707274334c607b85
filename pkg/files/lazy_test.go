package files

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLazy_FetchesOnce(t *testing.T) {
	var gets atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("Content-Length", "5")
		fmt.Fprint(w, "hello")
	}))
	defer server.Close()

	cache, err := NewCacheDir(t.TempDir())
	require.NoError(t, err)

	ref := NewHTTP(server.URL+"/outputs/greeting.txt", WithCacheDir(cache))
	require.False(t, ref.Fetched())
	require.Equal(t, "greeting.txt", ref.Name())

	size, err := ref.Size()
	require.NoError(t, err)
	require.EqualValues(t, 5, size)
	require.False(t, ref.Fetched(), "Size should use HEAD")

	for i := 0; i < 3; i++ {
		got, err := ReadString(ref, "")
		require.NoError(t, err)
		require.Equal(t, "hello", got)
	}
	require.True(t, ref.Fetched())
	require.EqualValues(t, 1, gets.Load())

	put, err := ref.Put(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "greeting.txt", filepath.Base(put.Path()))
	require.EqualValues(t, 1, gets.Load())
}

func TestLazy_FailureIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer server.Close()

	cache, err := NewCacheDir(t.TempDir())
	require.NoError(t, err)
	ref := NewHTTP(server.URL+"/x", WithCacheDir(cache))

	_, err = ReadString(ref, "")
	require.Error(t, err)
	require.False(t, ref.Fetched())

	entries, err := os.ReadDir(cache.Path())
	require.NoError(t, err)
	for _, e := range entries {
		require.Equal(t, lockName, e.Name(), "failed fetch left a partial file")
	}

	fail.Store(false)
	got, err := ReadString(ref, "")
	require.NoError(t, err)
	require.Equal(t, "recovered", got)
}

func TestLazy_Release(t *testing.T) {
	ref := NewLazy(&staticFetcher{name: "s.txt", data: []byte("static")})
	local, err := ref.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, ref.Release())
	require.False(t, ref.Fetched())
	_, err = os.Stat(local.Path())
	require.True(t, os.IsNotExist(err))
}

func TestMarshal_LazyKeepsOnlyParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "from origin")
	}))
	defer server.Close()

	ref := NewHTTP(server.URL+"/a.txt", WithEncoding("utf-8"))
	data, err := Marshal(ref)
	require.NoError(t, err)
	require.NotContains(t, string(data), "from origin")

	back, err := Unmarshal(data)
	require.NoError(t, err)
	lazy, ok := back.(*Lazy)
	require.True(t, ok)
	require.False(t, lazy.Fetched())

	got, err := ReadString(lazy, "")
	require.NoError(t, err)
	require.Equal(t, "from origin", got)
}

func TestMarshal_LocalCarriesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.txt")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))
	ref, err := NewLocalFile(path)
	require.NoError(t, err)

	data, err := Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	back, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "local.txt", back.Name())
	got, err := ReadString(back, "")
	require.NoError(t, err)
	require.Equal(t, "on disk", got)
}

func TestMarshalMap(t *testing.T) {
	refs := map[string]Reference{
		"a.txt":     NewText("alpha"),
		"sub/b.bin": NewBytes([]byte{1, 2, 3}),
	}
	data, err := MarshalMap(refs)
	require.NoError(t, err)

	back, err := UnmarshalMap(data)
	require.NoError(t, err)
	require.Len(t, back, 2)

	got, err := Read(back["sub/b.bin"], "rb", "")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestUnmarshal_UnknownFetcher(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"lazy","fetcher":"carrier-pigeon","params":{}}`))
	require.Error(t, err)
}

func TestRegisterFetcher(t *testing.T) {
	RegisterFetcher("static-test", func(p map[string]string) (Fetcher, error) {
		return &staticFetcher{name: p["name"], data: []byte(p["data"])}, nil
	})

	data, err := Marshal(NewLazy(&staticFetcher{name: "n.txt", data: []byte("payload")}))
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	got, err := ReadString(back, "")
	require.NoError(t, err)
	require.Equal(t, "payload", got)
}

func TestArchive_ExtractsOnlyDirectory(t *testing.T) {
	archive := writeTar(t, map[string]string{
		"results/":          "",
		"results/a.txt":     "A",
		"results/sub/b.txt": "B",
		"other/c.txt":       "C",
	})

	dst := t.TempDir()
	out, err := NewArchive(archive, "results").PutDir(dst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dst, "results"), out)

	b, err := os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "B", string(b))
	_, err = os.Stat(filepath.Join(dst, "other"))
	require.True(t, os.IsNotExist(err))
}

func TestArchive_RejectsTraversal(t *testing.T) {
	archive := writeTar(t, map[string]string{
		"results/../../evil.txt": "x",
		"results/ok.txt":         "ok",
	})
	dst := t.TempDir()
	_, err := NewArchive(archive, "results").PutDir(dst)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(filepath.Dir(dst), "evil.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dst, "results", "ok.txt"))
	require.NoError(t, err)
}

func TestArchive_EmptySelection(t *testing.T) {
	archive := writeTar(t, map[string]string{"other/c.txt": "C"})
	_, err := NewArchive(archive, "results").PutDir(t.TempDir())
	require.Error(t, err)
}

func TestLazyArchive(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry(t, tw, "out/x.txt", "x")
	require.NoError(t, tw.Close())

	cache, err := NewCacheDir(t.TempDir())
	require.NoError(t, err)
	lazy := NewLazyArchive(&staticFetcher{name: "out", data: buf.Bytes()}, "out", cache)
	require.Equal(t, "out", lazy.DirName())

	out, err := lazy.PutDir(t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(out, "x.txt"))
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestLocalDirectory_PutDir(t *testing.T) {
	src := filepath.Join(t.TempDir(), "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "f.txt"), []byte("f"), 0o644))

	dir, err := NewLocalDirectory(src)
	require.NoError(t, err)
	dst := t.TempDir()
	out, err := dir.PutDir(dst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dst, "tree"), out)

	got, err := os.ReadFile(filepath.Join(out, "nested", "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "f", string(got))
}

type staticFetcher struct {
	name string
	data []byte
}

func (s *staticFetcher) Kind() string     { return "static-test" }
func (s *staticFetcher) Describe() string { return "static://" + s.name }
func (s *staticFetcher) Params() map[string]string {
	return map[string]string{"name": s.name, "data": string(s.data)}
}
func (s *staticFetcher) Fetch(_ context.Context, w io.Writer) error {
	_, err := w.Write(s.data)
	return err
}

func writeTar(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range entries {
		writeEntry(t, tw, name, content)
	}
	require.NoError(t, tw.Close())
	return path
}

func writeEntry(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	if name[len(name)-1] == '/' {
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0o755
		hdr.Size = 0
	}
	require.NoError(t, tw.WriteHeader(hdr))
	if hdr.Typeflag == tar.TypeReg {
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
}
