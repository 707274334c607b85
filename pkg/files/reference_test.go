package files

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		wantBinary bool
		wantErr    error
	}{
		{name: "default text", mode: "", wantBinary: false},
		{name: "read", mode: "r", wantBinary: false},
		{name: "read text", mode: "rt", wantBinary: false},
		{name: "read binary", mode: "rb", wantBinary: true},
		{name: "binary and text", mode: "rbt", wantErr: ErrContradictoryMode},
		{name: "write", mode: "w", wantErr: ErrReadOnly},
		{name: "append", mode: "ab", wantErr: ErrReadOnly},
		{name: "update", mode: "r+", wantErr: ErrReadOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary, err := parseMode(tt.mode)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantBinary, binary)
		})
	}
}

func TestParseMode_UnknownCharacter(t *testing.T) {
	_, err := parseMode("rz")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrReadOnly))
}

func TestRead_MatchesOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))
	local, err := NewLocalFile(path)
	require.NoError(t, err)

	refs := []Reference{
		NewBytes([]byte("line one\nline two\n")),
		NewText("line one\nline two\n"),
		local,
	}
	for _, ref := range refs {
		t.Run(ref.String(), func(t *testing.T) {
			for _, mode := range []string{"r", "rb"} {
				rc, err := ref.Open(mode, "")
				require.NoError(t, err)
				buf, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())

				got, err := Read(ref, mode, "")
				require.NoError(t, err)
				require.Equal(t, buf, got)
			}
		})
	}
}

func TestUnicodeRoundTrip(t *testing.T) {
	const text = "Ω ≈ ç √ ∫ ˜ µ ≤ ≥ ÷ 中文 🚀"
	dir := t.TempDir()

	ref := NewText(text, WithName("unicode.txt"))
	put, err := ref.Put(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "unicode.txt"), put.Path())

	got, err := ReadString(put, "")
	require.NoError(t, err)
	require.Equal(t, text, got)

	raw, err := Read(put, "rb", "")
	require.NoError(t, err)
	require.Equal(t, []byte(text), raw)
}

func TestText_LegacyEncoding(t *testing.T) {
	ref := NewText("café", WithEncoding("iso-8859-1"))

	raw, err := Read(ref, "rb", "")
	require.NoError(t, err)
	require.Equal(t, []byte{'c', 'a', 'f', 0xe9}, raw)

	size, err := ref.Size()
	require.NoError(t, err)
	require.EqualValues(t, 4, size)
}

func TestBytes_StrictDecode(t *testing.T) {
	ref := NewBytes([]byte{0xff, 0xfe, 'a'})

	_, err := ReadString(ref, "")
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)

	raw, err := Read(ref, "rb", "")
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xfe, 'a'}, raw)
}

func TestText_UnencodableRune(t *testing.T) {
	ref := NewText("snowman ☃")
	_, err := Read(ref, "rb", "iso-8859-1")
	var encodeErr *EncodeError
	require.ErrorAs(t, err, &encodeErr)
}

func TestLines(t *testing.T) {
	ref := NewText("a\nb\n\nc")
	var got []string
	for line, err := range Lines(ref, "") {
		require.NoError(t, err)
		got = append(got, line)
	}
	require.Equal(t, []string{"a", "b", "", "c"}, got)
}

func TestOpen_RejectsWriteModes(t *testing.T) {
	refs := []Reference{NewBytes(nil), NewText("")}
	for _, ref := range refs {
		_, err := ref.Open("w", "")
		require.ErrorIs(t, err, ErrReadOnly)
		_, err = ref.Open("rbt", "")
		require.ErrorIs(t, err, ErrContradictoryMode)
	}
}
