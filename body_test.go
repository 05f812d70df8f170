package reqx

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainBody(t *testing.T, b Body) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4)
	for {
		n, more, err := b.ReadSome(buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
		if !more {
			break
		}
	}
	return string(out)
}

func TestBytesBodyReadAndReset(t *testing.T) {
	t.Parallel()
	b := NewBytesBody([]byte("hello world"), "")
	n, ok := b.Size()
	require.True(t, ok)
	assert.EqualValues(t, 11, n)
	assert.Equal(t, "hello world", drainBody(t, b))

	require.NoError(t, b.Reset())
	assert.Equal(t, "hello world", drainBody(t, b))
	assert.Equal(t, "application/octet-stream", b.DefaultContentType())
}

func TestJSONBodyMarshalsLazily(t *testing.T) {
	t.Parallel()
	b := NewJSONBody(map[string]int{"n": 1})
	assert.Equal(t, "application/json", b.DefaultContentType())
	n, ok := b.Size()
	require.True(t, ok)
	assert.Greater(t, n, int64(0))
	assert.JSONEq(t, `{"n":1}`, drainBody(t, b))
}

func TestFormBodyEncodesValues(t *testing.T) {
	t.Parallel()
	b := NewFormBody(map[string][]string{"a": {"1"}, "b": {"2"}})
	assert.Equal(t, "application/x-www-form-urlencoded", b.DefaultContentType())
	assert.Equal(t, "a=1&b=2", drainBody(t, b))
}

func TestReaderBodyUnknownLengthAndNonSeekableReset(t *testing.T) {
	t.Parallel()
	b := NewReaderBody(io.NopCloser(strings.NewReader("stream me")), "text/plain")
	_, ok := b.Size()
	assert.False(t, ok)
	assert.Equal(t, "stream me", drainBody(t, b))
	assert.Error(t, b.Reset()) // io.NopCloser wrapper has no Seek method
}

func TestNoBodyIsEmptyAndKnownLength(t *testing.T) {
	t.Parallel()
	n, ok := NoBody.Size()
	assert.True(t, ok)
	assert.Zero(t, n)
	assert.Equal(t, "", drainBody(t, NoBody))
}
