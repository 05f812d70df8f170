package reqx

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkedWriterRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	cw := &chunkedWriter{w: bw}
	require.NoError(t, cw.writeChunk([]byte("hello ")))
	require.NoError(t, cw.writeChunk([]byte("world")))
	require.NoError(t, cw.writeTrailer())
	require.NoError(t, bw.Flush())

	tp := textproto.NewReader(bufio.NewReader(&buf))
	cr := newChunkedReader(tp)
	data, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestChunkedReaderTrailer(t *testing.T) {
	t.Parallel()
	raw := "5\r\nhello\r\n0\r\nX-Checksum: abc\r\n\r\n"
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))
	cr := newChunkedReader(tp)
	data, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "abc", cr.Trailer().Get("X-Checksum"))
}

func TestChunkedReaderPrematureClose(t *testing.T) {
	t.Parallel()
	raw := "a\r\nhel"
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))
	cr := newChunkedReader(tp)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestLimitReaderUnexpectedEOFOnShortBody(t *testing.T) {
	t.Parallel()
	lr := &limitReader{r: strings.NewReader("short"), n: 10}
	_, err := io.ReadAll(lr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestLimitReaderExactLength(t *testing.T) {
	t.Parallel()
	lr := &limitReader{r: strings.NewReader("exact"), n: 5}
	data, err := io.ReadAll(lr)
	require.NoError(t, err)
	assert.Equal(t, "exact", string(data))
}
