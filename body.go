package reqx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
)

// Body is the polymorphic request-body source of component D: a known or
// unknown length, a default content-type hint, a resumable byte source, and
// a reset so a redirect retry can re-send the body. Grounded on
// original_source's boost::requests::source interface (size/read_some/reset)
// and its form_source/file_source implementations.
type Body interface {
	// Size returns the body's length and whether it is known. An unknown
	// length causes the connection to use Transfer-Encoding: chunked.
	Size() (n int64, ok bool)
	// DefaultContentType is used iff the caller did not set Content-Type.
	DefaultContentType() string
	// ReadSome fills buf and reports how many bytes were written and
	// whether more data remains.
	ReadSome(buf []byte) (n int, more bool, err error)
	// Reset restarts the source from the beginning.
	Reset() error
}

// NoBody is the Body for requests that carry no payload (GET, HEAD, ...).
var NoBody Body = noBody{}

type noBody struct{}

func (noBody) Size() (int64, bool)                { return 0, true }
func (noBody) DefaultContentType() string         { return "" }
func (noBody) ReadSome([]byte) (int, bool, error) { return 0, false, nil }
func (noBody) Reset() error                       { return nil }

// BytesBody is a fixed in-memory body with a known length.
type BytesBody struct {
	data        []byte
	contentType string
	pos         int
}

// NewBytesBody wraps data as a Body, defaulting to
// application/octet-stream unless contentType is given.
func NewBytesBody(data []byte, contentType string) *BytesBody {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &BytesBody{data: data, contentType: contentType}
}

func (b *BytesBody) Size() (int64, bool)        { return int64(len(b.data)), true }
func (b *BytesBody) DefaultContentType() string { return b.contentType }
func (b *BytesBody) Reset() error               { b.pos = 0; return nil }

func (b *BytesBody) ReadSome(buf []byte) (int, bool, error) {
	if b.pos >= len(b.data) {
		return 0, false, nil
	}
	n := copy(buf, b.data[b.pos:])
	b.pos += n
	return n, b.pos < len(b.data), nil
}

// StringBody is a convenience constructor for a text body.
func StringBody(s, contentType string) *BytesBody {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	return NewBytesBody([]byte(s), contentType)
}

// JSONBody marshals v as application/json lazily on first Size/ReadSome
// call, matching teacher's NewRequest struct/map/slice-to-JSON behavior.
type JSONBody struct {
	v      any
	inner  *BytesBody
}

// NewJSONBody returns a Body that marshals v as JSON.
func NewJSONBody(v any) *JSONBody {
	return &JSONBody{v: v}
}

func (j *JSONBody) materialize() error {
	if j.inner != nil {
		return nil
	}
	data, err := json.Marshal(j.v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	j.inner = NewBytesBody(data, "application/json")
	return nil
}

func (j *JSONBody) Size() (int64, bool) {
	if err := j.materialize(); err != nil {
		return 0, false
	}
	return j.inner.Size()
}

func (j *JSONBody) DefaultContentType() string { return "application/json" }

func (j *JSONBody) ReadSome(buf []byte) (int, bool, error) {
	if err := j.materialize(); err != nil {
		return 0, false, err
	}
	return j.inner.ReadSome(buf)
}

func (j *JSONBody) Reset() error {
	if err := j.materialize(); err != nil {
		return err
	}
	return j.inner.Reset()
}

// FormBody serializes url.Values as application/x-www-form-urlencoded.
// Grounded on original_source's form_source (sources/form.hpp).
type FormBody struct {
	inner *BytesBody
}

// NewFormBody returns a Body encoding values as a URL-encoded form.
func NewFormBody(values url.Values) *FormBody {
	return &FormBody{inner: NewBytesBody([]byte(values.Encode()), "application/x-www-form-urlencoded")}
}

func (f *FormBody) Size() (int64, bool)        { return f.inner.Size() }
func (f *FormBody) DefaultContentType() string { return "application/x-www-form-urlencoded" }
func (f *FormBody) Reset() error               { return f.inner.Reset() }
func (f *FormBody) ReadSome(buf []byte) (int, bool, error) {
	return f.inner.ReadSome(buf)
}

// ReaderBody adapts an io.Reader with an unknown length; Reset only
// succeeds if the reader also implements io.Seeker, matching the spec's
// requirement that redirect retries which re-send the body call Reset.
type ReaderBody struct {
	r           io.Reader
	contentType string
}

// NewReaderBody wraps r as a chunked (unknown-length) Body.
func NewReaderBody(r io.Reader, contentType string) *ReaderBody {
	return &ReaderBody{r: r, contentType: contentType}
}

func (r *ReaderBody) Size() (int64, bool)        { return 0, false }
func (r *ReaderBody) DefaultContentType() string { return r.contentType }

func (r *ReaderBody) ReadSome(buf []byte) (int, bool, error) {
	n, err := r.r.Read(buf)
	if err == io.EOF {
		return n, false, nil
	}
	if err != nil {
		return n, false, fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	return n, true, nil
}

func (r *ReaderBody) Reset() error {
	seeker, ok := r.r.(io.Seeker)
	if !ok {
		return fmt.Errorf("%w: underlying reader is not seekable", ErrSourceIO)
	}
	_, err := seeker.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	return nil
}

// FileBody streams a file's contents as the request body, with a known
// length from os.Stat and seekable Reset.
type FileBody struct {
	path        string
	contentType string
	f           *os.File
	size        int64
}

// NewFileBody opens path lazily and uses contentType as the default
// Content-Type (resolved by callers via the mimetype package).
func NewFileBody(path, contentType string) *FileBody {
	return &FileBody{path: path, contentType: contentType}
}

func (fb *FileBody) open() error {
	if fb.f != nil {
		return nil
	}
	f, err := os.Open(fb.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	fb.f = f
	fb.size = info.Size()
	return nil
}

func (fb *FileBody) Size() (int64, bool) {
	if err := fb.open(); err != nil {
		return 0, false
	}
	return fb.size, true
}

func (fb *FileBody) DefaultContentType() string { return fb.contentType }

func (fb *FileBody) ReadSome(buf []byte) (int, bool, error) {
	if err := fb.open(); err != nil {
		return 0, false, err
	}
	n, err := fb.f.Read(buf)
	if err == io.EOF {
		return n, false, nil
	}
	if err != nil {
		return n, false, fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	return n, true, nil
}

func (fb *FileBody) Reset() error {
	if err := fb.open(); err != nil {
		return err
	}
	_, err := fb.f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceIO, err)
	}
	return nil
}

// Close releases the underlying file handle, if opened.
func (fb *FileBody) Close() error {
	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}
