package reqx

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// DecodeReader unwraps the Content-Encoding codings (gzip, deflate, br) a
// response may be layered under, last-applied coding first. Grounded
// directly on fetch/utils.go's DecodeReader of the same name.
func DecodeReader(encoding string, reader io.Reader) (io.Reader, error) {
	bodyReader := reader
	var err error
	encodings := strings.Split(encoding, ",")
	for i := len(encodings) - 1; i >= 0; i-- {
		encode := encodings[i]
		switch strings.TrimSpace(encode) {
		case "deflate":
			bodyReader, err = zlib.NewReader(bodyReader)
		case "gzip":
			bodyReader, err = gzip.NewReader(bodyReader)
		case "br":
			bodyReader = brotli.NewReader(bodyReader)
		case "":
			continue
		default:
			err = fmt.Errorf("unsupported compression type %s", encode)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
		}
	}
	return bodyReader, nil
}

// Bytes returns the response body, transparently decoding any
// Content-Encoding. Safe to call more than once; the result is cached.
func (r *Response) Bytes() ([]byte, error) {
	if r.decoded != nil {
		return r.decoded, nil
	}
	reader, err := DecodeReader(r.Header.Get("Content-Encoding"), bytes.NewReader(r.Body))
	if err != nil {
		if r.Header.Get("Content-Encoding") == "" {
			r.decoded = r.Body
			return r.decoded, nil
		}
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	r.decoded = data
	return data, nil
}

// Text decodes the response body to a UTF-8 string, detecting non-UTF-8
// charsets from the Content-Type header and body prefix the way fetch.Do
// detects them with golang.org/x/net/html/charset, unless
// disableCharsetDetect is true.
func (r *Response) Text(disableCharsetDetect bool) (string, error) {
	data, err := r.Bytes()
	if err != nil {
		return "", err
	}
	if disableCharsetDetect {
		return string(data), nil
	}
	reader, err := charset.NewReader(bytes.NewReader(data), r.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("charset detection error on content-type %s: %w", r.Header.Get("Content-Type"), err)
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return string(out), nil
}
