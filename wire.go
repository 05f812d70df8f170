package reqx

import (
	"bufio"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is a multi-map of HTTP field values keyed by canonical name. The
// order of the values under one key is preserved (for Set-Cookie-style
// repeated headers); the order of keys is not, and wire output sorts them.
type Header map[string][]string

// Get returns the first value associated with key, canonicalized.
func (h Header) Get(key string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values associated with key.
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Set replaces any existing values for key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends value to any existing values for key.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// headerSorter produces deterministic wire order, adapted from
// fetch/http2/http2.go's sortedKeyValues (there used to order HTTP/2 header
// frames; here used to order an HTTP/1.1 request head so the same request
// serializes identically twice).
type headerSorter struct {
	keys []string
}

func (s *headerSorter) Len() int           { return len(s.keys) }
func (s *headerSorter) Swap(i, j int)      { s.keys[i], s.keys[j] = s.keys[j], s.keys[i] }
func (s *headerSorter) Less(i, j int) bool { return s.keys[i] < s.keys[j] }

func sortedHeaderKeys(h Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Sort(&headerSorter{keys})
	return keys
}

// validateHeaders rejects header names/values that are not legal to place
// on the wire, using the same golang.org/x/net/http/httpguts validators the
// teacher's http2 subpackage imports for its own (HTTP/2) header checks.
func validateHeaders(h Header) error {
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("%w: invalid header name %q", ErrBadFraming, k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: invalid header value for %q", ErrBadFraming, k)
			}
		}
	}
	return nil
}

// writeRequestHead serializes the request line and headers for method,
// path and host to w, framed by Transfer-Encoding: chunked when chunked is
// true (contentLength is then ignored) and by Content-Length otherwise.
func writeRequestHead(w *bufio.Writer, method, path, host string, header Header, contentLength int64, chunked bool) error {
	if err := validateHeaders(header); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, path); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Host: %s\r\n", host); err != nil {
		return err
	}
	if chunked {
		if _, err := w.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(w, "Content-Length: %s\r\n", strconv.FormatInt(contentLength, 10)); err != nil {
			return err
		}
	}
	for _, k := range sortedHeaderKeys(header) {
		for _, v := range header[k] {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// readStatusLine parses "HTTP/1.1 200 OK" into its parts.
func readStatusLine(tp *textproto.Reader) (proto string, status int, reason string, err error) {
	line, err := tp.ReadLine()
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: %v", ErrUnexpectedEOF, err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return "", 0, "", fmt.Errorf("%w: malformed status line %q", ErrBadFraming, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: malformed status code %q", ErrBadFraming, codeStr)
	}
	return proto, code, reason, nil
}

func toHeader(mh textproto.MIMEHeader) Header {
	h := make(Header, len(mh))
	for k, v := range mh {
		h[k] = v
	}
	return h
}

// mergeTrailers folds chunked-transfer trailer headers into the response
// header map, per RFC 7230 §4.1.2.
func mergeTrailers(h Header, trailer textproto.MIMEHeader) {
	for k, v := range trailer {
		h[k] = append(h[k], v...)
	}
}
