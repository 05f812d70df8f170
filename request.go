package reqx

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"text/template"
)

// Request is the outgoing request value Session operations take: a method,
// a fully-qualified URL, headers, a body source, and the redirect/TLS
// policy for this call.
type Request struct {
	Method  string
	URL     *url.URL
	Header  Header
	Body    Body
	Options RequestOptions
}

// NewRequest builds a Request from a method, an absolute URL, and a body.
// Pass NoBody for requests without a payload. Adapted from
// fetch.NewRequest, trimmed to this module's own Body abstraction instead
// of fetch's any-typed body-sniffing (callers pick NewJSONBody/NewFormBody/
// etc. explicitly).
func NewRequest(method, rawURL string, body Body) (*Request, error) {
	if !validMethod(method) {
		return nil, fmt.Errorf("%w: invalid method %q", ErrInvalidURL, method)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	if body == nil {
		body = NoBody
	}
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     u,
		Header:  Header{},
		Body:    body,
		Options: DefaultRequestOptions(),
	}, nil
}

var requestBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func freeRequestBuffer(buf *bytes.Buffer) {
	buf.Reset()
	requestBufPool.Put(buf)
}

// NewTemplateRequest executes tpl with arg and parses the result as a raw
// HTTP/1.1 request, adapted from fetch.NewTemplateRequest.
func NewTemplateRequest(tpl *template.Template, arg any) (*Request, error) {
	buf := requestBufPool.Get().(*bytes.Buffer)
	defer freeRequestBuffer(buf)
	if err := tpl.Execute(buf, arg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	// https://github.com/golang/go/issues/24963
	return ReadRequest(strings.ReplaceAll(buf.String(), "<no value>", ""))
}

// ReadRequest parses a raw HTTP/1.1 request (request line, headers,
// optional body) into a Request. Adapted from fetch.ReadRequest; this
// module has no net/http.Request to target, so validMethod/shouldClose/
// fixPragmaCacheControl below are small reimplementations rather than
// linked into net/http's unexported copies. shouldClose is consulted again
// in conn.go's writeRequest, on the outgoing request's own header, to
// decide whether the connection may be pooled after the exchange.
func ReadRequest(raw string) (*Request, error) {
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	method, rawURI, proto := parseRequestLine(line)
	if !validMethod(method) {
		return nil, fmt.Errorf("%w: invalid method %q", ErrInvalidURL, method)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return nil, fmt.Errorf("%w: malformed HTTP version %q", ErrInvalidURL, proto)
	}
	u, err := url.ParseRequestURI(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrBadFraming, err)
	}
	header := toHeader(mh)
	if len(header.Values("Host")) > 1 {
		return nil, fmt.Errorf("%w: too many Host headers", ErrInvalidURL)
	}
	if u.Host == "" {
		u.Host = header.Get("Host")
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	fixPragmaCacheControl(header)

	req := &Request{Method: method, URL: u, Header: header, Body: NoBody, Options: DefaultRequestOptions()}

	if method != "HEAD" && tp.R.Buffered() > 0 {
		body := requestBufPool.Get().(*bytes.Buffer)
		defer freeRequestBuffer(body)
		if _, err := tp.R.WriteTo(body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if body.Len() > 0 {
			req.Body = NewBytesBody(append([]byte(nil), body.Bytes()...), header.Get("Content-Type"))
		}
	}
	return req, nil
}

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts,
// defaulting the proto to HTTP/1.1 the way fetch.parseRequestLine does.
func parseRequestLine(line string) (method, requestURI, proto string) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 {
		return "GET", line, "HTTP/1.1"
	}
	if !ok2 {
		return method, requestURI, "HTTP/1.1"
	}
	return method, requestURI, proto
}

// validMethod reports whether method is a legal HTTP token, per RFC 7230
// §3.1.1. A reimplementation of net/http's unexported validMethod.
func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for _, r := range method {
		if r <= ' ' || r > '~' {
			return false
		}
		switch r {
		case '"', '(', ')', ',', '/', ':', ';', '<', '=', '>', '?', '@', '[', ']', '\\', '{', '}':
			return false
		}
	}
	return true
}

// fixPragmaCacheControl mirrors the legacy HTTP/1.0 compatibility rule in
// net/http's unexported fixPragmaCacheControl: a bare "Pragma: no-cache"
// with no Cache-Control is treated as "Cache-Control: no-cache".
func fixPragmaCacheControl(header Header) {
	if v := header.Values("Pragma"); len(v) > 0 && v[0] == "no-cache" {
		if _, ok := header["Cache-Control"]; !ok {
			header.Set("Cache-Control", "no-cache")
		}
	}
}

// shouldClose reports whether a request or response's Connection header
// and protocol version together demand the connection close afterward. A
// reimplementation of net/http's unexported shouldClose.
func shouldClose(proto10 bool, header Header) bool {
	conn := strings.ToLower(header.Get("Connection"))
	if hasToken(conn, "close") {
		return true
	}
	if proto10 {
		return !hasToken(conn, "keep-alive")
	}
	return false
}
