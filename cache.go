package reqx

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/shiroyk/reqx/httpdate"
)

// Cache stores serialized responses keyed by request. Grounded on
// fetch/cache.go's Cache interface of the same shape.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, timeout time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachePolicy selects how aggressively CachingSession reuses a cached
// response. Grounded on fetch/cache.go's Policy (this implementation
// copyright geziyor authors: https://github.com/geziyor/geziyor, inherited
// by the teacher and carried forward here).
type CachePolicy string

const (
	// CacheDummy has no awareness of Cache-Control: every GET or HEAD
	// response to a request without a Range header is cached and replayed
	// verbatim on the next identical request.
	CacheDummy CachePolicy = "dummy"
	// CacheRFC2616 honors Cache-Control/Expires/Vary/ETag/Last-Modified.
	CacheRFC2616 CachePolicy = "rfc2616"

	// XFromCache marks a Response that was satisfied from the cache.
	XFromCache = "X-From-Cache"
)

const (
	stale = iota
	fresh
	transparent
)

// CachingSession wraps a Session with response caching, the way
// fetch.CacheTransport wraps an http.RoundTripper. Session itself stays
// cache-unaware; callers opt in by routing Request calls through here
// instead.
type CachingSession struct {
	Policy              CachePolicy
	Cache               Cache
	MarkCachedResponses bool
	Session             *Session
}

// NewCachingSession returns a CachingSession with the RFC2616 policy and
// cache-hit marking enabled, mirroring fetch.NewCacheTransport's defaults.
func NewCachingSession(session *Session, cache Cache) *CachingSession {
	return &CachingSession{Policy: CacheRFC2616, Cache: cache, MarkCachedResponses: true, Session: session}
}

func cacheKey(req *Request) string {
	if req.Method == "GET" {
		return req.URL.String()
	}
	return req.Method + " " + req.URL.String()
}

func encodeResponse(res *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResponse(data []byte) (*Response, error) {
	var res Response
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *CachingSession) cached(ctx context.Context, req *Request) *Response {
	data, err := c.Cache.Get(ctx, cacheKey(req))
	if err != nil || data == nil {
		return nil
	}
	res, err := decodeResponse(data)
	if err != nil {
		return nil
	}
	return res
}

// Request dispatches req through the cache policy, falling back to
// c.Session.Request on a miss or a policy-driven revalidation.
func (c *CachingSession) Request(ctx context.Context, req *Request) (*Response, error) {
	if c.Policy == CacheDummy {
		return c.requestDummy(ctx, req)
	}
	return c.requestRFC2616(ctx, req)
}

func (c *CachingSession) requestDummy(ctx context.Context, req *Request) (*Response, error) {
	key := cacheKey(req)
	cacheable := (req.Method == "GET" || req.Method == "HEAD") && req.Header.Get("Range") == ""
	if cacheable {
		if res := c.cached(ctx, req); res != nil {
			if c.MarkCachedResponses {
				res.Header.Set(XFromCache, "1")
			}
			return res, nil
		}
	} else {
		_ = c.Cache.Del(ctx, key)
	}

	res, err := c.Session.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if data, err := encodeResponse(res); err == nil {
			_ = c.Cache.Set(ctx, key, data, 0)
		}
	}
	return res, nil
}

// requestRFC2616 honors Cache-Control freshness, revalidating a stale entry
// with If-None-Match/If-Modified-Since before falling through to a full
// request. Adapted from fetch.CacheTransport.RoundTripRFC2616.
func (c *CachingSession) requestRFC2616(ctx context.Context, req *Request) (*Response, error) {
	key := cacheKey(req)
	cacheable := (req.Method == "GET" || req.Method == "HEAD") && req.Header.Get("Range") == ""
	cachedRes := c.cached(ctx, req)

	if cacheable && cachedRes != nil {
		if c.MarkCachedResponses {
			cachedRes.Header.Set(XFromCache, "1")
		}
		if varyMatches(cachedRes, req) {
			switch getFreshness(cachedRes.Header, req.Header) {
			case fresh:
				return cachedRes, nil
			case stale:
				if etag := cachedRes.Header.Get("Etag"); etag != "" && req.Header.Get("If-None-Match") == "" {
					req.Header.Set("If-None-Match", etag)
				}
				if lm := cachedRes.Header.Get("Last-Modified"); lm != "" && req.Header.Get("If-Modified-Since") == "" {
					req.Header.Set("If-Modified-Since", lm)
				}
			}
		}

		res, err := c.Session.Request(ctx, req)
		switch {
		case err == nil && req.Method == "GET" && res.Status == 304:
			for _, h := range getEndToEndHeaders(res.Header) {
				cachedRes.Header[h] = res.Header[h]
			}
			return cachedRes, nil
		case (err != nil || (res != nil && res.Status >= 500)) && req.Method == "GET" && canStaleOnError(cachedRes.Header, req.Header):
			return cachedRes, nil
		default:
			if err != nil {
				return nil, err
			}
			if res.Status != 200 {
				_ = c.Cache.Del(ctx, key)
			}
			c.maybeStore(ctx, req, res, cacheable)
			return res, nil
		}
	}

	if _, ok := parseCacheControl(req.Header)["only-if-cached"]; ok {
		return nil, fmt.Errorf("%w: only-if-cached and no cached response", ErrIO)
	}
	res, err := c.Session.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	c.maybeStore(ctx, req, res, cacheable)
	return res, nil
}

func (c *CachingSession) maybeStore(ctx context.Context, req *Request, res *Response, cacheable bool) {
	key := cacheKey(req)
	if !cacheable || !canStore(parseCacheControl(req.Header), parseCacheControl(res.Header)) {
		_ = c.Cache.Del(ctx, key)
		return
	}
	for _, varyKey := range headerAllCommaSepValues(res.Header, "Vary") {
		if v := req.Header.Get(varyKey); v != "" {
			res.Header.Set("X-Varied-"+varyKey, v)
		}
	}
	if data, err := encodeResponse(res); err == nil {
		_ = c.Cache.Set(ctx, key, data, 0)
	}
}

func varyMatches(cachedRes *Response, req *Request) bool {
	for _, h := range headerAllCommaSepValues(cachedRes.Header, "Vary") {
		if h != "" && req.Header.Get(h) != cachedRes.Header.Get("X-Varied-"+h) {
			return false
		}
	}
	return true
}

// ErrNoDateHeader indicates a response has no Date header to compute
// freshness from.
var ErrNoDateHeader = fmt.Errorf("no Date header")

func parseResponseDate(header Header) (time.Time, error) {
	v := header.Get("Date")
	if v == "" {
		return time.Time{}, ErrNoDateHeader
	}
	return httpdate.Parse(v)
}

var clockSince = time.Since

// getFreshness classifies a cached response as fresh/stale/transparent per
// RFC 2616 §13.2, adapted from fetch.getFreshness to use this module's
// Header and httpdate.Parse instead of net/http.Header and time.Parse.
func getFreshness(respHeader, reqHeader Header) int {
	respCC := parseCacheControl(respHeader)
	reqCC := parseCacheControl(reqHeader)
	if _, ok := reqCC["no-cache"]; ok {
		return transparent
	}
	if _, ok := respCC["no-cache"]; ok {
		return stale
	}
	if _, ok := reqCC["only-if-cached"]; ok {
		return fresh
	}

	date, err := parseResponseDate(respHeader)
	if err != nil {
		return stale
	}
	currentAge := clockSince(date)

	var lifetime time.Duration
	if maxAge, ok := respCC["max-age"]; ok {
		lifetime, _ = time.ParseDuration(maxAge + "s")
	} else if expiresHeader := respHeader.Get("Expires"); expiresHeader != "" {
		if expires, err := httpdate.Parse(expiresHeader); err == nil {
			lifetime = expires.Sub(date)
		}
	}
	if maxAge, ok := reqCC["max-age"]; ok {
		lifetime, _ = time.ParseDuration(maxAge + "s")
	}
	if minFresh, ok := reqCC["min-fresh"]; ok {
		if d, err := time.ParseDuration(minFresh + "s"); err == nil {
			currentAge += d
		}
	}
	if maxStale, ok := reqCC["max-stale"]; ok {
		if maxStale == "" {
			return fresh
		}
		if d, err := time.ParseDuration(maxStale + "s"); err == nil {
			currentAge -= d
		}
	}
	if lifetime > currentAge {
		return fresh
	}
	return stale
}

func canStaleOnError(respHeader, reqHeader Header) bool {
	respCC := parseCacheControl(respHeader)
	reqCC := parseCacheControl(reqHeader)
	lifetime := time.Duration(-1)

	for _, cc := range []cacheControl{respCC, reqCC} {
		if staleMaxAge, ok := cc["stale-if-error"]; ok {
			if staleMaxAge == "" {
				return true
			}
			d, err := time.ParseDuration(staleMaxAge + "s")
			if err != nil {
				return false
			}
			lifetime = d
		}
	}
	if lifetime < 0 {
		return false
	}
	date, err := parseResponseDate(respHeader)
	if err != nil {
		return false
	}
	return lifetime > clockSince(date)
}

func getEndToEndHeaders(respHeader Header) []string {
	hopByHop := map[string]struct{}{
		"Connection": {}, "Keep-Alive": {}, "Proxy-Authenticate": {},
		"Proxy-Authorization": {}, "Te": {}, "Trailers": {}, "Transfer-Encoding": {}, "Upgrade": {},
	}
	for _, extra := range strings.Split(respHeader.Get("Connection"), ",") {
		if t := strings.TrimSpace(extra); t != "" {
			hopByHop[t] = struct{}{}
		}
	}
	var out []string
	for h := range respHeader {
		if _, ok := hopByHop[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func canStore(reqCC, respCC cacheControl) bool {
	if _, ok := respCC["no-store"]; ok {
		return false
	}
	if _, ok := reqCC["no-store"]; ok {
		return false
	}
	return true
}

type cacheControl map[string]string

func parseCacheControl(header Header) cacheControl {
	cc := cacheControl{}
	for _, part := range strings.Split(header.Get("Cache-Control"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			cc[strings.TrimSpace(k)] = strings.Trim(v, ` "`)
		} else {
			cc[part] = ""
		}
	}
	return cc
}

func headerAllCommaSepValues(header Header, name string) []string {
	var vals []string
	for _, val := range header.Values(name) {
		for _, f := range strings.Split(val, ",") {
			vals = append(vals, strings.TrimSpace(f))
		}
	}
	return vals
}
