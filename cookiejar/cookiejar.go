// Package cookiejar implements an RFC 6265 cookie store, component C of
// this module's client engine. Grounded on original_source's
// detail::cookie_jar and net/http/cookiejar's domain/path matching rules,
// rebuilt here since this module's Connection/Session types have no
// net/http.Cookie to reuse.
package cookiejar

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/shiroyk/reqx/httpdate"
)

// Cookie is one stored Set-Cookie value.
type Cookie struct {
	Name, Value string
	Domain      string
	Path        string
	Expires     time.Time
	Secure      bool
	HTTPOnly    bool
	SameSite    string

	hostOnly bool
	created  time.Time
}

// Jar is a concurrency-safe cookie store keyed by domain.
type Jar struct {
	mu      sync.Mutex
	cookies map[string][]*Cookie
}

// New returns an empty Jar.
func New() *Jar {
	return &Jar{cookies: make(map[string][]*Cookie)}
}

// SetCookies ingests the Set-Cookie header values returned for u. Malformed
// individual cookies are dropped rather than failing the whole response,
// matching how browsers treat a bad Set-Cookie line among several; the
// number dropped is returned so a caller can surface it (e.g. as a warning
// tagged with reqx.ErrInvalidCookie) instead of losing it silently.
func (j *Jar) SetCookies(u *url.URL, rawCookies []string) (rejected int) {
	for _, raw := range rawCookies {
		c, ok := parseSetCookie(raw)
		if !ok {
			rejected++
			continue
		}
		j.store(u, c)
	}
	return rejected
}

// Cookies returns the cookies applicable to u, sorted by RFC 6265 §5.4
// (longest Path first, then oldest creation time).
func (j *Jar) Cookies(u *url.URL) []*Cookie {
	now := time.Now()
	host := strings.ToLower(u.Hostname())

	j.mu.Lock()
	var matches []*Cookie
	for domain, list := range j.cookies {
		if !domainMatch(host, domain) {
			continue
		}
		for _, c := range list {
			if c.hostOnly && domain != host {
				continue
			}
			if !c.Expires.IsZero() && c.Expires.Before(now) {
				continue
			}
			if c.Secure && u.Scheme != "https" {
				continue
			}
			if !pathMatch(u.Path, c.Path) {
				continue
			}
			matches = append(matches, c)
		}
	}
	j.mu.Unlock()

	sort.SliceStable(matches, func(i, k int) bool {
		if len(matches[i].Path) != len(matches[k].Path) {
			return len(matches[i].Path) > len(matches[k].Path)
		}
		return matches[i].created.Before(matches[k].created)
	})
	return matches
}

// Header formats Cookies(u) as a single Cookie request-header value, or ""
// if there are none to send.
func (j *Jar) Header(u *url.URL) string {
	matches := j.Cookies(u)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, len(matches))
	for i, c := range matches {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// PurgeExpired drops every cookie whose Expires time has passed.
func (j *Jar) PurgeExpired() {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for domain, list := range j.cookies {
		kept := list[:0]
		for _, c := range list {
			if !c.Expires.IsZero() && c.Expires.Before(now) {
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(j.cookies, domain)
		} else {
			j.cookies[domain] = kept
		}
	}
}

func (j *Jar) store(u *url.URL, c *Cookie) {
	host := strings.ToLower(u.Hostname())
	if c.Domain == "" {
		c.Domain = host
		c.hostOnly = true
	} else {
		if !domainMatch(host, c.Domain) {
			return // RFC 6265 §5.3 step 7: reject a Domain the origin can't set
		}
		if ps, icann := publicsuffix.PublicSuffix(c.Domain); icann && ps == c.Domain {
			return // reject a Domain attribute that is itself a public suffix
		}
		c.hostOnly = false
	}
	if c.Path == "" {
		c.Path = defaultPath(u.Path)
	}
	c.created = time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	list := j.cookies[c.Domain]
	filtered := list[:0]
	for _, existing := range list {
		if existing.Name == c.Name && existing.Path == c.Path {
			continue
		}
		filtered = append(filtered, existing)
	}
	if !c.Expires.IsZero() && !c.Expires.After(time.Now()) {
		j.cookies[c.Domain] = filtered
		return
	}
	j.cookies[c.Domain] = append(filtered, c)
}

func defaultPath(reqPath string) string {
	i := strings.LastIndexByte(reqPath, '/')
	if i <= 0 {
		return "/"
	}
	return reqPath[:i]
}

func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		if len(reqPath) > len(cookiePath) && reqPath[len(cookiePath)] == '/' {
			return true
		}
	}
	return false
}

func parseSetCookie(raw string) (*Cookie, bool) {
	parts := strings.Split(raw, ";")
	nameValue := strings.TrimSpace(parts[0])
	name, value, ok := strings.Cut(nameValue, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, false
	}
	c := &Cookie{Name: name, Value: strings.TrimSpace(value)}

	var maxAge int
	var hasMaxAge bool
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		k, v, _ := strings.Cut(attr, "=")
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "domain":
			c.Domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
		case "path":
			if v != "" {
				c.Path = v
			}
		case "expires":
			if t, err := httpdate.Parse(strings.TrimSpace(v)); err == nil {
				c.Expires = t
			}
		case "max-age":
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				maxAge, hasMaxAge = n, true
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		case "samesite":
			c.SameSite = strings.TrimSpace(v)
		}
	}
	// Max-Age takes precedence over Expires (RFC 6265 §5.3 step 3).
	if hasMaxAge {
		if maxAge <= 0 {
			c.Expires = time.Unix(0, 0)
		} else {
			c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
		}
	}
	return c, true
}
