package reqx

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// permitted reports whether a redirect from one URL to another is allowed
// under mode. Grounded on original_source's impl/session.hpp
// should_redirect, generalized from its boolean "same host" check to the
// five-value RedirectMode enum.
func permitted(mode RedirectMode, from, to *url.URL) bool {
	switch mode {
	case RedirectNone:
		return false
	case RedirectAny:
		return true
	case RedirectSameEndpoint:
		return strings.EqualFold(from.Scheme, to.Scheme) &&
			strings.EqualFold(from.Hostname(), to.Hostname()) &&
			portOf(from) == portOf(to)
	case RedirectSameHost:
		return strings.EqualFold(from.Hostname(), to.Hostname())
	case RedirectSameDomain:
		fd, err1 := publicsuffix.EffectiveTLDPlusOne(from.Hostname())
		td, err2 := publicsuffix.EffectiveTLDPlusOne(to.Hostname())
		if err1 != nil || err2 != nil {
			// Hostnames with no registrable domain (bare IPs, single-label
			// hosts): fall back to an exact match.
			return strings.EqualFold(from.Hostname(), to.Hostname())
		}
		return strings.EqualFold(fd, td)
	default:
		return false
	}
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// resolveLocation resolves a Location header value against the request URL
// it was returned for, per RFC 3986 §5.3's reference resolution (relative
// Location headers are common and must be resolved against the request,
// not rejected). Grounded directly on original_source's interpret_location.
func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirect, err)
	}
	resolved := base.ResolveReference(loc)
	if resolved.Scheme == "" || resolved.Host == "" {
		return nil, fmt.Errorf("%w: location %q did not resolve to an absolute URL", ErrInvalidRedirect, location)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported redirect scheme %q", ErrInvalidRedirect, resolved.Scheme)
	}
	return resolved, nil
}
