package reqx

// RedirectMode governs which Location targets a redirect response is
// permitted to follow. Grounded on original_source's should_redirect /
// redirect_mode enum referenced from impl/session.hpp.
type RedirectMode int

const (
	// RedirectNone never follows a redirect.
	RedirectNone RedirectMode = iota
	// RedirectSameEndpoint requires host, port, and scheme to match exactly.
	RedirectSameEndpoint
	// RedirectSameHost allows port/scheme to change, but not the host.
	RedirectSameHost
	// RedirectSameDomain allows any subdomain of the original registrable
	// domain.
	RedirectSameDomain
	// RedirectAny follows unconditionally.
	RedirectAny
)

func (m RedirectMode) String() string {
	switch m {
	case RedirectNone:
		return "none"
	case RedirectSameEndpoint:
		return "same_endpoint"
	case RedirectSameHost:
		return "same_host"
	case RedirectSameDomain:
		return "same_domain"
	case RedirectAny:
		return "any"
	default:
		return "unknown"
	}
}

// RequestOptions carries the per-request policy fields from spec §3's
// "Request settings" value: TLS enforcement, the redirect budget, and the
// redirect mode.
type RequestOptions struct {
	EnforceTLS   bool
	MaxRedirects uint32
	Redirect     RedirectMode
}

// DefaultRequestOptions matches the teacher's posture of following
// redirects on the same host by default, bounded to a small budget.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		EnforceTLS:   false,
		MaxRedirects: 10,
		Redirect:     RedirectSameHost,
	}
}
