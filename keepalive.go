package reqx

import (
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// KeepAlive is the pure (headers, now) -> (timeout, max, mustClose) tracker
// of component B. State lives on the Connection; it is replaced wholesale
// after each response, which makes updateKeepAlive idempotent for the same
// headers (spec §8 invariant).
type KeepAlive struct {
	Timeout   time.Time
	Max       int64 // -1 means unbounded
	MustClose bool
}

const noMax = -1

// defaultKeepAlive is the state a freshly connected connection starts with:
// no expiry is known yet until a response is read.
func defaultKeepAlive(now time.Time) KeepAlive {
	return KeepAlive{Timeout: now.Add(24 * time.Hour), Max: noMax}
}

// updateKeepAlive parses the Connection and Keep-Alive response headers into a new
// KeepAlive value. proto10 selects HTTP/1.0 semantics, where the absence of
// "Connection: keep-alive" implies close (the opposite default of 1.1).
func updateKeepAlive(header textproto.MIMEHeader, proto10 bool, now time.Time) KeepAlive {
	conn := strings.ToLower(strings.TrimSpace(header.Get("Connection")))
	ka := KeepAlive{Timeout: now.Add(DefaultKeepAliveTimeout), Max: noMax}

	switch {
	case conn == "close" || hasToken(conn, "close"):
		ka.MustClose = true
	case proto10:
		ka.MustClose = !hasToken(conn, "keep-alive")
	default:
		ka.MustClose = false
	}

	if v := header.Get("Keep-Alive"); v != "" {
		for _, part := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(part, "=")
			k = strings.ToLower(strings.TrimSpace(k))
			val = strings.TrimSpace(val)
			if !ok {
				continue
			}
			switch k {
			case "timeout":
				if secs, err := strconv.Atoi(val); err == nil {
					ka.Timeout = now.Add(time.Duration(secs) * time.Second)
				}
			case "max":
				if n, err := strconv.ParseInt(val, 10, 64); err == nil {
					ka.Max = n
				}
			}
		}
	}

	if ka.Max == 0 {
		ka.MustClose = true
	}
	return ka
}

// Expired reports whether the connection must be treated as closed for pool
// allocation purposes: a keep-alive timeout has passed, the max request
// count has been exhausted, or a close-signalling header was seen.
func (k KeepAlive) Expired(now time.Time) bool {
	return k.MustClose || k.Max == 0 || now.After(k.Timeout)
}

func hasToken(commaList, token string) bool {
	for _, t := range strings.Split(commaList, ",") {
		if strings.TrimSpace(t) == token {
			return true
		}
	}
	return false
}

// DefaultKeepAliveTimeout is used when a response carries no explicit
// Keep-Alive timeout directive.
const DefaultKeepAliveTimeout = 5 * time.Minute
