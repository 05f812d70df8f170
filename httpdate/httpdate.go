// Package httpdate parses and formats the three date grammars RFC 7231
// §7.1.1.1 requires a recipient to accept (the "obsolete" RFC 850/asctime
// formats included), plus the weekday cross-validation original_source's
// test suite exercises: a date whose written weekday doesn't match the one
// its year/month/day actually falls on is rejected, not silently corrected.
package httpdate

import (
	"fmt"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC1123,                       // Sun, 06 Nov 1994 08:49:37 GMT
	"Monday, 02-Jan-06 15:04:05 MST",   // RFC 850, 2-digit year
	"Monday, 02-Jan-2006 15:04:05 MST", // RFC 850, 4-digit year (many real servers)
	time.ANSIC,                         // Sun Nov  6 08:49:37 1994 (asctime)
}

// Parse accepts any of the three HTTP date grammars and rejects a date
// whose weekday token does not match the weekday its calendar date
// actually falls on.
func Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !weekdayMatches(value, t) {
			return time.Time{}, fmt.Errorf("httpdate: weekday in %q does not match computed date %s", value, t.Weekday())
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("httpdate: unrecognized date %q: %w", value, firstErr)
}

// weekdayMatches compares the weekday token the string opens with against
// the weekday time.Parse computed from the rest of the string.
func weekdayMatches(value string, t time.Time) bool {
	comma := strings.IndexAny(value, ",")
	var token string
	if comma >= 0 {
		token = value[:comma]
	} else {
		// asctime: "Mon Jan  2 15:04:05 2006", weekday is the first field.
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return true
		}
		token = fields[0]
	}
	token = strings.TrimSpace(token)
	// RFC 850 spells the weekday out in full; the other two grammars use
	// the three-letter abbreviation.
	day := t.Weekday().String()
	return strings.EqualFold(token, day[:3]) || strings.EqualFold(token, day)
}

// Format renders t in the preferred RFC 1123 (IMF-fixdate-ish) form HTTP
// servers are expected to send, per RFC 7231 §7.1.1.2.
func Format(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
