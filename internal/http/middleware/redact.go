package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// HeaderGuestToken carries the client-held guest device token.
const HeaderGuestToken = "X-Guest-Token"

// RedactOptions configures what the access log hides.
type RedactOptions struct {
	// MaskHeaders are replaced by "[REDACTED]" in addition to the defaults
	// (Authorization, Cookie, Set-Cookie, X-Guest-Token).
	MaskHeaders []string
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

type redactor struct {
	masked map[string]struct{}
}

func newRedactor(opts RedactOptions) *redactor {
	rd := &redactor{masked: map[string]struct{}{
		"authorization":                   {},
		"cookie":                          {},
		"set-cookie":                      {},
		strings.ToLower(HeaderGuestToken): {},
	}}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			rd.masked[h] = struct{}{}
		}
	}
	return rd
}

// redact scrubs ids, emails and phone numbers from s.
func (rd *redactor) redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// headers returns a loggable copy of h.
func (rd *redactor) headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := rd.masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = rd.redact(strings.Join(vv, ", "))
	}
	return out
}
