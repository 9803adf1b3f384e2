package model

import (
	"net/url"
	"strings"
	"unicode"
)

// SanitizeName strips control characters, collapses whitespace and caps the rune length.
func SanitizeName(s string, maxRunes int) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space && b.Len() > 0 {
				b.WriteRune(' ')
			}
			space = true
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar || unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
		space = false
	}
	out := strings.TrimSpace(b.String())
	if maxRunes > 0 {
		if rs := []rune(out); len(rs) > maxRunes {
			out = strings.TrimSpace(string(rs[:maxRunes]))
		}
	}
	return out
}

// ValidLink reports whether s parses as an absolute http(s) URL with a host.
func ValidLink(s string) bool {
	if strings.TrimSpace(s) != s || s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != "" && u.Hostname() != ""
}
