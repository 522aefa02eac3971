// Package logsanitize masks secrets and identifying fields out of log
// lines before they reach disk or stderr: API keys, host octets, overlay
// network IDs, MAC addresses, usernames, and passwords.
package logsanitize

import (
	"io"
	"regexp"
	"strings"
)

type replacer func(groups []string) string

type pattern struct {
	name    string
	re      *regexp.Regexp
	replace replacer
}

// Sanitizer rewrites log lines to mask sensitive substrings. The zero
// value is not usable; use New.
type Sanitizer struct {
	patterns []pattern
}

// New returns a Sanitizer configured with the default pattern set.
func New() *Sanitizer {
	return &Sanitizer{patterns: defaultPatterns()}
}

func defaultPatterns() []pattern {
	return []pattern{
		{
			name: "api_key",
			re:   regexp.MustCompile(`(?i)(api[_-]?key["']?\s*[:=]\s*["']?)([a-zA-Z0-9+/]{8,})`),
			replace: func(g []string) string {
				return g[1] + mask(g[2], 4, 2)
			},
		},
		{
			name: "ip_address",
			re:   regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.)(\d{1,3}\.\d{1,3})\b`),
			replace: func(g []string) string {
				last := g[2]
				if i := strings.LastIndex(last, "."); i >= 0 {
					last = last[i+1:]
				}
				return g[1] + "***." + last
			},
		},
		{
			name: "overlay_network",
			re:   regexp.MustCompile(`\b([a-fA-F0-9]{16})\b`),
			replace: func(g []string) string {
				return mask(g[1], 4, 4)
			},
		},
		{
			name: "mac_address",
			re:   regexp.MustCompile(`\b(?:[a-fA-F0-9]{2}[:-]){5}[a-fA-F0-9]{2}\b`),
			replace: func(g []string) string {
				full := g[0]
				if len(full) < 5 {
					return full
				}
				return "XX:XX:XX:XX:" + full[len(full)-5:]
			},
		},
		{
			name: "username",
			re:   regexp.MustCompile(`(?i)(user[_-]?name["']?\s*[:=]\s*["']?)([^"'\s,}]{3,})`),
			replace: func(g []string) string {
				return g[1] + mask(g[2], 2, 1)
			},
		},
		{
			name: "password",
			re:   regexp.MustCompile(`(?i)(password["']?\s*[:=]\s*["']?)([^"'\s,}]+)`),
			replace: func(g []string) string {
				return g[1] + "***HIDDEN***"
			},
		},
	}
}

// mask keeps the first keepStart and last keepEnd characters of secret,
// replacing everything between with asterisks. A secret too short to
// keep any plaintext is masked in full.
func mask(secret string, keepStart, keepEnd int) string {
	if len(secret) <= keepStart+keepEnd {
		return strings.Repeat("*", len(secret))
	}
	start := secret[:keepStart]
	end := ""
	if keepEnd > 0 {
		end = secret[len(secret)-keepEnd:]
	}
	middle := strings.Repeat("*", len(secret)-keepStart-keepEnd)
	return start + middle + end
}

// Sanitize returns msg with every configured pattern's matches masked.
func (s *Sanitizer) Sanitize(msg string) string {
	out := msg
	for _, p := range s.patterns {
		out = p.re.ReplaceAllStringFunc(out, func(m string) (result string) {
			defer func() {
				if recover() != nil {
					result = strings.Repeat("*", len(m))
				}
			}()
			groups := p.re.FindStringSubmatch(m)
			return p.replace(groups)
		})
	}
	return out
}

// Writer wraps w so that every Write call is sanitized first. It is
// intended to sit between an hclog.Logger and its underlying sink.
type Writer struct {
	sanitizer *Sanitizer
	underlying io.Writer
}

// NewWriter returns an io.Writer that sanitizes before delegating to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{sanitizer: New(), underlying: w}
}

func (w *Writer) Write(p []byte) (int, error) {
	clean := w.sanitizer.Sanitize(string(p))
	if _, err := io.WriteString(w.underlying, clean); err != nil {
		return 0, err
	}
	return len(p), nil
}
