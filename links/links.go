// Package links finds absolute http(s) URLs embedded in free text.
package links

import (
	"net/url"
	"regexp"
	"strings"
)

// urlPattern matches an http/https scheme followed by anything up to whitespace or markup delimiters.
// \s is ASCII-only in RE2, so Unicode separators and the BOM are listed explicitly.
var urlPattern = regexp.MustCompile(`(?i)https?://[^\s\v\p{Z}\x{FEFF}<>"'\x60]+`)

// trailing characters that usually belong to the sentence, not the URL
const trailingPunctuation = ".,;:!?"

// Extract returns every absolute http(s) URL found in text, in order of first
// occurrence. Duplicates are kept. The result is never nil.
func Extract(text string) []string {
	found := []string{}
	for _, match := range urlPattern.FindAllString(text, -1) {
		candidate := trimTrailing(match)
		if !IsAbsoluteHTTP(candidate) {
			continue
		}
		found = append(found, candidate)
	}
	return found
}

// IsAbsoluteHTTP reports whether raw parses as an http or https URL with a host
func IsAbsoluteHTTP(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return parsed.Host != "" && parsed.Hostname() != ""
}

// trimTrailing strips sentence punctuation and closing brackets that have no
// matching opener inside the URL, e.g. "(see https://a.com/x)."
func trimTrailing(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		switch {
		case strings.IndexByte(trailingPunctuation, last) >= 0:
			s = s[:len(s)-1]
		case last == ')' && strings.Count(s, "(") < strings.Count(s, ")"):
			s = s[:len(s)-1]
		case last == ']' && strings.Count(s, "[") < strings.Count(s, "]"):
			s = s[:len(s)-1]
		case last == '}' && strings.Count(s, "{") < strings.Count(s, "}"):
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}
