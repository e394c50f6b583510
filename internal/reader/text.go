package reader

import (
	"html"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// cleanText collapses runs of whitespace into single spaces and trims the
// result. Returns "" for whitespace-only input.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripHTML removes markup from embedded HTML fragments (feed content
// blocks, descriptions) and decodes entities, returning plain text.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = tagPattern.ReplaceAllString(s, " ")
	return cleanText(html.UnescapeString(s))
}
