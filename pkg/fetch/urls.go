package fetch

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`(?i)^https?://` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|localhost|\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

// ParseURLs returns the whitespace-separated tokens of text that look like
// http or https URLs, in order of appearance. Duplicates are dropped.
func ParseURLs(text string) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, token := range strings.Fields(text) {
		if !urlPattern.MatchString(token) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		urls = append(urls, token)
	}
	return urls
}
