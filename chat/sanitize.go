package chat

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Sanitize strips all markup from user text and decodes entities back to
// plain characters. It is applied until the text stops changing, so
// Sanitize(Sanitize(s)) == Sanitize(s). A pass that changes the text peels at
// least one layer of markup or entity encoding and never lengthens it, so
// len(s) passes always reach the fixed point.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i <= len(s); i++ {
		next := strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
		if next == s {
			break
		}
		s = next
	}
	return s
}
