package deeplink

import (
	"fmt"
	"regexp"
	"strings"
)

// Route is an immutable registered deep link route.
type Route struct {
	// Pattern is the original route pattern, e.g. "/store/:sku".
	Pattern string

	// Name is the display name reported to the settings endpoint.
	// Routes with an empty name are omitted from that report.
	Name string

	// Description is the human-readable description for the route.
	Description string

	re       *regexp.Regexp
	captures []string
	handler  Handler
}

var (
	// escapePattern matches characters that need quoting before the
	// capture markers are expanded.
	escapePattern = regexp.MustCompile(`[^?%\\/:*\w]`)

	// capturePattern matches ":name" captures and the unsupported "*".
	capturePattern = regexp.MustCompile(`(:\w+)|\*`)
)

// compileRoute turns a route pattern into an anchored regular expression
// plus the ordered list of capture names. Each ":name" segment matches one
// path element. The "*" wildcard is rejected, as are duplicate capture
// names within one pattern.
func compileRoute(pattern string) (*regexp.Regexp, []string, error) {
	escaped := escapePattern.ReplaceAllStringFunc(pattern, regexp.QuoteMeta)

	var captures []string
	var sb strings.Builder
	last := 0
	for _, loc := range capturePattern.FindAllStringIndex(escaped, -1) {
		match := escaped[loc[0]:loc[1]]
		if match == "*" {
			return nil, nil, fmt.Errorf("deeplink: wildcard routes are not supported: %q", pattern)
		}
		captures = append(captures, match[1:])
		sb.WriteString(escaped[last:loc[0]])
		sb.WriteString(`([^/]+)`)
		last = loc[1]
	}
	sb.WriteString(escaped[last:])

	seen := make(map[string]struct{}, len(captures))
	for _, name := range captures {
		if _, dup := seen[name]; dup {
			return nil, nil, fmt.Errorf("deeplink: duplicate capture name %q in route %q", name, pattern)
		}
		seen[name] = struct{}{}
	}

	re, err := regexp.Compile("^" + sb.String() + "$")
	if err != nil {
		return nil, nil, fmt.Errorf("deeplink: compile route %q: %w", pattern, err)
	}
	return re, captures, nil
}
