package observability

import (
	"strings"
	"unicode"
)

// Label and attribute length caps.
const (
	maxRouteLen     = 180
	maxMethodLen    = 10
	maxAddrLen      = 64
	maxUserAgentLen = 256
)

// clean removes control characters and keeps at most limit runes, so client-supplied values can
// neither split log lines nor blow up metric cardinality.
func clean(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if runes := []rune(value); len(runes) > limit {
		return string(runes[:limit])
	}
	return value
}

// SanitizeRoute cleans a route pattern or raw path. Empty input maps to "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, maxRouteLen)
}

// SanitizeMethod cleans an HTTP method.
func SanitizeMethod(method string) string {
	return strings.ToUpper(clean(method, maxMethodLen))
}
