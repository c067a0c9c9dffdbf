package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Label limits for values that end up in log fields and metric labels.
const (
	maxLabelRunes  = 256
	maxRouteRunes  = 180
	maxMethodRunes = 10
)

// sanitizeString strips control characters and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = maxLabelRunes
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	return string([]rune(cleaned)[:limit])
}

// SanitizeRoute bounds a chi route pattern; an empty pattern is the root.
func SanitizeRoute(route string) string {
	if strings.TrimSpace(route) == "" {
		return "/"
	}
	return sanitizeString(route, maxRouteRunes)
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(sanitizeString(method, maxMethodRunes))
}
