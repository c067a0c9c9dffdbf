package textutil

import (
	"errors"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const (
	MinAddressRunes = 5
	MaxAddressRunes = 512
)

var (
	ErrAddressEmpty        = errors.New("address is required")
	ErrAddressLength       = errors.New("address length out of range")
	ErrAddressControlChars = errors.New("address contains control characters")
	ErrAddressMarkup       = errors.New("address contains markup")
)

var strictPolicy = bluemonday.StrictPolicy()

// NormalizeAddress returns the NFKC form of raw with surrounding space trimmed.
// Line breaks are kept; every other control character, and any markup, is rejected.
func NormalizeAddress(raw string) (string, error) {
	value := strings.TrimSpace(norm.NFKC.String(raw))
	if value == "" {
		return "", ErrAddressEmpty
	}
	if !utf8.ValidString(value) {
		return "", ErrAddressControlChars
	}
	for _, r := range value {
		if r != '\n' && (unicode.IsControl(r) || unicode.Is(unicode.Cf, r)) {
			return "", ErrAddressControlChars
		}
	}
	// bluemonday escapes &, quotes and friends; only tags and comments should count.
	if html.UnescapeString(strictPolicy.Sanitize(value)) != value {
		return "", ErrAddressMarkup
	}
	if n := utf8.RuneCountInString(value); n < MinAddressRunes || n > MaxAddressRunes {
		return "", ErrAddressLength
	}
	return value, nil
}
