package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Params bundles pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Offset    int
}

// Options control how Parse behaves for a given handler layer.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize and pageToken. Legacy skip/limit parameters are honoured when
// no token is supplied.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	rawSize := values.Get("pageSize")
	if strings.TrimSpace(rawSize) == "" {
		rawSize = values.Get("limit")
	}
	pageSize, err := parsePageSize(rawSize, opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if rawToken := strings.TrimSpace(values.Get("pageToken")); rawToken != "" {
		cursor, err := DecodeToken(rawToken)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = rawToken
		params.Offset = cursor.Offset
		return params, nil
	}

	if rawSkip := strings.TrimSpace(values.Get("skip")); rawSkip != "" {
		skip, err := strconv.Atoi(rawSkip)
		if err != nil || skip < 0 {
			return Params{}, fmt.Errorf("%w: skip must be a non-negative integer", ErrInvalidPageToken)
		}
		params.Offset = skip
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}

	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	if strings.TrimSpace(raw) == "" {
		return defaultPageSize, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > maxPageSize {
		value = maxPageSize
	}
	return value, nil
}

// Clamp applies the default and maximum page size to size.
func Clamp(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > DefaultMaxPageSize {
		return DefaultMaxPageSize
	}
	return size
}
