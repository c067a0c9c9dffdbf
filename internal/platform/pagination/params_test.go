package pagination

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || params.Offset != 0 {
		t.Fatalf("expected empty token and zero offset, got %+v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("pageSize", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", opts.MaxPageSize, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	values := url.Values{}
	values.Set("pageSize", "abc")

	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize got %v", err)
	}

	values.Set("pageSize", "0")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize for zero got %v", err)
	}
}

func TestParsePageTokenRoundTrip(t *testing.T) {
	token := NextToken(20, 20)
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	values := url.Values{}
	values.Set("pageToken", token)
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Offset != 40 || params.PageToken != token {
		t.Fatalf("expected offset 40 with token, got %+v", params)
	}
}

func TestParseInvalidPageToken(t *testing.T) {
	values := url.Values{}
	values.Set("pageToken", "!!!invalid!!!")

	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}

	tampered := base64.RawURLEncoding.EncodeToString([]byte(`{"v":1,"c":{"o":500},"s":1}`))
	if _, err := DecodeToken(tampered); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected checksum failure for edited token, got %v", err)
	}
	legacy := base64.RawURLEncoding.EncodeToString([]byte(`{"o":5}`))
	if _, err := DecodeToken(legacy); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected unversioned token to be rejected, got %v", err)
	}

	valid, _ := EncodeToken(Cursor{Offset: 5})
	if cursor, err := DecodeToken(valid); err != nil || cursor.Offset != 5 {
		t.Fatalf("expected offset 5, got %+v %v", cursor, err)
	}
}

func TestParseSkipLimit(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/orders?skip=10&limit=5", nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.Offset != 10 || params.PageSize != 5 {
		t.Fatalf("expected offset 10 size 5, got %+v", params)
	}

	req, _ = http.NewRequest(http.MethodGet, "/orders?skip=-1", nil)
	if _, err := FromRequest(req, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid skip error, got %v", err)
	}
}

func TestEncodeTokenZeroOffset(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil || token != "" {
		t.Fatalf("expected empty token for zero offset, got %q %v", token, err)
	}
	if Clamp(0) != DefaultPageSize || Clamp(1000) != DefaultMaxPageSize || Clamp(7) != 7 {
		t.Fatalf("unexpected clamp results")
	}
}
