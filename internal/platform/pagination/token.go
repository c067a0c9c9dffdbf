package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"
)

const tokenVersion = 1

// Cursor is the position a page token resumes from.
type Cursor struct {
	Offset int `json:"o"`
}

// tokenBody is what gets base64 encoded. The checksum catches hand-edited tokens.
type tokenBody struct {
	Version int    `json:"v"`
	Cursor  Cursor `json:"c"`
	Sum     uint32 `json:"s"`
}

func checksum(c Cursor) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d:%d", tokenVersion, c.Offset)))
}

// EncodeToken renders cursor as an opaque URL-safe token. The first page has no token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.Offset <= 0 {
		return "", nil
	}
	raw, err := json.Marshal(tokenBody{Version: tokenVersion, Cursor: cursor, Sum: checksum(cursor)})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NextToken points at the page after the one that started at offset.
func NextToken(offset, pageSize int) string {
	token, _ := EncodeToken(Cursor{Offset: offset + pageSize})
	return token
}

func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var body tokenBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	switch {
	case body.Version != tokenVersion:
		return Cursor{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidPageToken, body.Version)
	case body.Sum != checksum(body.Cursor):
		return Cursor{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidPageToken)
	case body.Cursor.Offset < 0:
		return Cursor{}, fmt.Errorf("%w: negative offset", ErrInvalidPageToken)
	}
	return body.Cursor, nil
}
