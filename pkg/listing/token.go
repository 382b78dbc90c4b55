package listing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageToken is the decoded form of the opaque continuation token. The only
// structural property callers may rely on is that it encodes a starting
// offset which can be recovered and re-encoded by offset arithmetic.
type pageToken struct {
	Offset int `json:"offset"`
}

// EncodeToken encodes a raw upstream offset as an opaque continuation token.
func EncodeToken(offset int) string {
	data, _ := json.Marshal(pageToken{Offset: offset})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeToken recovers the raw upstream offset from a continuation token.
// An empty token decodes to offset zero.
func DecodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token: %w", err)
	}
	var t pageToken
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, fmt.Errorf("invalid page token: %w", err)
	}
	if t.Offset < 0 {
		return 0, fmt.Errorf("invalid page token: negative offset %d", t.Offset)
	}
	return t.Offset, nil
}
