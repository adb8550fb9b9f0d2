// Package common holds small cross-package helpers with no natural home of
// their own — currently just the opaque row-handle encoding devtools uses to
// address a specific collection row without a client re-deriving its key.
package common

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeHandle returns a canonical base64 token addressing one row:
//
//	"<collectionID>|<key>"
func EncodeHandle(collectionID, key string) string {
	raw := fmt.Sprintf("%s|%s", collectionID, key)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHandle parses a token built by EncodeHandle.
func DecodeHandle(h string) (collectionID, key string, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64: %w", err)
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed handle")
	}
	return parts[0], parts[1], nil
}
