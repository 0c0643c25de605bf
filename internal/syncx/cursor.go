package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor represents a position in the list_conversations pagination stream.
// Format: base64("<updated_at_ms>|<conversationId>"). Adapted from the
// teacher's cursor, which keyed ties on a uuid.UUID entity id; conversation
// ids here are caller-supplied opaque strings, not UUIDs, so the cursor
// carries the raw id instead.
type Cursor struct {
	Ms int64  // Unix milliseconds timestamp (updatedAt)
	ID string // conversation id, breaks ties within the same millisecond
}

// EncodeCursor creates a base64-encoded cursor string. Returns empty string
// for the zero-value cursor.
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.ID == "" {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string. Returns the zero-value cursor and
// false if invalid or empty.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, ID: parts[1]}, true
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
