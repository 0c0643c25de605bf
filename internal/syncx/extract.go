package syncx

import (
	"errors"
	"strconv"
	"time"
)

// ErrBlobIDMismatch is returned when a conversation blob's top-level "id"
// field is present but disagrees with the conversationId in the request
// path.
var ErrBlobIDMismatch = errors.New("syncx: blob id does not match path conversationId")

// GetString safely extracts a string value from a map.
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested map from a map. Handles both
// map[string]any and map[string]interface{} (some JSON decoders and
// protobuf Struct.AsMap() return the latter).
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
		if mm, ok2 := v.(map[string]interface{}); ok2 {
			converted := make(map[string]any, len(mm))
			for key, val := range mm {
				converted[key] = val
			}
			return converted, true
		}
	}
	return nil, false
}

// ValidateBlobID checks the blob's optional top-level "id" field against
// the conversationId from the request path. A blob with no "id" field is
// fine (the path id is authoritative); a present, mismatching id is
// rejected rather than silently overwritten, so a client never discovers
// after the fact that it wrote to the wrong key.
func ValidateBlobID(blob map[string]any, conversationID string) error {
	if blob == nil {
		return nil
	}
	id, ok := GetString(blob, "id")
	if !ok {
		return nil
	}
	if id != conversationID {
		return ErrBlobIDMismatch
	}
	return nil
}

// ParseTimeToMs converts various time formats to Unix milliseconds.
// Accepts RFC3339, numeric milliseconds (as a string), or empty (false).
func ParseTimeToMs(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	return 0, false
}
