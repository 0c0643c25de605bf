package clientsync

// transientFields never leave the process: in-flight cancellation
// handles, locally-computed caches, and similar fields an embedder may
// stash on the blob that have no meaning to another client.
var transientFields = []string{
	"_cancelHandle",
	"_tokenCounts",
	"_localCache",
}

// Sanitize strips transient fields before a blob goes over the wire. It
// never mutates blob; callers get a shallow copy safe to pass to a
// transport.
func Sanitize(blob map[string]any) map[string]any {
	if blob == nil {
		return nil
	}
	out := make(map[string]any, len(blob))
	for k, v := range blob {
		out[k] = v
	}
	for _, f := range transientFields {
		delete(out, f)
	}
	return out
}

// Inflate is Sanitize's inverse: it re-attaches the defaults a freshly
// pulled blob is missing. A blob that never had a transient field gets
// the zero-value default; one round-tripped through
// Sanitize(Inflate(...)) is unchanged, which is what makes sanitization
// idempotent.
func Inflate(blob map[string]any) map[string]any {
	if blob == nil {
		return nil
	}
	out := make(map[string]any, len(blob))
	for k, v := range blob {
		out[k] = v
	}
	for _, f := range transientFields {
		if _, ok := out[f]; !ok {
			out[f] = nil
		}
	}
	return out
}

// IsEligible reports whether blob may be sent to the server: not flagged
// incognito, and has either at least one message or a non-empty title. A
// nil blob (locally deleted placeholder) is never eligible.
func IsEligible(blob map[string]any) bool {
	if blob == nil {
		return false
	}
	if incognito, _ := blob["incognito"].(bool); incognito {
		return false
	}

	if msgs, ok := blob["messages"].([]any); ok && len(msgs) > 0 {
		return true
	}
	if title, ok := blob["title"].(string); ok && title != "" {
		return true
	}
	return false
}
