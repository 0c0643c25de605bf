package clientsync

import (
	"reflect"
	"testing"
)

func TestSanitize_StripsTransientFields(t *testing.T) {
	blob := map[string]any{
		"id":            "c1",
		"title":         "hello",
		"_cancelHandle": "opaque",
		"_tokenCounts":  map[string]any{"gpt-4": 10},
	}
	got := Sanitize(blob)

	want := map[string]any{"id": "c1", "title": "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sanitize() = %v, want %v", got, want)
	}
	// Original must be untouched.
	if _, ok := blob["_cancelHandle"]; !ok {
		t.Fatalf("Sanitize must not mutate its input")
	}
}

func TestSanitizeInflateIsIdempotent(t *testing.T) {
	blob := map[string]any{"id": "c1", "title": "hello"}
	once := Sanitize(Inflate(Sanitize(blob)))
	twice := Sanitize(blob)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("sanitize(inflate(sanitize(c))) != sanitize(c): %v vs %v", once, twice)
	}
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name string
		blob map[string]any
		want bool
	}{
		{"nil blob", nil, false},
		{"incognito with messages", map[string]any{"incognito": true, "messages": []any{"hi"}}, false},
		{"empty placeholder", map[string]any{"messages": []any{}}, false},
		{"has messages", map[string]any{"messages": []any{"hi"}}, true},
		{"has title only", map[string]any{"title": "My Chat"}, true},
		{"empty title no messages", map[string]any{"title": ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(tt.blob); got != tt.want {
				t.Errorf("IsEligible(%v) = %v, want %v", tt.blob, got, tt.want)
			}
		})
	}
}
