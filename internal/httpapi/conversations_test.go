package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/axiston/convosync/internal/auth"
	"github.com/axiston/convosync/internal/notifier"
	"github.com/axiston/convosync/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestServer skips unless TEST_DATABASE_URL is set, the convention used
// throughout this repo for tests that need a real Postgres instance.
func getTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	if _, err := pool.Exec(context.Background(), "DELETE FROM conversation"); err != nil {
		t.Fatalf("failed to clean conversation table: %v", err)
	}

	srv := &Server{
		Store:           st,
		Notifier:        notifier.New(),
		JWTCfg:          auth.JWTCfg{HS256Secret: "test-secret", DevMode: true},
		RateLimitConfig: RateLimitInfo{WindowSeconds: 60, MaxRequests: 6000, Burst: 1000},
	}
	return srv, srv.Routes()
}

func authedRequest(method, path string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Debug-Sub", "test-user")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestPutConversation_FreshCreate(t *testing.T) {
	_, router := getTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"baseRevision": nil,
		"data":         map[string]any{"id": "c1", "messages": []any{}},
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPut, "/sync/conversations/c1", body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp writeResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", resp.Revision)
	}
}

func TestPutConversation_CreateNeverOverwrites(t *testing.T) {
	_, router := getTestServer(t)

	create, _ := json.Marshal(map[string]any{"baseRevision": nil, "data": map[string]any{"id": "c1"}})
	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPut, "/sync/conversations/c1", create))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPut, "/sync/conversations/c1", create))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp conflictResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "conflict" || resp.Revision != 1 {
		t.Fatalf("unexpected conflict body: %+v", resp)
	}
}

func TestPutConversation_BlobIDMismatch(t *testing.T) {
	_, router := getTestServer(t)

	body, _ := json.Marshal(map[string]any{"baseRevision": nil, "data": map[string]any{"id": "other"}})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPut, "/sync/conversations/c1", body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPutConversation_InvalidID(t *testing.T) {
	_, router := getTestServer(t)

	body, _ := json.Marshal(map[string]any{"baseRevision": nil, "data": map[string]any{}})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPut, "/sync/conversations/has%20a%20space", body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	_, router := getTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/sync/conversations/never-existed", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteConversation_AbsentCreatesTombstone(t *testing.T) {
	_, router := getTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodDelete, "/sync/conversations/c2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	get := httptest.NewRecorder()
	router.ServeHTTP(get, authedRequest(http.MethodGet, "/sync/conversations/c2", nil))
	var resp getResp
	json.Unmarshal(get.Body.Bytes(), &resp)
	if !resp.Deleted || resp.Data != nil {
		t.Fatalf("expected tombstone, got %+v", resp)
	}
}

func TestDeleteConversation_DoubleDeleteConflicts(t *testing.T) {
	_, router := getTestServer(t)

	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodDelete, "/sync/conversations/c3", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodDelete, "/sync/conversations/c3", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListConversations_IncludesTombstones(t *testing.T) {
	_, router := getTestServer(t)

	create, _ := json.Marshal(map[string]any{"baseRevision": nil, "data": map[string]any{"id": "c1"}})
	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPut, "/sync/conversations/c1", create))
	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodDelete, "/sync/conversations/c2", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/sync/conversations", nil))

	var resp listResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(resp.Items), resp.Items)
	}
}

func TestConversations_Unauthenticated(t *testing.T) {
	_, router := getTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sync/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
