package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/axiston/convosync/internal/auth"
	"github.com/axiston/convosync/internal/notifier"
	"github.com/axiston/convosync/internal/store"
	"github.com/axiston/convosync/internal/syncx"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps a PUT/DELETE body; oversized payloads are rejected
// with 413.
const maxBodyBytes = 1 << 20 // 1 MiB

// conversationMeta is the wire shape for list_conversations items.
type conversationMeta struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
	UpdatedAt      string `json:"updatedAt"`
}

// listResp is the GET /sync/conversations body.
type listResp struct {
	Items      []conversationMeta `json:"items"`
	NextCursor *string            `json:"nextCursor,omitempty"`
}

// getResp is the GET /sync/conversations/{id} body.
type getResp struct {
	ConversationID string         `json:"conversationId"`
	Revision       uint64         `json:"revision"`
	Deleted        bool           `json:"deleted"`
	Data           map[string]any `json:"data"`
}

// writeResp is the PUT/DELETE success body, shared by upsert and tombstone.
type writeResp struct {
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
}

// writeReq is the PUT/DELETE request body. Data is absent on DELETE.
type writeReq struct {
	BaseRevision json.RawMessage `json:"baseRevision"`
	Data         map[string]any  `json:"data"`
}

// conflictResp is the stable 409 body.
type conflictResp struct {
	Error          string `json:"error"`
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

// ListConversations handles GET /sync/conversations: ordered by updatedAt
// desc, tombstones included, one row per key, optionally paginated.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	all, err := s.Store.List(r.Context(), userID)
	if err != nil {
		writeErrorCode(w, r, http.StatusInternalServerError, "server_error", "failed to list conversations")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 500, 1000)
	start := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		cur, ok := syncx.DecodeCursor(c)
		if !ok {
			writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "invalid cursor")
			return
		}
		for i, m := range all {
			if m.UpdatedAt.UTC().UnixMilli() == cur.Ms && m.ConversationID == cur.ID {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := all[start:end]

	items := make([]conversationMeta, 0, len(page))
	for _, m := range page {
		items = append(items, conversationMeta{
			ConversationID: m.ConversationID,
			Revision:       m.Revision,
			Deleted:        m.Deleted,
			UpdatedAt:      m.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	resp := listResp{Items: items}
	if end < len(all) {
		last := page[len(page)-1]
		next := syncx.EncodeCursor(syncx.Cursor{Ms: last.UpdatedAt.UTC().UnixMilli(), ID: last.ConversationID})
		resp.NextCursor = &next
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetConversation handles GET /sync/conversations/{id}.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !store.ValidConversationID(id) {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	rec, err := s.Store.Get(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrorCode(w, r, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		writeErrorCode(w, r, http.StatusInternalServerError, "server_error", "failed to read conversation")
		return
	}

	writeJSON(w, http.StatusOK, getResp{
		ConversationID: rec.ConversationID,
		Revision:       rec.Revision,
		Deleted:        rec.Deleted,
		Data:           rec.Blob,
	})
}

// PutConversation handles PUT /sync/conversations/{id}: upsert_conversation.
func (s *Server) PutConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !store.ValidConversationID(id) {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	req, ok := s.decodeWriteReq(w, r)
	if !ok {
		return
	}
	if req.Data == nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "data is required")
		return
	}
	if err := syncx.ValidateBlobID(req.Data, id); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "blob id does not match path conversationId")
		return
	}

	base, ok := parseBaseRevision(w, r, req.BaseRevision)
	if !ok {
		return
	}

	rev, err := s.Store.Upsert(r.Context(), userID, id, base, req.Data)
	s.respondWrite(w, r, id, rev, err)
}

// DeleteConversation handles DELETE /sync/conversations/{id}: delete_conversation.
// A missing body is treated as baseRevision=null.
func (s *Server) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if !store.ValidConversationID(id) {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	var base *uint64
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}
	if int64(len(body)) > maxBodyBytes {
		writeErrorCode(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}
	if len(body) > 0 {
		var req writeReq
		if err := json.Unmarshal(body, &req); err != nil {
			writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
			return
		}
		var ok bool
		base, ok = parseBaseRevision(w, r, req.BaseRevision)
		if !ok {
			return
		}
	}

	rev, err := s.Store.Tombstone(r.Context(), userID, id, base)
	s.respondWrite(w, r, id, rev, err)
}

// decodeWriteReq reads and validates a size-capped PUT request body.
func (s *Server) decodeWriteReq(w http.ResponseWriter, r *http.Request) (writeReq, bool) {
	var req writeReq
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "failed to read body")
		return req, false
	}
	if int64(len(body)) > maxBodyBytes {
		writeErrorCode(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
		return req, false
	}
	return req, true
}

// parseBaseRevision decodes the baseRevision field: a non-negative finite
// integer, null, or absent (treated as null).
func parseBaseRevision(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (*uint64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "baseRevision must be a non-negative integer or null")
		return nil, false
	}
	u := uint64(n)
	return &u, true
}

// respondWrite maps a Store.Upsert/Tombstone result onto the shared
// upsert/delete response taxonomy.
func (s *Server) respondWrite(w http.ResponseWriter, r *http.Request, id string, rev uint64, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, writeResp{ConversationID: id, Revision: rev})

		userID := auth.UserID(r.Context())
		rec, getErr := s.Store.Get(r.Context(), userID, id)
		if getErr == nil {
			s.Notifier.Publish(userID, notifier.Event{
				ConversationID: id,
				Revision:       rec.Revision,
				Deleted:        rec.Deleted,
				UpdatedAt:      rec.UpdatedAt,
			})
		}
		return
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflictResp{
			Error:          "conflict",
			ConversationID: conflict.ConversationID,
			Revision:       conflict.CurrentRevision,
			Deleted:        conflict.Deleted,
		})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "baseRevision non-null but row absent")
		return
	}
	writeErrorCode(w, r, http.StatusInternalServerError, "server_error", "write failed")
}
