package clientsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrTransportDisabled is returned by SwitchableClient's write methods
// while the Agent hasn't yet finished its initial pull: writes stay
// disabled until the snapshot is taken.
var ErrTransportDisabled = errors.New("clientsync: transport disabled")

// RemoteConflictError mirrors the server's 409 conflict body, the
// client-side counterpart of store.ConflictError. The Uploader checks for
// it with errors.As to decide whether to delegate to the Resolver.
type RemoteConflictError struct {
	ConversationID  string
	CurrentRevision uint64
	Deleted         bool
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("clientsync: conflict on %q: revision %d deleted=%v", e.ConversationID, e.CurrentRevision, e.Deleted)
}

// ErrRemoteNotFound mirrors the server's 404 for a GET against an absent
// key.
var ErrRemoteNotFound = errors.New("clientsync: remote conversation not found")

// ConversationMeta is one row of a list_conversations response.
type ConversationMeta struct {
	ConversationID string
	Revision       uint64
	Deleted        bool
	UpdatedAt      time.Time
}

// ListResult is list_conversations's return value.
type ListResult struct {
	Items      []ConversationMeta
	NextCursor string // empty means no further pages
}

// GetResult is get_conversation's return value.
type GetResult struct {
	ConversationID string
	Revision       uint64
	Deleted        bool
	Blob           map[string]any // nil when Deleted
}

// WriteResult is upsert_conversation/delete_conversation's return value.
type WriteResult struct {
	ConversationID string
	Revision       uint64
}

// SyncAPIClient is everything the Uploader, Resolver, and Agent need from
// the server. A disabled implementation backs the Agent before its
// initial pull completes; SwitchableClient is the production wiring of
// both halves.
type SyncAPIClient interface {
	ListConversations(ctx context.Context, cursor string, limit int) (ListResult, error)
	GetConversation(ctx context.Context, id string) (GetResult, error)
	UpsertConversation(ctx context.Context, id string, baseRevision *uint64, blob map[string]any) (WriteResult, error)
	DeleteConversation(ctx context.Context, id string, baseRevision *uint64) (WriteResult, error)
}

// TokenSource returns the bearer token to attach to every request,
// refreshed on every call so a caller can rotate tokens transparently.
type TokenSource func(ctx context.Context) (string, error)

const (
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
)

// HTTPClient is the live SyncAPIClient: a correlation-id-tagged retrying
// HTTP client. It retries network errors and 429 rate limiting (honoring
// Retry-After) with backoff; 409 is deliberately NOT retried here - it is
// structured data the Resolver consumes, never a transport-layer failure.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewHTTPClient builds a live client against baseURL (no trailing slash).
func NewHTTPClient(baseURL string, token TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("clientsync: encode request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		correlationID := uuid.New().String()
		var reqBody io.Reader
		if buf != nil {
			raw, _ := io.ReadAll(buf)
			reqBody = bytes.NewReader(raw)
			buf = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-ID", correlationID)

		if c.token != nil {
			tok, err := c.token(ctx)
			if err != nil {
				return nil, fmt.Errorf("clientsync: get token: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("correlationId", correlationID).Int("attempt", attempt).Msg("clientsync: request failed")
			time.Sleep(retryBaseDelay * time.Duration(1<<attempt))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			resp.Body.Close()
			delay := retryBaseDelay * time.Duration(1<<attempt)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					delay = time.Duration(secs) * time.Second
				}
			}
			log.Warn().Str("correlationId", correlationID).Dur("delay", delay).Msg("clientsync: rate limited, retrying")
			time.Sleep(delay)
			continue
		}

		log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).Str("correlationId", correlationID).Msg("clientsync: request completed")
		return resp, nil
	}
	return nil, fmt.Errorf("clientsync: request failed after %d attempts: %w", maxRetries+1, lastErr)
}

type serverErrorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Revision       uint64 `json:"revision"`
	Deleted        bool   `json:"deleted"`
}

func parseErrorBody(resp *http.Response) serverErrorBody {
	var body serverErrorBody
	raw, _ := io.ReadAll(resp.Body)
	json.Unmarshal(raw, &body)
	return body
}

func (c *HTTPClient) ListConversations(ctx context.Context, cursor string, limit int) (ListResult, error) {
	path := fmt.Sprintf("/sync/conversations?limit=%d", limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return ListResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ListResult{}, fmt.Errorf("clientsync: list_conversations: unexpected status %d", resp.StatusCode)
	}

	var wire struct {
		Items []struct {
			ConversationID string    `json:"conversationId"`
			Revision       uint64    `json:"revision"`
			Deleted        bool      `json:"deleted"`
			UpdatedAt      time.Time `json:"updatedAt"`
		} `json:"items"`
		NextCursor *string `json:"nextCursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return ListResult{}, fmt.Errorf("clientsync: decode list_conversations: %w", err)
	}

	out := ListResult{Items: make([]ConversationMeta, 0, len(wire.Items))}
	for _, it := range wire.Items {
		out.Items = append(out.Items, ConversationMeta{
			ConversationID: it.ConversationID,
			Revision:       it.Revision,
			Deleted:        it.Deleted,
			UpdatedAt:      it.UpdatedAt,
		})
	}
	if wire.NextCursor != nil {
		out.NextCursor = *wire.NextCursor
	}
	return out, nil
}

func (c *HTTPClient) GetConversation(ctx context.Context, id string) (GetResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sync/conversations/"+id, nil)
	if err != nil {
		return GetResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return GetResult{}, ErrRemoteNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return GetResult{}, fmt.Errorf("clientsync: get_conversation: unexpected status %d", resp.StatusCode)
	}

	var wire struct {
		ConversationID string         `json:"conversationId"`
		Revision       uint64         `json:"revision"`
		Deleted        bool           `json:"deleted"`
		Data           map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return GetResult{}, fmt.Errorf("clientsync: decode get_conversation: %w", err)
	}
	return GetResult{ConversationID: wire.ConversationID, Revision: wire.Revision, Deleted: wire.Deleted, Blob: wire.Data}, nil
}

func (c *HTTPClient) UpsertConversation(ctx context.Context, id string, baseRevision *uint64, blob map[string]any) (WriteResult, error) {
	return c.write(ctx, http.MethodPut, id, baseRevision, blob)
}

func (c *HTTPClient) DeleteConversation(ctx context.Context, id string, baseRevision *uint64) (WriteResult, error) {
	return c.write(ctx, http.MethodDelete, id, baseRevision, nil)
}

func (c *HTTPClient) write(ctx context.Context, method, id string, baseRevision *uint64, blob map[string]any) (WriteResult, error) {
	body := map[string]any{"baseRevision": baseRevision}
	if blob != nil {
		body["data"] = blob
	}

	resp, err := c.do(ctx, method, "/sync/conversations/"+id, body)
	if err != nil {
		return WriteResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var wire struct {
			ConversationID string `json:"conversationId"`
			Revision       uint64 `json:"revision"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return WriteResult{}, fmt.Errorf("clientsync: decode write response: %w", err)
		}
		return WriteResult{ConversationID: wire.ConversationID, Revision: wire.Revision}, nil
	case http.StatusConflict:
		body := parseErrorBody(resp)
		return WriteResult{}, &RemoteConflictError{ConversationID: id, CurrentRevision: body.Revision, Deleted: body.Deleted}
	case http.StatusNotFound:
		return WriteResult{}, ErrRemoteNotFound
	default:
		body := parseErrorBody(resp)
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		return WriteResult{}, fmt.Errorf("clientsync: write %s: status %d: %s", id, resp.StatusCode, msg)
	}
}

// SwitchableClient is the transport Agent hot-swaps from disabled to
// live once its initial pull succeeds. Only the write methods
// (Upsert/Delete) are gated on enabled - the Uploader's TryFlush checks
// exactly that before dispatching a write. Reads stay live the whole
// time: the Agent's own initial pull calls ListConversations/
// GetConversation before Enable is ever called.
type SwitchableClient struct {
	mu      sync.RWMutex
	live    SyncAPIClient
	enabled bool
	warned  bool
}

// NewSwitchableClient wraps live, starting disabled.
func NewSwitchableClient(live SyncAPIClient) *SwitchableClient {
	return &SwitchableClient{live: live}
}

// Enable switches the write methods on; reads are never gated.
func (s *SwitchableClient) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

func (s *SwitchableClient) guard() error {
	s.mu.RLock()
	enabled := s.enabled
	s.mu.RUnlock()
	if enabled {
		return nil
	}

	s.mu.Lock()
	if !s.warned {
		s.warned = true
		log.Info().Msg("clientsync: transport disabled, dropping call")
	}
	s.mu.Unlock()
	return ErrTransportDisabled
}

func (s *SwitchableClient) ListConversations(ctx context.Context, cursor string, limit int) (ListResult, error) {
	return s.live.ListConversations(ctx, cursor, limit)
}

func (s *SwitchableClient) GetConversation(ctx context.Context, id string) (GetResult, error) {
	return s.live.GetConversation(ctx, id)
}

func (s *SwitchableClient) UpsertConversation(ctx context.Context, id string, baseRevision *uint64, blob map[string]any) (WriteResult, error) {
	if err := s.guard(); err != nil {
		return WriteResult{}, err
	}
	return s.live.UpsertConversation(ctx, id, baseRevision, blob)
}

func (s *SwitchableClient) DeleteConversation(ctx context.Context, id string, baseRevision *uint64) (WriteResult, error) {
	if err := s.guard(); err != nil {
		return WriteResult{}, err
	}
	return s.live.DeleteConversation(ctx, id, baseRevision)
}
