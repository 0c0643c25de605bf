package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo represents the server's capabilities and configuration. A
// client can fetch it to sanity-check connectivity and the recommended
// batch size; the clientsync Agent does not call it.
type ServerInfo struct {
	APIVersion       string             `json:"apiVersion"`
	ServerTime       string             `json:"serverTime"`
	Conversations    EntityCapability   `json:"conversations"`
	RecommendedBatch int                `json:"recommendedBatch"`
	MinClientVersion string             `json:"minClientVersion"`
}

// EntityCapability describes pagination limits for the conversations entity.
type EntityCapability struct {
	MaxLimit int  `json:"maxLimit"`
	Enabled  bool `json:"enabled"`
}

// Info handles GET /sync/info. Unauthenticated: capability discovery
// happens before the caller necessarily has a token.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion: "1.0",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Conversations: EntityCapability{
			MaxLimit: 1000,
			Enabled:  true,
		},
		RecommendedBatch: 500,
		MinClientVersion: "0.1.0",
	}

	writeJSON(w, http.StatusOK, info)
}
