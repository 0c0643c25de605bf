// Package store implements the server-side Revision Store: an atomic,
// optimistic-concurrency mapping of (user, conversation) to the latest
// accepted revision, using strict per-key monotonic revisions with
// explicit baseRevision preconditions rather than last-write-wins
// timestamps.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when baseRevision is non-nil but the row is absent.
var ErrNotFound = errors.New("store: conversation not found")

// ErrInvalidConversationID is the sentinel for an id that fails
// ValidConversationID. No function in this package returns it;
// ValidConversationID itself reports a bool.
var ErrInvalidConversationID = errors.New("store: invalid conversation id")

// conversationIDPattern enforces the wire format: URL-safe, length 1..128.
var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidConversationID reports whether id satisfies the wire format.
func ValidConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}

// ConflictError is returned when an optimistic-concurrency precondition
// fails. It always carries the row's current truth so the caller can
// decide how to proceed.
type ConflictError struct {
	ConversationID  string
	CurrentRevision uint64
	Deleted         bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: conflict on %q: current revision %d (deleted=%v)", e.ConversationID, e.CurrentRevision, e.Deleted)
}

// Meta is the metadata projection returned by List, including tombstones.
type Meta struct {
	ConversationID string
	Revision       uint64
	Deleted        bool
	UpdatedAt      time.Time
}

// Record is the full row returned by Get.
type Record struct {
	ConversationID string
	Revision       uint64
	Deleted        bool
	Blob           map[string]any // nil when Deleted
	UpdatedAt      time.Time
}

// Store is the Revision Store, backed by a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an already-opened pool. Pool construction (size caps,
// timeouts) lives in internal/db, separate from this service layer.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate applies the schema. Idempotent; safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range ddlStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	log.Info().Msg("store: schema migrated")
	return nil
}

// List returns one row per present key for the user, newest updated_at
// first, including tombstones.
func (s *Store) List(ctx context.Context, userID string) ([]Meta, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, revision, deleted, updated_at
		FROM conversation
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var rev int64
		if err := rows.Scan(&m.ConversationID, &rev, &m.Deleted, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		m.Revision = uint64(rev)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}

// Get returns the full record, or ErrNotFound if the key is absent.
func (s *Store) Get(ctx context.Context, userID, conversationID string) (*Record, error) {
	var rec Record
	rec.ConversationID = conversationID
	var rev int64
	err := s.db.QueryRow(ctx, `
		SELECT revision, deleted, blob, updated_at
		FROM conversation
		WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&rev, &rec.Deleted, &rec.Blob, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	rec.Revision = uint64(rev)
	if rec.Deleted {
		rec.Blob = nil
	}
	return &rec, nil
}

// Upsert is create-semantics when baseRevision is nil (never overwrites
// an existing row), update-semantics otherwise (conditional on revision
// equality). Both paths are a single atomic statement so the
// monotonic-revision invariant holds under concurrent writers.
func (s *Store) Upsert(ctx context.Context, userID, conversationID string, baseRevision *uint64, blob map[string]any) (uint64, error) {
	if baseRevision == nil {
		var rev int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO conversation (user_id, conversation_id, revision, deleted, blob, updated_at)
			VALUES ($1, $2, 1, FALSE, $3, now())
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision
		`, userID, conversationID, blob).Scan(&rev)
		if err == nil {
			return uint64(rev), nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("store: upsert create: %w", err)
		}
		return 0, s.conflictFromCurrent(ctx, userID, conversationID)
	}

	var rev int64
	err := s.db.QueryRow(ctx, `
		UPDATE conversation
		SET revision = revision + 1, deleted = FALSE, blob = $4, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2 AND revision = $3
		RETURNING revision
	`, userID, conversationID, int64(*baseRevision), blob).Scan(&rev)
	if err == nil {
		return uint64(rev), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("store: upsert update: %w", err)
	}
	return 0, s.conflictOrNotFound(ctx, userID, conversationID)
}

// Tombstone is the delete-side mirror of Upsert.
func (s *Store) Tombstone(ctx context.Context, userID, conversationID string, baseRevision *uint64) (uint64, error) {
	if baseRevision == nil {
		var rev int64
		err := s.db.QueryRow(ctx, `
			INSERT INTO conversation (user_id, conversation_id, revision, deleted, blob, updated_at)
			VALUES ($1, $2, 1, TRUE, NULL, now())
			ON CONFLICT (user_id, conversation_id) DO NOTHING
			RETURNING revision
		`, userID, conversationID).Scan(&rev)
		if err == nil {
			return uint64(rev), nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("store: tombstone create: %w", err)
		}
		return 0, s.conflictFromCurrent(ctx, userID, conversationID)
	}

	var rev int64
	err := s.db.QueryRow(ctx, `
		UPDATE conversation
		SET revision = revision + 1, deleted = TRUE, blob = NULL, updated_at = now()
		WHERE user_id = $1 AND conversation_id = $2 AND revision = $3
		RETURNING revision
	`, userID, conversationID, int64(*baseRevision)).Scan(&rev)
	if err == nil {
		return uint64(rev), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("store: tombstone update: %w", err)
	}
	// A non-nil baseRevision against an absent row resolves to NotFound
	// here, not Conflict: the caller believed a revision existed and none
	// does, which is a missing-row condition rather than a live clash.
	return 0, s.conflictOrNotFound(ctx, userID, conversationID)
}

// Purge is the administrative-purge escape hatch: physical row removal,
// never exposed over the Sync API or any CLI, used only by operators via
// Go code.
func (s *Store) Purge(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM conversation WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	return nil
}

func (s *Store) conflictFromCurrent(ctx context.Context, userID, conversationID string) error {
	var rev int64
	var deleted bool
	err := s.db.QueryRow(ctx, `
		SELECT revision, deleted FROM conversation WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&rev, &deleted)
	if err != nil {
		return fmt.Errorf("store: read current after conflict: %w", err)
	}
	return &ConflictError{ConversationID: conversationID, CurrentRevision: uint64(rev), Deleted: deleted}
}

func (s *Store) conflictOrNotFound(ctx context.Context, userID, conversationID string) error {
	var rev int64
	var deleted bool
	err := s.db.QueryRow(ctx, `
		SELECT revision, deleted FROM conversation WHERE user_id = $1 AND conversation_id = $2
	`, userID, conversationID).Scan(&rev, &deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: read current after miss: %w", err)
	}
	return &ConflictError{ConversationID: conversationID, CurrentRevision: uint64(rev), Deleted: deleted}
}
