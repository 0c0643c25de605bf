package store

// Schema DDL, applied once at startup. No external migration tool is
// wired in for this service, so schema changes are plain idempotent DDL
// executed from Go.

const ddlCreateConversationTable = `
CREATE TABLE IF NOT EXISTS conversation (
    user_id         TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    revision        BIGINT NOT NULL,
    deleted         BOOLEAN NOT NULL DEFAULT FALSE,
    blob            JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, conversation_id)
);
`

const ddlCreateConversationUpdatedAtIndex = `
CREATE INDEX IF NOT EXISTS idx_conversation_user_updated_at
    ON conversation (user_id, updated_at DESC);
`

var ddlStatements = []string{
	ddlCreateConversationTable,
	ddlCreateConversationUpdatedAtIndex,
}
