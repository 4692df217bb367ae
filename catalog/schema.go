package catalog

// schemaDDL creates the relational catalog (C7): knowledge bases,
// documents, and chunks. Knowledge-graph and query-audit tables from the
// teacher's SQLite schema have no [MODULE] in this spec and are not
// reproduced here.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	owner_id           TEXT NOT NULL,
	visibility         TEXT NOT NULL DEFAULT 'private',
	embedding_provider TEXT NOT NULL DEFAULT '',
	embedding_model    TEXT NOT NULL DEFAULT '',
	embedding_dim      INTEGER NOT NULL DEFAULT 0,
	document_count     INTEGER NOT NULL DEFAULT 0,
	chunk_count        INTEGER NOT NULL DEFAULT 0,
	version            INTEGER NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	kb_id          TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	filename       TEXT NOT NULL,
	file_type      TEXT NOT NULL,
	byte_size      BIGINT NOT NULL DEFAULT 0,
	blob_path      TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	source_type    TEXT NOT NULL DEFAULT 'upload',
	chunk_count    INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	claimed_by     TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at   TIMESTAMPTZ,
	first_completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_kb_status ON documents(kb_id, status);
CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(kb_id, content_hash);

CREATE TABLE IF NOT EXISTS chunks (
	id                      TEXT PRIMARY KEY,
	document_id             TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	kb_id                   TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	chunk_index             INTEGER NOT NULL,
	content                 TEXT NOT NULL,
	start_char              INTEGER NOT NULL,
	end_char                INTEGER NOT NULL,
	token_count             INTEGER NOT NULL DEFAULT 0,
	vector_id               TEXT NOT NULL DEFAULT '',
	metadata                JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding_model_version TEXT NOT NULL DEFAULT '',
	UNIQUE(document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(kb_id);

-- Keyword index (C5): a generated tsvector column plus a GIN index gives
-- the primary full-text path; likeSearch in keywordindex is
-- used only when this query plan errors.
ALTER TABLE chunks ADD COLUMN IF NOT EXISTS content_tsv tsvector
	GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED;
CREATE INDEX IF NOT EXISTS idx_chunks_content_tsv ON chunks USING GIN(content_tsv);
`
