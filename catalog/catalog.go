// Package catalog is the relational document catalog (C7): the
// transactional system of record for knowledge bases, documents, and
// chunks. It is the only source of truth for Document.status — every
// mutation that touches more than one chunk or the document row goes
// through ClaimForProcessing/FinalizeSuccess/FinalizeFailure so two
// workers can never both believe they own the same document.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbcore/kbcore/kberr"
)

// Visibility controls who can discover and query a KnowledgeBase.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

// DocumentStatus is one state in the processing state machine of §4.8.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// SourceType records how a Document entered the system.
type SourceType string

const (
	SourceUpload SourceType = "upload"
	SourceAPI    SourceType = "api"
	SourceGit    SourceType = "git"
	SourceSVN    SourceType = "svn"
	SourceURL    SourceType = "url"
)

// EmbeddingModelInfo is the KB's immutable-after-first-document embedding
// descriptor (§3 invariant: dimension is immutable after the first
// successful document).
type EmbeddingModelInfo struct {
	Provider  string
	Model     string
	Dimension int
}

// KnowledgeBase is a tenant-owned logical corpus.
type KnowledgeBase struct {
	ID             string
	Name           string
	Description    string
	OwnerID        string
	Visibility     Visibility
	EmbeddingModel EmbeddingModelInfo
	DocumentCount  int
	ChunkCount     int
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Document is the catalog's record of one uploaded file and its
// processing lifecycle.
type Document struct {
	ID           string
	KBID         string
	Filename     string
	FileType     string
	ByteSize     int64
	BlobPath     string
	ContentHash  string
	Status       DocumentStatus
	SourceType   SourceType
	ChunkCount   int
	RetryCount   int
	ErrorMessage string
	ClaimedBy    string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// Chunk is one ordered, char-ranged slice of a Document's extracted text.
type Chunk struct {
	ID                    string
	DocumentID            string
	KBID                  string
	ChunkIndex            int
	Content               string
	StartChar             int
	EndChar               int
	TokenCount            int
	VectorID              string
	Metadata              map[string]string
	EmbeddingModelVersion string
}

// Store wraps the Postgres connection pool backing the catalog.
type Store struct {
	pool *pgxpool.Pool
}

// Open parses dsn, opens a pooled connection, verifies it, and applies
// the catalog schema (idempotent CREATE TABLE/INDEX IF NOT EXISTS — the
// excluded admin layer owns real migrations; this keeps a fresh instance
// usable without one).
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: pinging: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: applying schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool returns the underlying pgx pool, for the keywordindex adapter
// (C5), which reuses this same connection.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// CreateKB inserts a new knowledge base, assigning it a UUID if ID is empty.
func (s *Store) CreateKB(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if kb.Visibility == "" {
		kb.Visibility = VisibilityPrivate
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knowledge_bases (id, name, description, owner_id, visibility,
			embedding_provider, embedding_model, embedding_dim)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		kb.ID, kb.Name, kb.Description, kb.OwnerID, kb.Visibility,
		kb.EmbeddingModel.Provider, kb.EmbeddingModel.Model, kb.EmbeddingModel.Dimension)
	if err != nil {
		return kberr.Fatal("catalog.CreateKB", err)
	}
	return nil
}

// GetKB loads a knowledge base by id.
func (s *Store) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, owner_id, visibility,
			embedding_provider, embedding_model, embedding_dim,
			document_count, chunk_count, version, created_at, updated_at
		FROM knowledge_bases WHERE id = $1`, id)

	var kb KnowledgeBase
	err := row.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.OwnerID, &kb.Visibility,
		&kb.EmbeddingModel.Provider, &kb.EmbeddingModel.Model, &kb.EmbeddingModel.Dimension,
		&kb.DocumentCount, &kb.ChunkCount, &kb.Version, &kb.CreatedAt, &kb.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, kberr.NotFound("catalog.GetKB", kberr.ErrKnowledgeBaseNotFound)
	}
	if err != nil {
		return nil, kberr.Fatal("catalog.GetKB", err)
	}
	return &kb, nil
}

// DeleteKB removes a knowledge base and, via ON DELETE CASCADE, every
// document and chunk row it owns. The vector collection and blob prefix
// are weak references (§3); the caller (Engine) is responsible for
// tearing those down after this succeeds.
func (s *Store) DeleteKB(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return kberr.Fatal("catalog.DeleteKB", err)
	}
	if tag.RowsAffected() == 0 {
		return kberr.NotFound("catalog.DeleteKB", kberr.ErrKnowledgeBaseNotFound)
	}
	return nil
}

// EnsureEmbeddingDimension sets the KB's embedding descriptor the first
// time it processes a document, and is a no-op afterward — enforcing the
// §3 invariant that dimension is immutable after the first successful
// document. Returns kberr.ErrEmbeddingDimMismatch if the KB already has a
// dimension set and it differs from dim.
func (s *Store) EnsureEmbeddingDimension(ctx context.Context, kbID, provider, model string, dim int) error {
	kb, err := s.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	if kb.EmbeddingModel.Dimension == 0 {
		_, err := s.pool.Exec(ctx, `
			UPDATE knowledge_bases SET embedding_provider=$2, embedding_model=$3,
				embedding_dim=$4, updated_at=now() WHERE id=$1`,
			kbID, provider, model, dim)
		if err != nil {
			return kberr.Fatal("catalog.EnsureEmbeddingDimension", err)
		}
		return nil
	}
	if kb.EmbeddingModel.Dimension != dim {
		return kberr.DataIntegrity("catalog.EnsureEmbeddingDimension", kberr.ErrEmbeddingDimMismatch)
	}
	return nil
}

// CreateDocument inserts a new Document row in PENDING status.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if doc.SourceType == "" {
		doc.SourceType = SourceUpload
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, kb_id, filename, file_type, byte_size, blob_path,
			content_hash, status, source_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		doc.ID, doc.KBID, doc.Filename, doc.FileType, doc.ByteSize, doc.BlobPath,
		doc.ContentHash, doc.Status, doc.SourceType)
	if err != nil {
		return kberr.Fatal("catalog.CreateDocument", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.KBID, &d.Filename, &d.FileType, &d.ByteSize, &d.BlobPath,
		&d.ContentHash, &d.Status, &d.SourceType, &d.ChunkCount, &d.RetryCount,
		&d.ErrorMessage, &d.ClaimedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt, &d.ProcessedAt)
	if err == pgx.ErrNoRows {
		return nil, kberr.NotFound("catalog.GetDocument", kberr.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, kberr.Fatal("catalog.GetDocument", err)
	}
	return &d, nil
}

const documentColumns = `id, kb_id, filename, file_type, byte_size, blob_path,
	content_hash, status, source_type, chunk_count, retry_count,
	error_message, claimed_by, version, created_at, updated_at, processed_at`

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	return scanDocument(row)
}

// ListIDsByStatus returns up to limit document ids in kbID (or across all
// KBs if kbID is empty) matching status, oldest first — used for batch
// requeue and process_pending (§4.7, §6).
func (s *Store) ListIDsByStatus(ctx context.Context, kbID string, status DocumentStatus, limit int) ([]string, error) {
	var rows pgx.Rows
	var err error
	if kbID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id FROM documents WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id FROM documents WHERE kb_id=$1 AND status=$2 ORDER BY created_at ASC LIMIT $3`,
			kbID, status, limit)
	}
	if err != nil {
		return nil, kberr.Fatal("catalog.ListIDsByStatus", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kberr.Fatal("catalog.ListIDsByStatus", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimForProcessing atomically transitions a document from PENDING to
// PROCESSING. Returns false (no error) if the row is not PENDING — the
// caller treats that as an "already_processing" outcome, not a failure.
// When force is true, it first resets the row to PENDING regardless of
// its current status before claiming, per §4.7's reprocess semantics.
func (s *Store) ClaimForProcessing(ctx context.Context, documentID, workerID string, force bool) (bool, error) {
	if force {
		if _, err := s.pool.Exec(ctx,
			`UPDATE documents SET status=$2, error_message='', updated_at=now() WHERE id=$1`,
			documentID, StatusPending); err != nil {
			return false, kberr.Fatal("catalog.ClaimForProcessing", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status=$3, claimed_by=$2, updated_at=now()
		WHERE id=$1 AND status=$4`,
		documentID, workerID, StatusProcessing, StatusPending)
	if err != nil {
		return false, kberr.Fatal("catalog.ClaimForProcessing", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeSuccess atomically, within one transaction: deletes any
// existing chunks for documentID, inserts chunks, sets the document to
// COMPLETED with chunk_count=len(chunks), and updates the KB's counters.
func (s *Store) FinalizeSuccess(ctx context.Context, documentID string, chunks []Chunk) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var kbID string
		var prevCount int
		var firstCompletion bool
		if err := tx.QueryRow(ctx,
			`SELECT kb_id, chunk_count, first_completed_at IS NULL FROM documents WHERE id=$1 FOR UPDATE`, documentID).
			Scan(&kbID, &prevCount, &firstCompletion); err != nil {
			if err == pgx.ErrNoRows {
				return kberr.NotFound("catalog.FinalizeSuccess", kberr.ErrDocumentNotFound)
			}
			return kberr.Fatal("catalog.FinalizeSuccess", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
			return kberr.Fatal("catalog.FinalizeSuccess", err)
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			id := c.ID
			if id == "" {
				id = uuid.NewString()
			}
			metaJSON, err := json.Marshal(c.Metadata)
			if err != nil {
				return kberr.Fatal("catalog.FinalizeSuccess", err)
			}
			batch.Queue(`
				INSERT INTO chunks (id, document_id, kb_id, chunk_index, content,
					start_char, end_char, token_count, vector_id, metadata, embedding_model_version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				id, documentID, kbID, c.ChunkIndex, c.Content, c.StartChar, c.EndChar,
				c.TokenCount, c.VectorID, metaJSON, c.EmbeddingModelVersion)
		}
		br := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return kberr.Fatal("catalog.FinalizeSuccess", err)
			}
		}
		if err := br.Close(); err != nil {
			return kberr.Fatal("catalog.FinalizeSuccess", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE documents SET status=$2, chunk_count=$3, error_message='', claimed_by='',
				processed_at=now(), first_completed_at=COALESCE(first_completed_at, now()),
				updated_at=now(), version=version+1
			WHERE id=$1`, documentID, StatusCompleted, len(chunks)); err != nil {
			return kberr.Fatal("catalog.FinalizeSuccess", err)
		}

		delta := len(chunks) - prevCount
		docDelta := 0
		if firstCompletion {
			docDelta = 1
		}
		if _, err := tx.Exec(ctx, `
			UPDATE knowledge_bases SET chunk_count=chunk_count+$2, document_count=document_count+$3,
				version=version+1, updated_at=now()
			WHERE id=$1`, kbID, delta, docDelta); err != nil {
			return kberr.Fatal("catalog.FinalizeSuccess", err)
		}
		return nil
	})
}

// FinalizeFailure marks a document FAILED, recording the error and
// incrementing retry_count.
func (s *Store) FinalizeFailure(ctx context.Context, documentID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET status=$2, error_message=$3, claimed_by='',
			retry_count=retry_count+1, updated_at=now()
		WHERE id=$1`, documentID, StatusFailed, errMsg)
	if err != nil {
		return kberr.Fatal("catalog.FinalizeFailure", err)
	}
	return nil
}

// GetChunksByDocument returns every chunk of documentID, ordered by index.
func (s *Store) GetChunksByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, kb_id, chunk_index, content, start_char, end_char,
			token_count, vector_id, metadata, embedding_model_version
		FROM chunks WHERE document_id=$1 ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, kberr.Fatal("catalog.GetChunksByDocument", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metaJSON []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content,
			&c.StartChar, &c.EndChar, &c.TokenCount, &c.VectorID, &metaJSON,
			&c.EmbeddingModelVersion); err != nil {
			return nil, kberr.Fatal("catalog.GetChunksByDocument", err)
		}
		_ = json.Unmarshal(metaJSON, &c.Metadata)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListVectorIDs returns the vector_id of every persisted chunk of
// documentID — used by the pipeline (§4.8 step 6) to purge prior vectors
// before reprocessing.
func (s *Store) ListVectorIDs(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT vector_id FROM chunks WHERE document_id=$1 AND vector_id != ''`, documentID)
	if err != nil {
		return nil, kberr.Fatal("catalog.ListVectorIDs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kberr.Fatal("catalog.ListVectorIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteDocument removes documentID (cascading to its chunks) and
// decrements the owning KB's counters in one transaction. It returns the
// document's blob path and the vector ids its chunks held so the caller
// can tear down the Blob (C6) and VectorRecords (C4) — both weak
// references the catalog does not own directly.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (blobPath string, vectorIDs []string, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var kbID string
		var chunkCount int
		if err := tx.QueryRow(ctx, `SELECT kb_id, blob_path, chunk_count FROM documents WHERE id=$1 FOR UPDATE`,
			documentID).Scan(&kbID, &blobPath, &chunkCount); err != nil {
			if err == pgx.ErrNoRows {
				return kberr.NotFound("catalog.DeleteDocument", kberr.ErrDocumentNotFound)
			}
			return kberr.Fatal("catalog.DeleteDocument", err)
		}

		rows, err := tx.Query(ctx, `SELECT vector_id FROM chunks WHERE document_id=$1 AND vector_id != ''`, documentID)
		if err != nil {
			return kberr.Fatal("catalog.DeleteDocument", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return kberr.Fatal("catalog.DeleteDocument", err)
			}
			vectorIDs = append(vectorIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return kberr.Fatal("catalog.DeleteDocument", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id=$1`, documentID); err != nil {
			return kberr.Fatal("catalog.DeleteDocument", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE knowledge_bases SET document_count=GREATEST(document_count-1,0),
				chunk_count=GREATEST(chunk_count-$2,0), version=version+1, updated_at=now()
			WHERE id=$1`, kbID, chunkCount); err != nil {
			return kberr.Fatal("catalog.DeleteDocument", err)
		}
		return nil
	})
	return blobPath, vectorIDs, err
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kberr.Fatal("catalog.inTx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return kberr.Fatal("catalog.inTx", err)
	}
	return nil
}
