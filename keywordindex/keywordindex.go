// Package keywordindex implements the keyword search adapter (C5): full
// text search over the relational catalog's chunk rows, ranked by
// Postgres's ts_rank, with a substring-match fallback (constant score
// 1.0) for when the full-text query plan errors — the same
// primary/fallback duality the original's Elasticsearch-with-LIKE
// service used, reproduced here over a single Postgres pool shared with
// the catalog (§9 Supplemented Features).
package keywordindex

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbcore/kbcore/kberr"
)

// Hit is one keyword match, already shaped like a SearchResult.
type Hit struct {
	ChunkID      string
	DocumentID   string
	KBID         string
	Content      string
	Score        float64
	ChunkIndex   int
	VectorID     string
	ViaFallback  bool
}

// Index searches chunk content for a knowledge base's keyword matches.
type Index struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool — the same one the catalog (C7) uses, per
// §4.5's "backed by the relational catalog".
func New(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

// Search ranks chunks of kbID by relevance to query. documentIDs, when
// non-empty, restricts the search to those documents. Results with rank
// below scoreThreshold are dropped.
func (ix *Index) Search(ctx context.Context, kbID, query string, topK int, documentIDs []string, scoreThreshold float64) ([]Hit, error) {
	hits, err := ix.ftsSearch(ctx, kbID, query, topK, documentIDs, scoreThreshold)
	if err == nil {
		return hits, nil
	}
	// A malformed tsquery or an unreachable FTS plan degrades to substring
	// match rather than failing the caller — the original's documented
	// ES-down behavior (§9).
	return ix.likeSearch(ctx, kbID, query, topK, documentIDs, scoreThreshold)
}

func (ix *Index) ftsSearch(ctx context.Context, kbID, query string, topK int, documentIDs []string, scoreThreshold float64) ([]Hit, error) {
	tsQuery := toTSQuery(query)
	if tsQuery == "" {
		return nil, nil
	}

	args := []any{kbID, tsQuery, topK}
	docFilter := ""
	if len(documentIDs) > 0 {
		args = append(args, documentIDs)
		docFilter = " AND c.document_id = ANY($4)"
	}

	sql := `
		SELECT c.id, c.document_id, c.kb_id, c.content, c.chunk_index, c.vector_id,
			ts_rank(c.content_tsv, to_tsquery('simple', $2)) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.kb_id = $1 AND d.status = 'completed'
			AND c.content_tsv @@ to_tsquery('simple', $2)` + docFilter + `
		ORDER BY rank DESC
		LIMIT $3`

	rows, err := ix.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, kberr.Transient("keywordindex.ftsSearch", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.KBID, &h.Content, &h.ChunkIndex, &h.VectorID, &h.Score); err != nil {
			return nil, kberr.Transient("keywordindex.ftsSearch", err)
		}
		if h.Score < scoreThreshold {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Transient("keywordindex.ftsSearch", err)
	}
	return hits, nil
}

// likeSearch is the fallback implementation: substring match, constant
// score 1.0, used when the analyzer/FTS path is unavailable.
func (ix *Index) likeSearch(ctx context.Context, kbID, query string, topK int, documentIDs []string, scoreThreshold float64) ([]Hit, error) {
	if scoreThreshold > 1.0 {
		return nil, nil
	}
	pattern := "%" + strings.ReplaceAll(query, "%", `\%`) + "%"

	args := []any{kbID, pattern, topK}
	docFilter := ""
	if len(documentIDs) > 0 {
		args = append(args, documentIDs)
		docFilter = " AND c.document_id = ANY($4)"
	}

	sql := `
		SELECT c.id, c.document_id, c.kb_id, c.content, c.chunk_index, c.vector_id
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.kb_id = $1 AND d.status = 'completed' AND c.content ILIKE $2` + docFilter + `
		ORDER BY c.chunk_index ASC
		LIMIT $3`

	rows, err := ix.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, kberr.Transient("keywordindex.likeSearch", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.KBID, &h.Content, &h.ChunkIndex, &h.VectorID); err != nil {
			return nil, kberr.Transient("keywordindex.likeSearch", err)
		}
		h.Score = 1.0
		h.ViaFallback = true
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Transient("keywordindex.likeSearch", err)
	}
	return hits, nil
}

// DeleteChunk is a no-op: chunk content is indexed implicitly by the
// catalog's generated tsvector column and the trigger-free GIN index, so
// there is nothing to separately retract. It exists for symmetry with
// the vector adapter's delete hook, per §4.5.
func (ix *Index) DeleteChunk(ctx context.Context, chunkID string) error { return nil }

// toTSQuery turns a free-form query into a safe to_tsquery expression by
// ANDing its whitespace-separated terms — the same analyzer-light
// approach the catalog's `simple` tsvector configuration takes.
func toTSQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return ""
	}
	cleaned := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '\'' || r == ':' || r == '&' || r == '|' || r == '!' || r == '(' || r == ')' {
				return -1
			}
			return r
		}, f)
		if f != "" {
			cleaned = append(cleaned, f+":*")
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	return strings.Join(cleaned, " & ")
}
