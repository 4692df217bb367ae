// Package vectorstore implements the per-knowledge-base vector collection
// adapter (C4) on top of SQLite + sqlite-vec, the same embedded-vector
// engine the teacher repo used for its single-corpus retrieval store,
// generalized here to one vec0 virtual table per knowledge base.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Record is one vector plus its payload, keyed by the Chunk's UUID.
type Record struct {
	ID       string
	Vector   []float32
	Payload  map[string]any
}

// SearchHit is a single scored result from Search.
type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]any
	Vector  []float32
}

// Filters restricts Search/DeleteByFilter to rows whose payload matches.
// Each value is either a scalar (equality), a []any under "$in", or a
// float64 under "$gte"/"$lte".
type Filters map[string]any

// Store wraps the SQLite database backing every KB's vector collection.
// One physical database holds many logical collections (vec0 tables),
// one per knowledge base, named kb_<uuid_with_underscores>.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating vector db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening vector db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector db: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS vs_collections (
		name TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL,
		metric TEXT NOT NULL DEFAULT 'cosine',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating collection registry: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CollectionName returns the per-KB collection name per the adapter's
// naming convention: kb_<uuid_with_underscores>.
func CollectionName(kbID string) string {
	return "kb_" + strings.ReplaceAll(kbID, "-", "_")
}

// EnsureCollection creates the vec0 virtual table for a collection if it
// does not already exist. Idempotent: if the backend reports the table
// already exists, that error is swallowed.
func (s *Store) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	payloadTable := payloadTableName(collection)

	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
		id TEXT PRIMARY KEY,
		embedding float[%d]
	)`, quoteIdent(collection), dimension)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		if isAlreadyExistsErr(err) {
			return s.registerCollection(ctx, collection, dimension)
		}
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		payload JSON NOT NULL
	)`, quoteIdent(payloadTable))); err != nil {
		if !isAlreadyExistsErr(err) {
			return fmt.Errorf("creating payload table for %s: %w", collection, err)
		}
	}

	return s.registerCollection(ctx, collection, dimension)
}

func (s *Store) registerCollection(ctx context.Context, collection string, dimension int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO vs_collections (name, dimension) VALUES (?, ?)",
		collection, dimension)
	return err
}

// Upsert writes records into collection, overwriting any existing record
// with the same id.
func (s *Store) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	vecStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (id, embedding) VALUES (?, ?)", quoteIdent(collection)))
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	payloadStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (id, payload) VALUES (?, ?)", quoteIdent(payloadTableName(collection))))
	if err != nil {
		return err
	}
	defer payloadStmt.Close()

	for _, r := range records {
		if _, err := vecStmt.ExecContext(ctx, r.ID, serializeFloat32(r.Vector)); err != nil {
			return fmt.Errorf("upserting vector %s: %w", r.ID, err)
		}
		payloadJSON, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload %s: %w", r.ID, err)
		}
		if _, err := payloadStmt.ExecContext(ctx, r.ID, string(payloadJSON)); err != nil {
			return fmt.Errorf("upserting payload %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Search performs a KNN lookup in collection, returning the top_k hits by
// score descending. Filters are applied in-process after the KNN scan
// since vec0 does not support predicate pushdown on payload columns.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int, filters Filters, withVectors bool) ([]SearchHit, error) {
	scanK := topK
	if len(filters) > 0 {
		scanK = topK * 10
		if scanK < 100 {
			scanK = 100
		}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT v.id, v.distance, v.embedding, p.payload
		FROM %s v
		JOIN %s p ON p.id = v.id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, quoteIdent(collection), quoteIdent(payloadTableName(collection))),
		serializeFloat32(vector), scanK)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var id string
		var distance float64
		var embeddingBytes []byte
		var payloadJSON string
		if err := rows.Scan(&id, &distance, &embeddingBytes, &payloadJSON); err != nil {
			return nil, err
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload for %s: %w", id, err)
		}
		if !matchesFilters(payload, filters) {
			continue
		}

		hit := SearchHit{ID: id, Score: 1.0 - distance, Payload: payload}
		if withVectors {
			hit.Vector = deserializeFloat32(embeddingBytes)
		}
		hits = append(hits, hit)
		if len(hits) == topK {
			break
		}
	}
	return hits, rows.Err()
}

// Delete removes records by id from collection.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", quoteIdent(collection), ph), args...); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", quoteIdent(payloadTableName(collection)), ph), args...); err != nil {
		return fmt.Errorf("deleting payloads: %w", err)
	}
	return tx.Commit()
}

// DeleteByFilter removes every record in collection whose payload matches
// filters. Scans the payload table since vec0 cannot filter by payload.
func (s *Store) DeleteByFilter(ctx context.Context, collection string, filters Filters) (int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, payload FROM %s", quoteIdent(payloadTableName(collection))))
	if err != nil {
		return 0, err
	}

	var matched []string
	for rows.Next() {
		var id, payloadJSON string
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			rows.Close()
			return 0, err
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			rows.Close()
			return 0, err
		}
		if matchesFilters(payload, filters) {
			matched = append(matched, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if err := s.Delete(ctx, collection, matched); err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(payloadTableName(collection)))).Scan(&n)
	return n, err
}

func matchesFilters(payload map[string]any, filters Filters) bool {
	for field, want := range filters {
		got, ok := payload[field]
		if m, isOp := want.(map[string]any); isOp {
			if !matchesOp(got, m, ok) {
				return false
			}
			continue
		}
		if list, isList := want.([]any); isList {
			if !ok || !containsAny(list, got) {
				return false
			}
			continue
		}
		if !ok || !equalScalar(got, want) {
			return false
		}
	}
	return true
}

func matchesOp(got any, ops map[string]any, present bool) bool {
	if in, ok := ops["$in"]; ok {
		list, _ := in.([]any)
		return present && containsAny(list, got)
	}
	gotNum, gotIsNum := toFloat64(got)
	if gte, ok := ops["$gte"]; ok {
		want, _ := toFloat64(gte)
		if !present || !gotIsNum || gotNum < want {
			return false
		}
	}
	if lte, ok := ops["$lte"]; ok {
		want, _ := toFloat64(lte)
		if !present || !gotIsNum || gotNum > want {
			return false
		}
	}
	return true
}

func containsAny(list []any, v any) bool {
	for _, item := range list {
		if equalScalar(item, v) {
			return true
		}
	}
	return false
}

func equalScalar(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func payloadTableName(collection string) string {
	return collection + "_payload"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isAlreadyExistsErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
