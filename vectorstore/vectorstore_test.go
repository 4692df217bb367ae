package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCollectionName(t *testing.T) {
	require.Equal(t, "kb_11111111_2222_3333_4444_555555555555", CollectionName("11111111-2222-3333-4444-555555555555"))
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))
}

func TestUpsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))

	records := []Record{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"document_id": "doc1"}},
		{ID: "b", Vector: []float32{0, 1, 0, 0}, Payload: map[string]any{"document_id": "doc2"}},
	}
	require.NoError(t, s.Upsert(ctx, "kb_test", records))

	hits, err := s.Search(ctx, "kb_test", []float32{1, 0, 0, 0}, 2, nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "a", hits[0].ID)
	require.Greater(t, hits[0].Score, 0.9)
}

func TestSearchWithFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))

	records := []Record{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"file_type": "pdf"}},
		{ID: "b", Vector: []float32{0.9, 0.1, 0, 0}, Payload: map[string]any{"file_type": "docx"}},
	}
	require.NoError(t, s.Upsert(ctx, "kb_test", records))

	hits, err := s.Search(ctx, "kb_test", []float32{1, 0, 0, 0}, 5, Filters{"file_type": "docx"}, false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b", hits[0].ID)
}

func TestSearchWithInFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))

	records := []Record{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"document_id": "doc1"}},
		{ID: "b", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"document_id": "doc2"}},
		{ID: "c", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"document_id": "doc3"}},
	}
	require.NoError(t, s.Upsert(ctx, "kb_test", records))

	hits, err := s.Search(ctx, "kb_test", []float32{1, 0, 0, 0}, 10,
		Filters{"document_id": map[string]any{"$in": []any{"doc1", "doc3"}}}, false)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestUpsertOverwritesSameID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))

	require.NoError(t, s.Upsert(ctx, "kb_test", []Record{{ID: "a", Vector: []float32{1, 0, 0, 0}}}))
	require.NoError(t, s.Upsert(ctx, "kb_test", []Record{{ID: "a", Vector: []float32{0, 1, 0, 0}}}))

	n, err := s.Count(ctx, "kb_test")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteRemovesVectorAndPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))
	require.NoError(t, s.Upsert(ctx, "kb_test", []Record{
		{ID: "a", Vector: []float32{1, 0, 0, 0}},
		{ID: "b", Vector: []float32{0, 1, 0, 0}},
	}))

	require.NoError(t, s.Delete(ctx, "kb_test", []string{"a"}))

	n, err := s.Count(ctx, "kb_test")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteByFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_test", 4))
	require.NoError(t, s.Upsert(ctx, "kb_test", []Record{
		{ID: "a", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"document_id": "doc1"}},
		{ID: "b", Vector: []float32{0, 1, 0, 0}, Payload: map[string]any{"document_id": "doc1"}},
		{ID: "c", Vector: []float32{0, 0, 1, 0}, Payload: map[string]any{"document_id": "doc2"}},
	}))

	deleted, err := s.DeleteByFilter(ctx, "kb_test", Filters{"document_id": "doc1"})
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	n, err := s.Count(ctx, "kb_test")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCountEmptyCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "kb_empty", 4))

	n, err := s.Count(ctx, "kb_empty")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMatchesFiltersGTELTE(t *testing.T) {
	payload := map[string]any{"created_at": 100.0}
	require.True(t, matchesFilters(payload, Filters{"created_at": map[string]any{"$gte": 50.0, "$lte": 150.0}}))
	require.False(t, matchesFilters(payload, Filters{"created_at": map[string]any{"$gte": 150.0}}))
}

func TestSerializeDeserializeFloat32RoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.125}
	buf := serializeFloat32(v)
	got := deserializeFloat32(buf)
	require.Equal(t, v, got)
}
