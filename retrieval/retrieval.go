// Package retrieval implements the hybrid retrieval pipeline (C10):
// dispatching semantic, keyword, or hybrid search, fusing ranked lists,
// reranking, and applying the final score threshold — grounded on the
// retrieval pack's own fusion searcher (Aman-CERP-amanmcp's
// pkg/searcher/fusion.go), generalized from its BM25+vector split onto
// this system's keyword/vector adapters and extended with the spec's
// weighted/linear fusion and adaptive weighting.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbcore/kbcore/embedding"
	"github.com/kbcore/kbcore/keywordindex"
	"github.com/kbcore/kbcore/logging"
	"github.com/kbcore/kbcore/vectorstore"
)

// Mode selects which sub-retrievers a Search call dispatches to.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// FusionMethod selects how hybrid mode combines its two ranked lists.
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
	FusionLinear   FusionMethod = "linear"
)

// SearchResult is one ranked hit, ephemeral except when the cache stores
// a bounded list of them.
type SearchResult struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Content    string
	FileType   string
	Filename   string
	ChunkIndex int
	Metadata   map[string]any
	Highlights []string
}

// Filters restricts a search to a subset of a KB's chunks. The vector
// search (C4) receives DocumentIDs, FileTypes and Metadata as payload
// filters; the keyword search (C5) receives only DocumentIDs. DateFrom,
// DateTo and Tags are not applied by either.
type Filters struct {
	DocumentIDs []string
	FileTypes   []string
	DateFrom    *time.Time
	DateTo      *time.Time
	Tags        []string
	Metadata    map[string]any
}

func (f Filters) toVectorFilters() vectorstore.Filters {
	vf := vectorstore.Filters{}
	if len(f.DocumentIDs) > 0 {
		in := make([]any, len(f.DocumentIDs))
		for i, d := range f.DocumentIDs {
			in[i] = d
		}
		vf["document_id"] = map[string]any{"$in": in}
	}
	if len(f.FileTypes) > 0 {
		in := make([]any, len(f.FileTypes))
		for i, t := range f.FileTypes {
			in[i] = t
		}
		vf["file_type"] = map[string]any{"$in": in}
	}
	for k, v := range f.Metadata {
		vf[k] = v
	}
	return vf
}

// HybridOptions controls fusion when Mode is ModeHybrid.
type HybridOptions struct {
	Method         FusionMethod
	SemanticWeight float64 // default 0.7
	KeywordWeight  float64 // default 0.3
	RRFK           int     // default 60
	Adaptive       bool    // nudge weights from query shape before fusing
}

// RerankOptions controls the optional second-pass reranker.
type RerankOptions struct {
	Enabled        bool
	TopK           int     // not read by Search, which always feeds the reranker top_k*3 candidates
	ScoreThreshold float64 // default 0: post-rerank, per-result minimum
	MaxInputLength int     // default 512 characters of document text sent to the reranker
}

// SearchOptions parameterizes one Search call.
type SearchOptions struct {
	Mode           Mode
	TopK           int
	ScoreThreshold float64
	Filters        Filters
	Hybrid         HybridOptions
	Rerank         RerankOptions
	UserID         string
}

// Engine dispatches and fuses search results for one knowledge base.
type Engine struct {
	vec      *vectorstore.Store
	kw       *keywordindex.Index
	embedder *embedding.Client
	reranker Reranker // may be nil: reranking is then a no-op regardless of opts.Rerank.Enabled
	log      *logging.Logger
}

// New builds an Engine. reranker may be nil if no pluggable reranker is
// configured.
func New(vec *vectorstore.Store, kw *keywordindex.Index, embedder *embedding.Client, reranker Reranker, log *logging.Logger) *Engine {
	return &Engine{vec: vec, kw: kw, embedder: embedder, reranker: reranker, log: log}
}

// Search executes query against kbID per opts and returns up to
// opts.TopK results above opts.ScoreThreshold, ordered by score desc,
// plus whether a hybrid search degraded to a single backend (§7).
func (e *Engine) Search(ctx context.Context, kbID, query string, opts SearchOptions) ([]SearchResult, bool, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	fetchK := opts.TopK
	if opts.Rerank.Enabled && e.reranker != nil {
		fetchK = opts.TopK * 3
	}

	var (
		semantic []SearchResult
		keyword  []SearchResult
		degraded bool
		err      error
	)

	switch opts.Mode {
	case ModeKeyword:
		keyword, err = e.keywordSearch(ctx, kbID, query, fetchK, opts.Filters)
		if err != nil {
			return nil, false, err
		}
	case ModeHybrid:
		semantic, keyword, degraded, err = e.hybridDispatch(ctx, kbID, query, fetchK, opts.Filters)
		if err != nil {
			return nil, false, err
		}
	default: // ModeSemantic
		semantic, err = e.semanticSearch(ctx, kbID, query, fetchK, opts.Filters)
		if err != nil {
			return nil, false, err
		}
	}

	var fused []SearchResult
	switch opts.Mode {
	case ModeHybrid:
		fused = e.fuse(query, semantic, keyword, opts.Hybrid)
	case ModeKeyword:
		fused = keyword
	default:
		fused = semantic
	}

	if opts.Rerank.Enabled && e.reranker != nil {
		maxLen := opts.Rerank.MaxInputLength
		if maxLen <= 0 {
			maxLen = 512
		}
		fused, err = e.reranker.Rerank(ctx, query, fused, fetchK, opts.Rerank.ScoreThreshold, maxLen)
		if err != nil {
			return nil, false, err
		}
	}

	final := truncate(applyThreshold(fused, opts.ScoreThreshold), opts.TopK)
	for i := range final {
		final[i].Highlights = extractHighlights(final[i].Content, query, 2)
	}
	return final, degraded, nil
}

// semanticSearch embeds query (cache-miss path only — callers that hit
// the result cache never reach here) and searches the KB's vector
// collection.
func (e *Engine) semanticSearch(ctx context.Context, kbID, query string, topK int, filters Filters) ([]SearchResult, error) {
	embedded, err := e.embedder.Embed(ctx, []string{query}, kbID, "")
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	if len(embedded.Vectors) == 0 || len(embedded.Vectors[0]) == 0 {
		return nil, fmt.Errorf("retrieval: empty query embedding")
	}

	collection := vectorstore.CollectionName(kbID)
	hits, err := e.vec.Search(ctx, collection, embedded.Vectors[0], topK, filters.toVectorFilters(), false)
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector search: %w", err)
	}

	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitToResult(h))
	}
	return out, nil
}

func (e *Engine) keywordSearch(ctx context.Context, kbID, query string, topK int, filters Filters) ([]SearchResult, error) {
	hits, err := e.kw.Search(ctx, kbID, query, topK, filters.DocumentIDs, 0)
	if err != nil {
		return nil, fmt.Errorf("retrieval: keyword search: %w", err)
	}
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchResult{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Score:      h.Score,
			Content:    h.Content,
			ChunkIndex: h.ChunkIndex,
		})
	}
	return out, nil
}

// hybridDispatch launches semantic and keyword search concurrently with
// a join barrier before fusion (§5). If one sub-retriever fails, its
// results are logged and treated as empty so the other's results still
// come back (graceful degradation, §7); if both fail, the error
// propagates.
func (e *Engine) hybridDispatch(ctx context.Context, kbID, query string, topK int, filters Filters) ([]SearchResult, []SearchResult, bool, error) {
	var semantic, keyword []SearchResult
	var semErr, kwErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semantic, semErr = e.semanticSearch(gctx, kbID, query, topK, filters)
		return nil
	})
	g.Go(func() error {
		keyword, kwErr = e.keywordSearch(gctx, kbID, query, topK, filters)
		return nil
	})
	_ = g.Wait()

	if semErr != nil && kwErr != nil {
		return nil, nil, false, fmt.Errorf("retrieval: both sub-retrievers failed: semantic=%v keyword=%v", semErr, kwErr)
	}
	if semErr != nil {
		if e.log != nil {
			e.log.Warnw("semantic search failed, degrading to keyword-only", "error", semErr)
		}
		return nil, keyword, true, nil
	}
	if kwErr != nil {
		if e.log != nil {
			e.log.Warnw("keyword search failed, degrading to semantic-only", "error", kwErr)
		}
		return semantic, nil, true, nil
	}
	return semantic, keyword, false, nil
}

func hitToResult(h vectorstore.SearchHit) SearchResult {
	r := SearchResult{ChunkID: h.ID, Score: h.Score, Metadata: h.Payload}
	if docID, ok := h.Payload["document_id"].(string); ok {
		r.DocumentID = docID
	}
	if ft, ok := h.Payload["file_type"].(string); ok {
		r.FileType = ft
	}
	if fn, ok := h.Payload["file_name"].(string); ok {
		r.Filename = fn
	}
	if content, ok := h.Payload["content"].(string); ok {
		r.Content = content
	}
	if idx, ok := h.Payload["chunk_index"].(float64); ok {
		r.ChunkIndex = int(idx)
	}
	return r
}

func applyThreshold(results []SearchResult, threshold float64) []SearchResult {
	if threshold <= 0 {
		return results
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

func truncate(results []SearchResult, topK int) []SearchResult {
	if topK <= 0 || len(results) <= topK {
		return results
	}
	return results[:topK]
}
