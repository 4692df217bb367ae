// Package kbcore wires the core components (C1-C12) into a single
// Engine: a multi-tenant knowledge base retrieval platform. Mirrors the
// teacher's root package shape — a constructor over a Config, a thin
// interface a binary can drive — generalized from a single-tenant
// graph-reasoning engine onto many independently-embedded knowledge
// bases with no reasoning/chat layer of its own.
package kbcore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kbcore/kbcore/cache"
	"github.com/kbcore/kbcore/catalog"
	"github.com/kbcore/kbcore/chunker"
	"github.com/kbcore/kbcore/config"
	"github.com/kbcore/kbcore/embedding"
	"github.com/kbcore/kbcore/keywordindex"
	"github.com/kbcore/kbcore/logging"
	"github.com/kbcore/kbcore/objectstore"
	"github.com/kbcore/kbcore/parser"
	"github.com/kbcore/kbcore/pipeline"
	"github.com/kbcore/kbcore/queue"
	"github.com/kbcore/kbcore/retrieval"
	"github.com/kbcore/kbcore/vectorstore"
)

// SearchResponse is the shape of the search() external interface's
// return value (§6): results plus the metadata a caller needs to
// reason about how they were produced.
type SearchResponse struct {
	Results    []retrieval.SearchResult `json:"results"`
	TookMS     int64                    `json:"took_ms"`
	FromCache  bool                     `json:"from_cache"`
	Mode       retrieval.Mode           `json:"mode"`
	Degraded   bool                     `json:"degraded,omitempty"`
}

// SearchRequest parameterizes the search() external interface.
type SearchRequest struct {
	KBID           string
	Query          string
	Mode           retrieval.Mode
	TopK           int
	ScoreThreshold float64
	Filters        retrieval.Filters
	Hybrid         retrieval.HybridOptions
	Rerank         retrieval.RerankOptions
	UseCache       bool
	UserID         string
}

// Engine is the kbcore entry point: every External Interface of §6.
type Engine struct {
	cfg      *config.Config
	log      *logging.Logger
	catalog  *catalog.Store
	objects  *objectstore.Store
	vectors  *vectorstore.Store
	keywords *keywordindex.Index
	embedder *embedding.Client
	rdb      *redis.Client
	queue    *queue.Queue
	cache    *cache.Cache
	retrvl   *retrieval.Engine
	pipe     *pipeline.Pipeline
}

// New builds an Engine from cfg, opening every backing store. Closing
// the returned Engine is the caller's responsibility (Close).
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, reranker retrieval.Reranker) (*Engine, error) {
	if log == nil {
		log = logging.New()
	}

	catalogStore, err := catalog.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("kbcore: opening catalog: %w", err)
	}

	objects, err := objectstore.Open(ctx, objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
		Region:    cfg.S3Region,
	})
	if err != nil {
		catalogStore.Close()
		return nil, fmt.Errorf("kbcore: opening object store: %w", err)
	}

	vectors, err := vectorstore.Open(cfg.VectorDBPath)
	if err != nil {
		catalogStore.Close()
		return nil, fmt.Errorf("kbcore: opening vector store: %w", err)
	}

	keywords := keywordindex.New(catalogStore.Pool())

	embedder := embedding.New(embedding.Config{
		Provider:   "openai",
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimension:  cfg.EmbeddingDim,
		BatchSize:  cfg.EmbeddingBatchSize,
		MaxRetries: cfg.EmbeddingMaxRetries,
	})

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		catalogStore.Close()
		return nil, fmt.Errorf("kbcore: parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		catalogStore.Close()
		return nil, fmt.Errorf("kbcore: pinging redis: %w", err)
	}

	q := queue.New(rdb, queue.Config{
		VisibilityTimeout: secondsToDuration(cfg.QueueVisibilityTimeoutSeconds),
		MaxRetries:        cfg.QueueMaxAttempts,
	})

	resultCache := cache.New(rdb, cache.Options{TTL: secondsToDuration(cfg.CacheTTLSeconds)}, log)

	retrvl := retrieval.New(vectors, keywords, embedder, reranker, log)

	parsers := parser.NewRegistry()

	pipe := pipeline.New(catalogStore, objects, vectors, parsers, embedder, resultCache, log, pipeline.Config{
		Chunker: chunker.Config{
			Strategy:   chunker.Strategy(cfg.ChunkStrategy),
			TargetSize: cfg.ChunkTargetSize,
			Overlap:    cfg.ChunkOverlap,
		},
	}, nil, nil)

	return &Engine{
		cfg:      cfg,
		log:      log,
		catalog:  catalogStore,
		objects:  objects,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		rdb:      rdb,
		queue:    q,
		cache:    resultCache,
		retrvl:   retrvl,
		pipe:     pipe,
	}, nil
}

// Close releases every backing connection the Engine opened.
func (e *Engine) Close() {
	e.catalog.Close()
	e.rdb.Close()
	if err := e.vectors.Close(); err != nil && e.log != nil {
		e.log.Warnw("failed to close vector store", "error", err)
	}
}

// CreateKB registers a new knowledge base. Embedding dimension is
// locked in on the first successful document per §3's invariant.
func (e *Engine) CreateKB(ctx context.Context, kb *catalog.KnowledgeBase) error {
	return e.catalog.CreateKB(ctx, kb)
}

// GetKB fetches a knowledge base by id.
func (e *Engine) GetKB(ctx context.Context, id string) (*catalog.KnowledgeBase, error) {
	return e.catalog.GetKB(ctx, id)
}

// DeleteKB removes a knowledge base and cascades to its documents,
// chunks, vector collection, and blob prefix per §3.
func (e *Engine) DeleteKB(ctx context.Context, id string) error {
	collection := vectorstore.CollectionName(id)
	if _, err := e.vectors.DeleteByFilter(ctx, collection, vectorstore.Filters{}); err != nil {
		e.log.WithKB(id).Warnw("failed to clear vector collection on kb delete", "error", err)
	}
	prefix := fmt.Sprintf("knowledge_bases/%s/", id)
	if _, err := e.objects.DeleteByPrefix(ctx, prefix); err != nil {
		e.log.WithKB(id).Warnw("failed to clear blob prefix on kb delete", "error", err)
	}
	e.cache.InvalidateKB(ctx, id)
	return e.catalog.DeleteKB(ctx, id)
}

// UploadDocument implements upload_document (§6).
func (e *Engine) UploadDocument(ctx context.Context, kbID string, fileBytes []byte, filename string) (pipeline.Outcome, error) {
	return e.pipe.UploadDocument(ctx, kbID, fileBytes, filename)
}

// PushDocument implements push_document (§9).
func (e *Engine) PushDocument(ctx context.Context, kbID, filename, text string) (pipeline.Outcome, error) {
	return e.pipe.PushDocument(ctx, kbID, filename, text)
}

// ReprocessDocuments implements reprocess_documents (§6).
func (e *Engine) ReprocessDocuments(ctx context.Context, documentIDs []string, force bool) ([]pipeline.Outcome, error) {
	return e.pipe.ReprocessDocuments(ctx, documentIDs, force)
}

// DeleteDocument implements delete_document (§6).
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	return e.pipe.DeleteDocument(ctx, documentID)
}

// ProcessPending implements process_pending (§6).
func (e *Engine) ProcessPending(ctx context.Context, kbID string, limit int) ([]pipeline.Outcome, error) {
	return e.pipe.ProcessPending(ctx, kbID, limit)
}

// ClearKBCache implements clear_kb_cache (§6).
func (e *Engine) ClearKBCache(ctx context.Context, kbID string) int {
	return e.cache.InvalidateKB(ctx, kbID)
}

// RebuildKB implements rebuild_kb (§6): force-reprocesses every
// document currently in the KB, regardless of status.
func (e *Engine) RebuildKB(ctx context.Context, kbID string) ([]pipeline.Outcome, error) {
	var ids []string
	for _, status := range []catalog.DocumentStatus{
		catalog.StatusPending, catalog.StatusProcessing, catalog.StatusCompleted, catalog.StatusFailed,
	} {
		batch, err := e.catalog.ListIDsByStatus(ctx, kbID, status, 10000)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
	}
	return e.pipe.ReprocessDocuments(ctx, ids, true)
}

// Search implements search (§6), consulting the cache before dispatch
// and writing the fresh result set back on a miss.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	start := time.Now()

	var cacheKey string
	if req.UseCache {
		cacheKey = e.cache.Fingerprint(req.KBID, req.Query, searchConfigMap(req), filtersMap(req.Filters))
		if cached, hit := e.cache.Get(ctx, cacheKey); hit {
			return SearchResponse{
				Results:   cacheResultsToSearchResults(cached),
				TookMS:    time.Since(start).Milliseconds(),
				FromCache: true,
				Mode:      req.Mode,
			}, nil
		}
	}

	results, degraded, err := e.retrvl.Search(ctx, req.KBID, req.Query, retrieval.SearchOptions{
		Mode:           req.Mode,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Filters:        req.Filters,
		Hybrid:         req.Hybrid,
		Rerank:         req.Rerank,
		UserID:         req.UserID,
	})
	if err != nil {
		return SearchResponse{}, err
	}

	if req.UseCache {
		e.cache.Set(ctx, cacheKey, searchResultsToCacheResults(results))
	}

	return SearchResponse{
		Results:  results,
		TookMS:   time.Since(start).Milliseconds(),
		Mode:     req.Mode,
		Degraded: degraded,
	}, nil
}

// Queue exposes the task queue for a binary's worker loop to drive.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Pipeline exposes the processing pipeline for a worker loop that
// dequeues tasks and calls Process directly.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// searchConfigMap captures the parts of a SearchRequest that change the
// result set, for cache fingerprinting — excludes UseCache itself.
func searchConfigMap(req SearchRequest) map[string]any {
	return map[string]any{
		"mode":                    req.Mode,
		"top_k":                   req.TopK,
		"score_threshold":         req.ScoreThreshold,
		"fusion_method":           req.Hybrid.Method,
		"semantic_weight":         req.Hybrid.SemanticWeight,
		"keyword_weight":          req.Hybrid.KeywordWeight,
		"rrf_k":                   req.Hybrid.RRFK,
		"adaptive":                req.Hybrid.Adaptive,
		"rerank_enabled":          req.Rerank.Enabled,
		"rerank_top_k":            req.Rerank.TopK,
		"rerank_score_threshold":  req.Rerank.ScoreThreshold,
		"rerank_max_input_length": req.Rerank.MaxInputLength,
	}
}

func filtersMap(f retrieval.Filters) map[string]any {
	return map[string]any{
		"document_ids": f.DocumentIDs,
		"file_types":   f.FileTypes,
		"tags":         f.Tags,
		"metadata":     f.Metadata,
	}
}

func cacheResultsToSearchResults(results []cache.Result) []retrieval.SearchResult {
	out := make([]retrieval.SearchResult, len(results))
	for i, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out[i] = retrieval.SearchResult{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Content:    r.Content,
			Metadata:   metadata,
			Highlights: r.Highlights,
		}
	}
	return out
}

func searchResultsToCacheResults(results []retrieval.SearchResult) []cache.Result {
	out := make([]cache.Result, len(results))
	for i, r := range results {
		metadata := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = fmt.Sprintf("%v", v)
		}
		out[i] = cache.Result{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Content:    r.Content,
			Metadata:   metadata,
			Highlights: r.Highlights,
		}
	}
	return out
}
