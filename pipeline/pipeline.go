// Package pipeline implements the document processing pipeline (C8):
// the claim/download/parse/chunk/embed/upsert/finalize state machine
// that turns an uploaded blob into searchable chunks. Grounded on the
// teacher's worker-loop style (one job at a time on a claimed
// resource, concurrent sub-calls joined before the next serial step),
// generalized from graph-reasoning ingestion onto this catalog's
// document lifecycle.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kbcore/kbcore/cache"
	"github.com/kbcore/kbcore/catalog"
	"github.com/kbcore/kbcore/chunker"
	"github.com/kbcore/kbcore/embedding"
	"github.com/kbcore/kbcore/kberr"
	"github.com/kbcore/kbcore/logging"
	"github.com/kbcore/kbcore/objectstore"
	"github.com/kbcore/kbcore/parser"
	"github.com/kbcore/kbcore/vectorstore"
)

// Outcome summarizes the result of one Process call.
type Outcome struct {
	DocumentID     string
	Status         catalog.DocumentStatus
	ChunkCount     int
	AlreadyClaimed bool // another worker holds the claim: treat as a successful drop
	Skipped        bool // already COMPLETED and force was false
	Error          string
}

// Config controls chunking defaults and time limits for a pipeline run.
type Config struct {
	Chunker         chunker.Config
	HardTimeout     time.Duration // default 60 minutes
	SoftTimeout     time.Duration // default 50 minutes
	EmbedBatchSize  int           // chunks per embedding call, default from embedding.Client's own batching
	WorkerID        string
}

// Pipeline wires every component a processing job touches.
type Pipeline struct {
	catalogStore *catalog.Store
	objects      *objectstore.Store
	vectors      *vectorstore.Store
	parsers      *parser.Registry
	embedder     *embedding.Client
	resultCache  *cache.Cache
	log          *logging.Logger
	cfg          Config

	onCompleted func(documentID string, chunkCount int)
	onFailed    func(documentID string, err string)
}

// New builds a Pipeline. onCompleted/onFailed may be nil; when set they
// are invoked synchronously after finalize, standing in for the
// document_completed/document_failed events of §6.
func New(catalogStore *catalog.Store, objects *objectstore.Store, vectors *vectorstore.Store, parsers *parser.Registry, embedder *embedding.Client, resultCache *cache.Cache, log *logging.Logger, cfg Config, onCompleted func(string, int), onFailed func(string, string)) *Pipeline {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 60 * time.Minute
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 50 * time.Minute
	}
	return &Pipeline{
		catalogStore: catalogStore,
		objects:      objects,
		vectors:      vectors,
		parsers:      parsers,
		embedder:     embedder,
		resultCache:  resultCache,
		log:          log,
		cfg:          cfg,
		onCompleted:  onCompleted,
		onFailed:     onFailed,
	}
}

// Process runs the full state machine for documentID per §4.8.
func (p *Pipeline) Process(ctx context.Context, documentID string, force bool) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HardTimeout)
	defer cancel()

	log := p.log
	if log != nil {
		log = log.WithDocument(documentID)
	}

	doc, err := p.catalogStore.GetDocument(ctx, documentID)
	if err != nil {
		return Outcome{}, err
	}

	// Step 1: already-completed no-op.
	if doc.Status == catalog.StatusCompleted && !force {
		return Outcome{DocumentID: documentID, Status: doc.Status, ChunkCount: doc.ChunkCount, Skipped: true}, nil
	}

	// Step 2: claim.
	claimed, err := p.catalogStore.ClaimForProcessing(ctx, documentID, p.cfg.WorkerID, force)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		if log != nil {
			log.Infow("document already being processed by another worker")
		}
		return Outcome{DocumentID: documentID, Status: catalog.StatusProcessing, AlreadyClaimed: true}, nil
	}

	kb, err := p.catalogStore.GetKB(ctx, doc.KBID)
	if err != nil {
		p.fail(ctx, documentID, doc.KBID, err)
		return Outcome{}, err
	}

	// Steps 3-10 run under the soft limit; the rest of the hard limit is
	// left for recording the FAILED outcome when the soft one expires.
	stepCtx, cancelSteps := context.WithTimeout(ctx, p.cfg.SoftTimeout)
	chunks, err := p.runSteps(stepCtx, doc, kb)
	cancelSteps()
	if err != nil {
		p.fail(ctx, documentID, doc.KBID, err)
		return Outcome{DocumentID: documentID, Status: catalog.StatusFailed, Error: err.Error()}, nil
	}

	if err := p.catalogStore.FinalizeSuccess(ctx, documentID, chunks); err != nil {
		p.fail(ctx, documentID, doc.KBID, err)
		return Outcome{DocumentID: documentID, Status: catalog.StatusFailed, Error: err.Error()}, nil
	}

	if p.resultCache != nil {
		p.resultCache.InvalidateKB(ctx, doc.KBID)
	}
	if p.onCompleted != nil {
		p.onCompleted(documentID, len(chunks))
	}
	if log != nil {
		log.Infow("document processed", "chunk_count", len(chunks))
	}

	return Outcome{DocumentID: documentID, Status: catalog.StatusCompleted, ChunkCount: len(chunks)}, nil
}

// runSteps executes steps 3-10 of §4.8, returning the finalized chunk
// set or the first error encountered (routed to FAILED by the caller).
func (p *Pipeline) runSteps(ctx context.Context, doc *catalog.Document, kb *catalog.KnowledgeBase) ([]catalog.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, kberr.Transient("pipeline.runSteps", fmt.Errorf("timed out before start: %w", err))
	}

	// Step 3: download blob.
	data, err := p.objects.Download(ctx, doc.BlobPath)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, "pipeline.download", fmt.Errorf("BlobMissing: %w", err))
	}

	// Step 4: parse.
	parserImpl, err := p.parsers.Get(doc.FileType)
	if err != nil {
		return nil, kberr.Validation("pipeline.parse", fmt.Errorf("%w: %s", kberr.ErrUnsupportedFileType, doc.FileType))
	}
	parsed, err := parserImpl.Parse(ctx, data, doc.Filename)
	if err != nil {
		return nil, kberr.Fatal("pipeline.parse", err)
	}
	text := parsed.FullText()
	if len(bytes.TrimSpace([]byte(text))) == 0 {
		return nil, kberr.Validation("pipeline.parse", errors.New("EmptyExtraction"))
	}

	// Step 5: chunk.
	chunkCfg := p.cfg.Chunker
	ck := chunker.New(chunkCfg)
	rawChunks := ck.Chunk(text, map[string]string{
		"document_id": doc.ID,
		"kb_id":       doc.KBID,
		"filename":    doc.Filename,
		"file_type":   doc.FileType,
	})

	// Step 6: purge prior state, tolerant of missing vectors.
	if err := p.purgePriorState(ctx, doc); err != nil {
		if p.log != nil {
			p.log.WithDocument(doc.ID).Warnw("purge of prior state failed, continuing", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, kberr.Transient("pipeline.runSteps", err)
	}

	// Step 7: ensure the KB's vector collection exists.
	collection := vectorstore.CollectionName(doc.KBID)
	if err := p.vectors.EnsureCollection(ctx, collection, kb.EmbeddingModel.Dimension); err != nil {
		return nil, kberr.Fatal("pipeline.ensure_collection", err)
	}

	// Step 8: embed in batches, polling ctx between them.
	texts := make([]string, len(rawChunks))
	for i, c := range rawChunks {
		texts[i] = c.Content
	}
	embedded, err := p.embedInBatches(ctx, texts, doc.KBID)
	if err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, "pipeline.embed", err)
	}
	if len(embedded) != len(rawChunks) {
		return nil, kberr.DataIntegrity("pipeline.embed", fmt.Errorf("expected %d vectors, got %d", len(rawChunks), len(embedded)))
	}

	// Enforce the §3 invariant that a KB's embedding dimension is
	// immutable after its first successful document: locks it in on the
	// first call, and flags a mismatch on every later one.
	if len(embedded) > 0 {
		if err := p.catalogStore.EnsureEmbeddingDimension(ctx, doc.KBID, kb.EmbeddingModel.Provider, kb.EmbeddingModel.Model, len(embedded[0])); err != nil {
			return nil, err
		}
	}

	// Step 9: mint joint chunk/vector ids and build records.
	chunks := make([]catalog.Chunk, len(rawChunks))
	records := make([]vectorstore.Record, len(rawChunks))
	for i, c := range rawChunks {
		id := uuid.NewString()
		chunks[i] = catalog.Chunk{
			ID:         id,
			DocumentID: doc.ID,
			KBID:       doc.KBID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
			TokenCount: c.TokenCount,
			VectorID:   id,
			Metadata:   c.Metadata,
		}
		records[i] = vectorstore.Record{
			ID:     id,
			Vector: embedded[i],
			Payload: map[string]any{
				"document_id": doc.ID,
				"kb_id":       doc.KBID,
				"chunk_index": c.Index,
				"content":     c.Content,
				"file_name":   doc.Filename,
				"file_type":   doc.FileType,
				"start_char":  c.StartChar,
				"end_char":    c.EndChar,
			},
		}
	}

	// Step 10: upsert.
	if err := p.vectors.Upsert(ctx, collection, records); err != nil {
		return nil, kberr.Wrap(kberr.KindTransient, "pipeline.upsert", err)
	}

	return chunks, nil
}

// purgePriorState implements step 6: list existing chunks' vector ids,
// delete them from the vector store, tolerant of any already being
// gone. The catalog rows themselves are replaced wholesale inside
// FinalizeSuccess's transaction, so this only needs to clear C4.
func (p *Pipeline) purgePriorState(ctx context.Context, doc *catalog.Document) error {
	vectorIDs, err := p.catalogStore.ListVectorIDs(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(vectorIDs) == 0 {
		return nil
	}
	collection := vectorstore.CollectionName(doc.KBID)
	return p.vectors.Delete(ctx, collection, vectorIDs)
}

// embedInBatches calls the embedding client in chunks sized by
// EmbedBatchSize (falling back to the client's own batching when unset)
// and polls ctx.Err() between batches so a job past its soft/hard
// timeout stops issuing new embedding calls.
func (p *Pipeline) embedInBatches(ctx context.Context, texts []string, kbID string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := p.cfg.EmbedBatchSize
	if batchSize <= 0 {
		result, err := p.embedder.Embed(ctx, texts, kbID, "")
		if err != nil {
			return nil, err
		}
		return result.Vectors, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		result, err := p.embedder.Embed(ctx, texts[start:end], kbID, "")
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, result.Vectors...)
	}
	return vectors, nil
}

// fail finalizes documentID as FAILED and invalidates the owning KB's
// cached search results, mirroring the success path's invalidation per
// §8 invariant 6: a FAILED document's stale chunks must not leave prior
// results cached.
func (p *Pipeline) fail(ctx context.Context, documentID, kbID string, cause error) {
	msg := cause.Error()
	if err := p.catalogStore.FinalizeFailure(ctx, documentID, msg); err != nil && p.log != nil {
		p.log.WithDocument(documentID).Errorw("finalize_failure itself failed", "error", err)
	}
	if p.resultCache != nil && kbID != "" {
		p.resultCache.InvalidateKB(ctx, kbID)
	}
	if p.log != nil {
		p.log.WithDocument(documentID).Warnw("document processing failed", "error", msg)
	}
	if p.onFailed != nil {
		p.onFailed(documentID, msg)
	}
}
