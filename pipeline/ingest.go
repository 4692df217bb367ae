package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kbcore/kbcore/catalog"
	"github.com/kbcore/kbcore/vectorstore"
)

// UploadDocument implements the upload_document external interface
// (§6): writes the blob, creates the catalog row in PENDING, and
// synchronously runs the pipeline. Returns the finalized outcome.
func (p *Pipeline) UploadDocument(ctx context.Context, kbID string, fileBytes []byte, filename string) (Outcome, error) {
	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	documentID := uuid.NewString()

	sum := sha256.Sum256(fileBytes)
	contentHash := hex.EncodeToString(sum[:])

	blobPath, _, err := p.objects.Upload(ctx, fileBytes, kbID, filename, documentID, "")
	if err != nil {
		return Outcome{}, err
	}

	doc := &catalog.Document{
		ID:          documentID,
		KBID:        kbID,
		Filename:    filename,
		FileType:    fileType,
		ByteSize:    int64(len(fileBytes)),
		BlobPath:    blobPath,
		ContentHash: contentHash,
		Status:      catalog.StatusPending,
		SourceType:  catalog.SourceUpload,
	}
	if err := p.catalogStore.CreateDocument(ctx, doc); err != nil {
		return Outcome{}, err
	}

	return p.Process(ctx, documentID, false)
}

// PushDocument implements the push_document external interface (§9): it
// ingests raw UTF-8 text directly, with no file upload round-trip, by
// synthesizing a blob write so C6/C7 invariants still hold, then
// proceeding through the normal pipeline exactly as UploadDocument does.
func (p *Pipeline) PushDocument(ctx context.Context, kbID, filename, text string) (Outcome, error) {
	if filepath.Ext(filename) == "" {
		filename += ".txt"
	}
	return p.UploadDocument(ctx, kbID, []byte(text), filename)
}

// DeleteDocument implements delete_document (§6): deletes the catalog
// row (which yields its blob path and vector ids), then removes the
// vectors and the blob, and invalidates the KB's cache.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := p.catalogStore.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	blobPath, vectorIDs, err := p.catalogStore.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if len(vectorIDs) > 0 {
		collection := vectorstore.CollectionName(doc.KBID)
		if err := p.vectors.Delete(ctx, collection, vectorIDs); err != nil && p.log != nil {
			p.log.WithDocument(documentID).Warnw("failed to delete vectors on document delete", "error", err)
		}
	}
	if blobPath != "" {
		if err := p.objects.Delete(ctx, blobPath); err != nil && p.log != nil {
			p.log.WithDocument(documentID).Warnw("failed to delete blob on document delete", "error", err)
		}
	}
	if p.resultCache != nil {
		p.resultCache.InvalidateKB(ctx, doc.KBID)
	}
	return nil
}

// ProcessPending implements process_pending (§6): claims and runs every
// PENDING document in a KB (or across all KBs if kbID is empty), up to
// limit.
func (p *Pipeline) ProcessPending(ctx context.Context, kbID string, limit int) ([]Outcome, error) {
	ids, err := p.catalogStore.ListIDsByStatus(ctx, kbID, catalog.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		outcome, err := p.Process(ctx, id, false)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// ReprocessDocuments implements reprocess_documents (§6): runs the
// pipeline for an explicit list of documents; with force set, each one
// is run regardless of its current status.
func (p *Pipeline) ReprocessDocuments(ctx context.Context, documentIDs []string, force bool) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(documentIDs))
	for _, id := range documentIDs {
		outcome, err := p.Process(ctx, id, force)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
