package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kbcore/kbcore"
	"github.com/kbcore/kbcore/catalog"
	"github.com/kbcore/kbcore/config"
	"github.com/kbcore/kbcore/logging"
	"github.com/kbcore/kbcore/retrieval"
)

type handler struct {
	engine *kbcore.Engine
	cfg    *config.Config
	log    *logging.Logger
}

func newHandler(e *kbcore.Engine, cfg *config.Config, log *logging.Logger) *handler {
	return &handler{engine: e, cfg: cfg, log: log}
}

// POST /kbs
func (h *handler) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		OwnerID     string `json:"owner_id"`
		Visibility  string `json:"visibility"`
		Provider    string `json:"embedding_provider"`
		Model       string `json:"embedding_model"`
		Dimension   int    `json:"embedding_dimension"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Dimension == 0 {
		req.Dimension = h.cfg.EmbeddingDim
	}
	if req.Model == "" {
		req.Model = h.cfg.EmbeddingModel
	}
	if req.Provider == "" {
		req.Provider = "openai"
	}

	kb := &catalog.KnowledgeBase{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
		Visibility:  catalog.Visibility(req.Visibility),
		EmbeddingModel: catalog.EmbeddingModelInfo{
			Provider:  req.Provider,
			Model:     req.Model,
			Dimension: req.Dimension,
		},
	}

	if err := h.engine.CreateKB(r.Context(), kb); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create knowledge base")
		h.log.Errorw("create kb", "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

// GET /kbs/{id}
func (h *handler) handleGetKB(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kb, err := h.engine.GetKB(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// DELETE /kbs/{id}
func (h *handler) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteKB(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete knowledge base")
		h.log.Errorw("delete kb", "kb_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /kbs/{id}/documents
// Accepts a multipart file upload under field "file".
func (h *handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	kbID := r.PathValue("id")

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart file upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		h.log.Errorw("read upload", "error", err)
		return
	}

	outcome, err := h.engine.UploadDocument(ctx, kbID, data, header.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload failed")
		h.log.Errorw("upload document", "kb_id", kbID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// POST /kbs/{id}/documents/push
func (h *handler) handlePushDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	kbID := r.PathValue("id")

	var req struct {
		Filename string `json:"filename"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Filename == "" {
		req.Filename = uuid.NewString() + ".txt"
	}

	outcome, err := h.engine.PushDocument(ctx, kbID, req.Filename, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "push failed")
		h.log.Errorw("push document", "kb_id", kbID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// POST /documents/reprocess
func (h *handler) handleReprocessDocuments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		DocumentIDs []string `json:"document_ids"`
		Force       bool     `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "document_ids is required")
		return
	}

	outcomes, err := h.engine.ReprocessDocuments(ctx, req.DocumentIDs, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reprocess failed")
		h.log.Errorw("reprocess documents", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		h.log.Errorw("delete document", "document_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /kbs/{id}/search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	kbID := r.PathValue("id")

	var req struct {
		Query          string   `json:"query"`
		Mode           string   `json:"mode"`
		TopK           int      `json:"top_k"`
		ScoreThreshold float64  `json:"score_threshold"`
		UseCache       bool     `json:"use_cache"`
		UserID         string   `json:"user_id"`
		DocumentIDs    []string `json:"document_ids"`
		FileTypes      []string `json:"file_types"`
		Tags           []string `json:"tags"`
		Hybrid         *struct {
			Method         string  `json:"method"`
			SemanticWeight float64 `json:"semantic_weight"`
			KeywordWeight  float64 `json:"keyword_weight"`
			RRFK           int     `json:"rrf_k"`
			Adaptive       bool    `json:"adaptive"`
		} `json:"hybrid"`
		Rerank *struct {
			Enabled        bool    `json:"enabled"`
			TopK           int     `json:"top_k"`
			ScoreThreshold float64 `json:"score_threshold"`
			MaxInputLength int     `json:"max_input_length"`
		} `json:"rerank"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	mode := retrieval.Mode(req.Mode)
	if mode == "" {
		mode = retrieval.ModeHybrid
	}

	hybrid := retrieval.HybridOptions{
		Method:         retrieval.FusionRRF,
		SemanticWeight: h.cfg.WeightVector,
		KeywordWeight:  h.cfg.WeightFTS,
		RRFK:           h.cfg.RRFK,
	}
	if req.Hybrid != nil {
		if req.Hybrid.Method != "" {
			hybrid.Method = retrieval.FusionMethod(req.Hybrid.Method)
		}
		if req.Hybrid.SemanticWeight > 0 || req.Hybrid.KeywordWeight > 0 {
			hybrid.SemanticWeight = req.Hybrid.SemanticWeight
			hybrid.KeywordWeight = req.Hybrid.KeywordWeight
		}
		if req.Hybrid.RRFK > 0 {
			hybrid.RRFK = req.Hybrid.RRFK
		}
		hybrid.Adaptive = req.Hybrid.Adaptive
	}

	rerank := retrieval.RerankOptions{TopK: h.cfg.RerankTopK}
	if req.Rerank != nil {
		rerank.Enabled = req.Rerank.Enabled
		if req.Rerank.TopK > 0 {
			rerank.TopK = req.Rerank.TopK
		}
		rerank.ScoreThreshold = req.Rerank.ScoreThreshold
		rerank.MaxInputLength = req.Rerank.MaxInputLength
	}

	resp, err := h.engine.Search(ctx, kbcore.SearchRequest{
		KBID:           kbID,
		Query:          req.Query,
		Mode:           mode,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Filters: retrieval.Filters{
			DocumentIDs: req.DocumentIDs,
			FileTypes:   req.FileTypes,
			Tags:        req.Tags,
		},
		Hybrid:   hybrid,
		Rerank:   rerank,
		UseCache: req.UseCache,
		UserID:   req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		h.log.Errorw("search", "kb_id", kbID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /kbs/{id}/cache/clear
func (h *handler) handleClearKBCache(w http.ResponseWriter, r *http.Request) {
	kbID := r.PathValue("id")
	n := h.engine.ClearKBCache(r.Context(), kbID)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

// POST /kbs/{id}/rebuild
func (h *handler) handleRebuildKB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Minute)
	defer cancel()

	kbID := r.PathValue("id")
	outcomes, err := h.engine.RebuildKB(ctx, kbID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		h.log.Errorw("rebuild kb", "kb_id", kbID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// POST /process-pending
func (h *handler) handleProcessPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		KBID  string `json:"kb_id"`
		Limit int    `json:"limit"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 {
		req.Limit = 100
	}

	outcomes, err := h.engine.ProcessPending(ctx, req.KBID, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "process-pending failed")
		h.log.Errorw("process pending", "kb_id", req.KBID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
