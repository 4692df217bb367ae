package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Reranker is a pluggable second-pass scorer applied to a candidate
// list before the final top-k truncation.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []SearchResult, topK int, scoreThreshold float64, maxInputLength int) ([]SearchResult, error)
}

func truncateContent(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func rerankThresholdAndTruncate(results []SearchResult, topK int, scoreThreshold float64) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return truncate(applyThreshold(results, scoreThreshold), topK)
}

// annotateRerank records the pre-rerank score and provider/model on a
// result's metadata before its Score field is overwritten, per §4.11.
func annotateRerank(r *SearchResult, provider, model string) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata["original_score"] = r.Score
	r.Metadata["rerank_provider"] = provider
	if model != "" {
		r.Metadata["rerank_model"] = model
	}
}

// HTTPRerankerConfig configures ExternalReranker, a client for a
// Cohere/Jina-style POST /rerank endpoint. No pack example wires a
// hosted reranking API, so this client is hand-rolled directly on
// net/http following the same request/response idiom the local
// cross-encoder client below uses.
type HTTPRerankerConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// ExternalReranker calls a hosted /rerank endpoint over HTTP.
type ExternalReranker struct {
	cfg    HTTPRerankerConfig
	client *http.Client
}

func NewExternalReranker(cfg HTTPRerankerConfig) *ExternalReranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ExternalReranker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type externalRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopN      int      `json:"top_n,omitempty"`
}

type externalRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *ExternalReranker) Rerank(ctx context.Context, query string, results []SearchResult, topK int, scoreThreshold float64, maxInputLength int) ([]SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = truncateContent(res.Content, maxInputLength)
	}

	reqBody, err := json.Marshal(externalRerankRequest{Query: query, Documents: docs, Model: r.cfg.Model, TopN: topK})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval: rerank endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var rr externalRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("retrieval: decode rerank response: %w", err)
	}

	out := make([]SearchResult, 0, len(rr.Results))
	for _, hit := range rr.Results {
		if hit.Index < 0 || hit.Index >= len(results) {
			continue
		}
		cp := results[hit.Index]
		annotateRerank(&cp, "external", r.cfg.Model)
		cp.Score = hit.RelevanceScore
		out = append(out, cp)
	}
	return rerankThresholdAndTruncate(out, topK, scoreThreshold), nil
}

// CrossEncoderConfig configures a local cross-encoder reranker reached
// over HTTP, grounded on the pack's MLX reranker client
// (Aman-CERP-amanmcp's internal/search/mlx_reranker.go): a /health
// probe at construction and a POST /rerank with a flat document list.
type CrossEncoderConfig struct {
	Endpoint        string
	Model           string
	Instruction     string
	Timeout         time.Duration
	SkipHealthCheck bool
}

// CrossEncoderReranker scores (query, document) pairs via a local
// cross-encoder model server.
type CrossEncoderReranker struct {
	cfg    CrossEncoderConfig
	client *http.Client
}

func NewCrossEncoderReranker(ctx context.Context, cfg CrossEncoderConfig) (*CrossEncoderReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:9659"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &CrossEncoderReranker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}

	if !cfg.SkipHealthCheck {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(hctx, http.MethodGet, cfg.Endpoint+"/health", nil)
		if err != nil {
			return nil, fmt.Errorf("retrieval: build cross-encoder health check: %w", err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("retrieval: cross-encoder health check failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("retrieval: cross-encoder server unhealthy (status %d)", resp.StatusCode)
		}
	}
	return r, nil
}

type crossEncoderRequest struct {
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	Model       string   `json:"model,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

type crossEncoderResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, results []SearchResult, topK int, scoreThreshold float64, maxInputLength int) ([]SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = truncateContent(res.Content, maxInputLength)
	}

	reqBody, err := json.Marshal(crossEncoderRequest{Query: query, Documents: docs, Model: r.cfg.Model, Instruction: r.cfg.Instruction, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal cross-encoder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build cross-encoder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: cross-encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval: cross-encoder server returned %d: %s", resp.StatusCode, string(body))
	}

	var cr crossEncoderResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("retrieval: decode cross-encoder response: %w", err)
	}

	out := make([]SearchResult, 0, len(cr.Results))
	for _, hit := range cr.Results {
		if hit.Index < 0 || hit.Index >= len(results) {
			continue
		}
		cp := results[hit.Index]
		annotateRerank(&cp, "cross_encoder", r.cfg.Model)
		cp.Score = hit.Score
		out = append(out, cp)
	}
	return rerankThresholdAndTruncate(out, topK, scoreThreshold), nil
}

// LLMReranker asks a chat-completion model to rank candidate documents
// by relevance, built directly on the go-openai client the embedding
// package already uses, independent of this system's document-chat
// capabilities.
type LLMReranker struct {
	client *openai.Client
	model  string
}

func NewLLMReranker(client *openai.Client, model string) *LLMReranker {
	return &LLMReranker{client: client, model: model}
}

type llmRerankVerdict struct {
	Ranking []int `json:"ranking"`
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, results []SearchResult, topK int, scoreThreshold float64, maxInputLength int) ([]SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	var prompt bytes.Buffer
	fmt.Fprintf(&prompt, "Query: %s\n\nRank the following documents from most to least relevant to the query.\n", query)
	fmt.Fprintf(&prompt, "Respond with only a JSON object: {\"ranking\": [indices]} listing every index 0..%d exactly once, most relevant first.\n\n", len(results)-1)
	for i, res := range results {
		fmt.Fprintf(&prompt, "[%d] %s\n\n", i, truncateContent(res.Content, maxInputLength))
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a precise relevance-ranking assistant. Respond with JSON only."},
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: llm rerank request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("retrieval: llm rerank returned no choices")
	}

	var verdict llmRerankVerdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("retrieval: decode llm rerank ranking: %w", err)
	}

	n := len(results)
	out := make([]SearchResult, 0, n)
	seen := make(map[int]bool, n)
	for rank, idx := range verdict.Ranking {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		cp := results[idx]
		annotateRerank(&cp, "llm", r.model)
		cp.Score = 1 - float64(rank)/float64(n)
		out = append(out, cp)
	}
	// Any index the model omitted keeps its original relative order, appended last.
	for i, res := range results {
		if !seen[i] {
			cp := res
			annotateRerank(&cp, "llm", r.model)
			cp.Score = 0
			out = append(out, cp)
		}
	}

	return rerankThresholdAndTruncate(out, topK, scoreThreshold), nil
}
