// Package embedding implements the batched embedding client (C3): an
// OpenAI-compatible /embeddings caller with retry/backoff and usage
// accounting, built on the go-openai SDK the way the retrieval pack's
// manifests wire it, reproducing the retry idiom of the teacher's
// llm/openai_compat.go on top of the SDK instead of raw net/http.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/kbcore/kbcore/kberr"
)

// Config selects and authenticates the embedding provider.
type Config struct {
	Provider   string // "openai", "azure", or "custom" (any OpenAI-compatible endpoint)
	APIKey     string
	BaseURL    string
	Model      string
	Dimension  int
	BatchSize  int // default 100
	MaxRetries int // default 3

	// Azure-only: the deployment name used to build the request URL.
	AzureDeployment string
	AzureAPIVersion string
}

// LogEntry is one ring-buffered record of a completed (or failed) call.
type LogEntry struct {
	Time          time.Time
	Provider      string
	Model         string
	InputCount    int
	OutputDim     int
	PromptTokens  int
	TotalTokens   int
	LatencyMS     int64
	Status        string // "ok" or "error"
	CostEstimate  float64
	Err           string
}

// Usage mirrors the OpenAI-compatible usage block.
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// Result is the outcome of a single Embed call.
type Result struct {
	Vectors   [][]float32
	Model     string
	Usage     Usage
	LatencyMS int64
}

const (
	defaultBatchSize  = 100
	defaultMaxRetries = 3
	maxConcurrentReqs = 4
	// costPerMillionTokens is a placeholder estimate used only for the
	// cost field of the log ring buffer, not billed anywhere.
	costPerMillionTokens = 0.02
)

// Client is the embedding adapter. Safe for concurrent use.
type Client struct {
	cfg    Config
	oaiCli *openai.Client

	mu   sync.Mutex
	ring []LogEntry
	head int
}

// New builds a Client from cfg, applying §4.3 defaults and constructing
// the underlying go-openai client according to Provider (Azure uses the
// api-key header and a deployment-scoped URL; everything else is
// OpenAI-compatible via a custom BaseURL).
func New(cfg Config) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	var oaiCfg openai.ClientConfig
	switch cfg.Provider {
	case "azure":
		oaiCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.AzureAPIVersion != "" {
			oaiCfg.APIVersion = cfg.AzureAPIVersion
		}
		if cfg.AzureDeployment != "" {
			oaiCfg.AzureModelMapperFunc = func(model string) string { return cfg.AzureDeployment }
		}
	default:
		oaiCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oaiCfg.BaseURL = cfg.BaseURL
		}
	}

	return &Client{
		cfg:    cfg,
		oaiCli: openai.NewClientWithConfig(oaiCfg),
		ring:   make([]LogEntry, 1000),
	}
}

// Embed embeds texts in batches of cfg.BatchSize, issuing up to
// maxConcurrentReqs requests concurrently (§5: embedding calls must not
// serialize all work behind one blocking call), then reassembles vectors
// in input order regardless of batch completion order or provider
// permutation within a batch.
func (c *Client) Embed(ctx context.Context, texts []string, kbID, userID string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{Model: c.cfg.Model}, nil
	}

	start := time.Now()
	batches := chunkIndices(len(texts), c.cfg.BatchSize)
	vectors := make([][]float32, len(texts))

	var (
		mu           sync.Mutex
		promptTokens int
		totalTokens  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReqs)

	for _, b := range batches {
		b := b
		g.Go(func() error {
			resp, err := c.embedBatchWithRetry(gctx, texts[b.start:b.end])
			if err != nil {
				return err
			}
			for _, d := range resp.Data {
				if d.Index < 0 || b.start+d.Index >= b.end {
					continue
				}
				vectors[b.start+d.Index] = d.Embedding
			}
			mu.Lock()
			promptTokens += resp.Usage.PromptTokens
			totalTokens += resp.Usage.TotalTokens
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logCall(len(texts), 0, 0, 0, time.Since(start), "error", err)
		return nil, err
	}

	dim := 0
	for _, v := range vectors {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if c.cfg.Dimension != 0 && dim != 0 && dim != c.cfg.Dimension {
		err := kberr.DataIntegrity("embedding.Embed", kberr.ErrEmbeddingDimMismatch)
		c.logCall(len(texts), dim, promptTokens, totalTokens, time.Since(start), "error", err)
		return nil, err
	}

	latency := time.Since(start)
	c.logCall(len(texts), dim, promptTokens, totalTokens, latency, "ok", nil)

	return &Result{
		Vectors:   vectors,
		Model:     c.cfg.Model,
		Usage:     Usage{PromptTokens: promptTokens, TotalTokens: totalTokens},
		LatencyMS: latency.Milliseconds(),
	}, nil
}

// embedBatchWithRetry issues one /embeddings call, retrying with
// exponential backoff 2^attempt seconds on 429/5xx/timeout up to
// cfg.MaxRetries. Any other non-2xx is fatal immediately.
func (c *Client) embedBatchWithRetry(ctx context.Context, texts []string) (openai.EmbeddingResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return openai.EmbeddingResponse{}, ctx.Err()
			}
		}

		resp, err := c.oaiCli.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: openai.EmbeddingModel(c.cfg.Model),
		})
		if err == nil {
			return resp, nil
		}

		if !retryable(err) {
			return openai.EmbeddingResponse{}, kberr.Fatal("embedding.embedBatch", err)
		}
		lastErr = err
	}
	return openai.EmbeddingResponse{}, kberr.Transient("embedding.embedBatch", fmt.Errorf("max retries exceeded: %w", lastErr))
}

// retryable reports whether err (as surfaced by go-openai, which wraps
// the HTTP status in *openai.APIError for non-2xx responses) warrants a
// retry: HTTP 429, any 5xx, or a client-side timeout.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	// Network-level errors (DNS, connection reset, context deadline) are
	// retried too, per §4.3's "connection timeout" clause.
	return true
}

// logCall appends one entry to the 1000-slot ring buffer, overwriting
// the oldest when full.
func (c *Client) logCall(inputCount, outputDim, promptTokens, totalTokens int, latency time.Duration, status string, err error) {
	entry := LogEntry{
		Time:         time.Now(),
		Provider:     c.cfg.Provider,
		Model:        c.cfg.Model,
		InputCount:   inputCount,
		OutputDim:    outputDim,
		PromptTokens: promptTokens,
		TotalTokens:  totalTokens,
		LatencyMS:    latency.Milliseconds(),
		Status:       status,
		CostEstimate: float64(totalTokens) / 1_000_000 * costPerMillionTokens,
	}
	if err != nil {
		entry.Err = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.head] = entry
	c.head = (c.head + 1) % len(c.ring)
}

// RecentLogs returns up to the last 1000 call log entries, oldest first.
func (c *Client) RecentLogs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]LogEntry, 0, len(c.ring))
	for i := 0; i < len(c.ring); i++ {
		e := c.ring[(c.head+i)%len(c.ring)]
		if e.Time.IsZero() {
			continue
		}
		out = append(out, e)
	}
	return out
}

type indexRange struct{ start, end int }

func chunkIndices(n, size int) []indexRange {
	var out []indexRange
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, indexRange{start, end})
	}
	return out
}

