package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lodestone-search/lodestone/internal/errors"
)

// HTTPClient speaks to an external embedding/reranking service over a
// small JSON API: POST /embed and POST /rerank.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

var (
	_ Embedder = (*HTTPClient)(nil)
	_ Reranker = (*HTTPClient)(nil)
)

// HTTPOptions configures the model client.
type HTTPOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewHTTPClient creates a model client.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Model == "" {
		opts.Model = "default"
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		dims:    opts.Dimensions,
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends one batch to the service. Unreachable services surface as
// model_unavailable; exceeded deadlines as timeout. Both are retryable.
func (h *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	err := h.post(ctx, "/embed", embedRequest{Model: h.model, Texts: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.KindModelUnavailable,
			"embed returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	for i, vec := range resp.Embeddings {
		if h.dims > 0 && len(vec) != h.dims {
			return nil, errors.Newf(errors.KindModelUnavailable,
				"embed vector %d has %d dimensions, expected %d", i, len(vec), h.dims)
		}
		normalizeVec(vec)
	}
	return resp.Embeddings, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank sends a cross-encoder scoring request. Results come back sorted
// by descending score.
func (h *HTTPClient) Rerank(ctx context.Context, query string, docs []string, topK int) ([]RerankResult, error) {
	if len(docs) == 0 || topK <= 0 {
		return nil, nil
	}

	var resp rerankResponse
	err := h.post(ctx, "/rerank", rerankRequest{
		Model:     h.model,
		Query:     query,
		Documents: docs,
		TopK:      topK,
	}, &resp)
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, errors.Newf(errors.KindModelUnavailable,
				"rerank returned out-of-range index %d", r.Index)
		}
	}
	if len(resp.Results) > topK {
		resp.Results = resp.Results[:topK]
	}
	return resp.Results, nil
}

func (h *HTTPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode model request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "build model request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return errors.Wrap(errors.KindTimeout, "model request timed out", err)
		}
		return errors.Wrap(errors.KindModelUnavailable, "model unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errors.Newf(errors.KindModelUnavailable,
				"model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		default:
			return errors.Newf(errors.KindValidation,
				"model rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.KindModelUnavailable, "decode model response", err)
	}
	return nil
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	if ok && t.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout")
}

// Dimensions returns the configured dimensionality (0 means unchecked).
func (h *HTTPClient) Dimensions() int { return h.dims }

// ModelName identifies the remote model for cache keying.
func (h *HTTPClient) ModelName() string {
	return fmt.Sprintf("http:%s:%s", h.baseURL, h.model)
}

// Close is a no-op; the transport pools its own connections.
func (h *HTTPClient) Close() error { return nil }
