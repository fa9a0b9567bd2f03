package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"inteltrace/internal/telemetry"
)

// HTTPEncoder talks to the CLIP inference sidecar over HTTP.
type HTTPEncoder struct {
	url        string
	model      string
	client     *http.Client
	maxRetries uint64
	metrics    *telemetry.Metrics
}

// HTTPEncoderOption configures an HTTPEncoder.
type HTTPEncoderOption func(*HTTPEncoder)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPEncoderOption {
	return func(e *HTTPEncoder) { e.client = c }
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n uint64) HTTPEncoderOption {
	return func(e *HTTPEncoder) { e.maxRetries = n }
}

// WithMetrics records call latency and failures.
func WithMetrics(m *telemetry.Metrics) HTTPEncoderOption {
	return func(e *HTTPEncoder) { e.metrics = m }
}

// NewHTTPEncoder creates a new HTTPEncoder for the sidecar at url.
func NewHTTPEncoder(url, model string, opts ...HTTPEncoderOption) *HTTPEncoder {
	e := &HTTPEncoder{
		url:        url,
		model:      model,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type imageRequest struct {
	Image string `json:"image"`
	Model string `json:"model,omitempty"`
}

type imageResponse struct {
	Embedding []float32 `json:"embedding"`
}

type textRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type textResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EncodeImage returns the embedding for an encoded image.
func (c *HTTPEncoder) EncodeImage(ctx context.Context, image []byte) (embedding []float32, err error) {
	defer func(start time.Time) { c.metrics.EncoderCall(ctx, "image", start, err) }(time.Now())

	req := imageRequest{Image: base64.StdEncoding.EncodeToString(image), Model: c.model}
	var resp imageResponse
	if err := c.post(ctx, "/embed/image", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty image embedding", ErrEncoderFailed)
	}
	return resp.Embedding, nil
}

// EncodeTexts returns the embeddings for a batch of texts.
func (c *HTTPEncoder) EncodeTexts(ctx context.Context, texts []string) (embeddings [][]float32, err error) {
	defer func(start time.Time) { c.metrics.EncoderCall(ctx, "text", start, err) }(time.Now())

	var resp textResponse
	if err := c.post(ctx, "/embed/text", textRequest{Texts: texts, Model: c.model}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: asked for %d text embeddings, got %d", ErrEncoderFailed, len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

// Health checks that the sidecar answers.
func (c *HTTPEncoder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status code %d", ErrEncoderUnavailable, resp.StatusCode)
	}
	return nil
}

// post sends body as JSON and decodes the answer into out. Network errors and
// 5xx answers are retried with exponential backoff; 4xx answers are not.
func (c *HTTPEncoder) post(ctx context.Context, path string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(requestBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("%w: %s status code %d: %s", ErrEncoderFailed, path, resp.StatusCode, bytes.TrimSpace(msg))
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: failed to decode response body: %v", ErrEncoderFailed, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
}
