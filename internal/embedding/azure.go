package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
)

const (
	DefaultAPIVersion = "2023-05-15"
	DefaultModel      = "text-embedding-ada-002"
)

// Config configures an Azure OpenAI embeddings deployment.
type Config struct {
	Endpoint   string
	APIKey     string
	Deployment string // defaults to Model
	Model      string
	APIVersion string
	Dimensions int
	HTTPClient *http.Client
}

// AzureClient calls the Azure OpenAI embeddings REST endpoint.
type AzureClient struct {
	url        string
	apiKey     string
	deployment string
	model      string
	dimensions int
	http       *http.Client
}

// NewAzureClient validates cfg and fills in defaults.
func NewAzureClient(cfg Config) (*AzureClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("embedding: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("embedding: api key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("embedding: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Deployment == "" {
		cfg.Deployment = cfg.Model
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = listing.Dimensions
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	base.Path += "/openai/deployments/" + cfg.Deployment + "/embeddings"
	base.RawQuery = url.Values{"api-version": {cfg.APIVersion}}.Encode()

	return &AzureClient{
		url:        base.String(),
		apiKey:     cfg.APIKey,
		deployment: cfg.Deployment,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		http:       cfg.HTTPClient,
	}, nil
}

// Ping checks that the deployment answers and accepts the key without generating an
// embedding. The embeddings route rejects GET, so any answer other than an auth failure or
// a server error counts as reachable.
func (c *AzureClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding ping: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Embed requests the embedding of text. Only the first data item of the response is used.
func (c *AzureClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	ctx, span := observability.StartEmbeddingSpan(ctx, c.deployment, c.model)
	defer span.End()
	start := time.Now()

	vec, err := c.embed(ctx, text)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.RecordEmbedding(span, len(vec), time.Since(start))
	return vec, nil
}

func (c *AzureClient) embed(ctx context.Context, text string) ([]float32, error) {
	data, err := json.Marshal(map[string]any{
		"input": text,
		"model": c.model,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, errors.New("embedding: response contained no data")
	}

	vec := result.Data[0].Embedding
	if len(vec) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(vec), c.dimensions)
	}
	return vec, nil
}

// APIError is a non-200 answer from the embeddings endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("embedding: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}
