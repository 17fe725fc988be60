package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatcontext/internal/config"
	"chatcontext/internal/logging"
	"chatcontext/internal/vector"

	"golang.org/x/time/rate"
)

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmbeddingService calls an OpenAI-compatible /embeddings endpoint.
// One attempt per call; any failure is reported as ErrEmbeddingUnavailable.
type EmbeddingService struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *Metrics
}

// NewEmbeddingService creates a new embedding client
func NewEmbeddingService(cfg config.EmbeddingConfig, metrics *Metrics) *EmbeddingService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &EmbeddingService{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		metrics:    metrics,
	}
}

// Dimensions returns the expected vector length
func (s *EmbeddingService) Dimensions() int {
	return s.dimensions
}

// Embed returns the embedding for text
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := s.embed(ctx, text)
	if err != nil {
		s.metrics.RecordEmbedding("error")
		logging.Component("embedding").WithError(err).WithField("text_length", len(text)).Warn("Embedding request failed")
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	s.metrics.RecordEmbedding("ok")
	return v, nil
}

func (s *EmbeddingService) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty input")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"model": s.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateForError(body))
	}

	var apiResponse struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}
	if len(apiResponse.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}

	embedding := apiResponse.Data[0].Embedding
	if err := vector.Validate(embedding, s.dimensions); err != nil {
		return nil, err
	}
	return embedding, nil
}
