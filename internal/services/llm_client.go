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
	"chatcontext/internal/models"

	"github.com/sirupsen/logrus"
)

// LLM call purposes, used as metric labels
const (
	PurposeAnswer  = "answer"
	PurposeInsight = "insight"
)

// ChatCompleter generates a completion for a list of messages
type ChatCompleter interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is a single OpenAI-compatible chat completion call
type CompletionRequest struct {
	Purpose     string
	Model       string
	Messages    []models.ChatTurn
	Temperature float64
	MaxTokens   int
	JSONOutput  bool // request a JSON object response
}

// LLMClient calls an OpenAI-compatible /chat/completions endpoint
type LLMClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *Metrics
}

// NewLLMClient creates a new chat-completions client
func NewLLMClient(cfg config.LLMConfig, metrics *Metrics) *LLMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
	}
}

// Complete sends the request and returns choices[0].message.content
func (c *LLMClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	log := logging.Component("llm")
	start := time.Now()
	defer func() {
		c.metrics.RecordLLMLatency(req.Purpose, time.Since(start).Seconds())
	}()

	requestBody := map[string]interface{}{
		"model":       req.Model,
		"messages":    req.Messages,
		"stream":      false,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if req.JSONOutput {
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.WithFields(logrus.Fields{
			"status":  resp.StatusCode,
			"purpose": req.Purpose,
		}).Warn("Chat completion API error")
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateForError(body))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to parse API response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("no choices in completion response")
	}

	return apiResponse.Choices[0].Message.Content, nil
}

func truncateForError(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
