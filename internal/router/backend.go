// Package router routes inference requests between the local and remote
// language-model backends with health-aware fallback.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// Backend is one inference target.
type Backend interface {
	Kind() domain.BackendKind
	Generate(ctx context.Context, req *domain.InferenceRequest) (string, error)
	CheckHealth(ctx context.Context) error
}

// ContainsHebrew reports whether the text has any character in the Hebrew
// block, which selects the Hebrew-capable model on the local backend.
func ContainsHebrew(text string) bool {
	for _, r := range text {
		if r >= 0x0590 && r <= 0x05FF {
			return true
		}
	}
	return false
}

// OllamaBackend is the low-latency local backend, speaking the Ollama
// generate API.
type OllamaBackend struct {
	baseURL      string
	defaultModel string
	hebrewModel  string
	httpClient   *http.Client
}

// NewOllamaBackend creates the local backend client.
func NewOllamaBackend(baseURL, defaultModel, hebrewModel string, timeout time.Duration) *OllamaBackend {
	return &OllamaBackend{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		defaultModel: defaultModel,
		hebrewModel:  hebrewModel,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Kind identifies this as the local backend.
func (o *OllamaBackend) Kind() domain.BackendKind { return domain.BackendLocal }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends a non-streaming generate request.
func (o *OllamaBackend) Generate(ctx context.Context, req *domain.InferenceRequest) (string, error) {
	model := o.defaultModel
	if ContainsHebrew(req.Prompt) {
		model = o.hebrewModel
	}

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local backend error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Response, nil
}

// CheckHealth probes the local model registry endpoint.
func (o *OllamaBackend) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local backend health check returned %d", resp.StatusCode)
	}
	return nil
}

// ChatBackend is the higher-capability remote backend, speaking an
// OpenAI-compatible chat completion API.
type ChatBackend struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewChatBackend creates the remote backend client.
func NewChatBackend(baseURL, apiKey, model string, timeout time.Duration) *ChatBackend {
	return &ChatBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Kind identifies this as the remote backend.
func (c *ChatBackend) Kind() domain.BackendKind { return domain.BackendRemote }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message *chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends a chat completion request. The conversation id, when set,
// rides along as the user field for backend-side multi-turn correlation.
func (c *ChatBackend) Generate(ctx context.Context, req *domain.InferenceRequest) (string, error) {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload := chatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		User:     req.ConversationID,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		payload.Temperature = &t
	}
	if req.MaxTokens > 0 {
		m := req.MaxTokens
		payload.MaxTokens = &m
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote backend error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return "", fmt.Errorf("remote backend returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// CheckHealth probes the models endpoint.
func (c *ChatBackend) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote backend health check returned %d", resp.StatusCode)
	}
	return nil
}
