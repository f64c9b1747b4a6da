// Package agent implements the LLM layer: deterministic briefs with a
// verifier, and a streaming question agent with a small tool belt over the
// snapshot store.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/liquidity/internal/config"
)

// completeTimeout caps non-streaming completions so brief generation cannot
// hang on a slow upstream.
const completeTimeout = 20 * time.Second

// Provider is a pluggable LLM backend.
type Provider interface {
	// Complete returns the whole completion for a prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream emits completion tokens on the returned channel, which is
	// closed when the stream ends or the context is cancelled.
	Stream(ctx context.Context, prompt string) (<-chan string, error)
}

// NewProvider builds the provider selected by configuration. Unknown
// providers fall back to the mock.
func NewProvider(cfg *config.Config) Provider {
	switch strings.ToLower(cfg.LLMProvider) {
	case "openai":
		return newOpenAIProvider(cfg.LLMAPIKey, cfg.LLMModel, "https://api.openai.com/v1", "gpt-4o-mini")
	case "openrouter":
		key := cfg.OpenRouterAPIKey
		if key == "" {
			key = cfg.LLMAPIKey
		}
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return newOpenAIProvider(key, cfg.LLMModel, baseURL, "openai/gpt-4o-mini")
	default:
		return &MockProvider{}
	}
}

// MockProvider echoes the prompt. Used in dev mode and tests.
type MockProvider struct{}

func (m *MockProvider) Complete(_ context.Context, prompt string) (string, error) {
	if len(prompt) > 6000 {
		prompt = prompt[:6000]
	}
	return "[mock]\n" + prompt, nil
}

func (m *MockProvider) Stream(ctx context.Context, prompt string) (<-chan string, error) {
	text := strings.TrimSpace("[mock_stream] " + prompt)
	out := make(chan string)
	go func() {
		defer close(out)
		const step = 64
		for i := 0; i < len(text); i += step {
			end := i + step
			if end > len(text) {
				end = len(text)
			}
			select {
			case out <- text[i:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// openAIProvider talks to any OpenAI-compatible chat completions endpoint,
// including OpenRouter.
type openAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func newOpenAIProvider(apiKey, model, baseURL, defaultModel string) *openAIProvider {
	if model == "" {
		model = defaultModel
	}
	return &openAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *openAIProvider) newRequest(ctx context.Context, prompt string, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a concise macro liquidity analyst."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
		MaxTokens:   800,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}

func (p *openAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	req, err := p.newRequest(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *openAIProvider) Stream(ctx context.Context, prompt string) (<-chan string, error) {
	req, err := p.newRequest(ctx, prompt, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream returned status %d", resp.StatusCode)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			var parsed chatResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			token := parsed.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			select {
			case out <- token:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
