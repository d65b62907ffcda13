// Package llm provides chat-completion clients for the platform's three
// LLM-backed capabilities: simulated agent execution, run evaluation, and
// use-case content generation.
//
// Defines a ChatClient interface with OpenAI-compatible and Ollama
// implementations. The interface allows swapping providers without changing
// consumers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the result of one chat call.
type Completion struct {
	Content string
	Usage   Usage
}

// ChatClient produces chat completions.
type ChatClient interface {
	// Complete sends the conversation and returns the assistant reply.
	Complete(ctx context.Context, messages []Message) (Completion, error)

	// Model returns the model identifier used for completions.
	Model() string
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for api.openai.com. baseURL may be
// overridden for OpenAI-compatible gateways; empty selects the default.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

type openAIChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (Completion, error) {
	reqBody, err := json.Marshal(openAIChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return Completion{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: read response: %w", err)
	}

	var result openAIChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Completion{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Completion{}, fmt.Errorf("llm: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 {
		return Completion{}, fmt.Errorf("llm: empty choices in response")
	}

	return Completion{
		Content: result.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

// OllamaClient calls a local Ollama server's chat endpoint.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a client for an Ollama server.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
	}
}

// Model returns the configured model identifier.
func (c *OllamaClient) Model() string { return c.model }

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error"`
}

// Complete sends a non-streaming chat request.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message) (Completion, error) {
	reqBody, err := json.Marshal(ollamaChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return Completion{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: read response: %w", err)
	}

	var result ollamaChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Completion{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if result.Error != "" {
		return Completion{}, fmt.Errorf("llm: ollama error: %s", result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return Completion{
		Content: result.Message.Content,
		Usage: Usage{
			InputTokens:  result.PromptEvalCount,
			OutputTokens: result.EvalCount,
		},
	}, nil
}

// ScriptedClient replays canned completions in order. Used in embedded/dev
// mode (deterministic simulated agent) and in tests.
type ScriptedClient struct {
	model     string
	responses []Completion
	calls     int
}

// NewScriptedClient creates a client that returns the given completions in
// sequence, repeating the last one once exhausted.
func NewScriptedClient(model string, responses ...Completion) *ScriptedClient {
	return &ScriptedClient{model: model, responses: responses}
}

// Model returns the scripted model identifier.
func (c *ScriptedClient) Model() string { return c.model }

// Complete returns the next scripted completion.
func (c *ScriptedClient) Complete(_ context.Context, _ []Message) (Completion, error) {
	if len(c.responses) == 0 {
		return Completion{}, fmt.Errorf("llm: scripted client has no responses")
	}
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	return c.responses[i], nil
}
