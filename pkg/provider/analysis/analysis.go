// Package analysis provides the text model client used for phishing scans,
// backed by github.com/mozilla-ai/any-llm-go, a unified multi-provider
// interface that supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, and more.
//
// Usage:
//
//	c, err := analysis.New("gemini", "gemini-2.5-flash", anyllmlib.WithAPIKey("..."))
//	c, err := analysis.NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-..."))
package analysis

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// Request is one completion request against the analysis model.
type Request struct {
	// SystemPrompt frames the model as a phishing analyst and pins the
	// response schema.
	SystemPrompt string

	// Content is the suspicious artifact under analysis.
	Content string

	// Temperature overrides the model default when non-zero.
	Temperature float64

	// MaxTokens caps the response length when positive.
	MaxTokens int
}

// Client wraps an any-llm-go backend for single-turn structured analysis.
type Client struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Client backed by the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider will
// fall back to the relevant environment variable (e.g., OPENAI_API_KEY,
// GEMINI_API_KEY, etc.).
func New(providerName, model string, opts ...anyllmlib.Option) (*Client, error) {
	if providerName == "" {
		return nil, fmt.Errorf("analysis: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("analysis: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("analysis: create %q backend: %w", providerName, err)
	}

	return &Client{backend: backend, model: model}, nil
}

// NewOpenAI creates a Client backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Client, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Client backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Client, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Client backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Client, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Client backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Client, error) {
	return New("ollama", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", providerName)
	}
}

// Complete runs one completion and returns the raw text content of the first
// choice. The caller is responsible for parsing the model's structured output.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Content,
	})

	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("analysis: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("analysis: empty choices in response")
	}

	return resp.Choices[0].Message.ContentString(), nil
}
