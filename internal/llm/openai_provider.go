package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is the concrete fallback backend, used when the
// pluggable primary is unavailable or returns an empty response. Unlike
// LangchainProvider it talks to exactly one vendor, deliberately: a
// fallback's job is to be simple and dependable, not swappable.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider reads OPENAI_API_KEY from the environment, falling
// back to a mounted secrets file the way other credential-bearing
// components in this deployment do, since container secret mounts are
// the norm here over plain environment injection.
func NewOpenAIProvider() (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("llm: OPENAI_API_KEY not set and no secret at %s: %w", secretPath, err)
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("llm: read OpenAI API key from mounted secret")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}, nil
}

func (p *OpenAIProvider) Name() string { return "openai-fallback" }

// Generate issues a single chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: float32(params.Temperature),
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm[openai-fallback]: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm[openai-fallback]: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
