package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// LangchainProvider wraps any langchaingo llms.Model, making the primary
// backend swappable across providers (Anthropic, Bedrock, Google, etc.)
// through langchaingo's own constructors without this package needing
// to know which one is in use.
type LangchainProvider struct {
	model llms.Model
	name  string
}

// NewLangchainProvider wraps an already-constructed langchaingo model.
// Construction (choosing the backend, API keys, base URLs) happens at
// the composition root, consistent with this codebase's rule that
// dependencies are wired explicitly at startup rather than reached for
// lazily inside a component.
func NewLangchainProvider(name string, model llms.Model) *LangchainProvider {
	return &LangchainProvider{model: model, name: name}
}

func (p *LangchainProvider) Name() string { return p.name }

// Generate issues a single-turn chat completion through langchaingo's
// unified content-generation call, honoring temperature/max-tokens/stop
// from Params.
func (p *LangchainProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	opts := []llms.CallOption{
		llms.WithTemperature(params.Temperature),
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("llm[%s]: generate content: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm[%s]: empty response", p.name)
	}
	return resp.Choices[0].Content, nil
}

// GenerateVision attaches the image as a binary content part alongside
// the text prompt, for models that accept multimodal input.
func (p *LangchainProvider) GenerateVision(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mimeType string, params Params) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(userPrompt),
				llms.BinaryPart(mimeType, imageData),
			},
		},
	}
	opts := []llms.CallOption{llms.WithTemperature(params.Temperature)}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("llm[%s]: generate vision content: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm[%s]: empty vision response", p.name)
	}
	return resp.Choices[0].Content, nil
}
