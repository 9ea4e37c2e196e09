// Package llm adapts the federation orchestrator's prompt/response
// contract onto concrete language-model backends. The interface here is
// vendor-agnostic by design — the spec treats the model itself as an
// external collaborator, not a component this gateway owns — with
// tmc/langchaingo wired as the pluggable primary backend (selectable
// across providers through its own options) and sashabaranov/go-openai
// wired directly as a concrete fallback when the primary returns an
// error or an empty response.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Params mirrors the generation controls the orchestrator cares about,
// adapted from the shape a chat-completion call generally exposes.
type Params struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Provider is implemented by every backend the orchestrator can call.
// Generate takes an already-assembled prompt (system framing plus
// evidence bundle, built by the federation package) and returns raw
// text; JSON extraction and confidence scoring happen above this layer.
type Provider interface {
	Name() string
	Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error)
}

// VisionProvider is implemented by backends that can accept image bytes
// alongside a prompt. Not every Provider supports this; Chain.GenerateVision
// checks via a type assertion and degrades to a text-only call otherwise.
type VisionProvider interface {
	Provider
	GenerateVision(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mimeType string, params Params) (string, error)
}

// Chain tries Primary first and falls back to Fallback on error or on an
// empty response. The returned Outcome's ProviderName names the provider
// that actually served the request.
type Chain struct {
	Primary  Provider
	Fallback Provider
}

// GenerateVision attempts Primary's vision capability if it has one,
// falling back to a text-only call (on Fallback, or on Primary itself if
// it is text-only) when vision is unavailable or fails. The returned
// Outcome's UsedFallback is true whenever the image could not be
// analyzed directly.
func (c *Chain) GenerateVision(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mimeType string, params Params) (Outcome, error) {
	if vp, ok := c.Primary.(VisionProvider); ok {
		text, err := vp.GenerateVision(ctx, systemPrompt, userPrompt, imageData, mimeType, params)
		if err == nil && strings.TrimSpace(text) != "" {
			return Outcome{Text: text, ProviderName: c.Primary.Name()}, nil
		}
	}
	if vp, ok := c.Fallback.(VisionProvider); ok {
		text, err := vp.GenerateVision(ctx, systemPrompt, userPrompt, imageData, mimeType, params)
		if err == nil && strings.TrimSpace(text) != "" {
			return Outcome{Text: text, ProviderName: c.Fallback.Name(), UsedFallback: true}, nil
		}
	}
	// Neither backend can see the image; degrade to a text-only call so
	// the orchestrator still gets an answer, just without visual grounding.
	out, err := c.Generate(ctx, systemPrompt, userPrompt+"\n\n(Note: an image was attached but could not be analyzed directly.)", params)
	out.UsedFallback = true
	return out, err
}

// Outcome pairs a Provider's output with which one produced it.
type Outcome struct {
	Text         string
	ProviderName string
	UsedFallback bool
}

// Generate attempts Primary, falling back to Fallback on any error or an
// empty response from Primary. If both fail, the last error is returned.
func (c *Chain) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (Outcome, error) {
	if c.Primary != nil {
		text, err := c.Primary.Generate(ctx, systemPrompt, userPrompt, params)
		if err == nil && strings.TrimSpace(text) != "" {
			return Outcome{Text: text, ProviderName: c.Primary.Name()}, nil
		}
	}
	if c.Fallback == nil {
		return Outcome{}, fmt.Errorf("llm: primary failed and no fallback configured")
	}
	text, err := c.Fallback.Generate(ctx, systemPrompt, userPrompt, params)
	if err != nil {
		return Outcome{}, fmt.Errorf("llm: fallback failed: %w", err)
	}
	return Outcome{Text: text, ProviderName: c.Fallback.Name(), UsedFallback: true}, nil
}

// ExtractJSON finds the longest balanced top-level {...} object in text and
// unmarshals it into v. Model output often wraps JSON in prose or code
// fences, so this scans for the longest balanced-brace span rather than
// assuming the whole string is valid JSON.
func ExtractJSON(text string, v any) error {
	span, ok := longestBalancedObject(text)
	if !ok {
		return fmt.Errorf("llm: no JSON object found in response")
	}
	return json.Unmarshal([]byte(span), v)
}

func longestBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	best := ""
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && i+1-start > len(best) {
				best = text[start : i+1]
			}
		}
	}
	return best, best != ""
}

// expectedFields lists the keys a well-formed structured LLM payload is
// expected to carry, used by StructuredConfidence's per-field bonus.
var expectedFields = []string{"summary", "recommendations", "safety", "evidence", "analysis"}

// StructuredConfidence scores a successfully JSON-parsed model response:
// base 0.5 plus 0.1 per expected field actually present, capped at 1.0.
func StructuredConfidence(parsed map[string]any) float64 {
	present := 0
	for _, field := range expectedFields {
		if _, ok := parsed[field]; ok {
			present++
		}
	}
	return clamp01(0.5 + 0.1*float64(present))
}

// medicalKeywords backs TextConfidence's coverage fraction; it is
// intentionally small and closed, matching the classifier's own
// preference for table-driven keyword matching over a large wordlist.
var medicalKeywords = []string{
	"diagnosis", "treatment", "symptom", "patient", "clinical",
	"medication", "disease", "condition", "therapy", "prognosis",
}

// TextConfidence scores a response the adapter could not parse as JSON:
// base 0.3 plus fractional coverage of medicalKeywords, capped at 0.8.
func TextConfidence(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range medicalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	coverage := float64(hits) / float64(len(medicalKeywords))
	score := 0.3 + coverage
	if score > 0.8 {
		score = 0.8
	}
	return score
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
