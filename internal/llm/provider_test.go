package llm

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name string
	text string
	err  error
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	return s.text, s.err
}

func TestChainUsesPrimaryWhenHealthy(t *testing.T) {
	c := &Chain{
		Primary:  &stubProvider{name: "primary", text: "ok"},
		Fallback: &stubProvider{name: "fallback", text: "fallback-text"},
	}
	out, err := c.Generate(context.Background(), "sys", "user", Params{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.ProviderName != "primary" || out.UsedFallback {
		t.Fatalf("got %+v, want primary without fallback", out)
	}
}

func TestChainFallsBackOnPrimaryError(t *testing.T) {
	c := &Chain{
		Primary:  &stubProvider{name: "primary", err: errors.New("boom")},
		Fallback: &stubProvider{name: "fallback", text: "fallback-text"},
	}
	out, err := c.Generate(context.Background(), "sys", "user", Params{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.ProviderName != "fallback" || !out.UsedFallback {
		t.Fatalf("got %+v, want fallback used", out)
	}
}

func TestChainFallsBackOnEmptyPrimaryResponse(t *testing.T) {
	c := &Chain{
		Primary:  &stubProvider{name: "primary", text: "   "},
		Fallback: &stubProvider{name: "fallback", text: "fallback-text"},
	}
	out, err := c.Generate(context.Background(), "sys", "user", Params{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !out.UsedFallback {
		t.Fatal("expected fallback to be used for empty primary response")
	}
}

func TestChainReturnsErrorWhenBothFail(t *testing.T) {
	c := &Chain{
		Primary:  &stubProvider{name: "primary", err: errors.New("boom")},
		Fallback: &stubProvider{name: "fallback", err: errors.New("also boom")},
	}
	if _, err := c.Generate(context.Background(), "sys", "user", Params{}); err == nil {
		t.Fatal("expected error when both providers fail")
	}
}

func TestExtractJSONFindsBalancedObject(t *testing.T) {
	text := `Here is my analysis: {"summary": "fine", "nested": {"a": 1}} -- hope that helps`
	var out map[string]any
	if err := ExtractJSON(text, &out); err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if out["summary"] != "fine" {
		t.Fatalf("got %v, want summary=fine", out)
	}
}

func TestExtractJSONErrorsWithNoObject(t *testing.T) {
	if err := ExtractJSON("no json here", &map[string]any{}); err == nil {
		t.Fatal("expected error for text with no JSON object")
	}
}

func TestStructuredConfidenceScalesWithFieldPresence(t *testing.T) {
	minimal := StructuredConfidence(map[string]any{})
	if minimal != 0.5 {
		t.Fatalf("got %f, want 0.5 base", minimal)
	}
	full := StructuredConfidence(map[string]any{
		"summary": "x", "recommendations": []string{}, "safety": []string{}, "evidence": []string{}, "analysis": map[string]any{},
	})
	if full != 1.0 {
		t.Fatalf("got %f, want capped at 1.0", full)
	}
}

func TestTextConfidenceCappedAt08(t *testing.T) {
	text := "diagnosis treatment symptom patient clinical medication disease condition therapy prognosis"
	got := TextConfidence(text)
	if got != 0.8 {
		t.Fatalf("got %f, want capped at 0.8", got)
	}
}

func TestExtractTextSectionsBucketsSentences(t *testing.T) {
	text := "The patient presents with mild symptoms. We recommend follow-up in two weeks. Caution: risk of interaction with current medication."
	sections := ExtractTextSections(text)
	if sections.Summary == "" {
		t.Fatal("expected a summary sentence")
	}
	if len(sections.Recommendations) == 0 {
		t.Fatal("expected at least one recommendation sentence")
	}
	if len(sections.Safety) == 0 {
		t.Fatal("expected at least one safety sentence")
	}
}
