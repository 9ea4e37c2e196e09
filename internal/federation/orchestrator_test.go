package federation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/intent"
	"github.com/klyne-labs/medintel-gateway/internal/llm"
)

type stubProvider struct {
	name string
	text string
	err  error
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (string, error) {
	return s.text, s.err
}

func newTestAudit(t *testing.T) *audit.Sink {
	t.Helper()
	dir := t.TempDir()
	sink, err := audit.New(dir)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSynthesizeEmergencyProducesLeadingCriticalAlert(t *testing.T) {
	chain := &llm.Chain{Primary: &stubProvider{name: "primary", text: `{"summary":"seek care now","recommendations":["call 911"]}`}}
	orch := New(nil, chain, newTestAudit(t), true)

	analysis := intent.Analysis{Tags: []intent.Tag{intent.TagEmergencyAssessment}, Urgency: intent.UrgencyCritical, Specialty: "emergency_medicine"}
	resp, err := orch.Synthesize(context.Background(), Request{Query: "patient unconscious", Intent: analysis})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(resp.SafetyAlerts) == 0 || resp.SafetyAlerts[0].Kind != AlertEmergency || resp.SafetyAlerts[0].Level != LevelCritical {
		t.Fatalf("expected leading emergency/critical alert, got %+v", resp.SafetyAlerts)
	}
	if resp.SafetyAlerts[0].Action != "Call emergency services or go to the nearest emergency room immediately" {
		t.Fatalf("unexpected action text: %q", resp.SafetyAlerts[0].Action)
	}
}

func TestSynthesizeExactlyOneEmergencyAlertWhenCritical(t *testing.T) {
	chain := &llm.Chain{Primary: &stubProvider{name: "primary", text: `{"summary":"x"}`}}
	orch := New(nil, chain, newTestAudit(t), true)
	analysis := intent.Analysis{Tags: []intent.Tag{intent.TagEmergencyAssessment}, Urgency: intent.UrgencyCritical}
	resp, err := orch.Synthesize(context.Background(), Request{Query: "help", Intent: analysis})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	count := 0
	for _, a := range resp.SafetyAlerts {
		if a.Kind == AlertEmergency && a.Level == LevelCritical {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one emergency/critical alert, got %d", count)
	}
}

func TestSynthesizeFallsBackToSafetyResponseWhenNothingAvailable(t *testing.T) {
	chain := &llm.Chain{Primary: &stubProvider{name: "primary", err: context.DeadlineExceeded}}
	orch := New(nil, chain, newTestAudit(t), true)
	analysis := intent.Analysis{Tags: []intent.Tag{intent.TagGeneralMedicalQuery}, Urgency: intent.UrgencyLow}
	resp, err := orch.Synthesize(context.Background(), Request{Query: "hello", Intent: analysis})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if resp.Summary != safetyResponseSummary {
		t.Fatalf("got summary %q, want fixed safety-response summary", resp.Summary)
	}
	found := false
	for _, r := range resp.Recommendations {
		if r == "Please consult with a healthcare professional" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the fixed recommendation directing to a healthcare professional")
	}
}

func TestSynthesizeDeterministicForIdenticalInputs(t *testing.T) {
	chain := &llm.Chain{Primary: &stubProvider{name: "primary", text: `{"summary":"stable","recommendations":["rest"]}`}}
	analysis := intent.Analysis{Tags: []intent.Tag{intent.TagSymptomAnalysis}, Urgency: intent.UrgencyLow, RequiredTools: nil}

	orch1 := New(nil, chain, newTestAudit(t), true)
	orch2 := New(nil, chain, newTestAudit(t), true)

	resp1, err := orch1.Synthesize(context.Background(), Request{Query: "mild headache", Intent: analysis})
	if err != nil {
		t.Fatalf("Synthesize 1: %v", err)
	}
	resp2, err := orch2.Synthesize(context.Background(), Request{Query: "mild headache", Intent: analysis})
	if err != nil {
		t.Fatalf("Synthesize 2: %v", err)
	}
	resp1.Timestamp, resp2.Timestamp = time.Time{}, time.Time{}
	if resp1.Summary != resp2.Summary || resp1.Confidence != resp2.Confidence {
		t.Fatalf("expected deterministic output modulo timestamps, got %+v vs %+v", resp1, resp2)
	}
}

func TestDeriveSafetyAlertsLowConfidence(t *testing.T) {
	orch := &Orchestrator{}
	orch.SetConfidenceFloor(0.6)
	analysis := intent.Analysis{Urgency: intent.UrgencyLow}
	alerts := orch.deriveSafetyAlerts(analysis, nil, false, 0.3)
	if len(alerts) != 1 || alerts[0].Kind != AlertLowConfidence {
		t.Fatalf("expected a single low-confidence alert, got %+v", alerts)
	}
}

func TestSetConfidenceFloorAppliesLive(t *testing.T) {
	orch := &Orchestrator{}
	orch.SetConfidenceFloor(0.6)
	analysis := intent.Analysis{Urgency: intent.UrgencyLow}

	if alerts := orch.deriveSafetyAlerts(analysis, nil, false, 0.5); len(alerts) != 1 {
		t.Fatalf("expected a low-confidence alert at the 0.6 floor, got %+v", alerts)
	}

	orch.SetConfidenceFloor(0.4)
	if alerts := orch.deriveSafetyAlerts(analysis, nil, false, 0.5); len(alerts) != 0 {
		t.Fatalf("expected no low-confidence alert once the floor drops below 0.5, got %+v", alerts)
	}
}

func TestDeriveSafetyAlertsMedicationSafety(t *testing.T) {
	orch := &Orchestrator{}
	orch.SetConfidenceFloor(0.6)
	analysis := intent.Analysis{Urgency: intent.UrgencyLow}
	plan := []planEntry{{Provider: "knowledge-base", Method: "drug-interaction"}}
	alerts := orch.deriveSafetyAlerts(analysis, plan, false, 0.9)
	found := false
	for _, a := range alerts {
		if a.Kind == AlertMedicationSafety && a.Level == LevelHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected medication-safety/high alert, got %+v", alerts)
	}
}

func TestImageBranchReadsArtifactBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.jpg")
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xE0}, 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	chain := &llm.Chain{Primary: &stubProvider{name: "primary", text: "no vision support here"}}
	orch := New(nil, chain, newTestAudit(t), true)
	req := Request{Query: "what is this", Intent: intent.Analysis{Specialty: "radiology"}, Image: &imaging.Artifact{FullPath: path}}
	findings, _, _ := orch.imageBranch(context.Background(), req)
	if len(findings) == 0 {
		t.Fatal("expected a text-fallback finding from the degraded vision path")
	}
}
