// Package federation implements the synthesis pipeline: it takes a
// classified intent plus whatever evidence the tool pool and LLM adapter
// can produce, and merges them into one response with derived safety
// alerts. It is the only component that talks to both the Tool Client
// Pool and the LLM Adapter in the same request.
package federation

import (
	"time"

	"github.com/klyne-labs/medintel-gateway/internal/intent"
)

// ToolResult is one provider's successful contribution to an
// EvidenceBundle.
type ToolResult struct {
	Payload    map[string]any `json:"payload"`
	Duration   time.Duration  `json:"duration"`
	Confidence float64        `json:"confidence"`
}

// ToolError is one provider's failed contribution. Its presence in an
// EvidenceBundle means the call was attempted and failed, not that the
// provider was skipped.
type ToolError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// EvidenceBundle maps provider name to whichever of ToolResult/ToolError
// that provider produced. A key absent from the bundle means it was
// never attempted.
type EvidenceBundle struct {
	Results map[string]ToolResult `json:"results,omitempty"`
	Errors  map[string]ToolError  `json:"errors,omitempty"`
}

func newEvidenceBundle() EvidenceBundle {
	return EvidenceBundle{Results: map[string]ToolResult{}, Errors: map[string]ToolError{}}
}

// Finding is one atomic piece of merged output, tagged with where it
// came from so the HTTP surface and any downstream audit can trace
// provenance.
type Finding struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// SafetyAlertKind is the closed vocabulary of alert kinds the
// orchestrator may derive.
type SafetyAlertKind string

const (
	AlertEmergency       SafetyAlertKind = "emergency"
	AlertImageAnalysis   SafetyAlertKind = "image-analysis"
	AlertMedicationSafety SafetyAlertKind = "medication-safety"
	AlertLowConfidence   SafetyAlertKind = "low-confidence"
)

// SafetyAlertLevel is the closed vocabulary of alert severities.
type SafetyAlertLevel string

const (
	LevelCritical SafetyAlertLevel = "critical"
	LevelHigh     SafetyAlertLevel = "high"
	LevelMedium   SafetyAlertLevel = "medium"
)

// SafetyAlert is derivable purely from IntentAnalysis and the merged
// response, never from raw upstream text.
type SafetyAlert struct {
	Kind    SafetyAlertKind  `json:"kind"`
	Level   SafetyAlertLevel `json:"level"`
	Message string           `json:"message"`
	Action  string           `json:"action"`
}

// SynthesizedResponse is the orchestrator's complete output for one
// request.
type SynthesizedResponse struct {
	Summary           string            `json:"summary"`
	Analysis          map[string]any    `json:"analysis,omitempty"`
	Findings          []Finding         `json:"findings"`
	Recommendations   []string          `json:"recommendations"`
	SafetyAlerts      []SafetyAlert     `json:"safetyAlerts"`
	Confidence        float64           `json:"confidence"`
	SourceConfidences map[string]float64 `json:"sourceConfidences,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Disclaimer        string            `json:"disclaimer,omitempty"`
	Intent            intent.Analysis   `json:"intent"`
}

// safetyResponseSummary is the literal text mandated for the fixed-shape
// fallback returned when no upstream evidence and no LLM result is
// available.
const safetyResponseSummary = "Medical analysis unavailable"

const disclaimerText = "This information is provided for educational purposes and does not constitute medical advice. Always consult a qualified healthcare professional for diagnosis and treatment decisions."
