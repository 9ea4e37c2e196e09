package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/intent"
	"github.com/klyne-labs/medintel-gateway/internal/llm"
	"github.com/klyne-labs/medintel-gateway/internal/phi"
	"github.com/klyne-labs/medintel-gateway/internal/toolpool"
)

// planHeadroom is subtracted from the request deadline to give the one
// deadline every plan entry of the fan-out shares, leaving room for
// prompt assembly and the LLM call that follows the fan-out.
const planHeadroom = 3 * time.Second

// planEntry is one (provider, method, args) triple to execute in the
// fan-out step.
type planEntry struct {
	Provider string
	Method   string
	Args     json.RawMessage
}

// defaultMethod is the provider-level default when no tag-specific
// override applies.
const defaultMethod = "query"

// methodOverrides maps an intent tag to a provider->method override,
// used when a tag needs a provider to do something more specific than
// its default query method. The only override the spec's safety-alert
// rule depends on is knowledge-base's drug-interaction method.
var methodOverrides = map[intent.Tag]map[string]string{
	intent.TagDrugInteraction:    {"knowledge-base": "drug-interaction"},
	intent.TagLiteratureSearch:   {"literature-index": "search", "citations": "lookup"},
	intent.TagClinicalTrials:     {"clinical-trials": "search"},
	intent.TagRadiologyAnalysis:  {"imaging": "analyze"},
	intent.TagDermatologyAnalysis: {"imaging": "analyze"},
	intent.TagPathologyAnalysis:  {"imaging": "analyze"},
}

func methodFor(tags []intent.Tag, provider string) string {
	for _, t := range tags {
		if overrides, ok := methodOverrides[t]; ok {
			if method, ok := overrides[provider]; ok {
				return method
			}
		}
	}
	return defaultMethod
}

// Request is the orchestrator's input for one synthesis: a scrubbed
// query plus everything the HTTP surface has already resolved.
type Request struct {
	SessionID        string
	Query            string
	Intent           intent.Analysis
	Image            *imaging.Artifact
	PatientContext   map[string]any
	ConversationTail []string // bounded to last N messages by the caller
	Deadline         time.Time
}

// Orchestrator wires the Tool Client Pool, LLM Adapter, PHI Scrubber,
// and Audit Sink into the synthesis pipeline described for the
// federation component.
type Orchestrator struct {
	Pool              *toolpool.Pool
	LLM               *llm.Chain
	Audit             *audit.Sink
	RequireDisclaimer bool

	confidenceFloorBits atomic.Uint64 // math.Float64bits, read/written via SetConfidenceFloor/ConfidenceFloor
}

// New builds an Orchestrator with the fixed low-confidence safety-alert
// threshold of 0.6. Callers that want this tunable live, without a
// restart, update it with SetConfidenceFloor (e.g. from a
// config.TuningWatcher) rather than constructing a new Orchestrator.
func New(pool *toolpool.Pool, chain *llm.Chain, sink *audit.Sink, requireDisclaimer bool) *Orchestrator {
	o := &Orchestrator{Pool: pool, LLM: chain, Audit: sink, RequireDisclaimer: requireDisclaimer}
	o.SetConfidenceFloor(0.6)
	return o
}

// ConfidenceFloor returns the current low-confidence safety-alert
// threshold. Safe for concurrent use.
func (o *Orchestrator) ConfidenceFloor() float64 {
	return math.Float64frombits(o.confidenceFloorBits.Load())
}

// SetConfidenceFloor updates the low-confidence safety-alert threshold.
// Safe to call concurrently with Synthesize.
func (o *Orchestrator) SetConfidenceFloor(floor float64) {
	o.confidenceFloorBits.Store(math.Float64bits(floor))
}

// Synthesize runs the full plan -> fan-out -> prompt -> LLM -> merge ->
// safety -> scrub -> audit pipeline for one request.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (SynthesizedResponse, error) {
	start := time.Now()
	plan := o.buildPlan(req.Intent)

	fanoutCtx := ctx
	if !req.Deadline.IsZero() {
		entryDeadline := req.Deadline.Add(-planHeadroom)
		var cancel context.CancelFunc
		fanoutCtx, cancel = context.WithDeadline(ctx, entryDeadline)
		defer cancel()
	}

	bundle := o.fanOut(fanoutCtx, plan)

	var imageFindings []Finding
	var imageConfidence float64
	var haveImageConfidence bool
	if req.Image != nil {
		imageFindings, imageConfidence, haveImageConfidence = o.imageBranch(fanoutCtx, req)
	}

	systemPrompt := systemPromptFor(req.Intent)
	userPrompt := assemblePrompt(req, bundle)

	llmOutcome, llmErr := o.LLM.Generate(ctx, systemPrompt, userPrompt, llm.Params{Temperature: 0.1, MaxTokens: 2048})

	noEvidence := len(bundle.Results) == 0
	if llmErr != nil && noEvidence && len(imageFindings) == 0 {
		resp := safetyResponse(req.Intent)
		o.emitAudit(req, plan, time.Since(start), "safety-response")
		return resp, nil
	}

	structured, confidence, sourceFromLLM := parseLLMOutput(llmOutcome.Text)

	findings := mergeFindings(structured, bundle, imageFindings)
	recommendations := recommendationsFrom(structured)

	confidences := map[string]float64{}
	if sourceFromLLM {
		confidences[llmOutcome.ProviderName] = confidence
	}
	for provider, result := range bundle.Results {
		confidences[provider] = result.Confidence
	}
	if haveImageConfidence {
		confidences["image-analysis"] = imageConfidence
	}
	overall := meanConfidence(confidences)

	resp := SynthesizedResponse{
		Summary:           summaryFrom(structured, llmOutcome.Text),
		Analysis:          structured,
		Findings:          findings,
		Recommendations:   recommendations,
		SafetyAlerts:       o.deriveSafetyAlerts(req.Intent, plan, req.Image != nil, overall),
		Confidence:        overall,
		SourceConfidences: confidences,
		Timestamp:         time.Now(),
		Intent:            req.Intent,
	}
	if o.RequireDisclaimer {
		resp.Disclaimer = disclaimerText
	}

	resp = scrubResponse(resp)
	o.emitAudit(req, plan, time.Since(start), "ok")
	return resp, nil
}

func (o *Orchestrator) buildPlan(analysis intent.Analysis) []planEntry {
	plan := make([]planEntry, 0, len(analysis.RequiredTools))
	for _, provider := range analysis.RequiredTools {
		plan = append(plan, planEntry{Provider: provider, Method: methodFor(analysis.Tags, provider), Args: json.RawMessage(`{}`)})
	}
	return plan
}

func (o *Orchestrator) fanOut(ctx context.Context, plan []planEntry) EvidenceBundle {
	bundle := newEvidenceBundle()
	if o.Pool == nil || len(plan) == 0 {
		return bundle
	}

	type outcome struct {
		provider string
		result   ToolResult
		toolErr  *ToolError
	}
	outcomes := make(chan outcome, len(plan))

	var g errgroup.Group
	for _, entry := range plan {
		entry := entry
		g.Go(func() error {
			callStart := time.Now()
			raw, err := o.Pool.Call(ctx, entry.Provider, entry.Method, entry.Args)
			duration := time.Since(callStart)
			if err != nil {
				outcomes <- outcome{provider: entry.Provider, toolErr: &ToolError{Class: classifyToolError(err), Message: err.Error()}}
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				payload = map[string]any{"raw": string(raw)}
			}
			outcomes <- outcome{provider: entry.Provider, result: ToolResult{Payload: payload, Duration: duration, Confidence: 0.7}}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	for o := range outcomes {
		if o.toolErr != nil {
			bundle.Errors[o.provider] = *o.toolErr
		} else {
			bundle.Results[o.provider] = o.result
		}
	}
	return bundle
}

func classifyToolError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return "ToolTimeout"
	case strings.Contains(msg, "unknown provider"), strings.Contains(msg, "not connected"):
		return "ToolUnavailable"
	default:
		return "ToolReturnedError"
	}
}

// imageBranch runs the LLM vision capability and the imaging tool call
// in parallel, merging their findings by concatenation with attribution.
func (o *Orchestrator) imageBranch(ctx context.Context, req Request) ([]Finding, float64, bool) {
	var findings []Finding
	var confidence float64
	var haveConfidence bool
	var mu sync.Mutex

	var g errgroup.Group
	g.Go(func() error {
		data, err := os.ReadFile(req.Image.FullPath)
		if err != nil {
			return nil
		}
		mime := "image/jpeg"
		if format, sniffErr := imaging.Sniff(data); sniffErr == nil && format == imaging.FormatTIFF {
			mime = "image/tiff"
		}
		text, err := o.LLM.GenerateVision(ctx, systemPromptFor(req.Intent), req.Query, data, mime, llm.Params{Temperature: 0.1, MaxTokens: 1024})
		if err != nil || strings.TrimSpace(text.Text) == "" {
			return nil
		}
		mu.Lock()
		findings = append(findings, Finding{Text: text.Text, Source: "llm-vision"})
		confidence = llm.TextConfidence(text.Text)
		haveConfidence = true
		mu.Unlock()
		return nil
	})
	if o.Pool != nil {
		g.Go(func() error {
			raw, err := o.Pool.Call(ctx, "imaging", "analyze", json.RawMessage(`{}`))
			if err != nil {
				return nil
			}
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil
			}
			mu.Lock()
			if summary, ok := payload["summary"].(string); ok {
				findings = append(findings, Finding{Text: summary, Source: "imaging"})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return findings, confidence, haveConfidence
}

func parseLLMOutput(text string) (map[string]any, float64, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, 0, false
	}
	var parsed map[string]any
	if err := llm.ExtractJSON(text, &parsed); err == nil {
		return parsed, llm.StructuredConfidence(parsed), true
	}
	sections := llm.ExtractTextSections(text)
	parsed = map[string]any{
		"summary":         sections.Summary,
		"recommendations": sections.Recommendations,
		"safety":          sections.Safety,
		"evidence":        sections.Evidence,
	}
	return parsed, llm.TextConfidence(text), true
}

func mergeFindings(structured map[string]any, bundle EvidenceBundle, imageFindings []Finding) []Finding {
	var findings []Finding
	if summary, ok := structured["summary"].(string); ok && summary != "" {
		findings = append(findings, Finding{Text: summary, Source: "llm"})
	}
	providers := make([]string, 0, len(bundle.Results))
	for provider := range bundle.Results {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	for _, provider := range providers {
		result := bundle.Results[provider]
		if finding, ok := result.Payload["summary"].(string); ok {
			findings = append(findings, Finding{Text: finding, Source: provider})
		}
	}
	findings = append(findings, imageFindings...)
	return findings
}

func recommendationsFrom(structured map[string]any) []string {
	return asStringSlice(structured["recommendations"])
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func summaryFrom(structured map[string]any, fallback string) string {
	if s, ok := structured["summary"].(string); ok && s != "" {
		return s
	}
	return fallback
}

func meanConfidence(confidences map[string]float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}

// deriveSafetyAlerts implements the four fixed rules, in order, so the
// emergency alert (when present) is always first.
func (o *Orchestrator) deriveSafetyAlerts(analysis intent.Analysis, plan []planEntry, hasImage bool, confidence float64) []SafetyAlert {
	var alerts []SafetyAlert
	if analysis.Urgency == intent.UrgencyCritical {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertEmergency,
			Level:   LevelCritical,
			Message: "This query indicates a potential medical emergency.",
			Action:  "Call emergency services or go to the nearest emergency room immediately",
		})
	}
	if hasImage {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertImageAnalysis,
			Level:   LevelHigh,
			Message: "Automated image analysis is not a diagnostic substitute.",
			Action:  "Have the image reviewed by a qualified radiologist or specialist",
		})
	}
	for _, entry := range plan {
		if entry.Provider == "knowledge-base" && entry.Method == "drug-interaction" {
			alerts = append(alerts, SafetyAlert{
				Kind:    AlertMedicationSafety,
				Level:   LevelHigh,
				Message: "Potential drug interaction flagged for this query.",
				Action:  "Confirm with a pharmacist or prescribing clinician before making medication changes",
			})
			break
		}
	}
	floor := o.ConfidenceFloor()
	if floor <= 0 {
		floor = 0.6
	}
	if confidence < floor {
		alerts = append(alerts, SafetyAlert{
			Kind:    AlertLowConfidence,
			Level:   LevelMedium,
			Message: "This response has lower-than-usual confidence.",
			Action:  "Treat this response as a starting point and verify with a clinician",
		})
	}
	return alerts
}

func safetyResponse(analysis intent.Analysis) SynthesizedResponse {
	return SynthesizedResponse{
		Summary:         safetyResponseSummary,
		Findings:        []Finding{},
		Recommendations: []string{"Please consult with a healthcare professional"},
		SafetyAlerts: []SafetyAlert{{
			Kind:    AlertLowConfidence,
			Level:   LevelMedium,
			Message: "No upstream evidence or model output was available for this query.",
			Action:  "Please consult with a healthcare professional",
		}},
		Confidence: 0,
		Timestamp:  time.Now(),
		Disclaimer: disclaimerText,
		Intent:     analysis,
	}
}

func scrubResponse(resp SynthesizedResponse) SynthesizedResponse {
	resp.Summary, _ = phi.Scrub(resp.Summary)
	for i, finding := range resp.Findings {
		finding.Text, _ = phi.Scrub(finding.Text)
		resp.Findings[i] = finding
	}
	for i, rec := range resp.Recommendations {
		resp.Recommendations[i], _ = phi.Scrub(rec)
	}
	return resp
}

func (o *Orchestrator) emitAudit(req Request, plan []planEntry, duration time.Duration, outcome string) {
	if o.Audit == nil {
		return
	}
	providers := make([]string, 0, len(plan))
	for _, entry := range plan {
		providers = append(providers, entry.Provider)
	}
	tags := make([]string, 0, len(req.Intent.Tags))
	for _, t := range req.Intent.Tags {
		tags = append(tags, string(t))
	}
	o.Audit.Emit(audit.Record{
		Kind:     audit.KindMedicalQuery,
		Severity: audit.SeverityNormal,
		Action:   "synthesize",
		Outcome:  outcome,
		Metadata: map[string]any{
			"intent_tags": tags,
			"tools":       providers,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

func systemPromptFor(analysis intent.Analysis) string {
	base := "You are a clinical decision-support assistant. Respond with a JSON object containing summary, recommendations, safety, and evidence fields."
	if len(analysis.Tags) == 0 {
		return base
	}
	return fmt.Sprintf("%s The primary focus area is %s.", base, analysis.Specialty)
}

func assemblePrompt(req Request, bundle EvidenceBundle) string {
	var b strings.Builder
	if len(req.PatientContext) > 0 {
		if data, err := json.Marshal(req.PatientContext); err == nil {
			b.WriteString("PATIENT CONTEXT:\n")
			b.Write(data)
			b.WriteString("\n\n")
		}
	}
	providers := make([]string, 0, len(bundle.Results))
	for provider := range bundle.Results {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	for _, provider := range providers {
		if data, err := json.Marshal(bundle.Results[provider].Payload); err == nil {
			fmt.Fprintf(&b, "%s:\n%s\n\n", strings.ToUpper(provider), data)
		}
	}
	errProviders := make([]string, 0, len(bundle.Errors))
	for provider := range bundle.Errors {
		errProviders = append(errProviders, provider)
	}
	sort.Strings(errProviders)
	for _, provider := range errProviders {
		fmt.Fprintf(&b, "%s: unavailable (%s)\n\n", strings.ToUpper(provider), bundle.Errors[provider].Class)
	}
	b.WriteString("QUERY:\n")
	b.WriteString(req.Query)
	return b.String()
}
