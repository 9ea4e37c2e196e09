// Package intent implements the query intent classifier: a pure,
// deterministic, table-driven function with no external dependencies.
// Given the closed vocabulary this component works over, a regex/keyword
// table is the idiomatic and fully-testable choice — no ecosystem
// library is warranted here; SPEC_FULL.md's domain-stack section
// explains why this component stays on the standard library.
package intent

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Tag is one of the closed-vocabulary intent tags.
type Tag string

const (
	TagRadiologyAnalysis     Tag = "RADIOLOGY_ANALYSIS"
	TagDermatologyAnalysis   Tag = "DERMATOLOGY_ANALYSIS"
	TagPathologyAnalysis     Tag = "PATHOLOGY_ANALYSIS"
	TagMedicalImageAnalysis  Tag = "MEDICAL_IMAGE_ANALYSIS"
	TagDifferentialDiagnosis Tag = "DIFFERENTIAL_DIAGNOSIS"
	TagSymptomAnalysis       Tag = "SYMPTOM_ANALYSIS"
	TagTreatmentOptions      Tag = "TREATMENT_OPTIONS"
	TagDrugInteraction       Tag = "DRUG_INTERACTION"
	TagLiteratureSearch      Tag = "LITERATURE_SEARCH"
	TagClinicalTrials        Tag = "CLINICAL_TRIALS"
	TagGuidelinesLookup      Tag = "GUIDELINES_LOOKUP"
	TagRareDisease           Tag = "RARE_DISEASE"
	TagEmergencyAssessment   Tag = "EMERGENCY_ASSESSMENT"
	TagCardiologyAnalysis    Tag = "CARDIOLOGY_ANALYSIS"
	TagNeurologyAnalysis     Tag = "NEUROLOGY_ANALYSIS"
	TagOncologyAnalysis      Tag = "ONCOLOGY_ANALYSIS"
	TagGeneralMedicalQuery   Tag = "GENERAL_MEDICAL_QUERY"
)

// Urgency grades how quickly a request should be treated. Ordering is
// fixed: critical > high > medium > low, no other values exist.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

var urgencyRank = map[Urgency]int{
	UrgencyCritical: 4, UrgencyHigh: 3, UrgencyMedium: 2, UrgencyLow: 1,
}

// Flags are boolean signals derived from the raw query, surfaced
// alongside the classification for transparency.
type Flags struct {
	HasImageUpload   bool
	HasSymptoms      bool
	HasMedications   bool
	HasTimeReference bool
	HasUrgencyWord   bool
	HasImageReference bool
}

// Analysis is the classifier's complete verdict for one query.
type Analysis struct {
	Tags          []Tag
	Specialty     string
	Urgency       Urgency
	RequiredTools []string
	Confidence    float64
	Flags         Flags
}

// FileDescriptor is the uploaded-file metadata the classifier consumes:
// original filename plus declared MIME, never raw bytes.
type FileDescriptor struct {
	Filename string
	MIME     string
}

type tagDef struct {
	tag       Tag
	specialty string
	keywords  []string
	tools     []string
	priority  int // lower is more specific; not read by the classifier (specialty ties use specialtyPriority)
}

// tagTable is the closed-vocabulary definition. Specialty ties are broken
// by specialtyPriority below, not by the order of this table.
var tagTable = []tagDef{
	{TagEmergencyAssessment, "emergency_medicine", []string{"unconscious", "seizure", "critical", "cardiac arrest", "can't breathe", "cannot breathe", "severe bleeding", "anaphylaxis", "stroke"}, []string{"knowledge-base"}, 0},
	{TagRadiologyAnalysis, "radiology", []string{"xray", "x-ray", "ct scan", "mri", "radiograph", "fracture"}, []string{"imaging", "knowledge-base"}, 1},
	{TagDermatologyAnalysis, "dermatology", []string{"rash", "skin", "dermoscopy", "lesion", "mole"}, []string{"imaging", "knowledge-base"}, 1},
	{TagPathologyAnalysis, "pathology", []string{"biopsy", "pathology", "histology", "tissue sample"}, []string{"imaging", "knowledge-base"}, 1},
	{TagCardiologyAnalysis, "cardiology", []string{"chest pain", "palpitation", "arrhythmia", "heart", "cardiac"}, []string{"literature-index", "knowledge-base"}, 2},
	{TagNeurologyAnalysis, "neurology", []string{"headache", "seizure", "numbness", "tingling", "weakness", "stroke"}, []string{"literature-index", "knowledge-base"}, 2},
	{TagOncologyAnalysis, "oncology", []string{"tumor", "cancer", "mass", "oncology", "malignant"}, []string{"literature-index", "clinical-trials"}, 2},
	{TagDifferentialDiagnosis, "general", []string{"differential", "rule out", "diagnosis", "diagnose"}, []string{"knowledge-base", "literature-index"}, 3},
	{TagSymptomAnalysis, "general", []string{"symptom", "feeling", "pain", "ache", "nausea", "dizziness", "fever"}, []string{"knowledge-base"}, 3},
	{TagTreatmentOptions, "general", []string{"treatment", "therapy option", "how to treat", "management plan"}, []string{"knowledge-base", "literature-index"}, 3},
	{TagDrugInteraction, "pharmacology", []string{"drug interaction", "contraindicat", "interacts with", "combined with medication"}, []string{"knowledge-base"}, 2},
	{TagLiteratureSearch, "research", []string{"study", "studies", "research", "paper", "publication", "journal", "meta-analysis", "systematic review"}, []string{"literature-index", "citations"}, 2},
	{TagClinicalTrials, "research", []string{"clinical trial", "trial enrollment", "recruiting patients", "nct number"}, []string{"clinical-trials"}, 2},
	{TagGuidelinesLookup, "general", []string{"guideline", "recommended protocol", "standard of care"}, []string{"knowledge-base"}, 3},
	{TagRareDisease, "genetics", []string{"rare disease", "genetic disorder", "orphan disease", "rare condition"}, []string{"literature-index", "knowledge-base"}, 2},
}

// specialtyPriority fixes tie-break order when multiple non-general
// specialties are contributed by different tags in the same query.
var specialtyPriority = []string{
	"emergency_medicine", "radiology", "dermatology", "pathology",
	"cardiology", "neurology", "oncology", "genetics", "pharmacology",
	"research", "general",
}

var urgencyWordPattern = regexp.MustCompile(`\b(unconscious|seizure|critical|emergency|severe|can'?t breathe|cannot breathe|stroke|anaphylaxis|cardiac arrest)\b`)
var symptomPattern = regexp.MustCompile(`\b(pain|ache|nausea|fever|dizziness|rash|swelling|numbness|fatigue)\b`)
var medicationPattern = regexp.MustCompile(`\b(mg|medication|dose|prescri\w+|tablet|drug)\b`)
var timeReferencePattern = regexp.MustCompile(`\b(days? ago|weeks? ago|since|yesterday|this morning|last night|for \d+ (day|week|month)s?)\b`)
var imageReferencePattern = regexp.MustCompile(`\b(image|scan|x-ray|xray|photo|picture)\b`)

var dicomExtensions = map[string]bool{".dcm": true, ".dicom": true}
var medicalTermPattern = regexp.MustCompile(`\b(patient|diagnos\w+|symptom|treatment|clinical|medical|disease|condition|therapy)\b`)

// normalize lowercases and collapses non-alphanumeric runs to single
// spaces, matching the classifier's input contract.
func normalize(text string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Classify resolves the IntentAnalysis for a text query, uploaded file
// descriptors, and the closed set of currently-available tool names.
func Classify(rawText string, files []FileDescriptor, availableTools map[string]bool) Analysis {
	text := normalize(rawText)
	flags := Flags{
		HasUrgencyWord:    urgencyWordPattern.MatchString(text),
		HasSymptoms:       symptomPattern.MatchString(text),
		HasMedications:    medicationPattern.MatchString(text),
		HasTimeReference:  timeReferencePattern.MatchString(text),
		HasImageReference: imageReferencePattern.MatchString(text),
	}

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		if dicomExtensions[ext] || strings.Contains(strings.ToLower(f.MIME), "dicom") {
			flags.HasImageUpload = true
			return finalize([]Tag{TagRadiologyAnalysis}, "radiology", availableTools, flags, true)
		}
	}
	if len(files) > 0 {
		flags.HasImageUpload = true
	}

	var matched []Tag
	var matchedSpecialties []string
	scoreOf := map[Tag]float64{}
	for _, def := range tagTable {
		hits := 0
		for _, kw := range def.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(def.keywords))
		scoreOf[def.tag] = score
		matched = append(matched, def.tag)
		if def.specialty != "general" {
			matchedSpecialties = append(matchedSpecialties, def.specialty)
		}
	}

	if flags.HasImageUpload && len(matched) == 0 {
		return finalize([]Tag{TagMedicalImageAnalysis}, "general", availableTools, flags, true)
	}
	if len(matched) == 0 {
		return finalize([]Tag{TagGeneralMedicalQuery}, "general", availableTools, flags, false)
	}

	sortTagsByScore(matched, scoreOf)
	specialty := resolveSpecialty(matchedSpecialties)
	return finalizeScored(matched, specialty, availableTools, flags, scoreOf, text)
}

func sortTagsByScore(tags []Tag, scoreOf map[Tag]float64) {
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && scoreOf[tags[j]] > scoreOf[tags[j-1]]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
}

func resolveSpecialty(candidates []string) string {
	if len(candidates) == 0 {
		return "general"
	}
	present := map[string]bool{}
	for _, c := range candidates {
		present[c] = true
	}
	for _, s := range specialtyPriority {
		if present[s] {
			return s
		}
	}
	return "general"
}

func resolveUrgency(tags []Tag) Urgency {
	urgency := UrgencyLow
	for _, t := range tags {
		var candidate Urgency
		switch t {
		case TagEmergencyAssessment:
			candidate = UrgencyCritical
		case TagRadiologyAnalysis, TagCardiologyAnalysis, TagNeurologyAnalysis, TagMedicalImageAnalysis:
			candidate = UrgencyHigh
		case TagDifferentialDiagnosis, TagSymptomAnalysis, TagDrugInteraction, TagOncologyAnalysis:
			candidate = UrgencyMedium
		default:
			candidate = UrgencyLow
		}
		if urgencyRank[candidate] > urgencyRank[urgency] {
			urgency = candidate
		}
	}
	return urgency
}

func requiredTools(tags []Tag, availableTools map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		for _, def := range tagTable {
			if def.tag != t {
				continue
			}
			for _, tool := range def.tools {
				if availableTools != nil && !availableTools[tool] {
					continue
				}
				if !seen[tool] {
					seen[tool] = true
					out = append(out, tool)
				}
			}
		}
	}
	return out
}

// finalize builds an Analysis for a short-circuit path with a fixed
// confidence: 0.9 when highConfidence is set (image-first rule, or
// image-present-but-unmatched, where the signal is unambiguous) and 0.4
// otherwise (the general-medical-query fallback).
func finalize(tags []Tag, specialty string, availableTools map[string]bool, flags Flags, highConfidence bool) Analysis {
	confidence := 0.4
	if highConfidence {
		confidence = 0.9
	}
	return Analysis{
		Tags:          tags,
		Specialty:     specialty,
		Urgency:       resolveUrgency(tags),
		RequiredTools: requiredTools(tags, availableTools),
		Confidence:    confidence,
		Flags:         flags,
	}
}

// finalizeScored applies the §4.7 confidence formula: base 0.4 if any
// intent fired, +0.2 if image intent and image-reference text co-occur,
// +0.1 for multi-intent agreement, up to +0.3 proportional to
// medical-term density, clamped to [0,1].
func finalizeScored(tags []Tag, specialty string, availableTools map[string]bool, flags Flags, scoreOf map[Tag]float64, text string) Analysis {
	confidence := 0.4
	hasImageTag := false
	for _, t := range tags {
		if t == TagRadiologyAnalysis || t == TagDermatologyAnalysis || t == TagPathologyAnalysis || t == TagMedicalImageAnalysis {
			hasImageTag = true
		}
	}
	if hasImageTag && flags.HasImageReference {
		confidence += 0.2
	}
	if len(tags) > 1 {
		confidence += 0.1
	}
	confidence += 0.3 * medicalTermDensity(text)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return Analysis{
		Tags:          tags,
		Specialty:     specialty,
		Urgency:       resolveUrgency(tags),
		RequiredTools: requiredTools(tags, availableTools),
		Confidence:    confidence,
		Flags:         flags,
	}
}

func medicalTermDensity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	hits := len(medicalTermPattern.FindAllString(text, -1))
	density := float64(hits) / float64(len(words))
	if density > 1 {
		density = 1
	}
	return density
}
