package intent

import "testing"

var allTools = map[string]bool{
	"literature-index": true, "citations": true, "clinical-trials": true,
	"knowledge-base": true, "imaging": true,
}

func TestClassifyDICOMFileWinsOutright(t *testing.T) {
	a := Classify("what do you think of this", []FileDescriptor{{Filename: "scan.dcm"}}, allTools)
	if len(a.Tags) != 1 || a.Tags[0] != TagRadiologyAnalysis {
		t.Fatalf("got tags %v, want [RADIOLOGY_ANALYSIS]", a.Tags)
	}
	if a.Specialty != "radiology" {
		t.Fatalf("got specialty %q, want radiology", a.Specialty)
	}
}

func TestClassifyImageWithNoFilenameHintIsMedicalImageAnalysis(t *testing.T) {
	a := Classify("please review", []FileDescriptor{{Filename: "upload.bin"}}, allTools)
	if len(a.Tags) != 1 || a.Tags[0] != TagMedicalImageAnalysis {
		t.Fatalf("got tags %v, want [MEDICAL_IMAGE_ANALYSIS]", a.Tags)
	}
}

func TestClassifyCardiologyAndSymptomCoOccur(t *testing.T) {
	a := Classify("evaluate 45-year-old female with chest pain", nil, allTools)
	has := func(tag Tag) bool {
		for _, t := range a.Tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	if !has(TagCardiologyAnalysis) {
		t.Fatalf("expected CARDIOLOGY_ANALYSIS in %v", a.Tags)
	}
	if !has(TagSymptomAnalysis) {
		t.Fatalf("expected SYMPTOM_ANALYSIS in %v", a.Tags)
	}
}

func TestClassifyFallsBackToGeneralMedicalQuery(t *testing.T) {
	a := Classify("hello there", nil, allTools)
	if len(a.Tags) != 1 || a.Tags[0] != TagGeneralMedicalQuery {
		t.Fatalf("got tags %v, want [GENERAL_MEDICAL_QUERY]", a.Tags)
	}
}

func TestClassifyEmergencyYieldsCriticalUrgency(t *testing.T) {
	a := Classify("patient unconscious with seizure, critical", nil, allTools)
	if a.Urgency != UrgencyCritical {
		t.Fatalf("got urgency %v, want critical", a.Urgency)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	a := Classify("drug interaction between warfarin and aspirin", nil, allTools)
	b := Classify("drug interaction between warfarin and aspirin", nil, allTools)
	if a.Specialty != b.Specialty || a.Urgency != b.Urgency || a.Confidence != b.Confidence || len(a.Tags) != len(b.Tags) {
		t.Fatalf("classification not deterministic: %+v vs %+v", a, b)
	}
}

func TestClassifyRequiredToolsProjectsOntoAvailability(t *testing.T) {
	limited := map[string]bool{"knowledge-base": true}
	a := Classify("what study supports this treatment", nil, limited)
	for _, tool := range a.RequiredTools {
		if !limited[tool] {
			t.Fatalf("tool %q not in available set, but was required", tool)
		}
	}
}

func TestClassifyConfidenceClampedToOne(t *testing.T) {
	a := Classify("patient with chest pain study research clinical trial diagnosis treatment symptom fever nausea", nil, allTools)
	if a.Confidence > 1.0 {
		t.Fatalf("confidence %f exceeds 1.0", a.Confidence)
	}
}
