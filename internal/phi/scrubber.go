// Package phi implements the PHI/PII scrubber used at every trust boundary
// the gateway crosses: inbound request bodies, outbound LLM prompts, audit
// records, and tool-call payloads. Detection is regex-bank plus
// denylist-keyed structured walking, grounded in the confidence-scored
// pattern-table style used by anonymizing-proxy style PHI filters in the
// wider ecosystem this service draws on.
package phi

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-openapi/strfmt"
)

// Category names a class of detected sensitive content.
type Category string

const (
	CategorySSN          Category = "ssn"
	CategoryPhone        Category = "phone"
	CategoryEmail        Category = "email"
	CategoryMRN          Category = "mrn"
	CategoryDate         Category = "date"
	CategoryStreetAddr   Category = "street_address"
	CategoryZIP          Category = "zip"
	CategoryCardNumber   Category = "card_number"
	CategoryPersonName   Category = "person_name"
)

// Detection records one redaction made during a Scrub call.
type Detection struct {
	Category   Category
	Confidence float64
	Count      int
}

// Report summarizes everything a Scrub call found and redacted.
type Report struct {
	Detections []Detection
	Redacted   bool
}

type pattern struct {
	category   Category
	re         *regexp.Regexp
	confidence float64
	advisory   bool // advisory patterns are reported but do not flip S4's strict guarantee
}

// patterns is the fixed regex bank. Order matters only for readability;
// each pattern is applied independently against the full input.
var patterns = []pattern{
	{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.95, false},
	{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), 0.85, false},
	{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), 0.95, false},
	{CategoryMRN, regexp.MustCompile(`(?i)\bMRN[:\s#-]*\d{5,10}\b`), 0.9, false},
	{CategoryDate, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[\/\-](?:0?[1-9]|[12]\d|3[01])[\/\-](?:\d{4}|\d{2})\b`), 0.6, false},
	{CategoryStreetAddr, regexp.MustCompile(`(?i)\b\d{1,6}\s+[A-Za-z0-9.\s]{2,40}\b(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`), 0.75, false},
	{CategoryZIP, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`), 0.3, true},
	{CategoryCardNumber, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), 0.85, false},
	{CategoryPersonName, regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`), 0.4, true},
}

// denylistKeys names structured-record field names that are always
// replaced outright, regardless of their value shape. This is the fixed
// set from the denylist definition, lowercased for case-insensitive
// matching; AddDenylistKey can extend it (no configuration option in this
// gateway calls it) but the core set is never shrunk.
var denylistKeys = map[string]bool{
	"email": true, "phone": true, "ssn": true, "mrn": true,
	"firstname": true, "lastname": true, "fullname": true,
	"address": true, "zipcode": true, "patientid": true,
	"userid": true, "ip": true, "useragent": true,
}

// AddDenylistKey extends the structured-record denylist with one more
// key; nothing in the gateway calls it. It only ever adds keys.
func AddDenylistKey(key string) {
	denylistKeys[strings.ToLower(key)] = true
}

const redactionTag = "[REDACTED]"

// Scrub redacts sensitive spans in a free-text string, returning the
// scrubbed text and a report of what it found. Scrub is idempotent:
// scrubbing already-scrubbed output finds nothing new to redact.
func Scrub(input string) (string, Report) {
	out := input
	var report Report
	for _, p := range patterns {
		matches := p.re.FindAllString(out, -1)
		if len(matches) == 0 {
			continue
		}
		out = p.re.ReplaceAllString(out, redactionTag)
		report.Detections = append(report.Detections, Detection{
			Category:   p.category,
			Confidence: p.confidence,
			Count:      len(matches),
		})
		if !p.advisory {
			report.Redacted = true
		}
	}
	return out, report
}

// ScrubRecord walks an arbitrary JSON-decoded structure (map[string]any,
// []any, or scalar) depth-first, scrubbing string leaves with Scrub and
// replacing any value whose map key matches the denylist outright. It
// returns a new structure; the input is not mutated.
func ScrubRecord(v any) (any, Report) {
	var report Report
	out := scrubValue(reflect.ValueOf(v), &report)
	return out, report
}

// emailFieldConfidence scores a denylisted "email" field by whether its
// value actually parses as an RFC 5322 address. A field named "email"
// holding something else is still redacted outright (the denylist match
// is on the key, not the content), but that mismatch is worth recording
// at lower confidence than a value that is genuinely email-shaped.
func emailFieldConfidence(v reflect.Value) float64 {
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if v.Kind() != reflect.String {
		return 0.5
	}
	var e strfmt.Email
	if err := e.UnmarshalText([]byte(v.String())); err != nil {
		return 0.5
	}
	return 0.98
}

func scrubValue(v reflect.Value, report *Report) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		return scrubValue(v.Elem(), report)
	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, key := range v.MapKeys() {
			k := key.String()
			if denylistKeys[strings.ToLower(k)] {
				if strings.ToLower(k) == "email" {
					report.Detections = append(report.Detections, Detection{
						Category:   CategoryEmail,
						Confidence: emailFieldConfidence(v.MapIndex(key)),
						Count:      1,
					})
				}
				out[k] = redactionTag
				report.Redacted = true
				continue
			}
			out[k] = scrubValue(v.MapIndex(key), report)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = scrubValue(v.Index(i), report)
		}
		return out
	case reflect.String:
		scrubbed, r := Scrub(v.String())
		report.Detections = append(report.Detections, r.Detections...)
		if r.Redacted {
			report.Redacted = true
		}
		return scrubbed
	default:
		if v.CanInterface() {
			return v.Interface()
		}
		return nil
	}
}
