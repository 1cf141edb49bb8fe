// Package extraction infers variant attributes from free-text row fields.
// Extractors are pure: they read a row and return suggested fields with a
// confidence score, and never touch the store.
package extraction

import (
	"fmt"
	"regexp"
	"strings"
)

// Result is the output of one extractor
type Result struct {
	Fields      map[string]interface{}
	Confidence  float64
	SourceField string
}

// Extractor inspects a row and returns a suggestion, or nil when it finds nothing
type Extractor func(row map[string]interface{}) *Result

// Fields scanned for free-text hints, most specific first
var textFields = []string{"name", "variant_name", "description"}

var mtmPhrases = []struct {
	pattern    *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)\bmade[\s-]+to[\s-]+measure\b`), 0.95},
	{regexp.MustCompile(`(?i)\bmade[\s-]+to[\s-]+order\b`), 0.8},
	{regexp.MustCompile(`(?i)\bmtm\b`), 0.85},
	{regexp.MustCompile(`(?i)\bbespoke\b`), 0.7},
	{regexp.MustCompile(`(?i)\bcustom[\s-]+(size|sized|made|fit)\b`), 0.7},
	{regexp.MustCompile(`(?i)\bcut[\s-]+to[\s-]+(size|length|measure)\b`), 0.75},
}

// DetectMadeToMeasure flags rows whose text describes a made-to-measure product.
// An explicit made_to_measure column always wins and yields no suggestion.
func DetectMadeToMeasure(row map[string]interface{}) *Result {
	if v, ok := row["made_to_measure"]; ok && asString(v) != "" {
		return nil
	}
	for _, field := range textFields {
		text := asString(row[field])
		if text == "" {
			continue
		}
		var best float64
		for _, p := range mtmPhrases {
			if p.pattern.MatchString(text) && p.confidence > best {
				best = p.confidence
			}
		}
		if best > 0 {
			return &Result{
				Fields:      map[string]interface{}{"made_to_measure": true},
				Confidence:  best,
				SourceField: field,
			}
		}
	}
	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
