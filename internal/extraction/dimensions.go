package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

const numberPattern = `(\d+(?:[.,]\d+)?)`
const unitPattern = `\s*(mm|cm|m|in|inch|inches|")?`

var (
	// "Width 120cm Drop 180cm", "W: 120 D: 180"
	labelledDims = regexp.MustCompile(`(?i)\b(?:width|w)\s*[:=]?\s*` + numberPattern + unitPattern +
		`[\s,/x×]*\b(?:drop|length|height|d|l|h)\s*[:=]?\s*` + numberPattern + unitPattern)
	// "120 x 180cm", "120cm x 180cm"
	crossDims = regexp.MustCompile(`(?i)` + numberPattern + unitPattern + `\s*[x×]\s*` + numberPattern + unitPattern)

	extraSpace = regexp.MustCompile(`\s{2,}`)
)

// Dimensions is a parsed width and drop
type Dimensions struct {
	Width string
	Drop  string
	Unit  string
}

// Size renders the dimensions as a compact size label such as "120x180cm"
func (d Dimensions) Size() string {
	return d.Width + "x" + d.Drop + d.Unit
}

// ParseDimensions finds a width and drop in free text. It returns the parsed
// dimensions, the text with the matched fragment removed, and a confidence.
func ParseDimensions(text string) (*Dimensions, string, float64) {
	if m := labelledDims.FindStringSubmatchIndex(text); m != nil {
		d := dimensionsFrom(text, m)
		return d, stripFragment(text, m[0], m[1]), 0.9
	}
	if m := crossDims.FindStringSubmatchIndex(text); m != nil {
		d := dimensionsFrom(text, m)
		confidence := 0.6
		if d.Unit != "" {
			confidence = 0.8
		}
		return d, stripFragment(text, m[0], m[1]), confidence
	}
	return nil, text, 0
}

func dimensionsFrom(text string, m []int) *Dimensions {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return text[m[2*i]:m[2*i+1]]
	}
	unit := normalizeUnit(group(4))
	if unit == "" {
		unit = normalizeUnit(group(2))
	}
	return &Dimensions{
		Width: normalizeNumber(group(1)),
		Drop:  normalizeNumber(group(3)),
		Unit:  unit,
	}
}

func stripFragment(text string, start, end int) string {
	out := text[:start] + " " + text[end:]
	out = extraSpace.ReplaceAllString(out, " ")
	return strings.Trim(out, " -,/|")
}

func normalizeNumber(s string) string {
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func normalizeUnit(u string) string {
	switch strings.ToLower(u) {
	case "":
		return ""
	case "in", "inch", "inches", `"`:
		return "in"
	default:
		return strings.ToLower(u)
	}
}

// ExtractDimensions parses width, drop and a size label from the row's text fields.
// When the dimensions came from the product name, the name without them is
// suggested as enhanced_name so every size of a blind groups under one product.
func ExtractDimensions(row map[string]interface{}) *Result {
	for _, field := range textFields {
		text := asString(row[field])
		if text == "" {
			continue
		}
		dims, rest, confidence := ParseDimensions(text)
		if dims == nil {
			continue
		}
		fields := map[string]interface{}{
			"width": dims.Width + dims.Unit,
			"drop":  dims.Drop + dims.Unit,
			"size":  dims.Size(),
		}
		if field == "name" && rest != "" {
			fields["enhanced_name"] = rest
		}
		return &Result{Fields: fields, Confidence: confidence, SourceField: field}
	}
	return nil
}
