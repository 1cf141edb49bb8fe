package actions

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"products-import-service/internal/extraction"
	"products-import-service/internal/pipeline"
)

type namedExtractor struct {
	name    string
	enabled func(actx *pipeline.ActionContext) bool
	run     extraction.Extractor
}

// ExtractAttributesAction suggests made-to-measure and dimension fields from
// free text. It only fills fields the row left empty.
type ExtractAttributesAction struct {
	extractors []namedExtractor
	logger     *logrus.Entry
}

func NewExtractAttributesAction(logger *logrus.Entry) *ExtractAttributesAction {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ExtractAttributesAction{
		extractors: []namedExtractor{
			{
				name:    "made_to_measure",
				enabled: func(actx *pipeline.ActionContext) bool { return actx.Options.ExtractMTM },
				run:     extraction.DetectMadeToMeasure,
			},
			{
				name:    "dimensions",
				enabled: func(actx *pipeline.ActionContext) bool { return actx.Options.ExtractDimensions },
				run:     extraction.ExtractDimensions,
			},
		},
		logger: logger.WithField("component", "extract_attributes"),
	}
}

func (a *ExtractAttributesAction) Name() string {
	return "extract_attributes"
}

func (a *ExtractAttributesAction) IsOptional() bool {
	return true
}

func (a *ExtractAttributesAction) Execute(ctx context.Context, actx *pipeline.ActionContext) (*pipeline.ActionResult, error) {
	res := pipeline.Success("")
	confidence := make(map[string]interface{})
	var suggested, failed []string

	for _, ex := range a.extractors {
		if !ex.enabled(actx) {
			continue
		}
		out, err := a.run(ex, actx)
		if err != nil {
			a.logger.WithFields(logrus.Fields{"row": actx.RowNumber, "extractor": ex.name}).
				WithError(err).Warn("Attribute extractor failed")
			failed = append(failed, ex.name)
			continue
		}
		if out == nil {
			continue
		}
		var applied []string
		for field, value := range out.Fields {
			if actx.Has(field) {
				continue
			}
			res.WithContextUpdate(field, value)
			applied = append(applied, field)
		}
		if len(applied) == 0 {
			continue
		}
		sort.Strings(applied)
		suggested = append(suggested, applied...)
		confidence[ex.name] = map[string]interface{}{
			"confidence":   out.Confidence,
			"source_field": out.SourceField,
			"fields":       applied,
		}
	}

	if len(confidence) > 0 {
		res.WithMetadata(MetaExtractionConfidence, confidence)
	}
	sort.Strings(suggested)
	res.Message = fmt.Sprintf("Extracted %d attribute(s)", len(suggested))
	res.WithData("extracted_fields", suggested)
	if len(failed) > 0 {
		res.WithData("failed_extractors", failed)
	}
	return res, nil
}

func (a *ExtractAttributesAction) run(ex namedExtractor, actx *pipeline.ActionContext) (out *extraction.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("extractor %s panicked: %v", ex.name, r)
		}
	}()
	return ex.run(actx.Snapshot()), nil
}
