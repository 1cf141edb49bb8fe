package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"products-import-service/internal/models"
)

const (
	MaxConcurrency     = 16
	MaxConflictRetries = 10
)

// requestOptions layers the request on top of the service defaults: first a
// JSON "options" form field, then the individual form fields.
func requestOptions(c *gin.Context, defaults models.ImportOptions) (models.ImportOptions, error) {
	opts := defaults.Clone()

	if raw := c.PostForm("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return opts, fmt.Errorf("options is not valid JSON: %w", err)
		}
	}

	if v, ok := c.GetPostForm("importMode"); ok && v != "" {
		mode := models.ImportMode(v)
		if !mode.Valid() {
			return opts, fmt.Errorf("importMode must be one of create_only, update_existing, create_or_update")
		}
		opts.ImportMode = mode
	}
	if v, ok := c.GetPostForm("barcodeStrategy"); ok && v != "" {
		opts.ConflictResolution.DuplicateBarcode.Strategy = models.BarcodeStrategy(v)
	}
	if v, ok := c.GetPostForm("variantStrategy"); ok && v != "" {
		opts.ConflictResolution.VariantConstraint.Strategy = models.VariantStrategy(v)
	}
	if v, ok := c.GetPostForm("currency"); ok && v != "" {
		opts.Currency = v
	}

	bools := map[string]*bool{
		"haltOnUnresolvable":       &opts.HaltOnUnresolvableConflicts,
		"generateUniqueSku":        &opts.ConflictResolution.DuplicateSKU.GenerateUniqueSKU,
		"allowBarcodeReassignment": &opts.ConflictResolution.DuplicateBarcode.AllowReassignment,
		"useSkuGrouping":           &opts.UseSKUGrouping,
		"extractMtm":               &opts.ExtractMTM,
		"extractDimensions":        &opts.ExtractDimensions,
		"validateRows":             &opts.ValidateRows,
		"validateOnly":             &opts.ValidateOnly,
	}
	for field, target := range bools {
		v, ok := c.GetPostForm(field)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("%s must be true or false", field)
		}
		*target = parsed
	}

	ints := map[string]*int{
		"maxRetries":  &opts.MaxRetries,
		"concurrency": &opts.Concurrency,
		"batchSize":   &opts.BatchSize,
	}
	for field, target := range ints {
		v, ok := c.GetPostForm(field)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return opts, fmt.Errorf("%s must be a non-negative whole number", field)
		}
		*target = parsed
	}

	if v, ok := c.GetPostForm("timeoutSeconds"); ok && v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			return opts, fmt.Errorf("timeoutSeconds must be a non-negative number")
		}
		opts.TimeoutSeconds = parsed
	}

	opts.Normalize()
	clampOptions(&opts)
	return opts, nil
}

func clampOptions(opts *models.ImportOptions) {
	if opts.Concurrency > MaxConcurrency {
		opts.Concurrency = MaxConcurrency
	}
	if opts.MaxRetries > MaxConflictRetries {
		opts.MaxRetries = MaxConflictRetries
	}
}
