// Package actions holds the per-row steps of a product import and the
// factory that assembles them into a pipeline.
package actions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"products-import-service/internal/conflicts"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrVariantNotFound = errors.New("variant not found")
)

// Row keys published by the actions for the ones that follow
const (
	KeyProductID      = "product_id"
	KeyProductCreated = "product_created"
	KeyVariantID      = "variant_id"
	KeyEnhancedName   = "enhanced_name"
	KeySkipRow        = "_skip_row"
)

// MetaExtractionConfidence is the context metadata key holding, per
// extractor, the confidence and source field of the suggested attributes
const MetaExtractionConfidence = "extraction_confidence"

// Result data keys of HandleConflictsAction
const (
	KeyAction             = "action"
	KeyAttempts           = "conflict_resolution_attempts"
	KeyResolutionsApplied = "resolutions_applied"
	KeyStatistics         = "statistics"
	KeyLastError          = "last_error"
)

// EventSink is notified about records an import wrote
type EventSink interface {
	ProductImported(ctx context.Context, tenantID string, product *models.Product, created bool)
	BarcodeReassigned(ctx context.Context, tenantID, barcode string, donorID, acceptorID uuid.UUID)
}

type noopSink struct{}

func (noopSink) ProductImported(context.Context, string, *models.Product, bool) {}

func (noopSink) BarcodeReassigned(context.Context, string, string, uuid.UUID, uuid.UUID) {}

// CategoryLookup maps a category name from a row onto a category id,
// creating the category when the tenant has none by that name
type CategoryLookup interface {
	EnsureCategory(ctx context.Context, tenantID, name string) (string, error)
}

// Dependencies are the collaborators shared by every row of an import run.
// Categories is optional; without it a "category" column is ignored.
type Dependencies struct {
	Store      repository.ImportStore
	Resolver   *conflicts.ConflictResolver
	Events     EventSink
	Categories CategoryLookup
	Logger     *logrus.Entry
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if d.Events == nil {
		d.Events = noopSink{}
	}
	if d.Resolver == nil && d.Store != nil {
		d.Resolver = conflicts.NewDefaultConflictResolver(d.Store, conflicts.WithLogger(d.Logger))
	}
	return d
}

// NewImportPipeline builds the row pipeline for one import run.
// Middleware order is timing, logging, error handling; the timing layer
// therefore bounds retries made by the error handler.
func NewImportPipeline(deps Dependencies, opts models.ImportOptions) *pipeline.ActionPipeline {
	deps = deps.withDefaults()
	p := newPipeline(deps, opts)
	if opts.ValidateRows {
		p.Add(NewValidateRowAction())
	}
	if opts.ExtractMTM || opts.ExtractDimensions {
		p.Add(NewExtractAttributesAction(deps.Logger))
	}
	p.Add(NewResolveProductAction(deps.Store, deps.Resolver, deps.Events, deps.Logger).WithCategories(deps.Categories))
	p.Add(NewHandleConflictsAction(deps.Store, deps.Resolver, deps.Events, deps.Logger))
	return p
}

// NewValidationPipeline builds a pipeline that only validates and extracts, for dry runs
func NewValidationPipeline(deps Dependencies, opts models.ImportOptions) *pipeline.ActionPipeline {
	deps = deps.withDefaults()
	p := newPipeline(deps, opts)
	p.Add(NewValidateRowAction())
	if opts.ExtractMTM || opts.ExtractDimensions {
		p.Add(NewExtractAttributesAction(deps.Logger))
	}
	return p
}

func newPipeline(deps Dependencies, opts models.ImportOptions) *pipeline.ActionPipeline {
	timeout := time.Duration(opts.TimeoutSeconds * float64(time.Second))
	return pipeline.NewActionPipeline(deps.Logger).Through(
		pipeline.NewTimingMiddleware(timeout),
		pipeline.NewLoggingMiddleware(deps.Logger, opts.LogSuccesses, opts.LogFailures, opts.LogContext),
		pipeline.NewErrorHandlingMiddleware(deps.Logger, opts.MiddlewareRetries),
	)
}
