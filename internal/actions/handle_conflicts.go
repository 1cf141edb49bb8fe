package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"products-import-service/internal/conflicts"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

// Variant columns written when a row updates an existing variant without a
// resolver naming the fields
var defaultUpdateFields = []string{
	repository.ColumnName,
	repository.ColumnQuantity,
	repository.ColumnWeight,
	repository.ColumnDimensions,
	repository.ColumnWidth,
	repository.ColumnDrop,
	repository.ColumnIsMadeToMeasure,
}

// errTargetGone means the variant a resolution pointed at was deleted
var errTargetGone = errors.New("target variant no longer exists")

// HandleConflictsAction performs the conflict-prone writes of a row (variant,
// barcode, pricing) as one transaction and drives the conflict resolver when
// the store rejects them. Each loop iteration is one write attempt.
type HandleConflictsAction struct {
	store    repository.ImportStore
	resolver *conflicts.ConflictResolver
	events   EventSink
	logger   *logrus.Entry
}

func NewHandleConflictsAction(store repository.ImportStore, resolver *conflicts.ConflictResolver, events EventSink, logger *logrus.Entry) *HandleConflictsAction {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if events == nil {
		events = noopSink{}
	}
	if resolver == nil {
		resolver = conflicts.NewDefaultConflictResolver(store, conflicts.WithLogger(logger))
	}
	return &HandleConflictsAction{
		store:    store,
		resolver: resolver,
		events:   events,
		logger:   logger.WithField("component", "handle_conflicts"),
	}
}

func (a *HandleConflictsAction) Name() string {
	return "handle_conflicts"
}

func (a *HandleConflictsAction) IsOptional() bool {
	return false
}

// writeOutcome is what one successful write unit did
type writeOutcome struct {
	variant    *models.ProductVariant
	created    bool
	reassigned *models.ConflictAuditLog
}

func (a *HandleConflictsAction) Execute(ctx context.Context, actx *pipeline.ActionContext) (*pipeline.ActionResult, error) {
	if actx.GetBool(KeySkipRow) {
		return pipeline.Success("Row skipped").WithData(KeyAction, models.RowActionSkipped), nil
	}
	productID, err := uuid.Parse(actx.GetString(KeyProductID))
	if err != nil {
		return pipeline.Failure(pipeline.KindActionFailed, "Row has no resolved product"), nil
	}
	if actx.GetString("sku") == "" {
		return pipeline.Failure(pipeline.KindValidation, "sku is required"), nil
	}

	maxAttempts := actx.Options.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	entry := a.logger.WithFields(logrus.Fields{"row": actx.RowNumber, "sku": actx.GetString("sku")})

	var history []map[string]interface{}
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, err := a.write(ctx, actx, productID)
		if err == nil {
			return a.success(ctx, actx, outcome, attempt, history), nil
		}
		lastErr = err

		if errors.Is(err, errTargetGone) {
			entry.WithField("attempt", attempt).Debug("Resolved target variant vanished, retrying as create")
			actx.Delete(conflicts.KeyTargetVariantID)
			actx.Delete(conflicts.KeyUpdateFields)
			continue
		}
		if errors.Is(err, ErrVariantNotFound) {
			return a.finish(pipeline.Failure(pipeline.KindActionFailed,
				fmt.Sprintf("Variant with SKU %s does not exist and import mode is %s", actx.GetString("sku"), actx.Options.ImportMode),
				err.Error()), attempt, history), nil
		}
		if !isConstraintError(err) {
			return nil, err
		}

		conflict, res := a.resolver.Resolve(ctx, err, actx)
		step := res.ToMap()
		step["attempt"] = attempt
		step["conflict_type"] = conflict.Kind.String()
		step["constraint"] = conflict.Constraint
		history = append(history, step)

		if !res.Resolved {
			if actx.Options.HaltOnUnresolvableConflicts {
				return a.finish(pipeline.Failure(pipeline.KindConflictUnresolved,
					fmt.Sprintf("Unresolvable %s conflict: %s", conflict.Kind, res.Reason),
					res.Reason), attempt, history).
					WithData(KeyLastError, err.Error()), nil
			}
			entry.WithFields(logrus.Fields{"attempt": attempt, "conflict_type": conflict.Kind.String()}).
				Warn("Unresolved conflict, retrying write unchanged")
			continue
		}

		actx.MergeData(res.ModifiedData)
		switch res.Action {
		case conflicts.ActionSkip:
			out := pipeline.Success(fmt.Sprintf("Row skipped: %s", res.Reason)).
				WithData(KeyAction, models.RowActionSkipped)
			if id, ok := res.Metadata["existing_variant_id"]; ok {
				out.WithData(KeyVariantID, id)
			}
			return a.finish(out, attempt, history), nil
		case conflicts.ActionFail:
			return a.finish(pipeline.Failure(pipeline.KindConflictRejected,
				fmt.Sprintf("Conflict rejected by %s: %s", res.Strategy, res.Reason),
				res.Reason), attempt, history), nil
		}
	}

	msg := fmt.Sprintf("Conflict resolution gave up after %d attempts", attempt)
	errs := []string{msg}
	if lastErr != nil {
		errs = append(errs, lastErr.Error())
	}
	failure := pipeline.Failure(pipeline.KindRetryExhausted, msg, errs...)
	if lastErr != nil {
		failure.WithData(KeyLastError, lastErr.Error())
	}
	return a.finish(failure, attempt, history), nil
}

func (a *HandleConflictsAction) finish(res *pipeline.ActionResult, attempts int, history []map[string]interface{}) *pipeline.ActionResult {
	if history == nil {
		history = []map[string]interface{}{}
	}
	return res.
		WithData(KeyAttempts, attempts).
		WithData(KeyResolutionsApplied, history).
		WithData(KeyStatistics, a.resolver.Statistics().ToMap())
}

func (a *HandleConflictsAction) success(ctx context.Context, actx *pipeline.ActionContext, outcome *writeOutcome, attempts int, history []map[string]interface{}) *pipeline.ActionResult {
	action := models.RowActionUpdated
	if outcome.created {
		action = models.RowActionCreated
	}
	if outcome.reassigned != nil {
		log := outcome.reassigned
		a.logger.WithFields(logrus.Fields{
			"row":                 actx.RowNumber,
			"barcode":             log.Value,
			"donor_variant_id":    log.DonorVariantID,
			"acceptor_variant_id": log.AcceptorVariantID,
		}).Warn("Barcode reassigned between variants")
		if log.DonorVariantID != nil && log.AcceptorVariantID != nil {
			a.events.BarcodeReassigned(ctx, actx.TenantID, log.Value, *log.DonorVariantID, *log.AcceptorVariantID)
		}
	}

	id := outcome.variant.ID.String()
	return a.finish(pipeline.Success(fmt.Sprintf("Variant %s %s", outcome.variant.SKU, action)).
		WithContextUpdate(KeyVariantID, id).
		WithData(KeyVariantID, id).
		WithData(KeyAction, action), attempts, history)
}

// write runs the variant, barcode and pricing writes of one attempt in a single
// transaction. Any failure rolls back every write of the attempt, including a
// barcode detached from a donor variant.
func (a *HandleConflictsAction) write(ctx context.Context, actx *pipeline.ActionContext, productID uuid.UUID) (*writeOutcome, error) {
	var outcome *writeOutcome
	err := a.store.WithTransaction(ctx, func(tx repository.ImportStore) error {
		variant, created, err := a.writeVariant(ctx, tx, actx, productID)
		if err != nil {
			return err
		}
		reassigned, err := a.writeBarcode(ctx, tx, actx, variant)
		if err != nil {
			return err
		}
		if err := a.writePricing(ctx, tx, actx, variant); err != nil {
			return err
		}
		outcome = &writeOutcome{variant: variant, created: created, reassigned: reassigned}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (a *HandleConflictsAction) writeVariant(ctx context.Context, tx repository.ImportStore, actx *pipeline.ActionContext, productID uuid.UUID) (*models.ProductVariant, bool, error) {
	variant := buildVariant(actx, productID)

	if target := actx.GetString(conflicts.KeyTargetVariantID); target != "" {
		id, err := uuid.Parse(target)
		if err != nil {
			return nil, false, fmt.Errorf("invalid target variant id %q: %w", target, err)
		}
		return a.updateVariant(ctx, tx, actx, variant, id, updateFields(actx))
	}

	if actx.Options.ImportMode == models.ImportModeUpdateExisting {
		existing, err := tx.FindVariantBySKU(ctx, actx.TenantID, variant.SKU)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, ErrVariantNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("find variant by SKU: %w", err)
		}
		return a.updateVariant(ctx, tx, actx, variant, existing.ID, defaultUpdateFields)
	}

	if err := tx.CreateVariant(ctx, variant); err != nil {
		return nil, false, err
	}
	return variant, true, nil
}

// updateVariant writes the columns in fields that the row actually carries
// onto variant id. Columns the row leaves blank keep their stored values.
func (a *HandleConflictsAction) updateVariant(ctx context.Context, tx repository.ImportStore, actx *pipeline.ActionContext, variant *models.ProductVariant, id uuid.UUID, fields []string) (*models.ProductVariant, bool, error) {
	existing, err := tx.FindVariantByID(ctx, variant.TenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, errTargetGone
	}
	if err != nil {
		return nil, false, fmt.Errorf("load variant %s: %w", id, err)
	}

	columns := suppliedColumns(actx, fields)
	if len(columns) == 0 {
		return existing, false, nil
	}
	for _, col := range columns {
		if col == repository.ColumnDimensions {
			variant.Dimensions = mergeDimensions(existing.Dimensions, actx)
		}
	}

	variant.ID = id
	if err := tx.UpdateVariant(ctx, variant, columns); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, errTargetGone
		}
		return nil, false, err
	}
	stored, err := tx.FindVariantByID(ctx, variant.TenantID, id)
	if err != nil {
		return nil, false, fmt.Errorf("reload variant %s: %w", id, err)
	}
	return stored, false, nil
}

// Row keys feeding each updatable variant column
var columnSources = map[string][]string{
	repository.ColumnName:            {"variant_name", KeyEnhancedName, "name"},
	repository.ColumnSKU:             {"sku"},
	repository.ColumnColor:           {"color"},
	repository.ColumnSize:            {"size"},
	repository.ColumnQuantity:        {"quantity"},
	repository.ColumnWeight:          {"weight"},
	repository.ColumnDimensions:      {"package_length", "package_width", "package_height", "dimension_unit"},
	repository.ColumnWidth:           {"width"},
	repository.ColumnDrop:            {"drop"},
	repository.ColumnIsMadeToMeasure: {"made_to_measure"},
}

// suppliedColumns keeps the columns of fields backed by a non-empty row value
func suppliedColumns(actx *pipeline.ActionContext, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, col := range fields {
		for _, key := range columnSources[col] {
			if actx.Has(key) {
				out = append(out, col)
				break
			}
		}
	}
	return out
}

// mergeDimensions overlays the row's package dimensions on the stored ones
func mergeDimensions(stored *models.JSON, actx *pipeline.ActionContext) *models.JSON {
	merged := models.JSON{}
	if stored != nil {
		for k, v := range *stored {
			merged[k] = v
		}
	}
	for key, field := range map[string]string{
		"package_length": "length",
		"package_width":  "width",
		"package_height": "height",
		"dimension_unit": "unit",
	} {
		if v := actx.GetString(key); v != "" {
			merged[field] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return &merged
}

func (a *HandleConflictsAction) writeBarcode(ctx context.Context, tx repository.ImportStore, actx *pipeline.ActionContext, variant *models.ProductVariant) (*models.ConflictAuditLog, error) {
	code := actx.GetString("barcode")
	if code == "" || actx.GetBool(conflicts.KeySkipBarcode) {
		return nil, nil
	}

	current, err := tx.FindBarcode(ctx, actx.TenantID, code)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		current = nil
	case err != nil:
		return nil, fmt.Errorf("find barcode: %w", err)
	case current.VariantID == variant.ID:
		return nil, nil
	}

	var audit *models.ConflictAuditLog
	if donor := actx.GetString(conflicts.KeyReassignBarcodeFrom); donor != "" && current != nil && current.VariantID.String() == donor {
		if err := tx.DetachBarcode(ctx, actx.TenantID, code); err != nil {
			return nil, fmt.Errorf("detach barcode from donor: %w", err)
		}
		donorID, acceptorID := current.VariantID, variant.ID
		audit = &models.ConflictAuditLog{
			TenantID:          actx.TenantID,
			RowNumber:         actx.RowNumber,
			ConflictKind:      conflicts.KindDuplicateBarcode.String(),
			Strategy:          string(models.BarcodeStrategyReassignBarcode),
			Action:            "reassign",
			Value:             code,
			DonorVariantID:    &donorID,
			AcceptorVariantID: &acceptorID,
			Details: &models.JSON{
				"message": fmt.Sprintf("barcode %s moved from variant %s to %s", code, donorID, acceptorID),
				"sku":     variant.SKU,
			},
		}
		if actx.Session != nil {
			sessionID := actx.Session.ID
			audit.SessionID = &sessionID
		}
		if err := tx.CreateConflictAuditLog(ctx, audit); err != nil {
			return nil, fmt.Errorf("record barcode reassignment: %w", err)
		}
	}

	if err := tx.AttachBarcode(ctx, &models.VariantBarcode{
		TenantID:  actx.TenantID,
		VariantID: variant.ID,
		Barcode:   code,
	}); err != nil {
		return nil, err
	}
	return audit, nil
}

func (a *HandleConflictsAction) writePricing(ctx context.Context, tx repository.ImportStore, actx *pipeline.ActionContext, variant *models.ProductVariant) error {
	price := actx.GetString("price")
	if price == "" {
		return nil
	}
	currency := strings.ToUpper(actx.GetString("currency"))
	if currency == "" {
		currency = actx.Options.Currency
	}
	return tx.UpsertPricing(ctx, &models.VariantPricing{
		TenantID:     actx.TenantID,
		VariantID:    variant.ID,
		Currency:     currency,
		Price:        price,
		ComparePrice: optionalString(actx, "compare_price"),
		CostPrice:    optionalString(actx, "cost_price"),
	})
}

func buildVariant(actx *pipeline.ActionContext, productID uuid.UUID) *models.ProductVariant {
	name := actx.GetString("variant_name")
	if name == "" {
		name = actx.GetString(KeyEnhancedName)
	}
	if name == "" {
		name = actx.GetString("name")
	}
	dims := models.Dimensions{
		Length: actx.GetString("package_length"),
		Width:  actx.GetString("package_width"),
		Height: actx.GetString("package_height"),
		Unit:   actx.GetString("dimension_unit"),
	}
	return &models.ProductVariant{
		TenantID:        actx.TenantID,
		ProductID:       productID,
		SKU:             actx.GetString("sku"),
		Name:            name,
		Color:           actx.GetString("color"),
		Size:            actx.GetString("size"),
		Quantity:        actx.GetInt("quantity", 0),
		Weight:          optionalString(actx, "weight"),
		Dimensions:      dims.ToJSON(),
		Width:           optionalString(actx, "width"),
		Drop:            optionalString(actx, "drop"),
		IsMadeToMeasure: actx.GetBool("made_to_measure"),
	}
}

func updateFields(actx *pipeline.ActionContext) []string {
	v, ok := actx.Get(conflicts.KeyUpdateFields)
	if !ok {
		return defaultUpdateFields
	}
	switch fields := v.(type) {
	case []string:
		if len(fields) > 0 {
			return fields
		}
	case []interface{}:
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			out = append(out, pipeline.AsString(f))
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultUpdateFields
}

func optionalString(actx *pipeline.ActionContext, key string) *string {
	v := actx.GetString(key)
	if v == "" {
		return nil
	}
	return &v
}

// isConstraintError reports whether err is an integrity violation the resolver should see
func isConstraintError(err error) bool {
	if _, ok := repository.AsConstraintViolation(err); ok {
		return true
	}
	return conflicts.Classify(err).Kind != conflicts.KindUnknown
}
