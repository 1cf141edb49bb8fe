package conflicts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

var variantMergeFields = []string{
	repository.ColumnQuantity,
	repository.ColumnWeight,
	repository.ColumnDimensions,
	repository.ColumnWidth,
	repository.ColumnDrop,
	repository.ColumnIsMadeToMeasure,
}

// VariantConstraintResolver handles a (product, color, size) collision
type VariantConstraintResolver struct {
	store repository.ImportStore
}

func NewVariantConstraintResolver(store repository.ImportStore) *VariantConstraintResolver {
	return &VariantConstraintResolver{store: store}
}

func (r *VariantConstraintResolver) CanResolve(c *Conflict) bool {
	return c.Kind == KindVariantConstraint
}

func (r *VariantConstraintResolver) Resolve(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (*ConflictResolution, error) {
	productID, err := uuid.Parse(actx.GetString("product_id"))
	if err != nil {
		return nil, fmt.Errorf("row has no resolved product: %w", err)
	}
	color := actx.GetString("color")
	size := actx.GetString("size")

	existing, err := r.store.FindVariantByAttributes(ctx, actx.TenantID, productID, color, size)
	if errors.Is(err, repository.ErrNotFound) {
		return Retry("retry_write", fmt.Sprintf("no variant with color %q and size %q any more", color, size), nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup variant by attributes: %w", err)
	}
	existingID := existing.ID.String()

	strategy := actx.Options.ConflictResolution.VariantConstraint.Strategy
	if strategy == models.VariantStrategyModifyAttributes {
		return r.modifyAttributes(ctx, actx, productID, color, size)
	}
	if actx.Options.ImportMode == models.ImportModeCreateOnly || strategy == models.VariantStrategySkip {
		return Skip("skip_row", fmt.Sprintf("variant with color %q and size %q already exists", color, size)).
			WithMetadata("existing_variant_id", existingID), nil
	}
	return Update("merge_existing_variant", fmt.Sprintf("merging into existing variant %s", existing.SKU),
		map[string]interface{}{
			KeyTargetVariantID: existingID,
			KeyUpdateFields:    append([]string(nil), variantMergeFields...),
		}).
		WithMetadata("existing_variant_id", existingID), nil
}

// modifyAttributes suffixes size (or color when size is empty) until the tuple is free
func (r *VariantConstraintResolver) modifyAttributes(ctx context.Context, actx *pipeline.ActionContext, productID uuid.UUID, color, size string) (*ConflictResolution, error) {
	field, base := "size", size
	if size == "" {
		field, base = "color", color
	}
	for i := 2; i <= MaxGeneratedSuffix; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		c, s := color, candidate
		if field == "color" {
			c, s = candidate, size
		}
		_, err := r.store.FindVariantByAttributes(ctx, actx.TenantID, productID, c, s)
		if errors.Is(err, repository.ErrNotFound) {
			return Modify("modify_attributes", fmt.Sprintf("%s %q already used, using %q", field, base, candidate),
				map[string]interface{}{field: candidate}).
				WithMetadata("original_"+field, base), nil
		}
		if err != nil {
			return nil, fmt.Errorf("check variant attributes: %w", err)
		}
	}
	return Reject("modify_attributes", fmt.Sprintf("no free %s suffix for %q", field, base)), nil
}
