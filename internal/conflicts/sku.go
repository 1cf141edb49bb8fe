package conflicts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

// Row keys the resolvers write for the write loop to act on
const (
	KeyTargetVariantID     = "_target_variant_id"
	KeyUpdateFields        = "_update_fields"
	KeySkipBarcode         = "_skip_barcode"
	KeyReassignBarcodeFrom = "_reassign_barcode_from"
)

// MaxGeneratedSuffix caps numeric suffix generation before falling back to a random token
const MaxGeneratedSuffix = 999

// Identity fields are never written through a conflict update
var skuSafeFields = []string{
	repository.ColumnQuantity,
	repository.ColumnWeight,
	repository.ColumnDimensions,
}

// DuplicateSkuResolver handles tenant SKU uniqueness violations
type DuplicateSkuResolver struct {
	store repository.ImportStore
}

func NewDuplicateSkuResolver(store repository.ImportStore) *DuplicateSkuResolver {
	return &DuplicateSkuResolver{store: store}
}

func (r *DuplicateSkuResolver) CanResolve(c *Conflict) bool {
	return c.Kind == KindDuplicateSku
}

func (r *DuplicateSkuResolver) Resolve(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (*ConflictResolution, error) {
	sku := actx.GetString("sku")
	if sku == "" {
		sku = c.Value
	}
	if sku == "" {
		return nil, errors.New("conflicting SKU is unknown")
	}

	existing, err := r.store.FindVariantBySKU(ctx, actx.TenantID, sku)
	if errors.Is(err, repository.ErrNotFound) {
		return Retry("retry_write", fmt.Sprintf("SKU %s is no longer taken", sku), nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup variant by SKU: %w", err)
	}
	existingID := existing.ID.String()

	if actx.Options.ImportMode == models.ImportModeCreateOnly {
		if !actx.Options.ConflictResolution.DuplicateSKU.GenerateUniqueSKU {
			return Skip("skip_row", fmt.Sprintf("SKU %s already exists", sku)).
				WithMetadata("existing_variant_id", existingID), nil
		}
		generated, err := r.GenerateUniqueSKU(ctx, actx.TenantID, sku)
		if err != nil {
			return nil, err
		}
		return Modify("generate_unique_sku", fmt.Sprintf("SKU %s already exists, using %s", sku, generated),
			map[string]interface{}{"sku": generated}).
			WithMetadata("original_sku", sku).
			WithMetadata("existing_variant_id", existingID), nil
	}

	return Update("update_existing_variant", fmt.Sprintf("SKU %s already exists, updating stock and package data", sku),
		map[string]interface{}{
			KeyTargetVariantID: existingID,
			KeyUpdateFields:    append([]string(nil), skuSafeFields...),
		}).
		WithMetadata("existing_variant_id", existingID), nil
}

// GenerateUniqueSKU returns the first free "<sku>-NNN", re-checking the store
// for every candidate, and a random token suffix once the numeric range is used up.
func (r *DuplicateSkuResolver) GenerateUniqueSKU(ctx context.Context, tenantID, sku string) (string, error) {
	for i := 1; i <= MaxGeneratedSuffix; i++ {
		candidate := fmt.Sprintf("%s-%03d", sku, i)
		_, err := r.store.FindVariantBySKU(ctx, tenantID, candidate)
		if errors.Is(err, repository.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check generated SKU %s: %w", candidate, err)
		}
	}
	return fmt.Sprintf("%s-%s", sku, strings.ToUpper(uuid.New().String()[:8])), nil
}
