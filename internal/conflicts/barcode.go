package conflicts

import (
	"context"
	"errors"
	"fmt"

	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

// DuplicateBarcodeResolver handles a barcode already assigned to another variant
type DuplicateBarcodeResolver struct {
	store repository.ImportStore
}

func NewDuplicateBarcodeResolver(store repository.ImportStore) *DuplicateBarcodeResolver {
	return &DuplicateBarcodeResolver{store: store}
}

func (r *DuplicateBarcodeResolver) CanResolve(c *Conflict) bool {
	return c.Kind == KindDuplicateBarcode
}

func (r *DuplicateBarcodeResolver) Resolve(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (*ConflictResolution, error) {
	barcode := actx.GetString("barcode")
	if barcode == "" {
		barcode = c.Value
	}
	if barcode == "" {
		return nil, errors.New("conflicting barcode is unknown")
	}

	owner, err := r.store.FindBarcode(ctx, actx.TenantID, barcode)
	if errors.Is(err, repository.ErrNotFound) {
		return Retry("retry_write", fmt.Sprintf("barcode %s is no longer assigned", barcode), nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup barcode: %w", err)
	}
	ownerID := owner.VariantID.String()

	opts := actx.Options.ConflictResolution.DuplicateBarcode
	switch opts.Strategy {
	case models.BarcodeStrategySkipRow:
		return Skip("skip_row", fmt.Sprintf("barcode %s is already assigned to variant %s", barcode, ownerID)).
			WithMetadata("existing_variant_id", ownerID), nil

	case models.BarcodeStrategyRemoveBarcode:
		return Modify("remove_barcode", fmt.Sprintf("barcode %s is already assigned, importing without it", barcode),
			map[string]interface{}{"barcode": nil}).
			WithMetadata("removed_barcode", barcode).
			WithMetadata("existing_variant_id", ownerID), nil

	case models.BarcodeStrategyAcceptExisting:
		return Retry("accept_existing", fmt.Sprintf("barcode %s stays with variant %s", barcode, ownerID),
			map[string]interface{}{KeySkipBarcode: true}).
			WithMetadata("existing_variant_id", ownerID), nil

	case models.BarcodeStrategyReassignBarcode:
		if !opts.AllowReassignment {
			return Reject("reassign_barcode", fmt.Sprintf("barcode %s belongs to variant %s and reassignment is not allowed", barcode, ownerID)).
				WithMetadata("existing_variant_id", ownerID), nil
		}
		return Retry("reassign_barcode", fmt.Sprintf("moving barcode %s from variant %s", barcode, ownerID),
			map[string]interface{}{KeyReassignBarcodeFrom: ownerID}).
			WithMetadata("donor_variant_id", ownerID).
			WithMetadata("audited", true), nil
	}
	return nil, fmt.Errorf("unknown barcode strategy %q", opts.Strategy)
}
