package repository

import (
	"context"

	"github.com/google/uuid"
	"products-import-service/internal/models"
)

// Variant columns that may be passed to UpdateVariant
const (
	ColumnName            = "name"
	ColumnSKU             = "sku"
	ColumnColor           = "color"
	ColumnSize            = "size"
	ColumnQuantity        = "quantity"
	ColumnWeight          = "weight"
	ColumnDimensions      = "dimensions"
	ColumnWidth           = "width"
	ColumnDrop            = "drop_length"
	ColumnIsMadeToMeasure = "is_made_to_measure"
	ColumnAttributes      = "attributes"
)

// ImportStore is the persistence contract the row pipeline depends on.
// Writes that hit an integrity constraint return a *ConstraintViolation;
// lookups that find nothing return ErrNotFound.
type ImportStore interface {
	FindProductByName(ctx context.Context, tenantID, name string) (*models.Product, error)
	FindProductByParentSKU(ctx context.Context, tenantID, parentSKU string) (*models.Product, error)
	CreateProduct(ctx context.Context, product *models.Product) error
	UpdateProduct(ctx context.Context, product *models.Product) error

	FindVariantByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ProductVariant, error)
	FindVariantBySKU(ctx context.Context, tenantID, sku string) (*models.ProductVariant, error)
	FindVariantByAttributes(ctx context.Context, tenantID string, productID uuid.UUID, color, size string) (*models.ProductVariant, error)
	CreateVariant(ctx context.Context, variant *models.ProductVariant) error
	UpdateVariant(ctx context.Context, variant *models.ProductVariant, columns []string) error

	FindBarcode(ctx context.Context, tenantID, barcode string) (*models.VariantBarcode, error)
	AttachBarcode(ctx context.Context, barcode *models.VariantBarcode) error
	DetachBarcode(ctx context.Context, tenantID, barcode string) error

	UpsertPricing(ctx context.Context, pricing *models.VariantPricing) error

	CreateConflictAuditLog(ctx context.Context, log *models.ConflictAuditLog) error

	// WithTransaction runs fn against a store bound to one transaction.
	// Any error returned by fn rolls the whole unit back.
	WithTransaction(ctx context.Context, fn func(tx ImportStore) error) error
}

// SessionStore persists import sessions
type SessionStore interface {
	CreateImportSession(ctx context.Context, session *models.ImportSession) error
	UpdateImportSession(ctx context.Context, session *models.ImportSession) error
	GetImportSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.ImportSession, error)
}
