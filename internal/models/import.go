package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImportFormat represents the file format for import
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportStatus represents the status of an import session
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "PENDING"
	ImportStatusProcessing ImportStatus = "PROCESSING"
	ImportStatusCompleted  ImportStatus = "COMPLETED"
	ImportStatusFailed     ImportStatus = "FAILED"
)

// Row outcome actions reported per imported row
const (
	RowActionCreated   = "created"
	RowActionUpdated   = "updated"
	RowActionSkipped   = "skipped"
	RowActionFailed    = "failed"
	RowActionValidated = "validated"
)

// ImportSession tracks one uploaded file from start to finish
type ImportSession struct {
	ID            uuid.UUID    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID      string       `json:"tenantId" gorm:"not null;index"`
	FileName      string       `json:"fileName"`
	Format        ImportFormat `json:"format" gorm:"not null"`
	Status        ImportStatus `json:"status" gorm:"not null;default:'PENDING'"`
	ImportMode    ImportMode   `json:"importMode" gorm:"not null"`
	TotalRows     int          `json:"totalRows"`
	ProcessedRows int          `json:"processedRows"`
	CreatedCount  int          `json:"createdCount"`
	UpdatedCount  int          `json:"updatedCount"`
	SkippedCount  int          `json:"skippedCount"`
	FailedCount   int          `json:"failedCount"`
	Options       *JSON        `json:"options,omitempty" gorm:"type:jsonb"`
	Statistics    *JSON        `json:"statistics,omitempty" gorm:"type:jsonb"`
	ErrorMessage  *string      `json:"errorMessage,omitempty"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	CreatedBy     *string      `json:"createdBy,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ConflictAuditLog records resolutions that touched a record outside the row being imported
type ConflictAuditLog struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID          string     `json:"tenantId" gorm:"not null;index"`
	SessionID         *uuid.UUID `json:"sessionId,omitempty" gorm:"type:uuid;index"`
	RowNumber         int        `json:"rowNumber"`
	ConflictKind      string     `json:"conflictKind" gorm:"not null"`
	Strategy          string     `json:"strategy" gorm:"not null"`
	Action            string     `json:"action" gorm:"not null"`
	Value             string     `json:"value"`
	DonorVariantID    *uuid.UUID `json:"donorVariantId,omitempty" gorm:"type:uuid"`
	AcceptorVariantID *uuid.UUID `json:"acceptorVariantId,omitempty" gorm:"type:uuid"`
	Details           *JSON      `json:"details,omitempty" gorm:"type:jsonb"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // string, number, integer, boolean, barcode
	Example     string `json:"example"`
}

// ImportTemplate defines the structure of an import template
type ImportTemplate struct {
	Entity     string                 `json:"entity"`
	Version    string                 `json:"version"`
	Columns    []ImportTemplateColumn `json:"columns"`
	SampleData []map[string]string    `json:"sampleData,omitempty"`
}

// ImportRowError represents an error for a specific row
type ImportRowError struct {
	Row     int    `json:"row"`
	Column  string `json:"column,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RowOutcome is the per-row report entry derived from the pipeline result
type RowOutcome struct {
	Row         int                      `json:"row"`
	Success     bool                     `json:"success"`
	Action      string                   `json:"action"`
	Message     string                   `json:"message,omitempty"`
	Kind        string                   `json:"kind,omitempty"`
	Errors      []string                 `json:"errors,omitempty"`
	ProductID   string                   `json:"productId,omitempty"`
	VariantID   string                   `json:"variantId,omitempty"`
	Attempts    int                      `json:"attempts,omitempty"`
	Resolutions []map[string]interface{} `json:"resolutions,omitempty"`
	DurationMs  int64                    `json:"durationMs,omitempty"`
}

// BatchResult represents the result of processing a single batch
type BatchResult struct {
	BatchNumber  int   `json:"batchNumber"`
	StartRow     int   `json:"startRow"`
	EndRow       int   `json:"endRow"`
	Success      bool  `json:"success"`
	CreatedCount int   `json:"createdCount"`
	UpdatedCount int   `json:"updatedCount"`
	FailedCount  int   `json:"failedCount"`
	SkippedCount int   `json:"skippedCount"`
	DurationMs   int64 `json:"durationMs"`
}

// ImportResult represents the result of an import operation
type ImportResult struct {
	Success            bool                   `json:"success"`
	SessionID          string                 `json:"sessionId,omitempty"`
	ValidateOnly       bool                   `json:"validateOnly,omitempty"`
	TotalRows          int                    `json:"totalRows"`
	TotalBatches       int                    `json:"totalBatches"`
	SuccessCount       int                    `json:"successCount"`
	CreatedCount       int                    `json:"createdCount"`
	UpdatedCount       int                    `json:"updatedCount"`
	SkippedCount       int                    `json:"skippedCount"`
	FailedCount        int                    `json:"failedCount"`
	Rows               []RowOutcome           `json:"rows,omitempty"`
	BatchResults       []BatchResult          `json:"batchResults,omitempty"`
	Errors             []ImportRowError       `json:"errors,omitempty"`
	ConflictStatistics map[string]interface{} `json:"conflictStatistics,omitempty"`
	ProcessingMs       int64                  `json:"processingMs"`
	AvgBatchMs         int64                  `json:"avgBatchMs"`
}

// Tally adds a row outcome to the aggregate counters
func (r *ImportResult) Tally(outcome RowOutcome) {
	switch outcome.Action {
	case RowActionCreated:
		r.CreatedCount++
	case RowActionUpdated:
		r.UpdatedCount++
	case RowActionSkipped:
		r.SkippedCount++
	}
	if outcome.Success {
		r.SuccessCount++
		return
	}
	r.FailedCount++
	for _, msg := range outcome.Errors {
		r.Errors = append(r.Errors, ImportRowError{Row: outcome.Row, Code: errorCode(outcome.Kind), Message: msg})
	}
	if len(outcome.Errors) == 0 && outcome.Message != "" {
		r.Errors = append(r.Errors, ImportRowError{Row: outcome.Row, Code: errorCode(outcome.Kind), Message: outcome.Message})
	}
}

func errorCode(kind string) string {
	if kind == "" {
		return "ROW_FAILED"
	}
	return "ROW_" + strings.ToUpper(kind)
}

// ProductImportColumns returns the column definitions for product/variant import
func ProductImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: "name", Description: "Product name; rows sharing a name become variants of one product", Required: true, Type: "string", Example: "Linen Roller Blind"},
		{Name: "sku", Description: "Unique variant SKU", Required: true, Type: "string", Example: "BLD-LIN-120-WHT"},
		{Name: "price", Description: "Variant price", Required: true, Type: "number", Example: "49.99"},
		{Name: "barcode", Description: "EAN/UPC barcode, unique per tenant", Required: false, Type: "barcode", Example: "5012345678900"},
		{Name: "color", Description: "Variant colour", Required: false, Type: "string", Example: "White"},
		{Name: "size", Description: "Variant size", Required: false, Type: "string", Example: "120cm x 160cm"},
		{Name: "quantity", Description: "Stock quantity", Required: false, Type: "integer", Example: "25"},
		{Name: "currency", Description: "Price currency (defaults to the import currency)", Required: false, Type: "string", Example: "USD"},
		{Name: "compare_price", Description: "Original/compare price", Required: false, Type: "number", Example: ""},
		{Name: "cost_price", Description: "Cost price", Required: false, Type: "number", Example: ""},
		{Name: "weight", Description: "Package weight (kg)", Required: false, Type: "number", Example: "1.2"},
		{Name: "package_length", Description: "Package length", Required: false, Type: "number", Example: "125"},
		{Name: "package_width", Description: "Package width", Required: false, Type: "number", Example: "10"},
		{Name: "package_height", Description: "Package height", Required: false, Type: "number", Example: "10"},
		{Name: "dimension_unit", Description: "Package dimension unit", Required: false, Type: "string", Example: "cm"},
		{Name: "width", Description: "Product width (extracted from the name when empty)", Required: false, Type: "string", Example: ""},
		{Name: "drop", Description: "Product drop (extracted from the name when empty)", Required: false, Type: "string", Example: ""},
		{Name: "made_to_measure", Description: "Made-to-measure flag (detected when empty)", Required: false, Type: "boolean", Example: ""},
		{Name: "brand", Description: "Brand name", Required: false, Type: "string", Example: ""},
		{Name: "description", Description: "Product description", Required: false, Type: "string", Example: ""},
		{Name: "category", Description: "Category name, created when missing (ignored when category_id is set)", Required: false, Type: "string", Example: "Blinds"},
		{Name: "category_id", Description: "Category ID", Required: false, Type: "string", Example: ""},
		{Name: "vendor_id", Description: "Vendor ID", Required: false, Type: "string", Example: ""},
		{Name: "slug", Description: "Product URL slug (generated when empty)", Required: false, Type: "string", Example: ""},
		{Name: "variant_name", Description: "Variant display name (defaults to the product name)", Required: false, Type: "string", Example: ""},
	}
}

// ProductImportTemplate returns the template definition for products
func ProductImportTemplate() ImportTemplate {
	return ImportTemplate{
		Entity:  "products",
		Version: "2.0",
		Columns: ProductImportColumns(),
		SampleData: []map[string]string{
			{"name": "Linen Roller Blind 120cm x 160cm", "sku": "BLD-LIN-120-WHT", "price": "49.99", "barcode": "5012345678900", "color": "White", "quantity": "25"},
			{"name": "Linen Roller Blind 120cm x 160cm", "sku": "BLD-LIN-120-GRY", "price": "49.99", "barcode": "5012345678917", "color": "Grey", "quantity": "10"},
		},
	}
}

// TableName returns the table name for the ImportSession model
func (ImportSession) TableName() string {
	return "import_sessions"
}

// TableName returns the table name for the ConflictAuditLog model
func (ConflictAuditLog) TableName() string {
	return "conflict_audit_logs"
}
