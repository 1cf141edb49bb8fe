package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProductStatus represents the status of a product
type ProductStatus string

const (
	ProductStatusDraft    ProductStatus = "DRAFT"
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusInactive ProductStatus = "INACTIVE"
	ProductStatusArchived ProductStatus = "ARCHIVED"
)

// Unique index names. The conflict classifier buckets violations by these names,
// so renaming one changes how its violations are resolved.
const (
	IndexProductsTenantName       = "idx_products_tenant_name"
	IndexProductsTenantSlug       = "idx_products_tenant_slug"
	IndexVariantsTenantSKU        = "idx_variants_tenant_sku"
	IndexVariantsProductColorSize = "idx_variants_product_color_size"
	IndexBarcodesTenantBarcode    = "idx_barcodes_tenant_barcode"
	IndexPricingVariantCurrency   = "idx_pricing_variant_currency"
)

// JSON type for PostgreSQL JSONB (object/map)
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Dimensions represents package dimensions of a variant
type Dimensions struct {
	Length string `json:"length,omitempty"`
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
	Unit   string `json:"unit,omitempty"`
}

// ToJSON converts dimensions to a JSONB column value, nil when empty
func (d Dimensions) ToJSON() *JSON {
	if d.Length == "" && d.Width == "" && d.Height == "" {
		return nil
	}
	out := JSON{"length": d.Length, "width": d.Width, "height": d.Height}
	if d.Unit != "" {
		out["unit"] = d.Unit
	}
	return &out
}

// Product is the parent entity variants are grouped under.
// Imports resolve products by name (or by derived parent SKU when SKU grouping is on).
type Product struct {
	ID              uuid.UUID         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID        string            `json:"tenantId" gorm:"not null;index:idx_products_tenant_name,unique;index:idx_products_tenant_slug,unique;index:idx_products_tenant_parent_sku"`
	Name            string            `json:"name" gorm:"not null;index:idx_products_tenant_name,unique"`
	Slug            *string           `json:"slug,omitempty" gorm:"index:idx_products_tenant_slug,unique"`
	ParentSKU       *string           `json:"parentSku,omitempty" gorm:"column:parent_sku;index:idx_products_tenant_parent_sku"`
	Brand           *string           `json:"brand,omitempty"`
	Description     *string           `json:"description,omitempty"`
	CategoryID      *string           `json:"categoryId,omitempty" gorm:"index"`
	VendorID        *string           `json:"vendorId,omitempty" gorm:"index"`
	Status          ProductStatus     `json:"status" gorm:"not null;default:'DRAFT'"`
	IsMadeToMeasure bool              `json:"isMadeToMeasure" gorm:"column:is_made_to_measure;not null;default:false"`
	Attributes      *JSON             `json:"attributes,omitempty" gorm:"type:jsonb"`
	Metadata        *JSON             `json:"metadata,omitempty" gorm:"type:jsonb"`
	Variants        []*ProductVariant `json:"variants,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CreatedBy       *string           `json:"createdBy,omitempty"`
	UpdatedBy       *string           `json:"updatedBy,omitempty"`
}

// ProductVariant represents a sellable variant of a product.
// SKU is unique per tenant; (product, color, size) is unique per product.
type ProductVariant struct {
	ID              uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID        string           `json:"tenantId" gorm:"not null;index:idx_variants_tenant_sku,unique"`
	ProductID       uuid.UUID        `json:"productId" gorm:"type:uuid;not null;index:idx_variants_product_color_size,unique"`
	SKU             string           `json:"sku" gorm:"not null;index:idx_variants_tenant_sku,unique"`
	Name            string           `json:"name" gorm:"not null"`
	Color           string           `json:"color" gorm:"not null;default:'';index:idx_variants_product_color_size,unique"`
	Size            string           `json:"size" gorm:"not null;default:'';index:idx_variants_product_color_size,unique"`
	Quantity        int              `json:"quantity" gorm:"not null;default:0"`
	Weight          *string          `json:"weight,omitempty"`
	Dimensions      *JSON            `json:"dimensions,omitempty" gorm:"type:jsonb"`
	Width           *string          `json:"width,omitempty"`
	Drop            *string          `json:"drop,omitempty" gorm:"column:drop_length"`
	IsMadeToMeasure bool             `json:"isMadeToMeasure" gorm:"column:is_made_to_measure;not null;default:false"`
	Attributes      *JSON            `json:"attributes,omitempty" gorm:"type:jsonb"`
	Barcodes        []VariantBarcode `json:"barcodes,omitempty" gorm:"foreignKey:VariantID;constraint:OnDelete:CASCADE"`
	Pricing         []VariantPricing `json:"pricing,omitempty" gorm:"foreignKey:VariantID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// VariantBarcode assigns a barcode to exactly one variant within a tenant
type VariantBarcode struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID    string    `json:"tenantId" gorm:"not null;index:idx_barcodes_tenant_barcode,unique"`
	VariantID   uuid.UUID `json:"variantId" gorm:"type:uuid;not null;index"`
	Barcode     string    `json:"barcode" gorm:"not null;index:idx_barcodes_tenant_barcode,unique"`
	BarcodeType string    `json:"barcodeType" gorm:"not null;default:'EAN13'"`
	CreatedAt   time.Time `json:"createdAt"`
}

// VariantPricing holds one price row per variant and currency
type VariantPricing struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID     string    `json:"tenantId" gorm:"not null;index"`
	VariantID    uuid.UUID `json:"variantId" gorm:"type:uuid;not null;index:idx_pricing_variant_currency,unique"`
	Currency     string    `json:"currency" gorm:"not null;index:idx_pricing_variant_currency,unique"`
	Price        string    `json:"price" gorm:"not null"`
	ComparePrice *string   `json:"comparePrice,omitempty"`
	CostPrice    *string   `json:"costPrice,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// BarcodeType guesses the symbology from the barcode length
func BarcodeType(barcode string) string {
	switch len(barcode) {
	case 8:
		return "EAN8"
	case 12:
		return "UPC"
	case 13:
		return "EAN13"
	case 14:
		return "GTIN14"
	default:
		return "OTHER"
	}
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     Error  `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Details *JSON  `json:"details,omitempty"`
}

// TableName returns the table name for the Product model
func (Product) TableName() string {
	return "products"
}

// TableName returns the table name for the ProductVariant model
func (ProductVariant) TableName() string {
	return "product_variants"
}

// TableName returns the table name for the VariantBarcode model
func (VariantBarcode) TableName() string {
	return "variant_barcodes"
}

// TableName returns the table name for the VariantPricing model
func (VariantPricing) TableName() string {
	return "variant_pricing"
}
