package repository

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Tesseract-Nexus/go-shared/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"products-import-service/internal/models"
)

// Cache TTL constants
const (
	ProductCacheTTL       = 5 * time.Minute // Single product cache
	ProductLookupCacheTTL = 2 * time.Minute // Name/parent SKU -> product lookups used during imports
)

type ProductsRepository struct {
	db    *gorm.DB
	redis *redis.Client
	cache *cache.CacheLayer

	// set on transaction-bound copies only
	touched *touchedTenants
}

type touchedTenants struct {
	mu      sync.Mutex
	tenants map[string]struct{}
}

func (t *touchedTenants) add(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tenants[tenantID] = struct{}{}
}

func (t *touchedTenants) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tenants))
	for id := range t.tenants {
		out = append(out, id)
	}
	return out
}

var (
	_ ImportStore  = (*ProductsRepository)(nil)
	_ SessionStore = (*ProductsRepository)(nil)
)

func NewProductsRepository(db *gorm.DB, redis *redis.Client) *ProductsRepository {
	repo := &ProductsRepository{
		db:    db,
		redis: redis,
	}

	// Initialize CacheLayer with the existing Redis client
	if redis != nil {
		cacheConfig := cache.CacheConfig{
			L1Enabled:  true,
			L1MaxItems: 5000,
			L1TTL:      30 * time.Second,
			DefaultTTL: ProductCacheTTL,
			KeyPrefix:  "tesseract:products:",
		}
		repo.cache = cache.NewCacheLayerFromClient(redis, cacheConfig)
	}

	return repo
}

// lookupCacheKey creates a deterministic cache key for a product lookup
func lookupCacheKey(tenantID, kind, value string) string {
	hash := md5.Sum([]byte(strings.ToLower(value)))
	return fmt.Sprintf("product:lookup:%s:%s:%s", kind, tenantID, hex.EncodeToString(hash[:]))
}

// invalidateProductCaches invalidates all caches related to a product
func (r *ProductsRepository) invalidateProductCaches(ctx context.Context, tenantID string, productID uuid.UUID) {
	if r.cache == nil {
		return
	}

	productKey := fmt.Sprintf("product:%s:%s", tenantID, productID.String())
	_ = r.cache.Delete(ctx, productKey+":true", productKey+":false")
	_ = r.cache.DeletePattern(ctx, fmt.Sprintf("products:list:%s:*", tenantID))
}

// invalidateTenantProductListCaches invalidates all product list caches for a tenant
func (r *ProductsRepository) invalidateTenantProductListCaches(ctx context.Context, tenantID string) {
	if r.cache == nil {
		return
	}
	_ = r.cache.DeletePattern(ctx, fmt.Sprintf("products:list:%s:*", tenantID))
}

func (r *ProductsRepository) markTouched(ctx context.Context, tenantID string) {
	if r.touched != nil {
		r.touched.add(tenantID)
		return
	}
	r.invalidateTenantProductListCaches(ctx, tenantID)
}

func (r *ProductsRepository) cachedProduct(ctx context.Context, key string) *models.Product {
	if r.redis == nil || r.touched != nil {
		return nil
	}
	val, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}
	var product models.Product
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil
	}
	return &product
}

func (r *ProductsRepository) cacheProduct(ctx context.Context, key string, product *models.Product) {
	if r.redis == nil || r.touched != nil {
		return
	}
	data, err := json.Marshal(product)
	if err == nil {
		r.redis.Set(ctx, key, data, ProductLookupCacheTTL)
	}
}

func (r *ProductsRepository) forgetProduct(ctx context.Context, product *models.Product) {
	if r.redis == nil {
		return
	}
	keys := []string{lookupCacheKey(product.TenantID, "name", product.Name)}
	if product.ParentSKU != nil {
		keys = append(keys, lookupCacheKey(product.TenantID, "parent_sku", *product.ParentSKU))
	}
	r.redis.Del(ctx, keys...)
}

// WithTransaction runs fn against a transaction-bound repository
func (r *ProductsRepository) WithTransaction(ctx context.Context, fn func(tx ImportStore) error) error {
	touched := &touchedTenants{tenants: make(map[string]struct{})}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &ProductsRepository{db: tx, redis: r.redis, touched: touched}
		return fn(txRepo)
	})
	if err != nil {
		return err
	}
	for _, tenantID := range touched.list() {
		r.invalidateTenantProductListCaches(ctx, tenantID)
	}
	return nil
}

// Product Operations

// FindProductByName finds a product by its tenant-unique name
func (r *ProductsRepository) FindProductByName(ctx context.Context, tenantID, name string) (*models.Product, error) {
	key := lookupCacheKey(tenantID, "name", name)
	if product := r.cachedProduct(ctx, key); product != nil {
		return product, nil
	}

	var product models.Product
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		First(&product).Error
	if err != nil {
		return nil, translateError(err)
	}
	r.cacheProduct(ctx, key, &product)
	return &product, nil
}

// FindProductByParentSKU finds the product variants with a shared SKU stem are grouped under
func (r *ProductsRepository) FindProductByParentSKU(ctx context.Context, tenantID, parentSKU string) (*models.Product, error) {
	key := lookupCacheKey(tenantID, "parent_sku", parentSKU)
	if product := r.cachedProduct(ctx, key); product != nil {
		return product, nil
	}

	var product models.Product
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND parent_sku = ?", tenantID, parentSKU).
		Order("created_at ASC").
		First(&product).Error
	if err != nil {
		return nil, translateError(err)
	}
	r.cacheProduct(ctx, key, &product)
	return &product, nil
}

// CreateProduct creates a new product
func (r *ProductsRepository) CreateProduct(ctx context.Context, product *models.Product) error {
	now := time.Now()
	product.CreatedAt = now
	product.UpdatedAt = now

	// Ensure product has an ID before generating slug (for uniqueness)
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}

	// Generate slug from name if not provided or empty
	if product.Slug == nil || *product.Slug == "" {
		baseSlug := GenerateSlug(product.Name)
		uniqueSlug := fmt.Sprintf("%s-%s", baseSlug, product.ID.String()[:8])
		product.Slug = &uniqueSlug
	}
	if product.Status == "" {
		product.Status = models.ProductStatusDraft
	}

	if err := r.db.WithContext(ctx).Create(product).Error; err != nil {
		return translateError(err)
	}
	r.markTouched(ctx, product.TenantID)
	return nil
}

// UpdateProduct updates descriptive product fields and invalidates cache
func (r *ProductsRepository) UpdateProduct(ctx context.Context, product *models.Product) error {
	product.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(product).
		Where("tenant_id = ?", product.TenantID).
		Select("brand", "description", "category_id", "vendor_id", "parent_sku", "is_made_to_measure", "attributes", "metadata", "updated_by", "updated_at").
		Updates(product)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.forgetProduct(ctx, product)
	r.invalidateProductCaches(ctx, product.TenantID, product.ID)
	return nil
}

// Product Variant Operations

// FindVariantByID retrieves a variant by ID
func (r *ProductsRepository) FindVariantByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&variant).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &variant, nil
}

// FindVariantBySKU retrieves a variant by its tenant-unique SKU
func (r *ProductsRepository) FindVariantBySKU(ctx context.Context, tenantID, sku string) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sku = ?", tenantID, sku).
		First(&variant).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &variant, nil
}

// FindVariantByAttributes retrieves the variant of a product with the given color and size
func (r *ProductsRepository) FindVariantByAttributes(ctx context.Context, tenantID string, productID uuid.UUID, color, size string) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND product_id = ? AND color = ? AND size = ?", tenantID, productID, color, size).
		First(&variant).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &variant, nil
}

// CreateVariant creates a new product variant
func (r *ProductsRepository) CreateVariant(ctx context.Context, variant *models.ProductVariant) error {
	now := time.Now()
	variant.CreatedAt = now
	variant.UpdatedAt = now
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
	}

	// Barcodes and pricing are written separately so their conflicts are attributable
	if err := r.db.WithContext(ctx).Omit("Barcodes", "Pricing").Create(variant).Error; err != nil {
		return translateError(err)
	}
	r.markTouched(ctx, variant.TenantID)
	return nil
}

// UpdateVariant writes only the given columns of a variant
func (r *ProductsRepository) UpdateVariant(ctx context.Context, variant *models.ProductVariant, columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	variant.UpdatedAt = time.Now()
	selected := append(append([]string(nil), columns...), "updated_at")

	result := r.db.WithContext(ctx).
		Model(variant).
		Where("tenant_id = ?", variant.TenantID).
		Select(selected).
		Updates(variant)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.markTouched(ctx, variant.TenantID)
	return nil
}

// Barcode Operations

// FindBarcode retrieves a barcode assignment
func (r *ProductsRepository) FindBarcode(ctx context.Context, tenantID, barcode string) (*models.VariantBarcode, error) {
	var vb models.VariantBarcode
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND barcode = ?", tenantID, barcode).
		First(&vb).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &vb, nil
}

// AttachBarcode assigns a barcode to a variant
func (r *ProductsRepository) AttachBarcode(ctx context.Context, barcode *models.VariantBarcode) error {
	barcode.CreatedAt = time.Now()
	if barcode.ID == uuid.Nil {
		barcode.ID = uuid.New()
	}
	if barcode.BarcodeType == "" {
		barcode.BarcodeType = models.BarcodeType(barcode.Barcode)
	}
	return translateError(r.db.WithContext(ctx).Create(barcode).Error)
}

// DetachBarcode removes a barcode assignment from whichever variant owns it
func (r *ProductsRepository) DetachBarcode(ctx context.Context, tenantID, barcode string) error {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND barcode = ?", tenantID, barcode).
		Delete(&models.VariantBarcode{})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Pricing Operations

// UpsertPricing inserts or replaces the price row for a variant and currency
func (r *ProductsRepository) UpsertPricing(ctx context.Context, pricing *models.VariantPricing) error {
	now := time.Now()
	pricing.UpdatedAt = now
	if pricing.CreatedAt.IsZero() {
		pricing.CreatedAt = now
	}
	if pricing.ID == uuid.Nil {
		pricing.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "variant_id"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"price", "compare_price", "cost_price", "updated_at"}),
	}).Create(pricing).Error
	return translateError(err)
}

// Audit Operations

// CreateConflictAuditLog records a cross-record conflict resolution
func (r *ProductsRepository) CreateConflictAuditLog(ctx context.Context, log *models.ConflictAuditLog) error {
	log.CreatedAt = time.Now()
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return translateError(r.db.WithContext(ctx).Create(log).Error)
}

// Import Session Operations

// CreateImportSession creates a new import session
func (r *ProductsRepository) CreateImportSession(ctx context.Context, session *models.ImportSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = models.ImportStatusPending
	}
	return translateError(r.db.WithContext(ctx).Create(session).Error)
}

// UpdateImportSession persists counters and status of an import session
func (r *ProductsRepository) UpdateImportSession(ctx context.Context, session *models.ImportSession) error {
	session.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(session).
		Where("tenant_id = ?", session.TenantID).
		Select("status", "total_rows", "processed_rows", "created_count", "updated_count", "skipped_count",
			"failed_count", "statistics", "error_message", "started_at", "completed_at", "updated_at").
		Updates(session)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetImportSession retrieves an import session
func (r *ProductsRepository) GetImportSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.ImportSession, error) {
	var session models.ImportSession
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GenerateSlug creates a URL-friendly slug from a name
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
