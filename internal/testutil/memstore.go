// Package testutil provides an in-memory ImportStore for tests. It enforces the
// same unique indexes as the postgres schema and reports violations with the
// same constraint names and message format.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"products-import-service/internal/models"
	"products-import-service/internal/repository"
)

type memState struct {
	products map[uuid.UUID]models.Product
	variants map[uuid.UUID]models.ProductVariant
	barcodes map[string]models.VariantBarcode
	pricing  map[string]models.VariantPricing
	audits   []models.ConflictAuditLog
	sessions map[uuid.UUID]models.ImportSession
}

func newMemState() *memState {
	return &memState{
		products: make(map[uuid.UUID]models.Product),
		variants: make(map[uuid.UUID]models.ProductVariant),
		barcodes: make(map[string]models.VariantBarcode),
		pricing:  make(map[string]models.VariantPricing),
		sessions: make(map[uuid.UUID]models.ImportSession),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.variants {
		out.variants[k] = v
	}
	for k, v := range s.barcodes {
		out.barcodes[k] = v
	}
	for k, v := range s.pricing {
		out.pricing[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	out.audits = append([]models.ConflictAuditLog(nil), s.audits...)
	return out
}

type shared struct {
	mu       sync.Mutex
	state    *memState
	failures map[string][]error
	calls    map[string]int
}

// MemoryStore implements repository.ImportStore and repository.SessionStore in memory.
// Transactions serialize on a single lock and roll back by restoring a snapshot.
type MemoryStore struct {
	sh   *shared
	inTx bool
}

var (
	_ repository.ImportStore  = (*MemoryStore)(nil)
	_ repository.SessionStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sh: &shared{
		state:    newMemState(),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.sh.mu.Lock()
	return s.sh.mu.Unlock
}

// enter records a call and pops an injected failure, if any. Callers hold the lock.
func (s *MemoryStore) enter(op string) error {
	s.sh.calls[op]++
	queue := s.sh.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.sh.failures[op] = queue[1:]
	return err
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *MemoryStore) FailNext(op string, err error) {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()
	s.sh.failures[op] = append(s.sh.failures[op], err)
}

// Calls returns how many times op has been invoked
func (s *MemoryStore) Calls(op string) int {
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()
	return s.sh.calls[op]
}

// WithTransaction runs fn with the store locked and restores the previous state on error
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(tx repository.ImportStore) error) error {
	if s.inTx {
		return fn(s)
	}
	s.sh.mu.Lock()
	defer s.sh.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.sh.state.clone()
	tx := &MemoryStore{sh: s.sh, inTx: true}
	if err := fn(tx); err != nil {
		s.sh.state = snapshot
		return err
	}
	return nil
}

func barcodeKey(tenantID, barcode string) string {
	return tenantID + "|" + barcode
}

func pricingKey(variantID uuid.UUID, currency string) string {
	return variantID.String() + "|" + strings.ToUpper(currency)
}

// Products

func (s *MemoryStore) FindProductByName(ctx context.Context, tenantID, name string) (*models.Product, error) {
	defer s.lock()()
	if err := s.enter("FindProductByName"); err != nil {
		return nil, err
	}
	for _, p := range s.sh.state.products {
		if p.TenantID == tenantID && p.Name == name {
			out := p
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *MemoryStore) FindProductByParentSKU(ctx context.Context, tenantID, parentSKU string) (*models.Product, error) {
	defer s.lock()()
	if err := s.enter("FindProductByParentSKU"); err != nil {
		return nil, err
	}
	var found *models.Product
	for _, p := range s.sh.state.products {
		if p.TenantID == tenantID && p.ParentSKU != nil && *p.ParentSKU == parentSKU {
			if found == nil || p.CreatedAt.Before(found.CreatedAt) {
				out := p
				found = &out
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) CreateProduct(ctx context.Context, product *models.Product) error {
	defer s.lock()()
	if err := s.enter("CreateProduct"); err != nil {
		return err
	}
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	if product.Slug == nil || *product.Slug == "" {
		slug := fmt.Sprintf("%s-%s", repository.GenerateSlug(product.Name), product.ID.String()[:8])
		product.Slug = &slug
	}
	if product.Status == "" {
		product.Status = models.ProductStatusDraft
	}
	for _, p := range s.sh.state.products {
		if p.TenantID != product.TenantID {
			continue
		}
		if p.Name == product.Name {
			return repository.NewUniqueViolation("products", models.IndexProductsTenantName,
				[]string{"tenant_id", "name"}, []string{product.TenantID, product.Name})
		}
		if p.Slug != nil && *p.Slug == *product.Slug {
			return repository.NewUniqueViolation("products", models.IndexProductsTenantSlug,
				[]string{"tenant_id", "slug"}, []string{product.TenantID, *product.Slug})
		}
	}
	now := time.Now()
	product.CreatedAt, product.UpdatedAt = now, now
	stored := *product
	stored.Variants = nil
	s.sh.state.products[product.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateProduct(ctx context.Context, product *models.Product) error {
	defer s.lock()()
	if err := s.enter("UpdateProduct"); err != nil {
		return err
	}
	existing, ok := s.sh.state.products[product.ID]
	if !ok || existing.TenantID != product.TenantID {
		return repository.ErrNotFound
	}
	existing.Brand = product.Brand
	existing.Description = product.Description
	existing.CategoryID = product.CategoryID
	existing.VendorID = product.VendorID
	existing.ParentSKU = product.ParentSKU
	existing.IsMadeToMeasure = product.IsMadeToMeasure
	existing.Attributes = product.Attributes
	existing.Metadata = product.Metadata
	existing.UpdatedBy = product.UpdatedBy
	existing.UpdatedAt = time.Now()
	s.sh.state.products[product.ID] = existing
	return nil
}

// Variants

func (s *MemoryStore) FindVariantByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.ProductVariant, error) {
	defer s.lock()()
	if err := s.enter("FindVariantByID"); err != nil {
		return nil, err
	}
	v, ok := s.sh.state.variants[id]
	if !ok || v.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) FindVariantBySKU(ctx context.Context, tenantID, sku string) (*models.ProductVariant, error) {
	defer s.lock()()
	if err := s.enter("FindVariantBySKU"); err != nil {
		return nil, err
	}
	for _, v := range s.sh.state.variants {
		if v.TenantID == tenantID && v.SKU == sku {
			out := v
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *MemoryStore) FindVariantByAttributes(ctx context.Context, tenantID string, productID uuid.UUID, color, size string) (*models.ProductVariant, error) {
	defer s.lock()()
	if err := s.enter("FindVariantByAttributes"); err != nil {
		return nil, err
	}
	for _, v := range s.sh.state.variants {
		if v.TenantID == tenantID && v.ProductID == productID && v.Color == color && v.Size == size {
			out := v
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *MemoryStore) variantConflict(candidate models.ProductVariant) error {
	for id, v := range s.sh.state.variants {
		if id == candidate.ID {
			continue
		}
		if v.TenantID == candidate.TenantID && v.SKU == candidate.SKU {
			return repository.NewUniqueViolation("product_variants", models.IndexVariantsTenantSKU,
				[]string{"tenant_id", "sku"}, []string{candidate.TenantID, candidate.SKU})
		}
		if v.ProductID == candidate.ProductID && v.Color == candidate.Color && v.Size == candidate.Size {
			return repository.NewUniqueViolation("product_variants", models.IndexVariantsProductColorSize,
				[]string{"product_id", "color", "size"}, []string{candidate.ProductID.String(), candidate.Color, candidate.Size})
		}
	}
	return nil
}

func (s *MemoryStore) CreateVariant(ctx context.Context, variant *models.ProductVariant) error {
	defer s.lock()()
	if err := s.enter("CreateVariant"); err != nil {
		return err
	}
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
	}
	if err := s.variantConflict(*variant); err != nil {
		return err
	}
	now := time.Now()
	variant.CreatedAt, variant.UpdatedAt = now, now
	stored := *variant
	stored.Barcodes, stored.Pricing = nil, nil
	s.sh.state.variants[variant.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateVariant(ctx context.Context, variant *models.ProductVariant, columns []string) error {
	defer s.lock()()
	if err := s.enter("UpdateVariant"); err != nil {
		return err
	}
	existing, ok := s.sh.state.variants[variant.ID]
	if !ok || existing.TenantID != variant.TenantID {
		return repository.ErrNotFound
	}
	updated := existing
	for _, col := range columns {
		switch col {
		case repository.ColumnName:
			updated.Name = variant.Name
		case repository.ColumnSKU:
			updated.SKU = variant.SKU
		case repository.ColumnColor:
			updated.Color = variant.Color
		case repository.ColumnSize:
			updated.Size = variant.Size
		case repository.ColumnQuantity:
			updated.Quantity = variant.Quantity
		case repository.ColumnWeight:
			updated.Weight = variant.Weight
		case repository.ColumnDimensions:
			updated.Dimensions = variant.Dimensions
		case repository.ColumnWidth:
			updated.Width = variant.Width
		case repository.ColumnDrop:
			updated.Drop = variant.Drop
		case repository.ColumnIsMadeToMeasure:
			updated.IsMadeToMeasure = variant.IsMadeToMeasure
		case repository.ColumnAttributes:
			updated.Attributes = variant.Attributes
		default:
			return fmt.Errorf("unknown variant column %q", col)
		}
	}
	if err := s.variantConflict(updated); err != nil {
		return err
	}
	updated.UpdatedAt = time.Now()
	s.sh.state.variants[variant.ID] = updated
	return nil
}

// Barcodes

func (s *MemoryStore) FindBarcode(ctx context.Context, tenantID, barcode string) (*models.VariantBarcode, error) {
	defer s.lock()()
	if err := s.enter("FindBarcode"); err != nil {
		return nil, err
	}
	b, ok := s.sh.state.barcodes[barcodeKey(tenantID, barcode)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) AttachBarcode(ctx context.Context, barcode *models.VariantBarcode) error {
	defer s.lock()()
	if err := s.enter("AttachBarcode"); err != nil {
		return err
	}
	key := barcodeKey(barcode.TenantID, barcode.Barcode)
	if _, exists := s.sh.state.barcodes[key]; exists {
		return repository.NewUniqueViolation("variant_barcodes", models.IndexBarcodesTenantBarcode,
			[]string{"tenant_id", "barcode"}, []string{barcode.TenantID, barcode.Barcode})
	}
	if barcode.ID == uuid.Nil {
		barcode.ID = uuid.New()
	}
	if barcode.BarcodeType == "" {
		barcode.BarcodeType = models.BarcodeType(barcode.Barcode)
	}
	barcode.CreatedAt = time.Now()
	s.sh.state.barcodes[key] = *barcode
	return nil
}

func (s *MemoryStore) DetachBarcode(ctx context.Context, tenantID, barcode string) error {
	defer s.lock()()
	if err := s.enter("DetachBarcode"); err != nil {
		return err
	}
	key := barcodeKey(tenantID, barcode)
	if _, ok := s.sh.state.barcodes[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.sh.state.barcodes, key)
	return nil
}

// Pricing

func (s *MemoryStore) UpsertPricing(ctx context.Context, pricing *models.VariantPricing) error {
	defer s.lock()()
	if err := s.enter("UpsertPricing"); err != nil {
		return err
	}
	key := pricingKey(pricing.VariantID, pricing.Currency)
	now := time.Now()
	if existing, ok := s.sh.state.pricing[key]; ok {
		existing.Price = pricing.Price
		existing.ComparePrice = pricing.ComparePrice
		existing.CostPrice = pricing.CostPrice
		existing.UpdatedAt = now
		s.sh.state.pricing[key] = existing
		*pricing = existing
		return nil
	}
	if pricing.ID == uuid.Nil {
		pricing.ID = uuid.New()
	}
	pricing.CreatedAt, pricing.UpdatedAt = now, now
	s.sh.state.pricing[key] = *pricing
	return nil
}

// Audit

func (s *MemoryStore) CreateConflictAuditLog(ctx context.Context, log *models.ConflictAuditLog) error {
	defer s.lock()()
	if err := s.enter("CreateConflictAuditLog"); err != nil {
		return err
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.CreatedAt = time.Now()
	s.sh.state.audits = append(s.sh.state.audits, *log)
	return nil
}

// Sessions

func (s *MemoryStore) CreateImportSession(ctx context.Context, session *models.ImportSession) error {
	defer s.lock()()
	if err := s.enter("CreateImportSession"); err != nil {
		return err
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = models.ImportStatusPending
	}
	now := time.Now()
	session.CreatedAt, session.UpdatedAt = now, now
	s.sh.state.sessions[session.ID] = *session
	return nil
}

func (s *MemoryStore) UpdateImportSession(ctx context.Context, session *models.ImportSession) error {
	defer s.lock()()
	if err := s.enter("UpdateImportSession"); err != nil {
		return err
	}
	if _, ok := s.sh.state.sessions[session.ID]; !ok {
		return repository.ErrNotFound
	}
	session.UpdatedAt = time.Now()
	s.sh.state.sessions[session.ID] = *session
	return nil
}

func (s *MemoryStore) GetImportSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.ImportSession, error) {
	defer s.lock()()
	sess, ok := s.sh.state.sessions[id]
	if !ok || sess.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return &sess, nil
}

// Seeding and inspection helpers

// SeedProduct stores a product as-is, bypassing constraint checks
func (s *MemoryStore) SeedProduct(tenantID, name string) *models.Product {
	defer s.lock()()
	p := models.Product{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		Status:    models.ProductStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.sh.state.products[p.ID] = p
	return &p
}

// SeedVariant stores a variant as-is, bypassing constraint checks
func (s *MemoryStore) SeedVariant(v models.ProductVariant) *models.ProductVariant {
	defer s.lock()()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt, v.UpdatedAt = time.Now(), time.Now()
	s.sh.state.variants[v.ID] = v
	return &v
}

// SeedBarcode assigns a barcode to a variant, bypassing constraint checks
func (s *MemoryStore) SeedBarcode(tenantID string, variantID uuid.UUID, barcode string) {
	defer s.lock()()
	s.sh.state.barcodes[barcodeKey(tenantID, barcode)] = models.VariantBarcode{
		ID:          uuid.New(),
		TenantID:    tenantID,
		VariantID:   variantID,
		Barcode:     barcode,
		BarcodeType: models.BarcodeType(barcode),
		CreatedAt:   time.Now(),
	}
}

// Products returns all products of a tenant ordered by name
func (s *MemoryStore) Products(tenantID string) []models.Product {
	defer s.lock()()
	var out []models.Product
	for _, p := range s.sh.state.products {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Variants returns all variants of a tenant ordered by SKU
func (s *MemoryStore) Variants(tenantID string) []models.ProductVariant {
	defer s.lock()()
	var out []models.ProductVariant
	for _, v := range s.sh.state.variants {
		if v.TenantID == tenantID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// BarcodeOwner returns the variant a barcode is assigned to
func (s *MemoryStore) BarcodeOwner(tenantID, barcode string) (uuid.UUID, bool) {
	defer s.lock()()
	b, ok := s.sh.state.barcodes[barcodeKey(tenantID, barcode)]
	return b.VariantID, ok
}

// BarcodesOf returns the barcodes assigned to a variant
func (s *MemoryStore) BarcodesOf(variantID uuid.UUID) []string {
	defer s.lock()()
	var out []string
	for _, b := range s.sh.state.barcodes {
		if b.VariantID == variantID {
			out = append(out, b.Barcode)
		}
	}
	sort.Strings(out)
	return out
}

// PricingOf returns the price row of a variant in a currency
func (s *MemoryStore) PricingOf(variantID uuid.UUID, currency string) (models.VariantPricing, bool) {
	defer s.lock()()
	p, ok := s.sh.state.pricing[pricingKey(variantID, currency)]
	return p, ok
}

// AuditLogs returns all recorded conflict audit entries
func (s *MemoryStore) AuditLogs() []models.ConflictAuditLog {
	defer s.lock()()
	return append([]models.ConflictAuditLog(nil), s.sh.state.audits...)
}
