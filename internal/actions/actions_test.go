package actions

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"products-import-service/internal/conflicts"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/testutil"
)

const tenantID = "tenant-123"

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type reassignment struct {
	barcode         string
	donor, acceptor uuid.UUID
}

// recordingSink captures the events an import emits
type recordingSink struct {
	mu         sync.Mutex
	products   []string
	created    []bool
	reassigned []reassignment
}

func (s *recordingSink) ProductImported(ctx context.Context, tenantID string, product *models.Product, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, product.Name)
	s.created = append(s.created, created)
}

func (s *recordingSink) BarcodeReassigned(ctx context.Context, tenantID, barcode string, donorID, acceptorID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reassigned = append(s.reassigned, reassignment{barcode: barcode, donor: donorID, acceptor: acceptorID})
}

type harness struct {
	store    *testutil.MemoryStore
	resolver *conflicts.ConflictResolver
	sink     *recordingSink
}

func newHarness() *harness {
	store := testutil.NewMemoryStore()
	return &harness{
		store:    store,
		resolver: conflicts.NewDefaultConflictResolver(store, conflicts.WithLogger(quietLogger())),
		sink:     &recordingSink{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{Store: h.store, Resolver: h.resolver, Events: h.sink, Logger: quietLogger()}
}

func options(configure func(o *models.ImportOptions)) *models.ImportOptions {
	opts := models.DefaultImportOptions()
	if configure != nil {
		configure(&opts)
	}
	opts.Normalize()
	return &opts
}

// run pushes one row through a freshly built import pipeline
func (h *harness) run(t *testing.T, row map[string]interface{}, configure func(o *models.ImportOptions)) (*pipeline.ActionResult, *pipeline.ActionContext) {
	t.Helper()
	opts := options(configure)
	actx := pipeline.NewActionContext(tenantID, row, opts).WithRow(2)
	res, err := NewImportPipeline(h.deps(), *opts).Execute(context.Background(), actx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res, actx
}

func TestImportPipeline_CreatesProductVariantBarcodeAndPricing(t *testing.T) {
	h := newHarness()

	res, actx := h.run(t, map[string]interface{}{
		"name":     "Roller Blind 120 x 180cm",
		"sku":      "RB-120-WHT",
		"price":    "49.99",
		"barcode":  "5012345678900",
		"color":    "White",
		"quantity": "7",
	}, nil)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionCreated, res.Data[KeyAction])
	assert.Equal(t, 1, res.Data[KeyAttempts])
	assert.Equal(t, []string{"validate_row", "extract_attributes", "resolve_product", "handle_conflicts"}, res.Data[pipeline.KeyCompletedActions])

	products := h.store.Products(tenantID)
	require.Len(t, products, 1)
	assert.Equal(t, "Roller Blind", products[0].Name)
	assert.Equal(t, products[0].ID.String(), actx.GetString(KeyProductID))

	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 1)
	v := variants[0]
	assert.Equal(t, "120x180cm", v.Size)
	assert.Equal(t, "120cm", *v.Width)
	assert.Equal(t, "180cm", *v.Drop)
	assert.Equal(t, 7, v.Quantity)
	assert.Equal(t, v.ID.String(), res.Data[KeyVariantID])
	assert.Equal(t, []string{"5012345678900"}, h.store.BarcodesOf(v.ID))

	price, ok := h.store.PricingOf(v.ID, "USD")
	require.True(t, ok)
	assert.Equal(t, "49.99", price.Price)

	assert.Equal(t, []string{"Roller Blind"}, h.sink.products)
	assert.Equal(t, []bool{true}, h.sink.created)
}

func TestImportPipeline_ValidationFailureStopsRow(t *testing.T) {
	h := newHarness()

	res, _ := h.run(t, map[string]interface{}{"name": "Roller Blind", "sku": "RB-1", "price": "abc"}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, pipeline.KindValidation, res.Kind)
	assert.Equal(t, "validate_row", res.Data[pipeline.KeyFailedAction])
	fieldErrors := res.Data["field_errors"].(map[string][]string)
	assert.Contains(t, fieldErrors, "price")
	assert.Empty(t, h.store.Products(tenantID))
}

func TestImportPipeline_DuplicateSkuCreateOnlySkips(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	existing := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "ABC-001", Size: "S", Quantity: 4})

	res, _ := h.run(t, map[string]interface{}{"name": "Roller Blind", "sku": "ABC-001", "price": "10", "quantity": "99"},
		func(o *models.ImportOptions) { o.ImportMode = models.ImportModeCreateOnly })

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionSkipped, res.Data[KeyAction])
	assert.Equal(t, existing.ID.String(), res.Data[KeyVariantID])

	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 1)
	assert.Equal(t, 4, variants[0].Quantity)
}

func TestImportPipeline_DuplicateSkuGeneratesSuffix(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "ABC-001", Size: "S", Quantity: 4})

	res, actx := h.run(t, map[string]interface{}{"name": "Roller Blind", "sku": "ABC-001", "price": "10"},
		func(o *models.ImportOptions) {
			o.ImportMode = models.ImportModeCreateOnly
			o.ConflictResolution.DuplicateSKU.GenerateUniqueSKU = true
		})

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionCreated, res.Data[KeyAction])
	assert.Equal(t, 2, res.Data[KeyAttempts])
	assert.Equal(t, "ABC-001-001", actx.GetString("sku"))

	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 2)
	assert.Equal(t, "ABC-001", variants[0].SKU)
	assert.Equal(t, 4, variants[0].Quantity)
	assert.Equal(t, "ABC-001-001", variants[1].SKU)
}

func TestImportPipeline_DuplicateSkuUpdatesSafeFields(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	existing := h.store.SeedVariant(models.ProductVariant{
		TenantID: tenantID, ProductID: product.ID, SKU: "ABC-001", Name: "Original", Color: "Red", Quantity: 4,
	})

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "ABC-001", "price": "12.50", "quantity": "20", "color": "Blue",
	}, nil)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionUpdated, res.Data[KeyAction])
	assert.Equal(t, existing.ID.String(), res.Data[KeyVariantID])

	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 1)
	assert.Equal(t, 20, variants[0].Quantity)
	assert.Equal(t, "Red", variants[0].Color)
	assert.Equal(t, "Original", variants[0].Name)
	price, ok := h.store.PricingOf(existing.ID, "USD")
	require.True(t, ok)
	assert.Equal(t, "12.50", price.Price)
}

func seededDimensions() *models.JSON {
	return &models.JSON{"length": "125", "width": "10", "height": "10", "unit": "cm"}
}

func TestImportPipeline_ConflictUpdateKeepsColumnsTheRowOmits(t *testing.T) {
	weight := "2.5"
	tests := []struct {
		name      string
		configure func(o *models.ImportOptions)
		row       map[string]interface{}
	}{
		{"duplicate sku", nil, map[string]interface{}{"name": "Roller Blind", "sku": "ABC-001", "price": "10"}},
		{"variant constraint", nil, map[string]interface{}{"name": "Roller Blind", "sku": "ABC-002", "color": "White", "size": "L", "price": "10"}},
		{"update existing", func(o *models.ImportOptions) { o.ImportMode = models.ImportModeUpdateExisting },
			map[string]interface{}{"name": "Roller Blind", "sku": "ABC-001", "price": "10"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			product := h.store.SeedProduct(tenantID, "Roller Blind")
			existing := h.store.SeedVariant(models.ProductVariant{
				TenantID: tenantID, ProductID: product.ID, SKU: "ABC-001", Name: "Roller Blind",
				Color: "White", Size: "L", Quantity: 7, Weight: &weight,
				Dimensions: seededDimensions(), IsMadeToMeasure: true,
			})

			res, _ := h.run(t, tt.row, tt.configure)

			require.True(t, res.Success, res.Error())
			assert.Equal(t, models.RowActionUpdated, res.Data[KeyAction])
			assert.Equal(t, existing.ID.String(), res.Data[KeyVariantID])

			variants := h.store.Variants(tenantID)
			require.Len(t, variants, 1)
			assert.Equal(t, 7, variants[0].Quantity)
			require.NotNil(t, variants[0].Weight)
			assert.Equal(t, "2.5", *variants[0].Weight)
			assert.Equal(t, seededDimensions(), variants[0].Dimensions)
			assert.True(t, variants[0].IsMadeToMeasure)
			assert.Equal(t, "ABC-001", variants[0].SKU)

			price, ok := h.store.PricingOf(existing.ID, "USD")
			require.True(t, ok)
			assert.Equal(t, "10", price.Price)
		})
	}
}

func TestImportPipeline_ConflictUpdateMergesPartialDimensions(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	h.store.SeedVariant(models.ProductVariant{
		TenantID: tenantID, ProductID: product.ID, SKU: "ABC-001", Quantity: 7, Dimensions: seededDimensions(),
	})

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "ABC-001", "price": "10", "package_height": "12", "quantity": "3",
	}, nil)

	require.True(t, res.Success, res.Error())
	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 1)
	assert.Equal(t, 3, variants[0].Quantity)
	assert.Equal(t, &models.JSON{"length": "125", "width": "10", "height": "12", "unit": "cm"}, variants[0].Dimensions)
}

func TestImportPipeline_DuplicateBarcodeRemoveStrategy(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	owner := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "OWN-1", Size: "S"})
	h.store.SeedBarcode(tenantID, owner.ID, "5012345678900")

	res, actx := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "NEW-1", "size": "M", "price": "10", "barcode": "5012345678900",
	}, func(o *models.ImportOptions) {
		o.ConflictResolution.DuplicateBarcode.Strategy = models.BarcodeStrategyRemoveBarcode
	})

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionCreated, res.Data[KeyAction])
	assert.False(t, actx.Has("barcode"))

	created, err := uuid.Parse(res.DataString(KeyVariantID))
	require.NoError(t, err)
	assert.Empty(t, h.store.BarcodesOf(created))
	current, ok := h.store.BarcodeOwner(tenantID, "5012345678900")
	require.True(t, ok)
	assert.Equal(t, owner.ID, current)
	assert.Len(t, h.store.Variants(tenantID), 2)

	history := res.Data[KeyResolutionsApplied].([]map[string]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "remove_barcode", history[0]["strategy"])
	assert.Equal(t, "duplicate_barcode", history[0]["conflict_type"])
}

func TestImportPipeline_BarcodeAcceptExistingLeavesOwner(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	owner := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "OWN-1", Size: "S"})
	h.store.SeedBarcode(tenantID, owner.ID, "5012345678900")

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "NEW-1", "size": "M", "price": "10", "barcode": "5012345678900",
	}, func(o *models.ImportOptions) {
		o.ConflictResolution.DuplicateBarcode.Strategy = models.BarcodeStrategyAcceptExisting
	})

	require.True(t, res.Success, res.Error())
	current, _ := h.store.BarcodeOwner(tenantID, "5012345678900")
	assert.Equal(t, owner.ID, current)
}

func TestImportPipeline_BarcodeReassignmentIsAudited(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	donor := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "OWN-1", Size: "S"})
	h.store.SeedBarcode(tenantID, donor.ID, "5012345678900")

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "NEW-1", "size": "M", "price": "10", "barcode": "5012345678900",
	}, func(o *models.ImportOptions) {
		o.ConflictResolution.DuplicateBarcode.Strategy = models.BarcodeStrategyReassignBarcode
		o.ConflictResolution.DuplicateBarcode.AllowReassignment = true
	})

	require.True(t, res.Success, res.Error())
	acceptor, err := uuid.Parse(res.DataString(KeyVariantID))
	require.NoError(t, err)

	current, ok := h.store.BarcodeOwner(tenantID, "5012345678900")
	require.True(t, ok)
	assert.Equal(t, acceptor, current)
	assert.Empty(t, h.store.BarcodesOf(donor.ID))

	logs := h.store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "reassign_barcode", logs[0].Strategy)
	assert.Equal(t, donor.ID, *logs[0].DonorVariantID)
	assert.Equal(t, acceptor, *logs[0].AcceptorVariantID)

	require.Len(t, h.sink.reassigned, 1)
	assert.Equal(t, reassignment{barcode: "5012345678900", donor: donor.ID, acceptor: acceptor}, h.sink.reassigned[0])
}

func TestImportPipeline_BarcodeReassignmentRejectedWhenNotAllowed(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	donor := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "OWN-1", Size: "S"})
	h.store.SeedBarcode(tenantID, donor.ID, "5012345678900")

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "NEW-1", "size": "M", "price": "10", "barcode": "5012345678900",
	}, func(o *models.ImportOptions) {
		o.ConflictResolution.DuplicateBarcode.Strategy = models.BarcodeStrategyReassignBarcode
	})

	assert.False(t, res.Success)
	assert.Equal(t, pipeline.KindConflictRejected, res.Kind)
	assert.Equal(t, "handle_conflicts", res.Data[pipeline.KeyFailedAction])
	assert.Len(t, h.store.Variants(tenantID), 1)
}

func TestImportPipeline_VariantConstraintMerges(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	existing := h.store.SeedVariant(models.ProductVariant{
		TenantID: tenantID, ProductID: product.ID, SKU: "V-1", Color: "White", Size: "L", Quantity: 1,
	})

	res, _ := h.run(t, map[string]interface{}{
		"name": "Roller Blind", "sku": "V-2", "color": "White", "size": "L", "price": "10", "quantity": "9",
	}, nil)

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionUpdated, res.Data[KeyAction])
	assert.Equal(t, existing.ID.String(), res.Data[KeyVariantID])

	variants := h.store.Variants(tenantID)
	require.Len(t, variants, 1)
	assert.Equal(t, "V-1", variants[0].SKU)
	assert.Equal(t, 9, variants[0].Quantity)
}

func TestImportPipeline_UpdateExistingRequiresVariant(t *testing.T) {
	h := newHarness()
	h.store.SeedProduct(tenantID, "Roller Blind")

	res, _ := h.run(t, map[string]interface{}{"name": "Roller Blind", "sku": "MISSING-1", "price": "10"},
		func(o *models.ImportOptions) { o.ImportMode = models.ImportModeUpdateExisting })

	assert.False(t, res.Success)
	assert.Equal(t, pipeline.KindActionFailed, res.Kind)
	assert.Contains(t, res.Error(), ErrVariantNotFound.Error())
	assert.Empty(t, h.store.Variants(tenantID))
}

func TestImportPipeline_UpdateExistingUpdatesBySku(t *testing.T) {
	h := newHarness()
	product := h.store.SeedProduct(tenantID, "Roller Blind")
	existing := h.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "RB-1", Quantity: 1})

	res, _ := h.run(t, map[string]interface{}{"name": "Roller Blind", "sku": "RB-1", "price": "10", "quantity": "3"},
		func(o *models.ImportOptions) { o.ImportMode = models.ImportModeUpdateExisting })

	require.True(t, res.Success, res.Error())
	assert.Equal(t, models.RowActionUpdated, res.Data[KeyAction])
	assert.Equal(t, existing.ID.String(), res.Data[KeyVariantID])
	assert.Equal(t, 3, h.store.Variants(tenantID)[0].Quantity)
}

func TestNewValidationPipeline_NeverWrites(t *testing.T) {
	h := newHarness()
	opts := options(func(o *models.ImportOptions) { o.ValidateOnly = true })
	actx := pipeline.NewActionContext(tenantID, map[string]interface{}{
		"name": "Roller Blind 90 x 120cm", "sku": "RB-1", "price": "10",
	}, opts)

	res, err := NewValidationPipeline(h.deps(), *opts).Execute(context.Background(), actx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "90x120cm", actx.GetString("size"))
	assert.Empty(t, h.store.Products(tenantID))
	assert.Equal(t, 0, h.store.Calls("CreateVariant"))
}
