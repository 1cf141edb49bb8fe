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

// ResolveProductAction finds or creates the parent product of a row according
// to the import mode and publishes its id for the variant write.
type ResolveProductAction struct {
	store      repository.ImportStore
	resolver   *conflicts.ConflictResolver
	events     EventSink
	categories CategoryLookup
	logger     *logrus.Entry
}

func NewResolveProductAction(store repository.ImportStore, resolver *conflicts.ConflictResolver, events EventSink, logger *logrus.Entry) *ResolveProductAction {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if events == nil {
		events = noopSink{}
	}
	return &ResolveProductAction{
		store:    store,
		resolver: resolver,
		events:   events,
		logger:   logger.WithField("component", "resolve_product"),
	}
}

// WithCategories enables resolving the "category" column by name
func (a *ResolveProductAction) WithCategories(categories CategoryLookup) *ResolveProductAction {
	a.categories = categories
	return a
}

func (a *ResolveProductAction) Name() string {
	return "resolve_product"
}

func (a *ResolveProductAction) IsOptional() bool {
	return false
}

// ParentSKU derives a grouping key by dropping the last "-" segment of a SKU
func ParentSKU(sku string) string {
	i := strings.LastIndex(sku, "-")
	if i <= 0 {
		return ""
	}
	return sku[:i]
}

func (a *ResolveProductAction) Execute(ctx context.Context, actx *pipeline.ActionContext) (*pipeline.ActionResult, error) {
	name := actx.GetString(KeyEnhancedName)
	if name == "" {
		name = actx.GetString("name")
	}
	if name == "" {
		return pipeline.Failure(pipeline.KindValidation, "Product name is required"), nil
	}

	if res := a.resolveCategory(ctx, actx); res != nil {
		return res, nil
	}

	var parentSKU string
	if actx.Options.UseSKUGrouping {
		parentSKU = ParentSKU(actx.GetString("sku"))
	}

	existing, err := a.lookup(ctx, actx.TenantID, name, parentSKU)
	if err != nil {
		return nil, err
	}

	mode := actx.Options.ImportMode
	var product *models.Product
	created := false

	switch {
	case existing != nil && mode == models.ImportModeCreateOnly:
		product = existing
	case existing != nil:
		product = existing
		applyProductFields(product, actx, parentSKU)
		if err := a.store.UpdateProduct(ctx, product); err != nil {
			return nil, fmt.Errorf("update product %s: %w", product.ID, err)
		}
		a.events.ProductImported(ctx, actx.TenantID, product, false)
	case mode == models.ImportModeUpdateExisting:
		return pipeline.Failure(pipeline.KindActionFailed,
			fmt.Sprintf("Product %q does not exist and import mode is %s", name, mode),
			ErrProductNotFound.Error()), nil
	default:
		var res *pipeline.ActionResult
		product, created, res, err = a.create(ctx, actx, name, parentSKU)
		if res != nil || err != nil {
			return res, err
		}
		if created {
			a.events.ProductImported(ctx, actx.TenantID, product, true)
		}
	}

	verb := "resolved"
	if created {
		verb = "created"
	}
	id := product.ID.String()
	return pipeline.Success(fmt.Sprintf("Product %q %s", product.Name, verb)).
		WithContextUpdates(map[string]interface{}{
			KeyProductID:      id,
			KeyProductCreated: created,
		}).
		WithData(KeyProductID, id).
		WithData(KeyProductCreated, created), nil
}

// resolveCategory fills category_id from the category name column. An
// explicit category_id wins.
func (a *ResolveProductAction) resolveCategory(ctx context.Context, actx *pipeline.ActionContext) *pipeline.ActionResult {
	name := actx.GetString("category")
	if a.categories == nil || name == "" || actx.GetString("category_id") != "" {
		return nil
	}
	id, err := a.categories.EnsureCategory(ctx, actx.TenantID, name)
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{"row": actx.RowNumber, "category": name}).
			Warn("Category lookup failed")
		return pipeline.Failure(pipeline.KindActionFailed,
			fmt.Sprintf("Category %q could not be resolved", name), err.Error())
	}
	actx.Set("category_id", id)
	return nil
}

func (a *ResolveProductAction) lookup(ctx context.Context, tenantID, name, parentSKU string) (*models.Product, error) {
	if parentSKU != "" {
		p, err := a.store.FindProductByParentSKU(ctx, tenantID, parentSKU)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("find product by parent SKU: %w", err)
		}
	}
	p, err := a.store.FindProductByName(ctx, tenantID, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find product by name: %w", err)
	}
	return p, nil
}

// create inserts the product. A name collision means another row created it
// first, so the existing product is used; other unique violations such as a
// slug clash go through the conflict resolver.
func (a *ResolveProductAction) create(ctx context.Context, actx *pipeline.ActionContext, name, parentSKU string) (*models.Product, bool, *pipeline.ActionResult, error) {
	product := &models.Product{TenantID: actx.TenantID, Name: name}
	applyProductFields(product, actx, parentSKU)
	if slug := actx.GetString("slug"); slug != "" {
		product.Slug = &slug
	}

	attempts := actx.Options.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := a.store.CreateProduct(ctx, product)
		if err == nil {
			return product, true, nil, nil
		}
		lastErr = err

		violation, ok := repository.AsConstraintViolation(err)
		if !ok {
			return nil, false, nil, fmt.Errorf("create product: %w", err)
		}
		if violation.Constraint == models.IndexProductsTenantName {
			existing, findErr := a.store.FindProductByName(ctx, actx.TenantID, name)
			if findErr != nil {
				return nil, false, nil, fmt.Errorf("refetch product after create race: %w", findErr)
			}
			a.logger.WithFields(logrus.Fields{"row": actx.RowNumber, "product_id": existing.ID}).
				Debug("Product created concurrently, using existing")
			return existing, false, nil, nil
		}
		if a.resolver == nil {
			return nil, false, nil, fmt.Errorf("create product: %w", err)
		}

		c, res := a.resolver.Resolve(ctx, err, actx)
		if !res.Resolved || res.Action == conflicts.ActionFail {
			kind := pipeline.KindConflictRejected
			if !res.Resolved {
				kind = pipeline.KindConflictUnresolved
			}
			return nil, false, pipeline.Failure(kind,
				fmt.Sprintf("Product %q conflicts on %s: %s", name, c.Constraint, res.Reason)).
				WithData(KeyResolutionsApplied, []map[string]interface{}{res.ToMap()}), nil
		}
		if res.Action == conflicts.ActionSkip {
			return nil, false, pipeline.Success(fmt.Sprintf("Row skipped: %s", res.Reason)).
				WithContextUpdate(KeySkipRow, true).
				WithData(KeyAction, models.RowActionSkipped), nil
		}
		if v, present := res.ModifiedData["slug"]; present {
			if s := pipeline.AsString(v); s != "" {
				product.Slug = &s
			} else {
				product.Slug = nil
			}
		}
		product.ID = uuid.Nil
	}
	return nil, false, pipeline.Failure(pipeline.KindRetryExhausted,
		fmt.Sprintf("Product %q could not be created after %d attempts: %v", name, attempts, lastErr)), nil
}

func applyProductFields(p *models.Product, actx *pipeline.ActionContext, parentSKU string) {
	optional := func(key string, target **string) {
		if v := actx.GetString(key); v != "" {
			*target = &v
		}
	}
	optional("brand", &p.Brand)
	optional("description", &p.Description)
	optional("category_id", &p.CategoryID)
	optional("vendor_id", &p.VendorID)
	if parentSKU != "" {
		p.ParentSKU = &parentSKU
	}
	if actx.GetBool("made_to_measure") {
		p.IsMadeToMeasure = true
	}
}
