// Package reconciler maps feed rows onto catalog products and variations.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/internal/importlog"
	"github.com/badno/catalogsync/internal/taxonomy"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrLookupFailed    = errors.New("product lookup failed")
	ErrCreateFailed    = errors.New("product create failed")
	ErrUpdateFailed    = errors.New("product update failed")
	ErrVariationFailed = errors.New("variation upsert failed")
)

// Kind classifies what a row did to the catalog
type Kind int

const (
	Created Kind = iota + 1
	Updated
	VariationCreated
	VariationUpdated
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case VariationCreated:
		return "variation_created"
	case VariationUpdated:
		return "variation_updated"
	}
	return "unknown"
}

// Outcome is the result of reconciling one row
type Outcome struct {
	Kind        Kind
	ProductID   int64
	VariationID int64
	// Announce is set for products created outside the initial import
	Announce bool
}

// ImageImporter stores product images and returns their references
type ImageImporter interface {
	Import(ctx context.Context, sku string, urls []string) []string
}

// Reconciler decides whether a row creates, updates or extends a product
type Reconciler struct {
	store    catalog.Store
	resolver *taxonomy.Resolver
	images   ImageImporter
	logger   *slog.Logger
}

// New creates a reconciler. images may be nil to skip image handling.
func New(store catalog.Store, resolver *taxonomy.Resolver, images ImageImporter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		resolver: resolver,
		images:   images,
		logger:   logger,
	}
}

// Reconcile applies one row to the catalog
func (r *Reconciler) Reconcile(ctx context.Context, row *models.ProductRow, initial bool) (Outcome, error) {
	existing, err := r.store.ProductBySKU(ctx, row.SKU)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrLookupFailed, row.SKU, err)
	}

	if existing == nil {
		out, err := r.create(ctx, row)
		if err != nil {
			return Outcome{}, err
		}
		out.Announce = !initial
		return out, nil
	}

	if row.HasVariantSKU() {
		return r.upsertVariation(ctx, existing, row)
	}
	return r.update(ctx, existing, row)
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	return importlog.FromContext(ctx, r.logger)
}

func (r *Reconciler) create(ctx context.Context, row *models.ProductRow) (Outcome, error) {
	variable := row.HasVariantSKU() || row.HasVariationAttributes()

	p := &models.Product{
		Kind:        models.KindSimple,
		SKU:         row.SKU,
		Name:        row.Name,
		Description: row.Description,
		Weight:      row.Weight,
	}
	if variable {
		p.Kind = models.KindVariable
		// Every attribute is registered before any is attached
		if err := r.resolver.EnsureAttributeDefinitions(ctx); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
		}
	} else {
		setPriceAndStock(p, row)
	}

	cats, err := r.resolver.ResolveCategories(ctx, row.Gender, row.ParentCategory, row.Category)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: categories: %w", ErrCreateFailed, err)
	}
	p.CategoryIDs = cats

	attrs, err := r.attributes(ctx, row, variable)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	mergeAttributes(p, attrs)
	r.attachImages(ctx, p, row)

	if !variable {
		if err := r.applyBrandAndMeta(ctx, p, row); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
		}
		if err := r.store.CreateProduct(ctx, p); err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %w", ErrCreateFailed, row.SKU, err)
		}
		r.log(ctx).Info("created simple product", "product_id", p.ID, "sku", p.SKU, "name", p.Name)
		return Outcome{Kind: Created, ProductID: p.ID}, nil
	}

	if err := r.store.CreateProduct(ctx, p); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrCreateFailed, row.SKU, err)
	}
	if err := r.applyBrandAndMeta(ctx, p, row); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	if err := r.store.UpdateProduct(ctx, p); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrCreateFailed, row.SKU, err)
	}

	v, err := r.createVariation(ctx, p, row)
	if err != nil {
		return Outcome{}, err
	}
	r.log(ctx).Info("created variable product", "product_id", p.ID, "sku", p.SKU, "name", p.Name, "variation_id", v.ID)
	return Outcome{Kind: Created, ProductID: p.ID, VariationID: v.ID}, nil
}

func (r *Reconciler) update(ctx context.Context, p *models.Product, row *models.ProductRow) (Outcome, error) {
	if p.Kind == models.KindVariable && row.HasVariationAttributes() {
		return r.upsertVariation(ctx, p, row)
	}

	if p.Kind == models.KindSimple {
		setPriceAndStock(p, row)
	}
	if row.Description != "" {
		p.Description = row.Description
	}
	if row.Weight.IsPositive() {
		p.Weight = row.Weight
	}

	cats, err := r.resolver.ResolveCategories(ctx, row.Gender, row.ParentCategory, row.Category)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: categories: %w", ErrUpdateFailed, err)
	}
	if len(cats) > 0 {
		p.CategoryIDs = cats
	}

	attrs, err := r.attributes(ctx, row, p.Kind == models.KindVariable)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	mergeAttributes(p, attrs)

	if len(row.Images) > 0 {
		r.attachImages(ctx, p, row)
	}
	if err := r.applyBrandAndMeta(ctx, p, row); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	if err := r.store.UpdateProduct(ctx, p); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrUpdateFailed, row.SKU, err)
	}

	r.log(ctx).Info("updated product", "product_id", p.ID, "sku", p.SKU)
	return Outcome{Kind: Updated, ProductID: p.ID}, nil
}

// upsertVariation updates the variation matching the row by SKU, then by
// attributes, and creates a new one when neither matches.
func (r *Reconciler) upsertVariation(ctx context.Context, parent *models.Product, row *models.ProductRow) (Outcome, error) {
	if parent.Kind != models.KindVariable {
		if err := r.promote(ctx, parent); err != nil {
			return Outcome{}, err
		}
	}

	sku := variantSKU(row)
	if sku != "" {
		v, err := r.store.VariationBySKU(ctx, sku)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %w", ErrVariationFailed, sku, err)
		}
		if v != nil && v.ParentID == parent.ID {
			setVariationPriceAndStock(v, row)
			if err := r.store.UpdateVariation(ctx, v); err != nil {
				return Outcome{}, fmt.Errorf("%w: %s: %w", ErrVariationFailed, sku, err)
			}
			if err := r.resync(ctx, parent); err != nil {
				return Outcome{}, err
			}
			r.log(ctx).Info("updated variation by sku", "variation_id", v.ID, "parent_id", parent.ID, "sku", sku)
			return Outcome{Kind: VariationUpdated, ProductID: parent.ID, VariationID: v.ID}, nil
		}
	}

	want, err := r.expectedSlugs(ctx, row)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrVariationFailed, err)
	}
	siblings, err := r.store.Variations(ctx, parent.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrVariationFailed, err)
	}
	for _, v := range siblings {
		if !matches(v, want) {
			continue
		}
		if sku != "" && v.SKU != sku {
			v.SKU = sku
		}
		setVariationPriceAndStock(v, row)
		if err := r.store.UpdateVariation(ctx, v); err != nil {
			return Outcome{}, fmt.Errorf("%w: variation %d: %w", ErrVariationFailed, v.ID, err)
		}
		if err := r.resync(ctx, parent); err != nil {
			return Outcome{}, err
		}
		r.log(ctx).Info("updated variation by attributes", "variation_id", v.ID, "parent_id", parent.ID, "size", row.Size, "color", row.Color)
		return Outcome{Kind: VariationUpdated, ProductID: parent.ID, VariationID: v.ID}, nil
	}

	attrs, err := r.attributes(ctx, row, true)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrVariationFailed, err)
	}
	mergeAttributes(parent, attrs)

	v, err := r.createVariation(ctx, parent, row)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: VariationCreated, ProductID: parent.ID, VariationID: v.ID}, nil
}

// createVariation adds a variation built from the row and resyncs the parent
func (r *Reconciler) createVariation(ctx context.Context, parent *models.Product, row *models.ProductRow) (*models.Variation, error) {
	slugs, err := r.expectedSlugs(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVariationFailed, err)
	}

	v := &models.Variation{
		ParentID:   parent.ID,
		SKU:        variantSKU(row),
		Attributes: slugs,
	}
	setVariationPriceAndStock(v, row)

	if err := r.store.CreateVariation(ctx, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrVariationFailed, v.SKU, err)
	}
	if err := r.resync(ctx, parent); err != nil {
		return nil, err
	}
	r.log(ctx).Info("created variation", "variation_id", v.ID, "parent_id", parent.ID, "sku", v.SKU, "attributes", v.Attributes)
	return v, nil
}

// resync recomputes a variable product's price range and availability from its variations
func (r *Reconciler) resync(ctx context.Context, parent *models.Product) error {
	vars, err := r.store.Variations(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("%w: resync %d: %w", ErrVariationFailed, parent.ID, err)
	}

	stock := 0
	status := models.OutOfStock
	var lo, hi decimal.Decimal
	for i, v := range vars {
		if i == 0 || v.Price.LessThan(lo) {
			lo = v.Price
		}
		if i == 0 || v.Price.GreaterThan(hi) {
			hi = v.Price
		}
		stock += v.StockQuantity
		if v.StockStatus == models.InStock {
			status = models.InStock
		}
	}

	parent.PriceMin = lo
	parent.PriceMax = hi
	parent.Price = lo
	parent.RegularPrice = lo
	parent.StockQuantity = stock
	parent.StockStatus = status

	if err := r.store.UpdateProduct(ctx, parent); err != nil {
		return fmt.Errorf("%w: resync %d: %w", ErrVariationFailed, parent.ID, err)
	}
	return nil
}

// promote turns a simple product into a variable one so it can hold variations
func (r *Reconciler) promote(ctx context.Context, p *models.Product) error {
	if err := r.resolver.EnsureAttributeDefinitions(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrVariationFailed, err)
	}
	p.Kind = models.KindVariable
	for i := range p.Attributes {
		if a, ok := taxonomyAttribute(p.Attributes[i].Taxonomy); ok && a.Variation {
			p.Attributes[i].Variation = true
		}
	}
	r.log(ctx).Warn("promoted simple product to variable", "product_id", p.ID, "sku", p.SKU)
	return nil
}

// attributes resolves the row's attribute terms into product attributes
func (r *Reconciler) attributes(ctx context.Context, row *models.ProductRow, variable bool) ([]models.ProductAttribute, error) {
	values := row.AttributeValues()
	var attrs []models.ProductAttribute
	for _, a := range taxonomy.Attributes {
		value := values[a.Key]
		if value == "" {
			continue
		}
		term, err := r.resolver.ResolveAttributeTerm(ctx, a.Key, value)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, models.ProductAttribute{
			Taxonomy:  a.Taxonomy(),
			Options:   []int64{term.ID},
			Position:  a.Position,
			Visible:   true,
			Variation: variable && a.Variation,
		})
	}
	return attrs, nil
}

// expectedSlugs returns the size/color slugs a matching variation carries
func (r *Reconciler) expectedSlugs(ctx context.Context, row *models.ProductRow) (map[string]string, error) {
	values := row.AttributeValues()
	slugs := make(map[string]string)
	for _, a := range taxonomy.Attributes {
		if !a.Variation || values[a.Key] == "" {
			continue
		}
		slug, err := r.resolver.AttributeSlug(ctx, a.Key, values[a.Key])
		if err != nil {
			return nil, err
		}
		slugs[a.Taxonomy()] = slug
	}
	return slugs, nil
}

func (r *Reconciler) applyBrandAndMeta(ctx context.Context, p *models.Product, row *models.ProductRow) error {
	if row.BrandName != "" {
		id, err := r.resolver.ResolveBrand(ctx, row.BrandName)
		if err != nil {
			return err
		}
		p.SetTerms(models.TaxonomyBrand, id)
	}
	p.SetMeta(models.MetaSKUVariable, row.SKUVariable)
	p.SetMeta(models.MetaBrandName, row.BrandName)
	p.SetMeta(models.MetaBrandID, row.BrandID)
	p.SetMeta(models.MetaModelNo, row.ModelNo)
	p.SetMeta(models.MetaExternalCode, row.ExternalCode)
	return nil
}

func (r *Reconciler) attachImages(ctx context.Context, p *models.Product, row *models.ProductRow) {
	if r.images == nil || len(row.Images) == 0 {
		return
	}
	refs := r.images.Import(ctx, row.SKU, row.Images)
	if len(refs) == 0 {
		return
	}
	p.ImageID = refs[0]
	p.GalleryImageIDs = append([]string(nil), refs[1:]...)
}

// mergeAttributes attaches attrs to p. Variation-defining attributes of a
// variable product accumulate options; others are replaced.
func mergeAttributes(p *models.Product, attrs []models.ProductAttribute) {
	for _, attr := range attrs {
		existing := p.Attribute(attr.Taxonomy)
		if existing == nil {
			p.Attributes = append(p.Attributes, attr)
		} else if existing.Variation || attr.Variation {
			existing.Options = unionIDs(existing.Options, attr.Options)
			existing.Variation = existing.Variation || attr.Variation
		} else {
			existing.Options = attr.Options
		}
		p.SetTerms(attr.Taxonomy, p.Attribute(attr.Taxonomy).Options...)
	}
	sort.SliceStable(p.Attributes, func(i, j int) bool { return p.Attributes[i].Position < p.Attributes[j].Position })
}

func matches(v *models.Variation, want map[string]string) bool {
	for tax, slug := range want {
		if v.Attributes[tax] != slug {
			return false
		}
	}
	return true
}

// variantSKU returns the SKU a variation created from row should carry
func variantSKU(row *models.ProductRow) string {
	if row.HasVariantSKU() {
		return row.SKUVariable
	}
	return ""
}

func taxonomyAttribute(tax string) (taxonomy.Attribute, bool) {
	for _, a := range taxonomy.Attributes {
		if a.Taxonomy() == tax {
			return a, true
		}
	}
	return taxonomy.Attribute{}, false
}

func setPriceAndStock(p *models.Product, row *models.ProductRow) {
	p.Price = row.Price
	p.RegularPrice = row.RegularPrice
	p.StockQuantity = row.Stock
	p.StockStatus = models.StockStatusFor(row.Stock)
}

func setVariationPriceAndStock(v *models.Variation, row *models.ProductRow) {
	v.Price = row.Price
	v.RegularPrice = row.RegularPrice
	v.StockQuantity = row.Stock
	v.StockStatus = models.StockStatusFor(row.Stock)
}

func unionIDs(a, b []int64) []int64 {
	out := append([]int64(nil), a...)
	for _, id := range b {
		found := false
		for _, have := range out {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}
