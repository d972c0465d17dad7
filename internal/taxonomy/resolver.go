// Package taxonomy resolves categories, brands and attribute terms by name,
// creating them on first use.
package taxonomy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/pkg/models"
)

// Attribute describes one of the product attributes the feed carries
type Attribute struct {
	Key       string
	Label     string
	Position  int
	Variation bool // distinguishes sibling variations
}

// Taxonomy returns the taxonomy backing the attribute
func (a Attribute) Taxonomy() string {
	return models.AttributeTaxonomy(a.Key)
}

// Attributes lists the feed attributes in display order
var Attributes = []Attribute{
	{Key: "size", Label: "Size", Position: 0, Variation: true},
	{Key: "color", Label: "Color", Position: 1, Variation: true},
	{Key: "model-no", Label: "Model No.", Position: 2},
	{Key: "material", Label: "Material", Position: 3},
	{Key: "season", Label: "Season", Position: 4},
}

// LookupAttribute returns the attribute registered under key
func LookupAttribute(key string) (Attribute, bool) {
	for _, a := range Attributes {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

type termKey struct {
	taxonomy string
	name     string
}

// Resolver returns existing terms by exact name and creates missing ones.
// Results are cached for the life of the resolver.
type Resolver struct {
	terms  catalog.TermStore
	logger *slog.Logger

	mu    sync.Mutex
	cache map[termKey]*models.Term
	defs  map[string]bool
}

// NewResolver creates a resolver backed by a term store
func NewResolver(terms catalog.TermStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		terms:  terms,
		logger: logger,
		cache:  make(map[termKey]*models.Term),
		defs:   make(map[string]bool),
	}
}

// Forget drops every cached term and definition
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[termKey]*models.Term)
	r.defs = make(map[string]bool)
}

// ResolveTerm returns the term named name in taxonomy, creating it under
// parentID when absent. An existing term is returned wherever it sits in
// the hierarchy.
func (r *Resolver) ResolveTerm(ctx context.Context, taxonomy, name string, parentID int64) (*models.Term, error) {
	if name == "" {
		return nil, fmt.Errorf("empty %s term name", taxonomy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := termKey{taxonomy, name}
	if t, ok := r.cache[key]; ok {
		return t, nil
	}

	t, err := r.terms.FindTerm(ctx, taxonomy, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s term %q: %w", taxonomy, name, err)
	}
	if t == nil {
		t = &models.Term{
			Taxonomy: taxonomy,
			Name:     name,
			Slug:     Slugify(name),
			ParentID: parentID,
		}
		if err := r.terms.CreateTerm(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to create %s term %q: %w", taxonomy, name, err)
		}
		r.logger.Debug("created term", "taxonomy", taxonomy, "name", name, "id", t.ID, "parent", parentID)
	}

	r.cache[key] = t
	return t, nil
}

// ResolveCategory returns the ID of a product category
func (r *Resolver) ResolveCategory(ctx context.Context, name string, parentID int64) (int64, error) {
	t, err := r.ResolveTerm(ctx, models.TaxonomyCategory, name, parentID)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// ResolveCategories builds the gender > department > category chain and
// returns the IDs of every level present. Empty levels are skipped and the
// next level is parented under the last resolved one.
func (r *Resolver) ResolveCategories(ctx context.Context, levels ...string) ([]int64, error) {
	var ids []int64
	var parent int64
	for _, name := range levels {
		if name == "" {
			continue
		}
		id, err := r.ResolveCategory(ctx, name, parent)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		parent = id
	}
	return ids, nil
}

// ResolveBrand returns the ID of a brand term
func (r *Resolver) ResolveBrand(ctx context.Context, name string) (int64, error) {
	t, err := r.ResolveTerm(ctx, models.TaxonomyBrand, name, 0)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// EnsureAttributeDefinition registers the attribute when it does not exist yet
func (r *Resolver) EnsureAttributeDefinition(ctx context.Context, key, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defs[key] {
		return nil
	}

	def, err := r.terms.AttributeDefinition(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up attribute %q: %w", key, err)
	}
	if def == nil {
		def = &models.AttributeDefinition{
			Key:      key,
			Taxonomy: models.AttributeTaxonomy(key),
			Label:    label,
			Type:     "select",
		}
		if err := r.terms.CreateAttributeDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to create attribute %q: %w", key, err)
		}
		r.logger.Info("registered attribute", "key", key, "label", label)
	}

	r.defs[key] = true
	return nil
}

// EnsureAttributeDefinitions registers every feed attribute
func (r *Resolver) EnsureAttributeDefinitions(ctx context.Context) error {
	for _, a := range Attributes {
		if err := r.EnsureAttributeDefinition(ctx, a.Key, a.Label); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAttributeTerm returns the term for an attribute value, registering
// the attribute itself first when needed.
func (r *Resolver) ResolveAttributeTerm(ctx context.Context, key, name string) (*models.Term, error) {
	label := key
	if a, ok := LookupAttribute(key); ok {
		label = a.Label
	}
	if err := r.EnsureAttributeDefinition(ctx, key, label); err != nil {
		return nil, err
	}
	return r.ResolveTerm(ctx, models.AttributeTaxonomy(key), name, 0)
}

// AttributeSlug returns the slug a variation should carry for an attribute
// value: the existing term's slug, or one derived from the raw value.
func (r *Resolver) AttributeSlug(ctx context.Context, key, name string) (string, error) {
	taxonomy := models.AttributeTaxonomy(key)

	r.mu.Lock()
	cached, ok := r.cache[termKey{taxonomy, name}]
	r.mu.Unlock()
	if ok {
		return cached.Slug, nil
	}

	t, err := r.terms.FindTerm(ctx, taxonomy, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s term %q: %w", taxonomy, name, err)
	}
	if t != nil {
		return t.Slug, nil
	}
	return Slugify(name), nil
}
