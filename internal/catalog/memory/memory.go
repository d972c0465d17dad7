// Package memory is an in-process catalog backend persisted as a JSON snapshot.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/pkg/models"
)

const SnapshotVersion = "1.0"

type snapshot struct {
	Version     string                       `json:"version"`
	NextID      int64                        `json:"next_id"`
	Products    map[int64]*models.Product    `json:"products"`
	Variations  map[int64]*models.Variation  `json:"variations"`
	Terms       map[int64]*models.Term       `json:"terms"`
	Attributes  []models.AttributeDefinition `json:"attributes"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// Catalog implements catalog.Store and catalog.TermStore in memory.
// When created with a path, Flush writes a snapshot that Open reloads.
type Catalog struct {
	mu         sync.RWMutex
	path       string
	nextID     int64
	products   map[int64]*models.Product
	variations map[int64]*models.Variation
	terms      map[int64]*models.Term
	defs       map[string]*models.AttributeDefinition
	skus       map[string]int64
	children   map[int64][]int64
	now        func() time.Time

	// modTime and size identify the snapshot the catalog was last synced with
	onDisk  bool
	modTime time.Time
	size    int64
}

var (
	_ catalog.Store     = (*Catalog)(nil)
	_ catalog.TermStore = (*Catalog)(nil)
	_ catalog.Flusher   = (*Catalog)(nil)
)

// New creates an empty catalog that is never written to disk
func New() *Catalog {
	c := &Catalog{now: time.Now}
	c.reset()
	return c
}

// Open loads a catalog snapshot from path. A missing file yields an empty catalog.
func Open(path string) (*Catalog, error) {
	c := New()
	c.path = path
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads the snapshot when another process replaced it since the
// last load or flush. Unflushed local changes are dropped in that case.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	info, err := os.Stat(c.path)
	switch {
	case os.IsNotExist(err):
		if !c.onDisk {
			return nil
		}
	case err != nil:
		return fmt.Errorf("failed to stat catalog snapshot: %w", err)
	case c.onDisk && info.ModTime().Equal(c.modTime) && info.Size() == c.size:
		return nil
	}
	return c.load()
}

// load replaces the catalog with the snapshot on disk. Callers hold c.mu
// or own c exclusively.
func (c *Catalog) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.reset()
			c.nextID = 0
			c.onDisk = false
			return nil
		}
		return fmt.Errorf("failed to read catalog snapshot: %w", err)
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("failed to stat catalog snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse catalog snapshot: %w", err)
	}

	c.reset()
	c.nextID = snap.NextID
	for id, p := range snap.Products {
		c.products[id] = p
		c.indexSKU(p.SKU, id)
	}
	for id, v := range snap.Variations {
		c.variations[id] = v
		c.indexSKU(v.SKU, id)
		c.children[v.ParentID] = append(c.children[v.ParentID], id)
	}
	for parent := range c.children {
		c.sortChildren(parent)
	}
	for id, t := range snap.Terms {
		c.terms[id] = t
	}
	for i := range snap.Attributes {
		def := snap.Attributes[i]
		c.defs[def.Key] = &def
	}
	c.onDisk, c.modTime, c.size = true, info.ModTime(), info.Size()
	return nil
}

// Flush writes the snapshot to disk when the catalog has a path
func (c *Catalog) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}

	snap := snapshot{
		Version:     SnapshotVersion,
		NextID:      c.nextID,
		Products:    c.products,
		Variations:  c.variations,
		Terms:       c.terms,
		Attributes:  make([]models.AttributeDefinition, 0, len(c.defs)),
		LastUpdated: c.now(),
	}
	for _, def := range c.defs {
		snap.Attributes = append(snap.Attributes, *def)
	}
	sort.Slice(snap.Attributes, func(i, j int) bool { return snap.Attributes[i].ID < snap.Attributes[j].ID })

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	c.onDisk, c.modTime, c.size = true, info.ModTime(), info.Size()
	return nil
}

func (c *Catalog) reset() {
	c.products = make(map[int64]*models.Product)
	c.variations = make(map[int64]*models.Variation)
	c.terms = make(map[int64]*models.Term)
	c.defs = make(map[string]*models.AttributeDefinition)
	c.skus = make(map[string]int64)
	c.children = make(map[int64][]int64)
}

func (c *Catalog) id() int64 {
	c.nextID++
	return c.nextID
}

func (c *Catalog) indexSKU(sku string, id int64) {
	if sku != "" {
		c.skus[sku] = id
	}
}

func (c *Catalog) sortChildren(parent int64) {
	ids := c.children[parent]
	sort.SliceStable(ids, func(i, j int) bool {
		return c.variations[ids[i]].Position < c.variations[ids[j]].Position
	})
}

// claimSKU reserves sku for id, releasing the item's previous SKU
func (c *Catalog) claimSKU(sku, previous string, id int64) error {
	if sku != "" {
		if owner, taken := c.skus[sku]; taken && owner != id {
			return fmt.Errorf("%w: %s", catalog.ErrDuplicateSKU, sku)
		}
	}
	if previous != "" && previous != sku && c.skus[previous] == id {
		delete(c.skus, previous)
	}
	c.indexSKU(sku, id)
	return nil
}

// Product returns a product by ID
func (c *Catalog) Product(ctx context.Context, id int64) (*models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.products[id].Clone(), nil
}

// ProductBySKU returns the product owning sku
func (c *Catalog) ProductBySKU(ctx context.Context, sku string) (*models.Product, error) {
	if sku == "" {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.products[c.skus[sku]].Clone(), nil
}

// CreateProduct stores a new product and assigns its ID
func (c *Catalog) CreateProduct(ctx context.Context, p *models.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.id()
	if err := c.claimSKU(p.SKU, "", id); err != nil {
		return err
	}
	now := c.now()
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	c.products[id] = p.Clone()
	return nil
}

// UpdateProduct replaces a stored product
func (c *Catalog) UpdateProduct(ctx context.Context, p *models.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.products[p.ID]
	if !ok {
		return fmt.Errorf("%w: product %d", catalog.ErrNotFound, p.ID)
	}
	if err := c.claimSKU(p.SKU, existing.SKU, p.ID); err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = c.now()
	c.products[p.ID] = p.Clone()
	return nil
}

// VariationBySKU returns the variation owning sku
func (c *Catalog) VariationBySKU(ctx context.Context, sku string) (*models.Variation, error) {
	if sku == "" {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.variations[c.skus[sku]].Clone(), nil
}

// Variations returns the variations of a parent in creation order
func (c *Catalog) Variations(ctx context.Context, parentID int64) ([]*models.Variation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.children[parentID]
	out := make([]*models.Variation, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.variations[id].Clone())
	}
	return out, nil
}

// CreateVariation stores a new variation under its parent
func (c *Catalog) CreateVariation(ctx context.Context, v *models.Variation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.products[v.ParentID]; !ok {
		return fmt.Errorf("%w: parent product %d", catalog.ErrNotFound, v.ParentID)
	}
	id := c.id()
	if err := c.claimSKU(v.SKU, "", id); err != nil {
		return err
	}
	now := c.now()
	v.ID = id
	v.Position = len(c.children[v.ParentID])
	v.CreatedAt = now
	v.UpdatedAt = now
	c.variations[id] = v.Clone()
	c.children[v.ParentID] = append(c.children[v.ParentID], id)
	return nil
}

// UpdateVariation replaces a stored variation
func (c *Catalog) UpdateVariation(ctx context.Context, v *models.Variation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.variations[v.ID]
	if !ok {
		return fmt.Errorf("%w: variation %d", catalog.ErrNotFound, v.ID)
	}
	if err := c.claimSKU(v.SKU, existing.SKU, v.ID); err != nil {
		return err
	}
	v.ParentID = existing.ParentID
	v.Position = existing.Position
	v.CreatedAt = existing.CreatedAt
	v.UpdatedAt = c.now()
	c.variations[v.ID] = v.Clone()
	return nil
}

// CountProducts returns the number of parent and simple products
func (c *Catalog) CountProducts(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products), nil
}

// DeleteAll removes every product and variation
func (c *Catalog) DeleteAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.products) + len(c.variations)
	c.products = make(map[int64]*models.Product)
	c.variations = make(map[int64]*models.Variation)
	c.skus = make(map[string]int64)
	c.children = make(map[int64][]int64)
	return n, nil
}

// FindTerm returns a term by exact name within a taxonomy
func (c *Catalog) FindTerm(ctx context.Context, taxonomy, name string) (*models.Term, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var found *models.Term
	for _, t := range c.terms {
		if t.Taxonomy == taxonomy && t.Name == name && (found == nil || t.ID < found.ID) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	term := *found
	return &term, nil
}

// CreateTerm stores a term with a slug that is unique in its taxonomy
func (c *Catalog) CreateTerm(ctx context.Context, t *models.Term) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := strings.TrimSpace(t.Slug)
	if base == "" {
		base = "term"
	}
	slug := base
	for n := 2; c.slugTaken(t.Taxonomy, slug); n++ {
		slug = fmt.Sprintf("%s-%d", base, n)
	}

	t.ID = c.id()
	t.Slug = slug
	term := *t
	c.terms[t.ID] = &term
	return nil
}

func (c *Catalog) slugTaken(taxonomy, slug string) bool {
	for _, t := range c.terms {
		if t.Taxonomy == taxonomy && t.Slug == slug {
			return true
		}
	}
	return false
}

// Terms returns every term of a taxonomy ordered by ID
func (c *Catalog) Terms(taxonomy string) []models.Term {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.Term
	for _, t := range c.terms {
		if t.Taxonomy == taxonomy {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteTaxonomy removes every term of a taxonomy
func (c *Catalog) DeleteTaxonomy(ctx context.Context, taxonomy string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteTaxonomy(taxonomy), nil
}

func (c *Catalog) deleteTaxonomy(taxonomy string) int {
	n := 0
	for id, t := range c.terms {
		if t.Taxonomy == taxonomy {
			delete(c.terms, id)
			n++
		}
	}
	return n
}

// AttributeDefinition returns the definition registered for key
func (c *Catalog) AttributeDefinition(ctx context.Context, key string) (*models.AttributeDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[key]
	if !ok {
		return nil, nil
	}
	out := *def
	return &out, nil
}

// CreateAttributeDefinition registers a new attribute
func (c *Catalog) CreateAttributeDefinition(ctx context.Context, def *models.AttributeDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.defs[def.Key]; exists {
		return fmt.Errorf("attribute %q already defined", def.Key)
	}
	def.ID = c.id()
	stored := *def
	c.defs[def.Key] = &stored
	return nil
}

// AttributeDefinitions returns every registered attribute ordered by ID
func (c *Catalog) AttributeDefinitions(ctx context.Context) ([]models.AttributeDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.AttributeDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteAttributeDefinitions removes every attribute and its terms
func (c *Catalog) DeleteAttributeDefinitions(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.defs)
	for _, def := range c.defs {
		c.deleteTaxonomy(def.Taxonomy)
	}
	c.defs = make(map[string]*models.AttributeDefinition)
	return n, nil
}
