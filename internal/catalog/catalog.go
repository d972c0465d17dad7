// Package catalog defines the storage contracts the importer writes through.
package catalog

import (
	"context"
	"errors"

	"github.com/badno/catalogsync/pkg/models"
)

var (
	// ErrDuplicateSKU is returned when a SKU is already used by another product or variation
	ErrDuplicateSKU = errors.New("sku already in use")
	// ErrNotFound is returned when updating an item that does not exist
	ErrNotFound = errors.New("catalog item not found")
)

// Store persists products and variations.
// Lookups return nil, nil when nothing matches. SKUs are unique across
// products and variations together; empty variation SKUs are allowed.
type Store interface {
	Product(ctx context.Context, id int64) (*models.Product, error)
	ProductBySKU(ctx context.Context, sku string) (*models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) error
	UpdateProduct(ctx context.Context, p *models.Product) error

	VariationBySKU(ctx context.Context, sku string) (*models.Variation, error)
	// Variations returns a parent's variations in creation order
	Variations(ctx context.Context, parentID int64) ([]*models.Variation, error)
	CreateVariation(ctx context.Context, v *models.Variation) error
	UpdateVariation(ctx context.Context, v *models.Variation) error

	CountProducts(ctx context.Context) (int, error)
	// DeleteAll removes every product and variation and returns how many items were removed
	DeleteAll(ctx context.Context) (int, error)
}

// TermStore persists taxonomy terms and attribute definitions
type TermStore interface {
	// FindTerm returns the term with an exact name match in the taxonomy, or nil
	FindTerm(ctx context.Context, taxonomy, name string) (*models.Term, error)
	// CreateTerm inserts a term, suffixing its slug (-2, -3, ...) when taken
	CreateTerm(ctx context.Context, t *models.Term) error
	DeleteTaxonomy(ctx context.Context, taxonomy string) (int, error)

	AttributeDefinition(ctx context.Context, key string) (*models.AttributeDefinition, error)
	CreateAttributeDefinition(ctx context.Context, def *models.AttributeDefinition) error
	AttributeDefinitions(ctx context.Context) ([]models.AttributeDefinition, error)
	// DeleteAttributeDefinitions removes every definition together with its terms
	DeleteAttributeDefinitions(ctx context.Context) (int, error)
}

// Flusher is implemented by stores that buffer writes over a shared snapshot.
// Refresh picks up a snapshot written by another process; Flush writes the
// local changes back.
type Flusher interface {
	Refresh(ctx context.Context) error
	Flush(ctx context.Context) error
}
