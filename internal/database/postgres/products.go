package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CatalogRepo implements catalog.Store for PostgreSQL
type CatalogRepo struct {
	client *Client
}

var _ catalog.Store = (*CatalogRepo)(nil)

// NewCatalogRepo creates a new PostgreSQL catalog repository
func NewCatalogRepo(client *Client) *CatalogRepo {
	return &CatalogRepo{client: client}
}

const productColumns = `
	id, kind, sku, name, description,
	price::text, regular_price::text, price_min::text, price_max::text,
	stock_quantity, stock_status, weight::text,
	category_ids, terms, image_id, gallery_image_ids, attributes, meta,
	created_at, updated_at`

const variationColumns = `
	id, parent_id, sku, price::text, regular_price::text,
	stock_quantity, stock_status, attributes, position, created_at, updated_at`

// Product retrieves a product by ID
func (r *CatalogRepo) Product(ctx context.Context, id int64) (*models.Product, error) {
	row := r.client.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

// ProductBySKU retrieves the product owning sku
func (r *CatalogRepo) ProductBySKU(ctx context.Context, sku string) (*models.Product, error) {
	if sku == "" {
		return nil, nil
	}
	row := r.client.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)
	return scanProduct(row)
}

// CreateProduct inserts a product and assigns its ID
func (r *CatalogRepo) CreateProduct(ctx context.Context, p *models.Product) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT nextval('catalog_item_id_seq')`).Scan(&id); err != nil {
			return fmt.Errorf("failed to allocate product id: %w", err)
		}
		if err := claimSKU(ctx, tx, p.SKU, "", id); err != nil {
			return err
		}

		args, err := productArgs(p)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO products (
				id, kind, sku, name, description,
				price, regular_price, price_min, price_max,
				stock_quantity, stock_status, weight,
				category_ids, terms, image_id, gallery_image_ids, attributes, meta
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9,
				$10, $11, $12,
				$13, $14, $15, $16, $17, $18
			)
			RETURNING created_at, updated_at
		`
		if err := tx.QueryRow(ctx, query, append([]any{id}, args...)...).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		p.ID = id
		return nil
	})
}

// UpdateProduct replaces a stored product
func (r *CatalogRepo) UpdateProduct(ctx context.Context, p *models.Product) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var previous string
		err := tx.QueryRow(ctx, `SELECT sku FROM products WHERE id = $1 FOR UPDATE`, p.ID).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: product %d", catalog.ErrNotFound, p.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		if err := claimSKU(ctx, tx, p.SKU, previous, p.ID); err != nil {
			return err
		}

		args, err := productArgs(p)
		if err != nil {
			return err
		}
		query := `
			UPDATE products SET
				kind = $2, sku = $3, name = $4, description = $5,
				price = $6, regular_price = $7, price_min = $8, price_max = $9,
				stock_quantity = $10, stock_status = $11, weight = $12,
				category_ids = $13, terms = $14, image_id = $15,
				gallery_image_ids = $16, attributes = $17, meta = $18,
				updated_at = NOW()
			WHERE id = $1
			RETURNING created_at, updated_at
		`
		if err := tx.QueryRow(ctx, query, append([]any{p.ID}, args...)...).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update product: %w", err)
		}
		return nil
	})
}

// VariationBySKU retrieves the variation owning sku
func (r *CatalogRepo) VariationBySKU(ctx context.Context, sku string) (*models.Variation, error) {
	if sku == "" {
		return nil, nil
	}
	row := r.client.pool.QueryRow(ctx, `SELECT `+variationColumns+` FROM variations WHERE sku = $1`, sku)
	return scanVariation(row)
}

// Variations returns a parent's variations in creation order
func (r *CatalogRepo) Variations(ctx context.Context, parentID int64) ([]*models.Variation, error) {
	rows, err := r.client.pool.Query(ctx,
		`SELECT `+variationColumns+` FROM variations WHERE parent_id = $1 ORDER BY position, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variations: %w", err)
	}
	defer rows.Close()

	var out []*models.Variation
	for rows.Next() {
		v, err := scanVariation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateVariation inserts a variation under its parent
func (r *CatalogRepo) CreateVariation(ctx context.Context, v *models.Variation) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var position int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE((SELECT COUNT(*) FROM variations WHERE parent_id = p.id), 0)
			FROM products p WHERE p.id = $1 FOR UPDATE OF p
		`, v.ParentID).Scan(&position)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: parent product %d", catalog.ErrNotFound, v.ParentID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock parent product: %w", err)
		}

		var id int64
		if err := tx.QueryRow(ctx, `SELECT nextval('catalog_item_id_seq')`).Scan(&id); err != nil {
			return fmt.Errorf("failed to allocate variation id: %w", err)
		}
		if err := claimSKU(ctx, tx, v.SKU, "", id); err != nil {
			return err
		}

		attrs, err := json.Marshal(v.Attributes)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO variations (
				id, parent_id, sku, price, regular_price,
				stock_quantity, stock_status, attributes, position
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`
		err = tx.QueryRow(ctx, query,
			id, v.ParentID, v.SKU, v.Price.String(), v.RegularPrice.String(),
			v.StockQuantity, string(v.StockStatus), attrs, position,
		).Scan(&v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create variation: %w", err)
		}
		v.ID = id
		v.Position = position
		return nil
	})
}

// UpdateVariation replaces a stored variation. Parent and position never change.
func (r *CatalogRepo) UpdateVariation(ctx context.Context, v *models.Variation) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var previous string
		err := tx.QueryRow(ctx, `SELECT sku FROM variations WHERE id = $1 FOR UPDATE`, v.ID).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: variation %d", catalog.ErrNotFound, v.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock variation: %w", err)
		}
		if err := claimSKU(ctx, tx, v.SKU, previous, v.ID); err != nil {
			return err
		}

		attrs, err := json.Marshal(v.Attributes)
		if err != nil {
			return err
		}
		query := `
			UPDATE variations SET
				sku = $2, price = $3, regular_price = $4,
				stock_quantity = $5, stock_status = $6, attributes = $7,
				updated_at = NOW()
			WHERE id = $1
			RETURNING parent_id, position, created_at, updated_at
		`
		err = tx.QueryRow(ctx, query,
			v.ID, v.SKU, v.Price.String(), v.RegularPrice.String(),
			v.StockQuantity, string(v.StockStatus), attrs,
		).Scan(&v.ParentID, &v.Position, &v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update variation: %w", err)
		}
		return nil
	})
}

// CountProducts returns the number of parent and simple products
func (r *CatalogRepo) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := r.client.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

// DeleteAll removes every product and variation
func (r *CatalogRepo) DeleteAll(ctx context.Context) (int, error) {
	var total int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		total = 0
		for _, table := range []string{"variations", "products"} {
			tag, err := tx.Exec(ctx, `DELETE FROM `+table)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}
			total += int(tag.RowsAffected())
		}
		if _, err := tx.Exec(ctx, `DELETE FROM skus`); err != nil {
			return fmt.Errorf("failed to clear sku index: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *CatalogRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if r.client.pool == nil {
		return ErrNotConnected
	}
	tx, err := r.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// claimSKU reserves sku for id and releases the item's previous SKU
func claimSKU(ctx context.Context, q querier, sku, previous string, id int64) error {
	if previous != "" && previous != sku {
		if _, err := q.Exec(ctx, `DELETE FROM skus WHERE sku = $1 AND item_id = $2`, previous, id); err != nil {
			return fmt.Errorf("failed to release sku: %w", err)
		}
	}
	if sku == "" {
		return nil
	}

	tag, err := q.Exec(ctx, `INSERT INTO skus (sku, item_id) VALUES ($1, $2) ON CONFLICT (sku) DO NOTHING`, sku, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", catalog.ErrDuplicateSKU, sku)
		}
		return fmt.Errorf("failed to claim sku: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner int64
	if err := q.QueryRow(ctx, `SELECT item_id FROM skus WHERE sku = $1`, sku).Scan(&owner); err != nil {
		return fmt.Errorf("failed to read sku owner: %w", err)
	}
	if owner != id {
		return fmt.Errorf("%w: %s", catalog.ErrDuplicateSKU, sku)
	}
	return nil
}

func productArgs(p *models.Product) ([]any, error) {
	categories, err := json.Marshal(nonNilInts(p.CategoryIDs))
	if err != nil {
		return nil, err
	}
	terms, err := json.Marshal(nonNilMap(p.Terms))
	if err != nil {
		return nil, err
	}
	gallery, err := json.Marshal(nonNilStrings(p.GalleryImageIDs))
	if err != nil {
		return nil, err
	}
	attributes, err := json.Marshal(nonNilAttributes(p.Attributes))
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(nonNilMeta(p.Meta))
	if err != nil {
		return nil, err
	}

	kind := p.Kind
	if kind == "" {
		kind = models.KindSimple
	}
	return []any{
		string(kind), p.SKU, p.Name, p.Description,
		p.Price.String(), p.RegularPrice.String(), p.PriceMin.String(), p.PriceMax.String(),
		p.StockQuantity, string(p.StockStatus), p.Weight.String(),
		categories, terms, p.ImageID, gallery, attributes, meta,
	}, nil
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	var kind, stockStatus string
	var price, regular, priceMin, priceMax, weight string
	var categories, terms, gallery, attributes, meta []byte

	err := row.Scan(
		&p.ID, &kind, &p.SKU, &p.Name, &p.Description,
		&price, &regular, &priceMin, &priceMax,
		&p.StockQuantity, &stockStatus, &weight,
		&categories, &terms, &p.ImageID, &gallery, &attributes, &meta,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	p.Kind = models.ProductKind(kind)
	p.StockStatus = models.StockStatus(stockStatus)
	if err := parseDecimals(map[*decimal.Decimal]string{
		&p.Price: price, &p.RegularPrice: regular, &p.PriceMin: priceMin, &p.PriceMax: priceMax, &p.Weight: weight,
	}); err != nil {
		return nil, err
	}

	for dst, src := range map[any][]byte{
		&p.CategoryIDs: categories, &p.Terms: terms, &p.GalleryImageIDs: gallery,
		&p.Attributes: attributes, &p.Meta: meta,
	} {
		if len(src) == 0 {
			continue
		}
		if err := json.Unmarshal(src, dst); err != nil {
			return nil, fmt.Errorf("failed to decode product %d: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanVariation(row pgx.Row) (*models.Variation, error) {
	var v models.Variation
	var price, regular, stockStatus string
	var attrs []byte

	err := row.Scan(
		&v.ID, &v.ParentID, &v.SKU, &price, &regular,
		&v.StockQuantity, &stockStatus, &attrs, &v.Position, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan variation: %w", err)
	}

	v.StockStatus = models.StockStatus(stockStatus)
	if err := parseDecimals(map[*decimal.Decimal]string{&v.Price: price, &v.RegularPrice: regular}); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &v.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode variation %d: %w", v.ID, err)
		}
	}
	return &v, nil
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, src := range fields {
		d, err := decimal.NewFromString(src)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q: %w", src, err)
		}
		*dst = d
	}
	return nil
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilAttributes(v []models.ProductAttribute) []models.ProductAttribute {
	if v == nil {
		return []models.ProductAttribute{}
	}
	return v
}

func nonNilMap(v map[string][]int64) map[string][]int64 {
	if v == nil {
		return map[string][]int64{}
	}
	return v
}

func nonNilMeta(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
