package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductKind distinguishes single-SKU products from products with variations
type ProductKind string

const (
	KindSimple   ProductKind = "simple"
	KindVariable ProductKind = "variable"
)

// StockStatus is the availability flag shown on the storefront
type StockStatus string

const (
	InStock    StockStatus = "instock"
	OutOfStock StockStatus = "outofstock"
)

// StockStatusFor derives the availability flag from a quantity
func StockStatusFor(qty int) StockStatus {
	if qty > 0 {
		return InStock
	}
	return OutOfStock
}

// Meta keys written on every reconciled product
const (
	MetaSKUVariable  = "_sku_variable"
	MetaBrandName    = "_brand_name"
	MetaBrandID      = "_brand_id"
	MetaModelNo      = "_model_no"
	MetaExternalCode = "_external_code"
)

// ProductAttribute attaches terms of one attribute taxonomy to a product
type ProductAttribute struct {
	Taxonomy  string  `json:"taxonomy"`
	Options   []int64 `json:"options"` // term IDs
	Position  int     `json:"position"`
	Visible   bool    `json:"visible"`
	Variation bool    `json:"variation"`
}

// Product is a catalog entry created or maintained by the importer
type Product struct {
	ID              int64              `json:"id"`
	Kind            ProductKind        `json:"kind"`
	SKU             string             `json:"sku"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Price           decimal.Decimal    `json:"price"`
	RegularPrice    decimal.Decimal    `json:"regular_price"`
	PriceMin        decimal.Decimal    `json:"price_min"`
	PriceMax        decimal.Decimal    `json:"price_max"`
	StockQuantity   int                `json:"stock_quantity"`
	StockStatus     StockStatus        `json:"stock_status"`
	Weight          decimal.Decimal    `json:"weight"`
	CategoryIDs     []int64            `json:"category_ids,omitempty"`
	Terms           map[string][]int64 `json:"terms,omitempty"` // taxonomy -> term IDs
	ImageID         string             `json:"image_id,omitempty"`
	GalleryImageIDs []string           `json:"gallery_image_ids,omitempty"`
	Attributes      []ProductAttribute `json:"attributes,omitempty"`
	Meta            map[string]string  `json:"meta,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Attribute returns the attribute attached for a taxonomy, or nil
func (p *Product) Attribute(taxonomy string) *ProductAttribute {
	for i := range p.Attributes {
		if p.Attributes[i].Taxonomy == taxonomy {
			return &p.Attributes[i]
		}
	}
	return nil
}

// SetMeta sets a meta value, allocating the map when needed
func (p *Product) SetMeta(key, value string) {
	if p.Meta == nil {
		p.Meta = make(map[string]string)
	}
	p.Meta[key] = value
}

// SetTerms replaces the terms assigned for a taxonomy
func (p *Product) SetTerms(taxonomy string, ids ...int64) {
	if p.Terms == nil {
		p.Terms = make(map[string][]int64)
	}
	if len(ids) == 0 {
		delete(p.Terms, taxonomy)
		return
	}
	p.Terms[taxonomy] = append([]int64(nil), ids...)
}

// Clone returns a deep copy so stores never share mutable state with callers
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	c.CategoryIDs = append([]int64(nil), p.CategoryIDs...)
	c.GalleryImageIDs = append([]string(nil), p.GalleryImageIDs...)
	if p.Terms != nil {
		c.Terms = make(map[string][]int64, len(p.Terms))
		for k, v := range p.Terms {
			c.Terms[k] = append([]int64(nil), v...)
		}
	}
	if p.Attributes != nil {
		c.Attributes = make([]ProductAttribute, len(p.Attributes))
		for i, a := range p.Attributes {
			a.Options = append([]int64(nil), a.Options...)
			c.Attributes[i] = a
		}
	}
	if p.Meta != nil {
		c.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// Variation is one purchasable combination of a variable product
type Variation struct {
	ID            int64             `json:"id"`
	ParentID      int64             `json:"parent_id"`
	SKU           string            `json:"sku,omitempty"`
	Price         decimal.Decimal   `json:"price"`
	RegularPrice  decimal.Decimal   `json:"regular_price"`
	StockQuantity int               `json:"stock_quantity"`
	StockStatus   StockStatus       `json:"stock_status"`
	Attributes    map[string]string `json:"attributes,omitempty"` // taxonomy -> term slug
	Position      int               `json:"position"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the variation
func (v *Variation) Clone() *Variation {
	if v == nil {
		return nil
	}
	c := *v
	if v.Attributes != nil {
		c.Attributes = make(map[string]string, len(v.Attributes))
		for k, val := range v.Attributes {
			c.Attributes[k] = val
		}
	}
	return &c
}
