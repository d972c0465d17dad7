package models

import "github.com/shopspring/decimal"

// MaxRowImages is the number of image columns in the vendor feed
const MaxRowImages = 10

// ProductRow is one cleaned line of a vendor feed file
type ProductRow struct {
	Line           int             `json:"line"`
	SKU            string          `json:"sku" validate:"required"`
	SKUVariable    string          `json:"sku_variable,omitempty"`
	Name           string          `json:"name" validate:"required"`
	Description    string          `json:"description,omitempty"`
	BrandName      string          `json:"brand_name,omitempty"`
	BrandID        string          `json:"brand_id,omitempty"`
	ParentCategory string          `json:"parent_category,omitempty"`
	Category       string          `json:"category,omitempty"`
	Gender         string          `json:"gender,omitempty"`
	Price          decimal.Decimal `json:"price" validate:"min=0"`
	RegularPrice   decimal.Decimal `json:"regular_price" validate:"min=0"`
	Stock          int             `json:"stock" validate:"min=0"`
	Weight         decimal.Decimal `json:"weight" validate:"min=0"`
	ModelNo        string          `json:"model_no,omitempty"`
	Size           string          `json:"size,omitempty"`
	Color          string          `json:"color,omitempty"`
	Material       string          `json:"material,omitempty"`
	Season         string          `json:"season,omitempty"`
	ExternalCode   string          `json:"external_code,omitempty"`
	Barcode        string          `json:"barcode,omitempty"`
	Images         []string        `json:"images,omitempty" validate:"max=10"`
}

// HasVariantSKU reports whether the row names a variant distinct from its main SKU
func (r *ProductRow) HasVariantSKU() bool {
	return r.SKUVariable != "" && r.SKUVariable != r.SKU
}

// HasVariationAttributes reports whether the row carries size or color
func (r *ProductRow) HasVariationAttributes() bool {
	return r.Size != "" || r.Color != ""
}

// AttributeValues returns the raw attribute values keyed by attribute key
func (r *ProductRow) AttributeValues() map[string]string {
	return map[string]string{
		"size":     r.Size,
		"color":    r.Color,
		"model-no": r.ModelNo,
		"material": r.Material,
		"season":   r.Season,
	}
}
