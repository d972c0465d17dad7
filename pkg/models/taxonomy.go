package models

// Taxonomies owned by the importer
const (
	TaxonomyCategory = "product_cat"
	TaxonomyBrand    = "product_brand"
)

// AttributeTaxonomyPrefix namespaces attribute taxonomies (pa_size, pa_color, ...)
const AttributeTaxonomyPrefix = "pa_"

// AttributeTaxonomy returns the taxonomy name backing an attribute key
func AttributeTaxonomy(key string) string {
	return AttributeTaxonomyPrefix + key
}

// Term is a named node of a taxonomy (category, brand or attribute value)
type Term struct {
	ID       int64  `json:"id"`
	Taxonomy string `json:"taxonomy"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// AttributeDefinition registers a global selectable attribute
type AttributeDefinition struct {
	ID       int64  `json:"id"`
	Key      string `json:"key"`
	Taxonomy string `json:"taxonomy"`
	Label    string `json:"label"`
	Type     string `json:"type"`
}
