package parser

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/badno/catalogsync/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrColumnMismatch is returned when a record's field count differs from the header
	ErrColumnMismatch = errors.New("column count mismatch")
	// ErrInvalidNumber is returned for numeric columns that cannot be parsed
	ErrInvalidNumber = errors.New("invalid number")
	// ErrInvalidRow is returned when a parsed row violates a field constraint
	ErrInvalidRow = errors.New("invalid row")
)

var (
	tagPattern = regexp.MustCompile(`<[^>]*>`)
	validate   = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// ParseRow maps one record onto a ProductRow using the given header.
// It returns nil, nil when the row has no SKU or no name after cleaning.
func ParseRow(header, data []string, line int) (*models.ProductRow, error) {
	return NewHeader(header).Parse(data, line)
}

// Parse maps one record onto a ProductRow.
// It returns nil, nil when the row has no SKU or no name after cleaning.
func (h *Header) Parse(data []string, line int) (*models.ProductRow, error) {
	if len(data) != h.Len() {
		return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrColumnMismatch, h.Len(), len(data))
	}

	get := func(col string) string {
		return Clean(h.value(data, col))
	}

	row := &models.ProductRow{
		Line:           line,
		SKU:            get(ColModel),
		ModelNo:        get(ColModel),
		SKUVariable:    NormalizeNumericID(get(ColVariantCode)),
		Name:           get(ColName),
		Description:    get(ColDescription),
		BrandName:      get(ColBrand),
		BrandID:        get(ColBrandID),
		ParentCategory: get(ColDepartment),
		Category:       get(ColCategory),
		Gender:         get(ColGender),
		Size:           get(ColSize),
		Color:          get(ColColor),
		Material:       get(ColMaterial),
		Season:         get(ColSeasonWeb),
		ExternalCode:   get(ColExternalCode),
		Barcode:        NormalizeNumericID(get(ColBarcode)),
	}
	if row.Season == "" {
		row.Season = get(ColSeason)
	}

	if row.SKU == "" || row.Name == "" {
		return nil, nil
	}

	var err error
	if row.Price, err = parseDecimal(get(ColPrice)); err != nil {
		return nil, fmt.Errorf("%s: %w", ColPrice, err)
	}
	row.RegularPrice = row.Price
	if row.Weight, err = parseDecimal(get(ColWeight)); err != nil {
		return nil, fmt.Errorf("%s: %w", ColWeight, err)
	}
	stock, err := parseDecimal(get(ColStock))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ColStock, err)
	}
	row.Stock = int(stock.IntPart())

	for i := 1; i <= models.MaxRowImages; i++ {
		if u := get(imageColumn(i)); u != "" {
			row.Images = append(row.Images, u)
		}
	}

	if err := validate.Struct(row); err != nil {
		return nil, describeValidation(err)
	}

	return row, nil
}

// Clean strips markup tags and surrounding whitespace
func Clean(s string) string {
	if strings.ContainsRune(s, '<') {
		s = tagPattern.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// NormalizeNumericID rewrites identifiers exported in scientific notation
// ("1.23E+11") as plain integer strings ("123000000000"). Other values are
// returned unchanged.
func NormalizeNumericID(s string) string {
	if !strings.Contains(s, "E+") && !strings.Contains(s, "e+") {
		return s
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return s
	}
	return d.Round(0).String()
}

// IsScientific reports whether NormalizeNumericID would rewrite s
func IsScientific(s string) bool {
	return NormalizeNumericID(s) != s
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, nil
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must not be negative", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s has more than %s entries", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRow, strings.Join(msgs, "; "))
}
