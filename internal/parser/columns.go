package parser

import (
	"errors"
	"fmt"
	"strings"
)

// Vendor column names
const (
	ColModel          = "Modello"
	ColVariantCode    = "CodArticolo"
	ColName           = "DSArticoloAgg"
	ColDescription    = "ArticoloDescrizionePers"
	ColBrand          = "DSLinea"
	ColBrandID        = "IGULinea"
	ColDepartment     = "DSRepartoWeb"
	ColCategory       = "DSCategoriaMerceologicaWeb"
	ColGender         = "DSSessoWeb"
	ColPrice          = "PrezzoIvato"
	ColStock          = "Disponibilita"
	ColWeight         = "Peso"
	ColSize           = "Taglia"
	ColColor          = "DSColoreWeb"
	ColMaterial       = "DSMateriale"
	ColSeasonWeb      = "DSStagioneWeb"
	ColSeason         = "DSStagione"
	ColExternalCode   = "CodEsterno"
	ColBarcode        = "BarCode"
	imageColumnPrefix = "URLImg"
)

// RequiredColumns must all be present for a file to be imported
var RequiredColumns = []string{ColModel, ColName, ColPrice, ColStock}

// ImportantColumns are expected but the file is still imported without them
var ImportantColumns = []string{ColVariantCode, ColBrand, ColDepartment, ColCategory, ColSize, ColColor}

// ErrMissingRequiredColumns is returned when a header lacks a required column
var ErrMissingRequiredColumns = errors.New("missing required columns")

// MissingColumnsError names the required columns absent from a header
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingRequiredColumns, strings.Join(e.Columns, ", "))
}

func (e *MissingColumnsError) Unwrap() error {
	return ErrMissingRequiredColumns
}

// HeaderReport describes the structure of a feed header
type HeaderReport struct {
	Columns          int
	MissingRequired  []string
	MissingImportant []string
}

// ValidateHeader checks a header against the required and important column sets.
// Missing important columns are reported but do not produce an error.
func ValidateHeader(header []string) (*HeaderReport, error) {
	h := NewHeader(header)
	report := &HeaderReport{Columns: len(header)}

	for _, col := range RequiredColumns {
		if !h.Has(col) {
			report.MissingRequired = append(report.MissingRequired, col)
		}
	}
	for _, col := range ImportantColumns {
		if !h.Has(col) {
			report.MissingImportant = append(report.MissingImportant, col)
		}
	}

	if len(report.MissingRequired) > 0 {
		return report, &MissingColumnsError{Columns: report.MissingRequired}
	}
	return report, nil
}

// Header indexes the column names of a feed file
type Header struct {
	names []string
	index map[string]int
}

// NewHeader builds a column index. Names are matched case-insensitively
// and a UTF-8 BOM on the first column is ignored.
func NewHeader(names []string) *Header {
	h := &Header{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, name := range names {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		name = strings.TrimSpace(name)
		h.names[i] = name
		key := strings.ToLower(name)
		if _, dup := h.index[key]; !dup {
			h.index[key] = i
		}
	}
	return h
}

// Len returns the number of columns
func (h *Header) Len() int {
	return len(h.names)
}

// Names returns the cleaned column names
func (h *Header) Names() []string {
	return append([]string(nil), h.names...)
}

// Has reports whether the column is present
func (h *Header) Has(name string) bool {
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

func (h *Header) value(data []string, name string) string {
	i, ok := h.index[strings.ToLower(name)]
	if !ok || i >= len(data) {
		return ""
	}
	return data[i]
}

func imageColumn(n int) string {
	return fmt.Sprintf("%s%d", imageColumnPrefix, n)
}
