package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrEmptyFile is returned when a feed file has no header row
var ErrEmptyFile = errors.New("feed file is empty")

// Reader streams records from a feed file one at a time
type Reader struct {
	file   *os.File
	csv    *csv.Reader
	header *Header
	size   int64
}

// Open opens a feed file and reads its header row
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}

	cr := csv.NewReader(file)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1 // Row length is checked per record

	names, err := cr.Read()
	if err != nil {
		file.Close()
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	return &Reader{
		file:   file,
		csv:    cr,
		header: NewHeader(names),
		size:   size,
	}, nil
}

// Header returns the parsed header
func (r *Reader) Header() *Header {
	return r.header
}

// Next returns the next record and the line it starts on.
// io.EOF is returned after the last record.
func (r *Reader) Next() ([]string, int, error) {
	record, err := r.csv.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, perr.StartLine, err
		}
		return nil, 0, err
	}
	line, _ := r.csv.FieldPos(0)
	return record, line, nil
}

// Offset returns the number of bytes consumed so far
func (r *Reader) Offset() int64 {
	return r.csv.InputOffset()
}

// Size returns the file size in bytes
func (r *Reader) Size() int64 {
	return r.size
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.file.Close()
}
