package tabular

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Delimiter separates fields in list files.
const Delimiter = ';'

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Format identifies a file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFor returns the format implied by a file name's extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatCSV
	}
}

// ReadFile reads a list file, picking the decoder from its extension.
func ReadFile(path string) (*Table, error) {
	if FormatFor(path) == FormatXLSX {
		return ReadXLSXFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}

// ReadCSV parses semicolon-delimited text. Input that is not valid UTF-8 is
// decoded as Latin-1.
func ReadCSV(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("decode latin-1: %w", err)
		}
		raw = decoded
	}

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.Comma = Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse list: %w", err)
	}
	return fromRecords(records)
}

func fromRecords(records [][]string) (*Table, error) {
	if len(records) == 0 || isBlankRow(records[0]) {
		return nil, ErrEmpty
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	t := &Table{Header: header}

	for n, rec := range records[1:] {
		if isBlankRow(rec) {
			continue
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("row %d: expected %d fields, saw %d", n+2, len(header), len(rec))
		}
		t.Append(rec...)
	}
	return t, nil
}

func isBlankRow(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteCSV writes the table as semicolon-delimited UTF-8 with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = Delimiter
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// CSVBytes returns the table serialized by WriteCSV.
func (t *Table) CSVBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes the table in the given format.
func (t *Table) Write(w io.Writer, format Format) error {
	switch format {
	case FormatXLSX:
		return t.WriteXLSX(w)
	case FormatCSV, "":
		return t.WriteCSV(w)
	default:
		return fmt.Errorf("unsupported table format: %q", format)
	}
}
