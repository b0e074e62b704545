// Package tabular reads contact lists, prepares the sanitized copy that is
// uploaded for validation, and composes the normalized result table.
//
// Input files are semicolon-delimited text (UTF-8, with a Latin-1 fallback)
// or XLSX workbooks. Output is semicolon-delimited UTF-8 or XLSX.
package tabular

import (
	"errors"
	"strings"
)

// Well-known column names.
const (
	// ColumnRecipient is the required recipient column of an input list.
	ColumnRecipient = "Destinatario"

	// ColumnTag is the optional column whose first value becomes the
	// cost-center tag of a submission.
	ColumnTag = "Var1"

	// ColumnNumber and ColumnHasWhatsApp form the result table.
	ColumnNumber      = "Numero"
	ColumnHasWhatsApp = "Tem Zap"
)

// Result flag values.
const (
	FlagValid   = "SIM"
	FlagInvalid = "NAO"
)

// ErrEmpty indicates a file without a header row.
var ErrEmpty = errors.New("table has no header row")

// Table is a header plus string rows. Every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// New creates a table with the given header.
func New(header ...string) *Table {
	h := make([]string, len(header))
	copy(h, header)
	return &Table{Header: h}
}

// Append adds a row, padding or truncating it to the header width.
func (t *Table) Append(cells ...string) {
	row := make([]string, len(t.Header))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the index of the column whose trimmed name equals name
// case-insensitively, or -1.
func (t *Table) Column(name string) int {
	want := strings.ToUpper(strings.TrimSpace(name))
	for i, h := range t.Header {
		if strings.ToUpper(strings.TrimSpace(h)) == want {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	return t.Column(name) >= 0
}

// ExtractTag returns the first non-empty trimmed value of the named column
// and blanks that column in every row. ok is false when the column is absent;
// tag is empty when the column holds no values.
func (t *Table) ExtractTag(name string) (tag string, ok bool) {
	idx := t.Column(name)
	if idx < 0 {
		return "", false
	}
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[idx])
		if tag == "" && v != "" {
			tag = v
		}
		row[idx] = ""
	}
	return tag, true
}

// Values returns every cell of the named column (nil when absent).
func (t *Table) Values(name string) []string {
	idx := t.Column(name)
	if idx < 0 {
		return nil
	}
	out := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, row[idx])
	}
	return out
}

// ResultRow is one normalized output line.
type ResultRow struct {
	// Number is the digits-only recipient; empty when the remote item
	// carried no usable identifier.
	Number string
	Valid  bool
}

// NewResult builds the normalized result table.
func NewResult(rows []ResultRow) *Table {
	t := New(ColumnNumber, ColumnHasWhatsApp)
	for _, r := range rows {
		flag := FlagInvalid
		if r.Valid {
			flag = FlagValid
		}
		t.Append(r.Number, flag)
	}
	return t
}
