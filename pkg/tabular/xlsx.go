package tabular

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const resultSheet = "Sheet1"

// ReadXLSXFile reads the first sheet of a workbook.
func ReadXLSXFile(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readWorkbook(f)
}

// ReadXLSX reads the first sheet of a workbook from r.
func ReadXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readWorkbook(f)
}

func readWorkbook(f *excelize.File) (*Table, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmpty
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return fromRecords(rows)
}

// WriteXLSX writes the table as a single-sheet workbook.
func (t *Table) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	write := func(col, row int, v string) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(resultSheet, cell, v)
	}

	for i, h := range t.Header {
		if err := write(i+1, 1, h); err != nil {
			return err
		}
	}
	for r, row := range t.Rows {
		for c, v := range row {
			if err := write(c+1, r+2, v); err != nil {
				return err
			}
		}
	}
	_ = f.SetColWidth(resultSheet, "A", "A", 18)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
