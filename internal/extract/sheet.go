package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// grid is one sheet as rows of raw cell strings.
type grid [][]string

// serializeSheets writes every sheet's rows tab-joined, padded to the widest
// row of that sheet, with rows separated by newlines.
func serializeSheets(sheets []grid) string {
	var lines []string
	for _, rows := range sheets {
		width := 0
		for _, row := range rows {
			if len(row) > width {
				width = len(row)
			}
		}
		for _, row := range rows {
			cells := make([]string, width)
			copy(cells, row)
			lines = append(lines, strings.Join(cells, "\t"))
		}
	}
	return strings.Join(lines, "\n")
}

// readXLSX decodes an OOXML workbook without value coercion.
func readXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sheets []grid
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", name, err)
		}
		sheets = append(sheets, rows)
	}
	return serializeSheets(sheets), nil
}

// readXLS decodes a legacy BIFF workbook. Missing rows become blank rows so
// the grid keeps its shape.
func readXLS(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xls decoder panic: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return "", fmt.Errorf("open xls: %w", err)
	}

	var sheets []grid
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		var rows grid
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, trimTrailingBlankRows(rows))
	}
	return serializeSheets(sheets), nil
}

func trimTrailingBlankRows(rows grid) grid {
	end := len(rows)
	for end > 0 && len(rows[end-1]) == 0 {
		end--
	}
	return rows[:end]
}
