package extract

import (
	"bytes"
	"encoding/csv"
	"strings"
)

// CSVTable renders CSV content as a markdown pipe table.
type CSVTable struct{}

func (CSVTable) Name() string { return "csv-table" }

func (CSVTable) Extract(filename string, content []byte) ([]byte, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}
	return []byte(formatTable(rows)), nil
}

const minColumnWidth = 3

func formatTable(rows [][]string) string {
	maxCols := 0
	for _, row := range rows {
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}

	widths := make([]int, maxCols)
	for i := range widths {
		widths[i] = minColumnWidth
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	formatRow := func(row []string) string {
		cells := make([]string, maxCols)
		for i := 0; i < maxCols; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}

	lines := []string{formatRow(rows[0])}
	separators := make([]string, maxCols)
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	lines = append(lines, "| "+strings.Join(separators, " | ")+" |")
	for _, row := range rows[1:] {
		lines = append(lines, formatRow(row))
	}
	return strings.Join(lines, "\n")
}
