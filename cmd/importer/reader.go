package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/xuri/excelize/v2"
)

// Record is one data row of an import file
type Record struct {
	Line   int // 1-based line in the source file, header included
	Fields models.Fields
}

// ReadCSV reads a comma separated file whose first line names the columns
func ReadCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, row)
		lines = append(lines, line)
	}
	return toRecords(rows, lines)
}

// ReadXLSX reads a sheet of a workbook whose first row names the columns.
// An empty sheet name picks the first sheet.
func ReadXLSX(r io.Reader, sheet string) ([]Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheet")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return toRecords(rows, nil)
}

// toRecords turns a header row and data rows into records.
// lines holds the source line of each row; nil means rows are consecutive from 1.
// Blank cells are left out; blank lines are skipped.
func toRecords(rows [][]string, lines []int) ([]Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	header := make([]string, len(rows[0]))
	for i, name := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(name))
		if header[i] == "" {
			return nil, fmt.Errorf("column %d has no name", i+1)
		}
	}

	records := make([]Record, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		line := i + 1
		if lines != nil {
			line = lines[i]
		}
		if len(row) > len(header) {
			return nil, fmt.Errorf("line %d: %d values for %d columns", line, len(row), len(header))
		}

		fields := models.Fields{}
		for j, value := range row {
			if value = strings.TrimSpace(value); value != "" {
				fields = append(fields, models.Field{Name: header[j], Value: value})
			}
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, Record{Line: line, Fields: fields})
	}
	return records, nil
}
