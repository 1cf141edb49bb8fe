package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"products-import-service/internal/models"
)

var (
	ErrUnsupportedFormat = errors.New("only CSV and XLSX files are supported")
	ErrNoDataRows        = errors.New("the file contains no data rows")
)

// sheetRow is one data row of an uploaded file with its 1-based line number
type sheetRow struct {
	Line   int
	Values map[string]interface{}
}

// detectFormat picks the parser from the file extension
func detectFormat(filename string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	}
	return "", ErrUnsupportedFormat
}

// NormalizeHeader maps a column header onto the snake_case field names used
// by the row pipeline: "Compare Price", "comparePrice" and "compare-price"
// all become "compare_price". The " *" required marker is dropped.
func NormalizeHeader(header string) string {
	header = strings.TrimSpace(header)
	header = strings.TrimSpace(strings.TrimSuffix(header, "*"))

	var b strings.Builder
	runes := []rune(header)
	pendingSep := false
	for i, r := range runes {
		switch {
		case r == ' ' || r == '-' || r == '_' || r == '.' || r == '/':
			pendingSep = b.Len() > 0
			continue
		case unicode.IsUpper(r):
			prevLowerOrDigit := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if b.Len() > 0 && (prevLowerOrDigit || (prevUpper && nextLower)) {
				pendingSep = true
			}
			r = unicode.ToLower(r)
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}

// toRow keeps the non-empty cells of a record under their normalized header
func toRow(headers, record []string, line int) sheetRow {
	values := make(map[string]interface{}, len(headers))
	for i, value := range record {
		if i >= len(headers) || headers[i] == "" {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			values[headers[i]] = value
		}
	}
	return sheetRow{Line: line, Values: values}
}

// parseCSV parses a CSV upload into rows
func parseCSV(file io.Reader) ([]sheetRow, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoDataRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}
	headers = normalizeHeaders(headers)

	var rows []sheetRow
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("error reading line %d: %w", line, err)
		}
		row := toRow(headers, record, line)
		if len(row.Values) == 0 {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrNoDataRows
	}
	return rows, nil
}

// parseXLSX parses the "Products" sheet (or the first sheet) of an Excel upload
func parseXLSX(file io.Reader) ([]sheetRow, error) {
	f, err := excelize.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}
	sheetName := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, templateSheet) {
			sheetName = name
			break
		}
	}

	excelRows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(excelRows) < 2 {
		return nil, ErrNoDataRows
	}

	headers := normalizeHeaders(excelRows[0])
	var rows []sheetRow
	for i, record := range excelRows[1:] {
		row := toRow(headers, record, i+2)
		if len(row.Values) == 0 {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrNoDataRows
	}
	return rows, nil
}

func parseUpload(format models.ImportFormat, file io.Reader) ([]sheetRow, error) {
	if format == models.ImportFormatXLSX {
		return parseXLSX(file)
	}
	return parseCSV(file)
}
