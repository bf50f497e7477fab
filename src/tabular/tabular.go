// Package tabular parses uploaded spreadsheet files (CSV and XLSX) into
// canonical rows and maps rows onto comment drafts.
package tabular

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Canonical column names. The header contract requires an identifier, the
// comment text and the author; everything else is optional.
const (
	ColumnID          = "id"
	ColumnText        = "text"
	ColumnAuthor      = "author"
	ColumnCity        = "city"
	ColumnState       = "state"
	ColumnLatitude    = "latitude"
	ColumnLongitude   = "longitude"
	ColumnSubmittedAt = "submitted_at"
)

var requiredColumns = []string{ColumnID, ColumnText, ColumnAuthor}

// columnAliases maps accepted header spellings to canonical column names.
var columnAliases = map[string]string{
	"id":           ColumnID,
	"comment_id":   ColumnID,
	"text":         ColumnText,
	"comment":      ColumnText,
	"author":       ColumnAuthor,
	"name":         ColumnAuthor,
	"city":         ColumnCity,
	"state":        ColumnState,
	"latitude":     ColumnLatitude,
	"lat":          ColumnLatitude,
	"longitude":    ColumnLongitude,
	"lon":          ColumnLongitude,
	"lng":          ColumnLongitude,
	"submitted_at": ColumnSubmittedAt,
	"timestamp":    ColumnSubmittedAt,
	"date":         ColumnSubmittedAt,
}

// Row holds one input record keyed by canonical column name. Cells whose
// header is not part of the contract are dropped.
type Row map[string]string

// Document is a parsed upload: the canonical headers that were present and
// every data row in file order.
type Document struct {
	Headers []string `json:"headers"`
	Rows    []Row    `json:"rows"`
}

// MissingHeaderError reports which required columns were absent alongside
// the canonical columns that were actually found.
type MissingHeaderError struct {
	Missing []string
	Found   []string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing required columns %v (found %v)", e.Missing, e.Found)
}

// Parse reads an uploaded file into a Document, dispatching on the file
// extension. It returns a MissingHeaderError when required columns are
// absent and a plain error when the file cannot be parsed at all.
func Parse(filename string, data []byte) (*Document, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return parseCSV(data)
	case ".xlsx":
		return parseXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported file type %q: expected .csv or .xlsx", filepath.Ext(filename))
	}
}

func parseCSV(data []byte) (*Document, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return buildDocument(records)
}

func parseXLSX(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("XLSX file has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read XLSX rows: %w", err)
	}
	return buildDocument(records)
}

func buildDocument(records [][]string) (*Document, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("file contains no header row")
	}

	// Map column index -> canonical name, skipping unknown headers.
	canonical := make(map[int]string)
	found := make(map[string]bool)
	for i, header := range records[0] {
		name, ok := columnAliases[strings.ToLower(strings.TrimSpace(header))]
		if !ok {
			continue
		}
		canonical[i] = name
		found[name] = true
	}

	var missing []string
	for _, col := range requiredColumns {
		if !found[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingHeaderError{Missing: missing, Found: sortedKeys(found)}
	}

	doc := &Document{Headers: sortedKeys(found), Rows: make([]Row, 0, len(records)-1)}
	for _, record := range records[1:] {
		row := make(Row, len(canonical))
		for i, cell := range record {
			name, ok := canonical[i]
			if !ok {
				continue
			}
			if value := strings.TrimSpace(cell); value != "" {
				row[name] = value
			}
		}
		doc.Rows = append(doc.Rows, row)
	}
	return doc, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
