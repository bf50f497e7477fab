package tabular

import (
	"fmt"
	"strconv"
	"time"
)

// CommentDraft is the canonical comment shape produced from one row,
// before enrichment and persistence.
type CommentDraft struct {
	SourceID    string
	Text        string
	Author      string
	City        string
	State       string
	Lat         *float64
	Lon         *float64
	SubmittedAt *time.Time
}

// timestampLayouts are tried in order when a submitted_at value is present.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// TransformRow maps a raw row onto a CommentDraft. Optional fields default
// to their zero values when absent; a supplied value that cannot be parsed
// is a row-scoped error.
func TransformRow(row Row) (*CommentDraft, error) {
	text := row[ColumnText]
	if text == "" {
		return nil, fmt.Errorf("text column is empty")
	}
	author := row[ColumnAuthor]
	if author == "" {
		return nil, fmt.Errorf("author column is empty")
	}

	draft := &CommentDraft{
		SourceID: row[ColumnID],
		Text:     text,
		Author:   author,
		City:     row[ColumnCity],
		State:    row[ColumnState],
	}

	var err error
	if draft.Lat, err = parseCoordinate(row, ColumnLatitude, -90, 90); err != nil {
		return nil, err
	}
	if draft.Lon, err = parseCoordinate(row, ColumnLongitude, -180, 180); err != nil {
		return nil, err
	}
	if draft.SubmittedAt, err = parseTimestamp(row); err != nil {
		return nil, err
	}
	return draft, nil
}

func parseCoordinate(row Row, column string, min, max float64) (*float64, error) {
	raw, ok := row[column]
	if !ok {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable %s %q", column, raw)
	}
	if value < min || value > max {
		return nil, fmt.Errorf("%s %v out of range [%v, %v]", column, value, min, max)
	}
	return &value, nil
}

func parseTimestamp(row Row) (*time.Time, error) {
	raw, ok := row[ColumnSubmittedAt]
	if !ok {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("unparseable %s %q", ColumnSubmittedAt, raw)
}
