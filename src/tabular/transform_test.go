package tabular_test

import (
	"strings"
	"testing"

	"policypulse/src/tabular"
)

func TestTransformRow(t *testing.T) {
	tests := []struct {
		name    string
		row     tabular.Row
		wantErr string
		check   func(t *testing.T, draft *tabular.CommentDraft)
	}{
		{
			name: "full row",
			row: tabular.Row{
				"id": "42", "text": "More bike lanes", "author": "Alice",
				"city": "Portland", "state": "OR",
				"latitude": "45.52", "longitude": "-122.68",
				"submitted_at": "2024-03-01",
			},
			check: func(t *testing.T, draft *tabular.CommentDraft) {
				if draft.SourceID != "42" || draft.Author != "Alice" {
					t.Errorf("unexpected draft: %+v", draft)
				}
				if draft.Lat == nil || *draft.Lat != 45.52 {
					t.Errorf("Lat = %v, want 45.52", draft.Lat)
				}
				if draft.SubmittedAt == nil {
					t.Error("SubmittedAt should be parsed")
				}
			},
		},
		{
			name: "optional fields absent",
			row:  tabular.Row{"text": "hello", "author": "Bob"},
			check: func(t *testing.T, draft *tabular.CommentDraft) {
				if draft.Lat != nil || draft.Lon != nil || draft.SubmittedAt != nil {
					t.Errorf("absent optionals should stay nil: %+v", draft)
				}
				if draft.City != "" || draft.State != "" {
					t.Errorf("absent optionals should stay empty: %+v", draft)
				}
			},
		},
		{
			name:    "empty text",
			row:     tabular.Row{"author": "Bob"},
			wantErr: "text column is empty",
		},
		{
			name:    "empty author",
			row:     tabular.Row{"text": "hello"},
			wantErr: "author column is empty",
		},
		{
			name:    "unparseable latitude",
			row:     tabular.Row{"text": "hi", "author": "A", "latitude": "north"},
			wantErr: `unparseable latitude "north"`,
		},
		{
			name:    "latitude out of range",
			row:     tabular.Row{"text": "hi", "author": "A", "latitude": "120"},
			wantErr: "out of range",
		},
		{
			name:    "unparseable timestamp",
			row:     tabular.Row{"text": "hi", "author": "A", "submitted_at": "someday"},
			wantErr: "unparseable submitted_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft, err := tabular.TransformRow(tt.row)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("TransformRow() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("TransformRow() error = %v", err)
			}
			tt.check(t, draft)
		})
	}
}
