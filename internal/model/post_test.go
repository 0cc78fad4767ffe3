package model

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestPostInput_Validate_RequiresTitleContentSlug(t *testing.T) {
	err := PostInput{Tagline: "Tech"}.Validate()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Category != CategoryValidation {
		t.Errorf("Category = %q, want %q", apiErr.Category, CategoryValidation)
	}
	for _, f := range []string{"title", "content", "slug"} {
		if _, ok := apiErr.Fields[f]; !ok {
			t.Errorf("Fields[%q] missing, got %v", f, apiErr.Fields)
		}
	}
}

func TestPostInput_Validate_WhitespaceOnlyIsMissing(t *testing.T) {
	err := PostInput{Title: "   ", Content: "body", Slug: "ok"}.Validate()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Fields["title"] != "Title is required" {
		t.Errorf("Fields[title] = %q, want %q", apiErr.Fields["title"], "Title is required")
	}
}

func TestPostInput_Validate_SlugFormat(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{"hello", false},
		{"hello-world-2", false},
		{"Hello", true},
		{"hello world", true},
		{"-leading", true},
	}

	for _, tt := range tests {
		err := PostInput{Title: "t", Content: "c", Slug: tt.slug}.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(slug=%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
		}
	}
}

func TestPostPatch_Changes_DropsUnchangedFields(t *testing.T) {
	current := Post{ID: "1", Title: "A", Content: "body"}

	got := PostPatch{Title: strPtr("A"), Content: strPtr("new body")}.Changes(current)
	if got.Title != nil {
		t.Errorf("Title = %q, want nil", *got.Title)
	}
	if got.Content == nil || *got.Content != "new body" {
		t.Errorf("Content = %v, want %q", got.Content, "new body")
	}

	if !(PostPatch{Title: strPtr("A")}).Changes(current).IsEmpty() {
		t.Error("expected empty patch when nothing changed")
	}
}

func TestPost_Merge_ServerFieldsWinButIDKept(t *testing.T) {
	created := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	local := Post{ID: "1", Title: "A2", Content: "local", Slug: "a", Status: StatusPublished}
	server := Post{ID: "ignored", Title: "A2 (server)", UpdatedAt: &created, Slug: "changed"}

	got := local.Merge(server)
	if got.ID != "1" {
		t.Errorf("ID = %q, want %q", got.ID, "1")
	}
	if got.Slug != "a" {
		t.Errorf("Slug = %q, want %q", got.Slug, "a")
	}
	if got.Title != "A2 (server)" {
		t.Errorf("Title = %q, want %q", got.Title, "A2 (server)")
	}
	if got.Content != "local" {
		t.Errorf("Content = %q, want %q", got.Content, "local")
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.Equal(created) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, created)
	}
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf(NewBusyError("1")); got != CategoryConflict {
		t.Errorf("CategoryOf(busy) = %q, want %q", got, CategoryConflict)
	}
	if got := CategoryOf(errors.New("boom")); got != CategoryTransport {
		t.Errorf("CategoryOf(plain) = %q, want %q", got, CategoryTransport)
	}
	if got := CategoryOf(nil); got != "" {
		t.Errorf("CategoryOf(nil) = %q, want empty", got)
	}
}

func TestNewTransportError_DefaultMessage(t *testing.T) {
	err := NewTransportError("", 0)
	if err.Error() != DefaultErrorMessage {
		t.Errorf("Error() = %q, want %q", err.Error(), DefaultErrorMessage)
	}
}
