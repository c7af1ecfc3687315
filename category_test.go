package main

import (
	"strings"
	"testing"
)

func TestCanonicalTableName(t *testing.T) {
	want := map[Category]string{
		CategoryBSDD:  "Forms",
		CategoryDASRI: "Bsdasri",
		CategoryBSFF:  "Bsff",
		CategoryVHU:   "Bsvhu",
		CategoryBSDA:  "Bsda",
	}
	if len(want) != len(allCategories) {
		t.Fatalf("test table covers %d categories, have %d", len(want), len(allCategories))
	}
	for _, c := range allCategories {
		first := canonicalTableName(c)
		if first != want[c] {
			t.Errorf("canonicalTableName(%s) = %q, want %q", c, first, want[c])
		}
		if again := canonicalTableName(c); again != first {
			t.Errorf("canonicalTableName(%s) not deterministic: %q then %q", c, first, again)
		}
	}
}

func TestCanonicalTableNameUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown category")
		}
	}()
	canonicalTableName(Category(42))
}

func TestParseCategory(t *testing.T) {
	for _, c := range allCategories {
		got, err := parseCategory(c.String())
		if err != nil {
			t.Fatalf("parseCategory(%q) error: %v", c.String(), err)
		}
		if got != c {
			t.Errorf("parseCategory(%q) = %s, want %s", c.String(), got, c)
		}
	}

	for _, bad := range []string{"", "bsdd", "Bsdd", "BSD", "BSDD ", "FORMS"} {
		if _, err := parseCategory(bad); err == nil {
			t.Errorf("parseCategory(%q) expected error", bad)
		}
	}
}

func TestCategoryFromCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		want    Category
		wantErr bool
	}{
		{name: "DASRI", want: CategoryDASRI},
		{name: "  VHU ", want: CategoryVHU},
		{name: "BSDA (copy)", wantErr: true},
		{name: "Rapports", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := categoryFromCollectionName(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				if !strings.Contains(err.Error(), "cannot infer category") {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCategoryNames(t *testing.T) {
	if got := categoryNames(); got != "BSDD, DASRI, BSFF, VHU, BSDA" {
		t.Errorf("categoryNames() = %q", got)
	}
}
