package main

import (
	"fmt"
	"strings"
)

// Category is a Trackdéchets report family (BSD type). Each category is
// backed by exactly one table in the destination database.
type Category int

const (
	CategoryBSDD Category = iota + 1
	CategoryDASRI
	CategoryBSFF
	CategoryVHU
	CategoryBSDA
)

// allCategories lists every category in CLI order.
var allCategories = []Category{CategoryBSDD, CategoryDASRI, CategoryBSFF, CategoryVHU, CategoryBSDA}

func (c Category) String() string {
	switch c {
	case CategoryBSDD:
		return "BSDD"
	case CategoryDASRI:
		return "DASRI"
	case CategoryBSFF:
		return "BSFF"
	case CategoryVHU:
		return "VHU"
	case CategoryBSDA:
		return "BSDA"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// canonicalTableName returns the table backing the category.
func canonicalTableName(c Category) string {
	switch c {
	case CategoryBSDD:
		return "Forms"
	case CategoryDASRI:
		return "Bsdasri"
	case CategoryBSFF:
		return "Bsff"
	case CategoryVHU:
		return "Bsvhu"
	case CategoryBSDA:
		return "Bsda"
	default:
		panic(fmt.Sprintf("canonicalTableName: unknown category %d", int(c)))
	}
}

// parseCategory accepts the exact upper-case tag ("BSDD", "DASRI", ...).
func parseCategory(s string) (Category, error) {
	for _, c := range allCategories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q (must be one of: %s)", s, categoryNames())
}

// categoryFromCollectionName infers a category from a collection display
// name. The whole trimmed name must be a category tag.
func categoryFromCollectionName(name string) (Category, error) {
	c, err := parseCategory(strings.TrimSpace(name))
	if err != nil {
		return 0, fmt.Errorf("cannot infer category from collection name %q: %w", name, err)
	}
	return c, nil
}

func categoryNames() string {
	names := make([]string, len(allCategories))
	for i, c := range allCategories {
		names[i] = c.String()
	}
	return strings.Join(names, ", ")
}
