package main

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// stubCatalogSource serves a fixed table and field list.
type stubCatalogSource struct {
	tables    []Table
	fields    []Field
	tablesErr error
	fieldsErr error
	calls     int
}

func (s *stubCatalogSource) ListTables(_ context.Context, databaseID int64) ([]Table, error) {
	s.calls++
	if s.tablesErr != nil {
		return nil, s.tablesErr
	}
	var out []Table
	for _, t := range s.tables {
		if t.DatabaseID == databaseID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubCatalogSource) ListFields(context.Context, int64) ([]Field, error) {
	s.calls++
	if s.fieldsErr != nil {
		return nil, s.fieldsErr
	}
	return append([]Field(nil), s.fields...), nil
}

// prodCatalogSource mirrors database 2 of a Trackdéchets Metabase: the same
// tables exist in the public schema and in the Prisma schema.
func prodCatalogSource() *stubCatalogSource {
	return &stubCatalogSource{
		tables: []Table{
			{ID: 10, Name: "Forms", DisplayName: "Forms", Schema: defaultSchema, DatabaseID: 2},
			{ID: 11, Name: "Bsdasri", DisplayName: "Bsdasri", Schema: defaultSchema, DatabaseID: 2},
			{ID: 12, Name: "Forms", DisplayName: "Forms", Schema: "public", DatabaseID: 2},
			{ID: 13, Name: "Forms", DisplayName: "Forms", Schema: defaultSchema, DatabaseID: 3},
		},
		fields: []Field{
			{ID: 1001, TableID: 10, Name: "status", DisplayName: "Status"},
			{ID: 1002, TableID: 10, Name: "createdAt", DisplayName: "Created At"},
			{ID: 1003, TableID: 10, Name: "wasteDetailsQuantity", DisplayName: "Quantity"},
			{ID: 1101, TableID: 11, Name: "status", DisplayName: "Status"},
			{ID: 1201, TableID: 12, Name: "status", DisplayName: "Status"},
		},
	}
}

func TestLoadCatalogScope(t *testing.T) {
	src := prodCatalogSource()
	c, err := loadCatalog(context.Background(), src, 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source called %d times, want 2", src.calls)
	}

	table, err := c.resolveTable("Forms")
	if err != nil {
		t.Fatalf("resolveTable: %v", err)
	}
	if table.ID != 10 {
		t.Errorf("resolveTable(Forms) = %d, want 10 (db 2, %s)", table.ID, defaultSchema)
	}

	id, err := c.resolveField("Forms", "Status")
	if err != nil {
		t.Fatalf("resolveField: %v", err)
	}
	if id != 1001 {
		t.Errorf("resolveField(Forms, Status) = %d, want 1001", id)
	}
	if !strings.Contains(c.String(), "2 tables, 4 fields") {
		t.Errorf("String() = %q", c.String())
	}
}

func TestResolveTableStable(t *testing.T) {
	c, err := loadCatalog(context.Background(), prodCatalogSource(), 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	first, err := c.resolveTable("Forms")
	if err != nil {
		t.Fatalf("resolveTable: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.resolveTable("Forms")
		if err != nil {
			t.Fatalf("resolveTable #%d: %v", i, err)
		}
		if again.ID != first.ID {
			t.Fatalf("resolveTable not stable: %d then %d", first.ID, again.ID)
		}
	}
}

func TestResolveTableExactMatch(t *testing.T) {
	c, err := loadCatalog(context.Background(), prodCatalogSource(), 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	for _, name := range []string{"forms", "FORMS", "Form", "Bsvhu", ""} {
		_, err := c.resolveTable(name)
		if !errors.Is(err, ErrTableNotFound) {
			t.Errorf("resolveTable(%q) error = %v, want ErrTableNotFound", name, err)
		}
	}
}

func TestResolveFieldMisses(t *testing.T) {
	c, err := loadCatalog(context.Background(), prodCatalogSource(), 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	tests := []struct{ table, field string }{
		{"Forms", "status"},        // stored name, not display name
		{"Forms", "Transporter"},   // unknown
		{"Bsvhu", "Status"},        // unknown table
		{"Bsdasri", "Created At"},  // exists on another table only
	}
	for _, tt := range tests {
		if _, err := c.resolveField(tt.table, tt.field); !errors.Is(err, ErrFieldNotFound) {
			t.Errorf("resolveField(%q, %q) error = %v, want ErrFieldNotFound", tt.table, tt.field, err)
		}
	}
}

func TestLoadCatalogDuplicates(t *testing.T) {
	src := &stubCatalogSource{
		tables: []Table{
			{ID: 30, Name: "Forms", DisplayName: "Forms v2", Schema: defaultSchema, DatabaseID: 2},
			{ID: 20, Name: "Forms", DisplayName: "Forms", Schema: defaultSchema, DatabaseID: 2},
		},
		fields: []Field{
			{ID: 7, TableID: 20, DisplayName: "Status"},
			{ID: 5, TableID: 20, DisplayName: "Status"},
			{ID: 9, TableID: 30, DisplayName: "Status"},
		},
	}
	c, err := loadCatalog(context.Background(), src, 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	table, _ := c.resolveTable("Forms")
	if table.ID != 20 {
		t.Errorf("duplicate table: got id %d, want lowest id 20", table.ID)
	}
	if id, _ := c.resolveField("Forms", "Status"); id != 5 {
		t.Errorf("duplicate field: got id %d, want lowest id 5", id)
	}
	if _, err := c.resolveField("Forms v2", "Status"); err == nil {
		t.Error("fields of the shadowed table must not be indexed")
	}
}

func TestLoadCatalogFieldsWithoutTableID(t *testing.T) {
	src := &stubCatalogSource{
		tables: []Table{{ID: 10, Name: "Forms", DisplayName: "Forms", Schema: defaultSchema, DatabaseID: 2}},
		fields: []Field{
			{ID: 1, DisplayName: "Status", TableName: "Forms", Schema: defaultSchema},
			{ID: 2, DisplayName: "Status", TableName: "Forms", Schema: "public"},
			{ID: 3, DisplayName: "Orphan"},
		},
	}
	c, err := loadCatalog(context.Background(), src, 2, defaultSchema)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if id, err := c.resolveField("Forms", "Status"); err != nil || id != 1 {
		t.Errorf("resolveField = %d, %v; want 1", id, err)
	}
}

func TestLoadCatalogUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	for _, src := range []*stubCatalogSource{
		{tablesErr: boom},
		{fieldsErr: boom},
	} {
		_, err := loadCatalog(context.Background(), src, 2, defaultSchema)
		if !errors.Is(err, ErrCatalogUnavailable) {
			t.Errorf("error = %v, want ErrCatalogUnavailable", err)
		}
	}
}
