package main

import (
	"context"
	"fmt"
	"sort"
)

// defaultSchema is the Prisma schema namespace holding the Trackdéchets
// tables in every connected database.
const defaultSchema = "default$default"

// CatalogSource enumerates the tables and fields a platform knows for one
// database.
type CatalogSource interface {
	ListTables(ctx context.Context, databaseID int64) ([]Table, error)
	ListFields(ctx context.Context, databaseID int64) ([]Field, error)
}

// Catalog is an immutable snapshot of the destination schema for one run.
// It is safe for concurrent use once loaded.
type Catalog struct {
	databaseID int64
	schema     string
	tables     map[string]Table            // by table name
	fields     map[string]map[string]int64 // table display name -> field display name -> id
	fieldCount int
}

// loadCatalog reads the destination tables and fields once. Only tables of
// databaseID in the given schema are kept.
func loadCatalog(ctx context.Context, src CatalogSource, databaseID int64, schema string) (*Catalog, error) {
	tables, err := src.ListTables(ctx, databaseID)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables of database %d: %v", ErrCatalogUnavailable, databaseID, err)
	}
	fields, err := src.ListFields(ctx, databaseID)
	if err != nil {
		return nil, fmt.Errorf("%w: list fields of database %d: %v", ErrCatalogUnavailable, databaseID, err)
	}

	c := &Catalog{
		databaseID: databaseID,
		schema:     schema,
		tables:     make(map[string]Table),
		fields:     make(map[string]map[string]int64),
	}

	inScope := make(map[int64]Table)
	for _, t := range tables {
		if t.DatabaseID != databaseID || t.Schema != schema {
			continue
		}
		if prev, ok := c.tables[t.Name]; ok {
			if prev.ID < t.ID {
				continue
			}
			delete(inScope, prev.ID)
		}
		c.tables[t.Name] = t
		inScope[t.ID] = t
	}

	// Lowest id wins on duplicate display names.
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	for _, f := range fields {
		tableName, ok := fieldTableDisplayName(f, inScope, schema)
		if !ok {
			continue
		}
		byName := c.fields[tableName]
		if byName == nil {
			byName = make(map[string]int64)
			c.fields[tableName] = byName
		}
		if _, dup := byName[f.DisplayName]; dup {
			continue
		}
		byName[f.DisplayName] = f.ID
		c.fieldCount++
	}
	return c, nil
}

// fieldTableDisplayName scopes a field to an in-scope table. Sources that know
// the owning table id use it; otherwise the table display name and schema
// reported with the field are used.
func fieldTableDisplayName(f Field, inScope map[int64]Table, schema string) (string, bool) {
	if f.TableID != 0 {
		t, ok := inScope[f.TableID]
		return t.DisplayName, ok
	}
	if f.TableName == "" || f.Schema != schema {
		return "", false
	}
	return f.TableName, true
}

// resolveTable finds an in-scope table by exact, case-sensitive name.
func (c *Catalog) resolveTable(name string) (Table, error) {
	t, ok := c.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q in database %d schema %q", ErrTableNotFound, name, c.databaseID, c.schema)
	}
	return t, nil
}

// resolveField finds a field of the named table by display name.
func (c *Catalog) resolveField(tableDisplayName, fieldDisplayName string) (int64, error) {
	id, ok := c.fields[tableDisplayName][fieldDisplayName]
	if !ok {
		return 0, fmt.Errorf("%w: %q in table %q", ErrFieldNotFound, fieldDisplayName, tableDisplayName)
	}
	return id, nil
}

func (c *Catalog) String() string {
	return fmt.Sprintf("database %d schema %q: %d tables, %d fields", c.databaseID, c.schema, len(c.tables), c.fieldCount)
}
