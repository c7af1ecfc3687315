package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Collection is a Metabase collection (a folder of cards, dashboards and
// sub-collections).
type Collection struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// Item kinds as reported by the collection items endpoint ("model").
const (
	ItemCard       = "card"
	ItemCollection = "collection"
	ItemDashboard  = "dashboard"
)

// Item is one child of a collection.
type Item struct {
	Kind string `json:"model"`
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Table is a catalog entry for a table of a connected database.
type Table struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Schema      string `json:"schema"`
	DatabaseID  int64  `json:"db_id"`
}

// Field is a catalog entry for a column. TableName is the display name of
// the owning table.
type Field struct {
	ID          int64  `json:"id"`
	TableID     int64  `json:"table_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	TableName   string `json:"table_name"`
	Schema      string `json:"schema"`
}

// Query types of a card's dataset_query.
const (
	QueryTypeStructured = "query"
	QueryTypeNative     = "native"
)

// Card is a saved question. Only the attributes the migration touches are
// modeled; every other attribute is carried through unchanged so that a PUT
// never drops data the tool does not know about.
type Card struct {
	ID           int64
	Name         string
	DatabaseID   int64
	TableID      *int64
	CollectionID *int64
	Query        QueryDefinition

	extra map[string]json.RawMessage
}

// QueryDefinition is the card's dataset_query: either Structured or Native
// is set, according to Type.
type QueryDefinition struct {
	Type       string
	Database   int64
	Structured *StructuredQuery
	Native     *NativeQuery

	extra map[string]json.RawMessage
}

// StructuredQuery is an MBQL query. Clauses holds every key of the query
// object except source-table, as raw JSON; only the clauses the rebinder
// rewrites are ever decoded.
type StructuredQuery struct {
	SourceTable json.RawMessage
	Clauses     map[string]json.RawMessage
}

// NativeQuery is hand-written query text plus its untouched siblings
// (template-tags, collection, ...).
type NativeQuery struct {
	Text string

	extra map[string]json.RawMessage
}

// sourceTableID returns the numeric source table. Nested questions use
// "card__<id>" and are reported as not numeric.
func (q *StructuredQuery) sourceTableID() (int64, bool) {
	var id int64
	if err := json.Unmarshal(q.SourceTable, &id); err != nil {
		return 0, false
	}
	return id, true
}

func (c *Card) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.extra = raw
	if err := unmarshalKey(raw, "id", &c.ID); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "name", &c.Name); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "database_id", &c.DatabaseID); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "table_id", &c.TableID); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "collection_id", &c.CollectionID); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "dataset_query", &c.Query); err != nil {
		return err
	}
	return nil
}

func (c Card) MarshalJSON() ([]byte, error) {
	out := copyRaw(c.extra)
	if err := marshalKey(out, "id", c.ID); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "name", c.Name); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "database_id", c.DatabaseID); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "table_id", c.TableID); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "collection_id", c.CollectionID); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "dataset_query", c.Query); err != nil {
		return nil, err
	}
	return marshalLiteral(out)
}

func (q *QueryDefinition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.extra = raw
	if err := unmarshalKey(raw, "type", &q.Type); err != nil {
		return err
	}
	if err := unmarshalKey(raw, "database", &q.Database); err != nil {
		return err
	}
	switch q.Type {
	case QueryTypeStructured:
		var inner map[string]json.RawMessage
		if err := unmarshalKey(raw, "query", &inner); err != nil {
			return err
		}
		sq := &StructuredQuery{Clauses: make(map[string]json.RawMessage, len(inner))}
		for k, v := range inner {
			if k == "source-table" {
				sq.SourceTable = v
				continue
			}
			sq.Clauses[k] = v
		}
		q.Structured = sq
	case QueryTypeNative:
		var inner map[string]json.RawMessage
		if err := unmarshalKey(raw, "native", &inner); err != nil {
			return err
		}
		nq := &NativeQuery{extra: inner}
		if err := unmarshalKey(inner, "query", &nq.Text); err != nil {
			return err
		}
		q.Native = nq
	}
	return nil
}

func (q QueryDefinition) MarshalJSON() ([]byte, error) {
	out := copyRaw(q.extra)
	if err := marshalKey(out, "type", q.Type); err != nil {
		return nil, err
	}
	if err := marshalKey(out, "database", q.Database); err != nil {
		return nil, err
	}
	if q.Structured != nil {
		inner := copyRaw(q.Structured.Clauses)
		if q.Structured.SourceTable != nil {
			inner["source-table"] = q.Structured.SourceTable
		}
		if err := marshalKey(out, "query", inner); err != nil {
			return nil, err
		}
	}
	if q.Native != nil {
		inner := copyRaw(q.Native.extra)
		if err := marshalKey(inner, "query", q.Native.Text); err != nil {
			return nil, err
		}
		if err := marshalKey(out, "native", inner); err != nil {
			return nil, err
		}
	}
	return marshalLiteral(out)
}

// clone returns a card that can be modified without affecting c. Raw JSON
// values are shared: they are only ever replaced, never mutated in place.
func (c *Card) clone() *Card {
	out := *c
	out.extra = copyRaw(c.extra)
	if c.TableID != nil {
		v := *c.TableID
		out.TableID = &v
	}
	if c.CollectionID != nil {
		v := *c.CollectionID
		out.CollectionID = &v
	}
	out.Query.extra = copyRaw(c.Query.extra)
	if c.Query.Structured != nil {
		sq := *c.Query.Structured
		sq.Clauses = copyRaw(c.Query.Structured.Clauses)
		out.Query.Structured = &sq
	}
	if c.Query.Native != nil {
		nq := *c.Query.Native
		nq.extra = copyRaw(c.Query.Native.extra)
		out.Query.Native = &nq
	}
	return &out
}

// label identifies a card in logs and reports.
func (c *Card) label() string {
	return fmt.Sprintf("#%d %q", c.ID, c.Name)
}

func unmarshalKey(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func marshalKey(raw map[string]json.RawMessage, key string, v any) error {
	b, err := marshalLiteral(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	raw[key] = b
	return nil
}

func copyRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// parseID parses a positive numeric object id given on the command line.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}
