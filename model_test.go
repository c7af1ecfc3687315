package main

import (
	"encoding/json"
	"strings"
	"testing"
)

const structuredCardJSON = `{
	"id": 101,
	"name": "Count (DASRI)",
	"description": "Nombre de bordereaux",
	"display": "scalar",
	"database_id": 2,
	"table_id": 40,
	"collection_id": 11,
	"visualization_settings": {"scalar.suffix": " t"},
	"dataset_query": {
		"type": "query",
		"database": 2,
		"query": {
			"source-table": 40,
			"aggregation": [["count"]],
			"filter": ["=", ["field", 401, null], "SENT"],
			"order-by": [["asc", ["field", 402, null]]]
		}
	}
}`

const nativeCardJSON = `{
	"id": 102,
	"name": "Raw",
	"database_id": 2,
	"table_id": null,
	"collection_id": 11,
	"dataset_query": {
		"type": "native",
		"database": 2,
		"native": {
			"query": "SELECT count(*) FROM \"default$default\".\"Bsdasri\"",
			"template-tags": {}
		}
	}
}`

func decodeCard(t *testing.T, s string) *Card {
	t.Helper()
	var c Card
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	return &c
}

func TestCardDecodeStructured(t *testing.T) {
	c := decodeCard(t, structuredCardJSON)
	if c.ID != 101 || c.Name != "Count (DASRI)" || c.DatabaseID != 2 {
		t.Fatalf("unexpected card header: %+v", c)
	}
	if c.TableID == nil || *c.TableID != 40 {
		t.Fatalf("table_id = %v, want 40", c.TableID)
	}
	if c.Query.Type != QueryTypeStructured || c.Query.Structured == nil {
		t.Fatalf("query not structured: %+v", c.Query)
	}
	if id, ok := c.Query.Structured.sourceTableID(); !ok || id != 40 {
		t.Errorf("sourceTableID() = %d, %t", id, ok)
	}
	for _, k := range []string{"aggregation", "filter", "order-by"} {
		if _, ok := c.Query.Structured.Clauses[k]; !ok {
			t.Errorf("clause %s missing", k)
		}
	}
	if _, ok := c.Query.Structured.Clauses["source-table"]; ok {
		t.Error("source-table must not be kept as a clause")
	}
}

func TestCardDecodeNative(t *testing.T) {
	c := decodeCard(t, nativeCardJSON)
	if c.TableID != nil {
		t.Errorf("table_id = %v, want nil", *c.TableID)
	}
	if c.Query.Native == nil || !strings.Contains(c.Query.Native.Text, `"Bsdasri"`) {
		t.Fatalf("native query not decoded: %+v", c.Query)
	}
}

func TestCardEncodePreservesUnknownAttributes(t *testing.T) {
	c := decodeCard(t, structuredCardJSON)
	c.Name = "Count (BSDD)"

	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if got["name"] != "Count (BSDD)" {
		t.Errorf("name = %v", got["name"])
	}
	if got["description"] != "Nombre de bordereaux" || got["display"] != "scalar" {
		t.Errorf("unknown attributes lost: %v", got)
	}
	vs, _ := got["visualization_settings"].(map[string]any)
	if vs["scalar.suffix"] != " t" {
		t.Errorf("visualization_settings lost: %v", got["visualization_settings"])
	}
	q := got["dataset_query"].(map[string]any)["query"].(map[string]any)
	if _, ok := q["order-by"]; !ok {
		t.Error("order-by clause lost")
	}
	if q["source-table"] != float64(40) {
		t.Errorf("source-table = %v", q["source-table"])
	}
}

func TestCardEncodeNativeKeepsTemplateTags(t *testing.T) {
	c := decodeCard(t, nativeCardJSON)
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"template-tags":{}`) {
		t.Errorf("template-tags lost: %s", out)
	}
	if !strings.Contains(string(out), `"table_id":null`) {
		t.Errorf("null table_id not kept: %s", out)
	}
}

func TestCardCloneIsIndependent(t *testing.T) {
	c := decodeCard(t, structuredCardJSON)
	cp := c.clone()

	*cp.TableID = 99
	cp.Query.Structured.Clauses["filter"] = json.RawMessage(`null`)
	cp.Query.Structured.SourceTable = json.RawMessage(`99`)
	cp.extra["display"] = json.RawMessage(`"table"`)

	if *c.TableID != 40 {
		t.Error("clone shares table_id")
	}
	if string(c.Query.Structured.Clauses["filter"]) == "null" {
		t.Error("clone shares clauses")
	}
	if string(c.Query.Structured.SourceTable) != "40" {
		t.Error("clone shares source-table")
	}
	if string(c.extra["display"]) != `"scalar"` {
		t.Error("clone shares extra attributes")
	}
}

func TestNestedQuestionSourceTable(t *testing.T) {
	sq := &StructuredQuery{SourceTable: json.RawMessage(`"card__12"`)}
	if _, ok := sq.sourceTableID(); ok {
		t.Error("card__12 must not be a numeric table id")
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID(" 20 "); err != nil || id != 20 {
		t.Errorf("parseID(20) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc", "1.5"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q) expected error", bad)
		}
	}
}
