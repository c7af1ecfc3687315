package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Node is one element of a structured query expression tree.
//
// The tree is decoded once from JSON into an explicit tagged union so that the
// rewriter dispatches on the node type instead of sniffing shapes at every
// step. Numbers are kept as json.Number so that encoding a tree that was not
// modified yields the same literals.
type Node interface {
	node()
}

// Scalar is any JSON literal: string, number, bool or null.
type Scalar struct {
	Value any
}

// FieldRef is a field reference by numeric id:
//
//	["field", 12, {"base-type": "type/Text"}]
//	["field-id", 12]
//
// Rest holds every element after the id, unchanged.
type FieldRef struct {
	Tag  string
	ID   int64
	Rest []Node
}

// Sequence is any other JSON array, tagged operators included
// (["=", ...], ["count"], ["field", "name", ...]).
type Sequence []Node

// ClauseMap is a JSON object.
type ClauseMap map[string]Node

func (Scalar) node()    {}
func (FieldRef) node()  {}
func (Sequence) node()  {}
func (ClauseMap) node() {}

// fieldRefTags are the MBQL clause tags that reference a field by id.
var fieldRefTags = map[string]bool{
	"field":    true,
	"field-id": true,
}

// options returns the FieldRef options map, if any.
func (f FieldRef) options() ClauseMap {
	if len(f.Rest) == 0 {
		return nil
	}
	m, _ := f.Rest[0].(ClauseMap)
	return m
}

// parseNode decodes raw JSON into a Node tree.
func parseNode(raw []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode expression: trailing data")
	}
	return toNode(v), nil
}

func toNode(v any) Node {
	switch t := v.(type) {
	case []any:
		if ref, ok := toFieldRef(t); ok {
			return ref
		}
		seq := make(Sequence, len(t))
		for i, e := range t {
			seq[i] = toNode(e)
		}
		return seq
	case map[string]any:
		m := make(ClauseMap, len(t))
		for k, e := range t {
			m[k] = toNode(e)
		}
		return m
	default:
		return Scalar{Value: t}
	}
}

func toFieldRef(arr []any) (FieldRef, bool) {
	if len(arr) < 2 {
		return FieldRef{}, false
	}
	tag, ok := arr[0].(string)
	if !ok || !fieldRefTags[tag] {
		return FieldRef{}, false
	}
	num, ok := arr[1].(json.Number)
	if !ok {
		return FieldRef{}, false
	}
	id, err := num.Int64()
	if err != nil {
		return FieldRef{}, false
	}
	ref := FieldRef{Tag: tag, ID: id, Rest: make([]Node, 0, len(arr)-2)}
	for _, e := range arr[2:] {
		ref.Rest = append(ref.Rest, toNode(e))
	}
	return ref, true
}

// encodeNode renders a Node tree back to compact JSON.
func encodeNode(n Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeNode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, n Node) error {
	switch t := n.(type) {
	case Scalar:
		b, err := marshalLiteral(t.Value)
		if err != nil {
			return fmt.Errorf("encode scalar: %w", err)
		}
		buf.Write(b)
	case FieldRef:
		tag, _ := marshalLiteral(t.Tag)
		buf.WriteByte('[')
		buf.Write(tag)
		fmt.Fprintf(buf, ",%d", t.ID)
		for _, e := range t.Rest {
			buf.WriteByte(',')
			if err := writeNode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Sequence:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ClauseMap:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := marshalLiteral(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeNode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("encode expression: unexpected node %T", n)
	}
	return nil
}

// marshalLiteral encodes a JSON literal without HTML escaping, so operators
// such as "<" survive a round trip unchanged.
func marshalLiteral(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
