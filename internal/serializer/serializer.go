// Package serializer renders handler results and evaluated metric trees as
// JSON text.
//
// Ordered maps keep their insertion order in the output so metric branches
// appear in the order they were registered. Plain Go maps are emitted with
// sorted keys, the same convention encoding/json uses. Everything else is
// delegated to encoding/json with HTML escaping disabled.
package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Map is the ordered name to value structure produced by metric evaluation.
type Map = orderedmap.OrderedMap[string, any]

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return orderedmap.New[string, any]()
}

// Options tunes the rendered document.
type Options struct {
	// Indent, when non-empty, pretty prints nested values using the string
	// as one indentation level.
	Indent string
}

// Marshal renders v as compact JSON.
func Marshal(v any) ([]byte, error) {
	return MarshalWithOptions(v, Options{})
}

// MarshalWithOptions renders v as JSON using opts.
func MarshalWithOptions(v any, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	enc := encoder{buf: &buf, indent: opts.Indent}
	if err := enc.value(v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode renders v and writes it to w. Nothing is written when rendering
// fails, so callers never emit a partial document.
func Encode(w io.Writer, v any, opts Options) error {
	data, err := MarshalWithOptions(v, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type encoder struct {
	buf    *bytes.Buffer
	indent string
}

func (e *encoder) value(v any, depth int) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case *Map:
		if val == nil {
			e.buf.WriteString("null")
			return nil
		}
		return e.orderedMap(val, depth)
	case map[string]any:
		if val == nil {
			e.buf.WriteString("null")
			return nil
		}
		return e.plainMap(val, depth)
	case []any:
		if val == nil {
			e.buf.WriteString("null")
			return nil
		}
		return e.list(val, depth)
	default:
		return e.scalar(val, depth)
	}
}

func (e *encoder) orderedMap(m *Map, depth int) error {
	if m.Len() == 0 {
		e.buf.WriteString("{}")
		return nil
	}
	e.buf.WriteByte('{')
	first := true
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		if err := e.member(pair.Key, pair.Value, depth, first); err != nil {
			return err
		}
		first = false
	}
	e.newline(depth)
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) plainMap(m map[string]any, depth int) error {
	if len(m) == 0 {
		e.buf.WriteString("{}")
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, key := range keys {
		if err := e.member(key, m[key], depth, i == 0); err != nil {
			return err
		}
	}
	e.newline(depth)
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) list(items []any, depth int) error {
	if len(items) == 0 {
		e.buf.WriteString("[]")
		return nil
	}
	e.buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.newline(depth + 1)
		if err := e.value(item, depth+1); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	e.newline(depth)
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) member(key string, v any, depth int, first bool) error {
	if !first {
		e.buf.WriteByte(',')
	}
	e.newline(depth + 1)
	if err := e.scalar(key, depth+1); err != nil {
		return err
	}
	e.buf.WriteByte(':')
	if e.indent != "" {
		e.buf.WriteByte(' ')
	}
	if err := e.value(v, depth+1); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return nil
}

// scalar covers strings, numbers, booleans and any type with its own JSON
// encoding (structs, typed maps, slices).
func (e *encoder) scalar(v any, depth int) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if e.indent != "" {
		enc.SetIndent(e.prefix(depth), e.indent)
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	e.buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func (e *encoder) newline(depth int) {
	if e.indent == "" {
		return
	}
	e.buf.WriteByte('\n')
	e.buf.WriteString(e.prefix(depth))
}

func (e *encoder) prefix(depth int) string {
	if e.indent == "" || depth <= 0 {
		return ""
	}
	return string(bytes.Repeat([]byte(e.indent), depth))
}
