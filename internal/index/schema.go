package index

import (
	"fmt"
	"math"
	"sort"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindList
	kindObject
	kindStringMap
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInt:
		return "integer"
	case kindList:
		return "list"
	case kindObject, kindStringMap:
		return "object"
	}
	return "value"
}

// node describes the expected shape of one JSON value.
type node struct {
	kind   kind
	elem   *node
	fields map[string]field
	open   bool // unknown keys allowed
}

type field struct {
	*node
	required bool
}

func req(n *node) field { return field{node: n, required: true} }
func opt(n *node) field { return field{node: n} }

var (
	str  = &node{kind: kindString}
	num  = &node{kind: kindInt}
	strs = &node{kind: kindList, elem: str}
)

func list(elem *node) *node { return &node{kind: kindList, elem: elem} }

func object(open bool, fields map[string]field) *node {
	return &node{kind: kindObject, fields: fields, open: open}
}

var entryFields = map[string]field{
	"schema":       req(num),
	"id":           req(str),
	"sort-version": req(str),
	"company":      req(str),
	"tag":          req(str),
	"install-for":  req(strs),
	"run-for": req(list(object(false, map[string]field{
		"tag":      req(str),
		"target":   req(str),
		"args":     opt(strs),
		"windowed": opt(num),
	}))),
	"alias": opt(list(object(false, map[string]field{
		"name":     req(str),
		"target":   req(str),
		"windowed": opt(num),
	}))),
	"shortcuts": opt(list(object(true, map[string]field{
		"kind": req(str),
	}))),
	"display-name":    req(str),
	"executable":      req(str),
	"executable-args": opt(strs),
	"url":             req(str),
	"hash":            opt(&node{kind: kindStringMap}),
}

var (
	entrySchema = object(false, entryFields)

	indexSchema = object(false, map[string]field{
		"next":     opt(str),
		"versions": req(list(entrySchema)),
	})

	manifestSchema = object(false, withFields(entryFields, map[string]field{
		"source": opt(str),
	}))
)

func withFields(base, extra map[string]field) map[string]field {
	merged := make(map[string]field, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// validate walks v against n and returns the first mismatch with its dotted
// path. Entries whose "schema" is not 1 yield an InvalidFeedVersion error.
func validate(v any, n *node, path string) error {
	switch n.kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return mismatch(path, n.kind, v)
		}
	case kindInt:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return mismatch(path, n.kind, v)
		}
	case kindList:
		items, ok := v.([]any)
		if !ok {
			return mismatch(path, n.kind, v)
		}
		for i, item := range items {
			if err := validate(item, n.elem, join(path, fmt.Sprintf("[%d]", i))); err != nil {
				return err
			}
		}
	case kindStringMap:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(path, n.kind, v)
		}
		for _, k := range sortedKeys(m) {
			if _, ok := m[k].(string); !ok {
				return mismatch(join(path, k), kindString, m[k])
			}
		}
	case kindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(path, n.kind, v)
		}
		if s, ok := m["schema"]; ok && n.fields["schema"].node != nil {
			if f, ok := s.(float64); ok && f != 1 {
				return pmerrors.Newf(pmerrors.ErrCodeInvalidFeedVersion,
					"%s: unsupported schema version %v", join(path, "schema"), s).WithContext("path", join(path, "schema"))
			}
		}
		for _, k := range sortedKeys(n.fields) {
			if _, ok := m[k]; !ok && n.fields[k].required {
				return pmerrors.InvalidFeed(join(path, k), "required key is missing")
			}
		}
		for _, k := range sortedKeys(m) {
			f, ok := n.fields[k]
			if !ok {
				if n.open {
					continue
				}
				return pmerrors.InvalidFeed(join(path, k), "unexpected key")
			}
			if err := validate(m[k], f.node, join(path, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

func mismatch(path string, want kind, got any) error {
	return pmerrors.InvalidFeed(path, fmt.Sprintf("expected %s, got %s", want, describe(got)))
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
