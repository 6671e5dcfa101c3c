// Package winreg abstracts the Windows registry behind a path-addressed
// interface so that registrations can be reconciled and tested without it.
package winreg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenk/backoff"
)

// ErrNotExist is returned for missing keys and values.
var ErrNotExist = errors.New("registry key or value does not exist")

// ErrAccessDenied marks permission failures that are worth retrying.
var ErrAccessDenied = errors.New("registry access denied")

// Kind is the type of a registry value.
type Kind int

const (
	String Kind = iota
	DWord
)

// Value is a registry value. Only strings and DWORDs are used.
type Value struct {
	Kind   Kind
	String string
	DWord  uint32
}

// Str returns a string value.
func Str(s string) Value { return Value{Kind: String, String: s} }

// DW returns a DWORD value.
func DW(n uint32) Value { return Value{Kind: DWord, DWord: n} }

func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.String == o.String && v.DWord == o.DWord
}

func (v Value) text() string {
	if v.Kind == DWord {
		return fmt.Sprintf("dword:%d", v.DWord)
	}
	return v.String
}

// Registry is the subset of registry operations the manager needs. Paths
// start with a hive name (HKEY_CURRENT_USER or HKCU, HKEY_LOCAL_MACHINE or
// HKLM) followed by backslash separated key names. The empty value name is
// the key's default value.
type Registry interface {
	// SubKeys lists the immediate children of path.
	SubKeys(path string) ([]string, error)
	// Values returns every value of the key at path.
	Values(path string) (map[string]Value, error)
	// SetValue creates path as needed and stores the value.
	SetValue(path, name string, v Value) error
	// DeleteValue removes one value of the key at path.
	DeleteValue(path, name string) error
	// DeleteTree removes path and everything beneath it.
	DeleteTree(path string) error
}

// Join concatenates key names with backslashes.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, `\`)
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

var hives = map[string]string{
	"HKCU":               "HKEY_CURRENT_USER",
	"HKEY_CURRENT_USER":  "HKEY_CURRENT_USER",
	"HKLM":               "HKEY_LOCAL_MACHINE",
	"HKEY_LOCAL_MACHINE": "HKEY_LOCAL_MACHINE",
}

// SplitHive returns the canonical hive name and the remaining key path.
func SplitHive(path string) (hive, rest string, err error) {
	path = strings.Trim(strings.ReplaceAll(path, "/", `\`), `\`)
	head, tail, _ := strings.Cut(path, `\`)
	hive, ok := hives[strings.ToUpper(head)]
	if !ok {
		return "", "", fmt.Errorf("unsupported registry root in %q", path)
	}
	return hive, tail, nil
}

// GetString returns the string value name at path, or "" when missing.
func GetString(r Registry, path, name string) string {
	values, err := r.Values(path)
	if err != nil {
		return ""
	}
	for k, v := range values {
		if strings.EqualFold(k, name) && v.Kind == String {
			return v.String
		}
	}
	return ""
}

// GetDWord returns the DWORD value name at path and whether it exists.
func GetDWord(r Registry, path, name string) (uint32, bool) {
	values, err := r.Values(path)
	if err != nil {
		return 0, false
	}
	for k, v := range values {
		if strings.EqualFold(k, name) && v.Kind == DWord {
			return v.DWord, true
		}
	}
	return 0, false
}

// IsManaged reports whether path carries ManagedByPyManager=1.
func IsManaged(r Registry, path string) bool {
	n, ok := GetDWord(r, path, ManagedValue)
	return ok && n != 0
}

// ManagedValue marks keys that the manager created and may remove.
const ManagedValue = "ManagedByPyManager"

const (
	retryAttempts = 5
	retryInterval = 10 * time.Millisecond
)

// Retry runs op, repeating it on ErrAccessDenied a few times and treating
// ErrNotExist as success.
func Retry(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), retryAttempts-1)
	return backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil, errors.Is(err, ErrNotExist):
			return nil
		case errors.Is(err, ErrAccessDenied):
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// Tree is a key with values and child keys, written by WriteTree.
type Tree struct {
	Values  map[string]Value
	SubKeys map[string]*Tree
}

// WriteTree stores t under path, removing values and subkeys of the existing
// key that are not part of t.
func WriteTree(r Registry, path string, t *Tree) error {
	existing, err := r.Values(path)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	if len(t.Values) == 0 && len(t.SubKeys) == 0 {
		if err := Retry(func() error { return r.SetValue(path, "", Str("")) }); err != nil {
			return err
		}
	}
	for name, v := range t.Values {
		if old, ok := existing[name]; ok && old.Equal(v) {
			continue
		}
		if err := Retry(func() error { return r.SetValue(path, name, v) }); err != nil {
			return fmt.Errorf("writing %s\\%s: %w", path, name, err)
		}
	}
	if err := pruneValues(r, path, existing, t.Values); err != nil {
		return err
	}

	children, err := r.SubKeys(path)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	for _, child := range children {
		if _, keep := lookupFold(t.SubKeys, child); !keep {
			if err := Retry(func() error { return r.DeleteTree(Join(path, child)) }); err != nil {
				return err
			}
		}
	}
	for name, sub := range t.SubKeys {
		if err := WriteTree(r, Join(path, name), sub); err != nil {
			return err
		}
	}
	return nil
}

func pruneValues(r Registry, path string, existing, keep map[string]Value) error {
	for name := range existing {
		if name == "" {
			continue
		}
		if _, ok := lookupFold(keep, name); ok {
			continue
		}
		if err := Retry(func() error { return r.DeleteValue(path, name) }); err != nil {
			return err
		}
	}
	return nil
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Dump renders the subtree at path as sorted lines, for diagnostics and
// tests.
func Dump(r Registry, path string) []string {
	var lines []string
	var walk func(p string)
	walk = func(p string) {
		values, err := r.Values(p)
		if err != nil {
			return
		}
		for _, name := range sortedNames(values) {
			lines = append(lines, fmt.Sprintf("%s[%s]=%s", p, name, values[name].text()))
		}
		children, _ := r.SubKeys(p)
		for _, c := range children {
			walk(Join(p, c))
		}
	}
	walk(path)
	return lines
}

func sortedNames(m map[string]Value) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
