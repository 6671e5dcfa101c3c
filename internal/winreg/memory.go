package winreg

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memKey struct {
	name     string
	values   map[string]memValue
	children map[string]*memKey
}

type memValue struct {
	name  string
	value Value
}

func newMemKey(name string) *memKey {
	return &memKey{name: name, values: map[string]memValue{}, children: map[string]*memKey{}}
}

// Memory is an in-process registry. Key and value names are case-insensitive
// and keep the case they were created with.
type Memory struct {
	mu    sync.Mutex
	hives map[string]*memKey
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{hives: map[string]*memKey{}}
}

func (m *Memory) find(path string, create bool) (*memKey, error) {
	hive, rest, err := SplitHive(path)
	if err != nil {
		return nil, err
	}
	k, ok := m.hives[hive]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		k = newMemKey(hive)
		m.hives[hive] = k
	}
	if rest == "" {
		return k, nil
	}
	for _, part := range strings.Split(rest, `\`) {
		child, ok := k.children[strings.ToLower(part)]
		if !ok {
			if !create {
				return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
			}
			child = newMemKey(part)
			k.children[strings.ToLower(part)] = child
		}
		k = child
	}
	return k, nil
}

// SubKeys implements Registry.
func (m *Memory) SubKeys(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.find(path, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(k.children))
	for _, c := range k.children {
		names = append(names, c.name)
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names, nil
}

// Values implements Registry.
func (m *Memory) Values(path string) (map[string]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.find(path, false)
	if err != nil {
		return nil, err
	}
	values := make(map[string]Value, len(k.values))
	for _, v := range k.values {
		values[v.name] = v.value
	}
	return values, nil
}

// SetValue implements Registry.
func (m *Memory) SetValue(path, name string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.find(path, true)
	if err != nil {
		return err
	}
	k.values[strings.ToLower(name)] = memValue{name: name, value: v}
	return nil
}

// DeleteValue implements Registry.
func (m *Memory) DeleteValue(path, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.find(path, false)
	if err != nil {
		return err
	}
	if _, ok := k.values[strings.ToLower(name)]; !ok {
		return fmt.Errorf("%s\\%s: %w", path, name, ErrNotExist)
	}
	delete(k.values, strings.ToLower(name))
	return nil
}

// DeleteTree implements Registry.
func (m *Memory) DeleteTree(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hive, rest, err := SplitHive(path)
	if err != nil {
		return err
	}
	if rest == "" {
		delete(m.hives, hive)
		return nil
	}
	parentPath, leaf := hive, rest
	if i := strings.LastIndex(rest, `\`); i >= 0 {
		parentPath, leaf = Join(hive, rest[:i]), rest[i+1:]
	}
	parent, err := m.find(parentPath, false)
	if err != nil {
		return err
	}
	if _, ok := parent.children[strings.ToLower(leaf)]; !ok {
		return fmt.Errorf("%s: %w", path, ErrNotExist)
	}
	delete(parent.children, strings.ToLower(leaf))
	return nil
}
