//go:build windows

package winreg

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// System is the Windows registry.
type System struct{}

// NewSystem returns the registry of the running host.
func NewSystem() Registry {
	return System{}
}

func open(path string, access uint32) (registry.Key, error) {
	root, rest, err := rootKey(path)
	if err != nil {
		return 0, err
	}
	k, err := registry.OpenKey(root, rest, access)
	if err != nil {
		return 0, classify(path, err)
	}
	return k, nil
}

func rootKey(path string) (registry.Key, string, error) {
	hive, rest, err := SplitHive(path)
	if err != nil {
		return 0, "", err
	}
	if hive == "HKEY_LOCAL_MACHINE" {
		return registry.LOCAL_MACHINE, rest, nil
	}
	return registry.CURRENT_USER, rest, nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, registry.ErrNotExist):
		return fmt.Errorf("%s: %w", path, ErrNotExist)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%s: %w", path, ErrAccessDenied)
	}
	return fmt.Errorf("%s: %w", path, err)
}

// SubKeys implements Registry.
func (System) SubKeys(path string) ([]string, error) {
	k, err := open(path, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, err
	}
	defer k.Close()
	names, err := k.ReadSubKeyNames(-1)
	if err != nil {
		return nil, classify(path, err)
	}
	return names, nil
}

// Values implements Registry.
func (System) Values(path string) (map[string]Value, error) {
	k, err := open(path, registry.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer k.Close()
	names, err := k.ReadValueNames(-1)
	if err != nil {
		return nil, classify(path, err)
	}
	values := make(map[string]Value, len(names))
	for _, name := range names {
		_, typ, err := k.GetValue(name, nil)
		if err != nil {
			continue
		}
		switch typ {
		case registry.SZ, registry.EXPAND_SZ:
			if s, _, err := k.GetStringValue(name); err == nil {
				values[name] = Str(s)
			}
		case registry.DWORD:
			if n, _, err := k.GetIntegerValue(name); err == nil {
				values[name] = DW(uint32(n))
			}
		}
	}
	return values, nil
}

// SetValue implements Registry.
func (System) SetValue(path, name string, v Value) error {
	root, rest, err := rootKey(path)
	if err != nil {
		return err
	}
	k, _, err := registry.CreateKey(root, rest, registry.SET_VALUE)
	if err != nil {
		return classify(path, err)
	}
	defer k.Close()
	if v.Kind == DWord {
		err = k.SetDWordValue(name, v.DWord)
	} else {
		err = k.SetStringValue(name, v.String)
	}
	if err != nil {
		return classify(path, err)
	}
	return nil
}

// DeleteValue implements Registry.
func (System) DeleteValue(path, name string) error {
	k, err := open(path, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()
	if err := k.DeleteValue(name); err != nil {
		return classify(path, err)
	}
	return nil
}

// DeleteTree implements Registry.
func (s System) DeleteTree(path string) error {
	children, err := s.SubKeys(path)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.DeleteTree(Join(path, c)); err != nil && !errors.Is(err, ErrNotExist) {
			return err
		}
	}
	root, rest, err := rootKey(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(rest) == "" {
		return fmt.Errorf("refusing to delete registry root %s", path)
	}
	if err := registry.DeleteKey(root, rest); err != nil {
		return classify(path, err)
	}
	return nil
}
