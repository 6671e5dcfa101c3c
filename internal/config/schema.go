package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the value type of a configuration field.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindStrings
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindStrings:
		return "list of strings"
	}
	return "unknown"
}

// Strategy decides how a layer's value combines with the value so far.
type Strategy int

const (
	// Replace keeps the later value.
	Replace Strategy = iota
	// Min keeps the smaller integer.
	Min
	// Append concatenates lists.
	Append
	// SplitAppend splits strings on commas and whitespace, then appends.
	SplitAppend
)

// Flag selects post-processing applied to a layer's value before merging.
type Flag uint

const (
	// Expand substitutes %VAR% and $VAR environment references.
	Expand Flag = 1 << iota
	// Path makes a relative path absolute against the layer's directory.
	Path
	// URI accepts http, https and file URLs; plain paths become file URLs.
	URI
)

// Field declares one configuration key.
type Field struct {
	Key      string
	Kind     Kind
	Strategy Strategy
	Flags    Flag
	set      func(c *Config, v any)
}

func str(key string, flags Flag, set func(*Config, string)) Field {
	return Field{Key: key, Kind: KindString, Flags: flags, set: func(c *Config, v any) { set(c, v.(string)) }}
}

func boolean(key string, set func(*Config, bool)) Field {
	return Field{Key: key, Kind: KindBool, set: func(c *Config, v any) { set(c, v.(bool)) }}
}

func integer(key string, strategy Strategy, set func(*Config, int)) Field {
	return Field{Key: key, Kind: KindInt, Strategy: strategy, set: func(c *Config, v any) { set(c, v.(int)) }}
}

func strs(key string, strategy Strategy, set func(*Config, []string)) Field {
	return Field{Key: key, Kind: KindStrings, Strategy: strategy, set: func(c *Config, v any) { set(c, v.([]string)) }}
}

// Schema lists every accepted key.
var Schema = []Field{
	str("install_dir", Expand|Path, func(c *Config, v string) { c.InstallDir = v }),
	str("download_dir", Expand|Path, func(c *Config, v string) { c.DownloadDir = v }),
	str("bundled_dir", Expand|Path, func(c *Config, v string) { c.BundledDir = v }),
	str("global_dir", Expand|Path, func(c *Config, v string) { c.GlobalDir = v }),
	str("start_folder", Expand|Path, func(c *Config, v string) { c.StartFolder = v }),
	str("logs_dir", Expand|Path, func(c *Config, v string) { c.LogsDir = v }),
	str("launcher_exe", Expand|Path, func(c *Config, v string) { c.LauncherExe = v }),
	str("launcherw_exe", Expand|Path, func(c *Config, v string) { c.LauncherWExe = v }),
	str("pep514_root", 0, func(c *Config, v string) { c.PEP514Root = v }),
	str("arp_root", 0, func(c *Config, v string) { c.ARPRoot = v }),
	str("default_tag", 0, func(c *Config, v string) { c.DefaultTag = v }),
	str("default_platform", 0, func(c *Config, v string) { c.DefaultPlatform = v }),
	boolean("automatic_install", func(c *Config, v bool) { c.AutomaticInstall = v }),
	boolean("confirm", func(c *Config, v bool) { c.Confirm = v }),
	integer("log_level", Min, func(c *Config, v int) { c.LogLevel = v }),
	str("list.format", 0, func(c *Config, v string) { c.List.Format = v }),
	str("install.source", Expand|URI, func(c *Config, v string) { c.Install.Source = v }),
	str("install.fallback_source", Expand|URI, func(c *Config, v string) { c.Install.FallbackSource = v }),
	strs("install.enable_shortcut_kinds", SplitAppend, func(c *Config, v []string) { c.Install.EnableShortcutKinds = v }),
	strs("install.disable_shortcut_kinds", SplitAppend, func(c *Config, v []string) { c.Install.DisableShortcutKinds = v }),
}

var fieldsByKey = func() map[string]Field {
	m := make(map[string]Field, len(Schema))
	for _, f := range Schema {
		m[f.Key] = f
	}
	return m
}()

// coerce converts a decoded value to the field's kind.
func (f Field) coerce(v any) (any, error) {
	switch f.Kind {
	case KindString:
		switch t := v.(type) {
		case string:
			return t, nil
		case nil:
			return "", nil
		}
	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "1", "true", "yes", "on":
				return true, nil
			case "0", "false", "no", "off", "":
				return false, nil
			}
		case float64:
			return t != 0, nil
		case int:
			return t != 0, nil
		case int64:
			return t != 0, nil
		}
	case KindInt:
		switch t := v.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			if t == float64(int(t)) {
				return int(t), nil
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n, nil
			}
		}
	case KindStrings:
		switch t := v.(type) {
		case string:
			if f.Strategy == SplitAppend {
				return splitList(t), nil
			}
			return []string{t}, nil
		case []string:
			return t, nil
		case []any:
			out := make([]string, 0, len(t))
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("expected %s, got %T element", f.Kind, e)
				}
				if f.Strategy == SplitAppend {
					out = append(out, splitList(s)...)
				} else {
					out = append(out, s)
				}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %v", f.Kind, v)
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
}

// merge combines the value so far with a layer's value.
func (f Field) merge(old, v any) any {
	if old == nil {
		return v
	}
	switch f.Strategy {
	case Min:
		if v.(int) < old.(int) {
			return v
		}
		return old
	case Append, SplitAppend:
		return append(append([]string(nil), old.([]string)...), v.([]string)...)
	}
	return v
}
