// Package config loads the layered configuration: built-in defaults, the
// file next to the executable, the user file, an explicit --config file,
// the environment and finally command-line options.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// FileName is the configuration file looked for next to the executable and
// in the user's application data directory.
const FileName = "pymanager.json"

// Config is the merged configuration. It is a plain value; loading a new
// configuration never changes an existing one.
type Config struct {
	InstallDir      string
	DownloadDir     string
	BundledDir      string
	GlobalDir       string
	StartFolder     string
	LogsDir         string
	LauncherExe     string
	LauncherWExe    string
	PEP514Root      string
	ARPRoot         string
	DefaultTag      string
	DefaultPlatform string

	AutomaticInstall bool
	Confirm          bool
	LogLevel         int

	List    ListConfig
	Install InstallConfig

	// Environment-only settings.
	Color      bool
	VirtualEnv string
	Transport  transport.Options

	// Sources lists the files that were read, in order.
	Sources []string
}

// ListConfig holds defaults for the list command.
type ListConfig struct {
	Format string
}

// InstallConfig holds defaults for the install command.
type InstallConfig struct {
	Source               string
	FallbackSource       string
	EnableShortcutKinds  []string
	DisableShortcutKinds []string
}

// Layer is one source of raw values. Relative paths in Values resolve
// against Dir.
type Layer struct {
	Name   string
	Dir    string
	Values map[string]any
}

// Options locate the configuration sources.
type Options struct {
	// ExeDir holds the executable and its pymanager.json.
	ExeDir string
	// UserFile is the per-user configuration file. Missing is fine.
	UserFile string
	// File is the --config file. It must exist when set.
	File string
	// Overrides are command-line values keyed like the schema.
	Overrides map[string]any
}

// Load merges every layer into a Config.
func Load(opts Options) (Config, error) {
	env, err := ReadEnvironment()
	if err != nil {
		return Config{}, err
	}

	layers := []Layer{Defaults(opts.ExeDir, env)}
	var sources []string
	if opts.ExeDir != "" {
		if l, ok, err := ReadFile(filepath.Join(opts.ExeDir, FileName), false); err != nil {
			return Config{}, err
		} else if ok {
			layers = append(layers, l)
			sources = append(sources, l.Name)
		}
	}
	if opts.UserFile != "" {
		if l, ok, err := ReadFile(opts.UserFile, false); err != nil {
			return Config{}, err
		} else if ok {
			layers = append(layers, l)
			sources = append(sources, l.Name)
		}
	}
	if opts.File != "" {
		l, _, err := ReadFile(opts.File, true)
		if err != nil {
			return Config{}, err
		}
		layers = append(layers, l)
		sources = append(sources, l.Name)
	}
	layers = append(layers, env.Layer())
	if len(opts.Overrides) > 0 {
		cwd, _ := os.Getwd()
		layers = append(layers, Layer{Name: "command line", Dir: cwd, Values: opts.Overrides})
	}

	cfg, err := Merge(layers...)
	if err != nil {
		return Config{}, err
	}
	cfg.Color = env.color()
	cfg.VirtualEnv = env.VirtualEnv
	cfg.Transport = env.transportOptions()
	cfg.Sources = sources
	return cfg, nil
}

// Merge applies layers in order and builds the Config.
func Merge(layers ...Layer) (Config, error) {
	merged := map[string]any{}
	for _, l := range layers {
		flat := flatten("", l.Values)
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			f, ok := fieldsByKey[key]
			if !ok {
				return Config{}, invalid(l.Name, key, "unknown configuration key")
			}
			v, err := f.coerce(flat[key])
			if err != nil {
				return Config{}, invalid(l.Name, key, err.Error())
			}
			v, err = f.postProcess(v, l.Dir)
			if err != nil {
				return Config{}, invalid(l.Name, key, err.Error())
			}
			merged[key] = f.merge(merged[key], v)
		}
	}

	var cfg Config
	for _, f := range Schema {
		if v, ok := merged[f.Key]; ok {
			f.set(&cfg, v)
		}
	}
	return cfg, nil
}

func invalid(source, key, msg string) error {
	return pmerrors.Newf(pmerrors.ErrCodeInvalidConfiguration, "%s: %s: %s", source, key, msg).
		WithContext("key", key)
}

// flatten turns nested objects into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

var percentVarRe = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_()]*)%`)

// ExpandEnv substitutes %VAR% and $VAR references. Unset variables are left
// as written.
func ExpandEnv(s string) string {
	s = percentVarRe.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := os.LookupEnv(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "$" + name
	})
}

func (f Field) postProcess(v any, dir string) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return v, nil
	}
	if f.Flags&Expand != 0 {
		s = ExpandEnv(s)
	}
	if f.Flags&Path != 0 {
		if !filepath.IsAbs(s) && dir != "" {
			s = filepath.Join(dir, s)
		}
		s = filepath.Clean(s)
	}
	if f.Flags&URI != 0 {
		u, err := url.Parse(s)
		switch {
		case err == nil && len(u.Scheme) > 1:
			switch strings.ToLower(u.Scheme) {
			case "http", "https", "file":
			default:
				return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
			}
		default:
			if !filepath.IsAbs(s) && dir != "" {
				s = filepath.Join(dir, s)
			}
			s = transport.PathToFileURL(filepath.Clean(s))
		}
	}
	return s, nil
}

// ReadFile reads a configuration file as JSON, YAML or TOML by extension.
// ok is false when the file is missing and required is not set.
func ReadFile(path string, required bool) (Layer, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Layer{}, false, fmt.Errorf("resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return Layer{}, false, nil
		}
		return Layer{}, false, pmerrors.Wrap(pmerrors.ErrCodeInvalidConfiguration, fmt.Sprintf("unable to read %s", abs), err)
	}

	values := map[string]any{}
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &values)
	case ".toml":
		err = toml.Unmarshal(data, &values)
	default:
		err = sonic.Unmarshal(data, &values)
	}
	if err != nil {
		return Layer{}, false, pmerrors.Wrap(pmerrors.ErrCodeInvalidConfiguration, fmt.Sprintf("%s is not a valid configuration file", abs), err)
	}
	return Layer{Name: abs, Dir: filepath.Dir(abs), Values: values}, true, nil
}
