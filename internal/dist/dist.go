package dist

import (
	"path/filepath"
	"strings"
)

// ManifestName is the file written into every managed install prefix.
const ManifestName = "__install__.json"

// SchemaVersion is the only index and manifest schema understood.
const SchemaVersion = 1

// RunFor maps a tag to an executable inside the install prefix.
type RunFor struct {
	Tag      string   `json:"tag"`
	Target   string   `json:"target"`
	Args     []string `json:"args,omitempty"`
	Windowed int      `json:"windowed,omitempty"`
}

// Alias is a PATH-discoverable name for an executable inside the prefix.
type Alias struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Windowed int    `json:"windowed,omitempty"`
}

// Shortcut is an OS registration request; its keys depend on Kind.
type Shortcut map[string]any

// Kind returns the shortcut's "kind" key.
func (s Shortcut) Kind() string {
	k, _ := s["kind"].(string)
	return k
}

// String returns the string value under key, or "".
func (s Shortcut) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Entry is one installable package from an index feed.
type Entry struct {
	Schema         int               `json:"schema"`
	ID             string            `json:"id"`
	SortVersion    string            `json:"sort-version"`
	Company        string            `json:"company"`
	Tag            string            `json:"tag"`
	InstallFor     []string          `json:"install-for"`
	RunFor         []RunFor          `json:"run-for"`
	Alias          []Alias           `json:"alias,omitempty"`
	Shortcuts      []Shortcut        `json:"shortcuts,omitempty"`
	DisplayName    string            `json:"display-name"`
	Executable     string            `json:"executable"`
	ExecutableArgs []string          `json:"executable-args,omitempty"`
	URL            string            `json:"url"`
	Hash           map[string]string `json:"hash,omitempty"`
}

// Install is an Entry that has been extracted to Prefix.
type Install struct {
	Entry
	Source string `json:"source,omitempty"`

	// Prefix is the install directory; Executable above is absolute once set.
	Prefix    string `json:"-"`
	Default   bool   `json:"-"`
	Unmanaged bool   `json:"-"`
}

// Tags returns the tags the install answers to: InstallFor, or its own Tag
// when InstallFor is empty.
func (i *Install) Tags() []string {
	if len(i.InstallFor) > 0 {
		return i.InstallFor
	}
	if i.Tag == "" {
		return nil
	}
	return []string{i.Tag}
}

// Resolve returns target joined onto the prefix unless it is already absolute.
func (i *Install) Resolve(target string) string {
	if target == "" || filepath.IsAbs(target) || i.Prefix == "" {
		return target
	}
	return filepath.Join(i.Prefix, filepath.FromSlash(strings.ReplaceAll(target, `\`, "/")))
}

// WithExecutable returns a copy of the install whose Executable is target
// resolved against the prefix.
func (i Install) WithExecutable(target string, args []string) Install {
	i.Executable = i.Resolve(target)
	if args != nil {
		i.ExecutableArgs = args
	}
	return i
}

// Clone returns a copy that shares no slices with i.
func (i Install) Clone() Install {
	i.InstallFor = append([]string(nil), i.InstallFor...)
	i.RunFor = append([]RunFor(nil), i.RunFor...)
	i.Alias = append([]Alias(nil), i.Alias...)
	i.Shortcuts = append([]Shortcut(nil), i.Shortcuts...)
	i.ExecutableArgs = append([]string(nil), i.ExecutableArgs...)
	return i
}
