// Package shortcuts brings the operating system registrations of installed
// runtimes in line with the current install set: command aliases, PEP 514
// registry keys, Start menu entries and Add/Remove Programs records.
//
// Every registration is derived from the installs and may be recreated at
// any time, so Update can run repeatedly and converges on the same state.
package shortcuts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/shelllink"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// Default registry roots.
const (
	DefaultPEP514Root = `HKEY_CURRENT_USER\Software\Python`
	DefaultARPRoot    = `HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Uninstall`
)

// Options locate everything the reconciler writes.
type Options struct {
	GlobalDir   string
	StartFolder string
	PEP514Root  string
	ARPRoot     string

	// LauncherExe and LauncherWExe are copied for console and windowed
	// aliases.
	LauncherExe  string
	LauncherWExe string

	// ManagerExe is recorded in each UninstallString.
	ManagerExe string

	EnableKinds  []string
	DisableKinds []string

	// PathEnv is searched for GlobalDir. Empty means the PATH variable.
	PathEnv string
}

// Reconciler converges registrations against an install set.
type Reconciler struct {
	opts  Options
	reg   winreg.Registry
	links shelllink.Creator
	log   *logging.Logger
	kinds map[string]Kind
}

// NewReconciler creates a reconciler. A nil registry skips the registry
// kinds and ARP records; a nil link creator skips Start menu entries.
func NewReconciler(opts Options, reg winreg.Registry, links shelllink.Creator, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Nop()
	}
	if opts.PEP514Root == "" {
		opts.PEP514Root = DefaultPEP514Root
	}
	if opts.ARPRoot == "" {
		opts.ARPRoot = DefaultARPRoot
	}
	return &Reconciler{opts: opts, reg: reg, links: links, log: log, kinds: DefaultKinds()}
}

// Written is a shortcut created during a pass, kept by the kind's cleanup.
type Written struct {
	Install  *dist.Install
	Shortcut dist.Shortcut
}

// Kind creates and cleans up one family of shortcuts.
type Kind struct {
	// Create registers one shortcut of an install.
	Create func(ctx context.Context, r *Reconciler, install *dist.Install, s dist.Shortcut) error
	// Cleanup removes registrations of this kind that are not in keep.
	Cleanup func(ctx context.Context, r *Reconciler, keep []Written) error
}

// DefaultKinds returns the dispatch table of supported shortcut kinds.
func DefaultKinds() map[string]Kind {
	return map[string]Kind{
		"pep514": {Create: createPEP514, Cleanup: cleanupPEP514},
		"start":  {Create: createStart, Cleanup: cleanupStart},
	}
}

// WithKind registers or replaces a shortcut kind.
func (r *Reconciler) WithKind(name string, k Kind) *Reconciler {
	r.kinds[strings.ToLower(name)] = k
	return r
}

func (r *Reconciler) kindEnabled(kind string) bool {
	if len(r.opts.EnableKinds) > 0 && !containsFold(r.opts.EnableKinds, kind) {
		return false
	}
	return !containsFold(r.opts.DisableKinds, kind)
}

// Update reconciles every registration against installs. Failures of a
// single registration are logged and do not stop the pass.
func (r *Reconciler) Update(ctx context.Context, installs []*dist.Install) error {
	managed := make([]*dist.Install, 0, len(installs))
	for _, i := range installs {
		if !i.Unmanaged {
			managed = append(managed, i)
		}
	}

	if err := r.updateAliases(ctx, managed); err != nil {
		return err
	}

	written := map[string][]Written{}
	for _, install := range managed {
		for _, s := range install.Shortcuts {
			kind := strings.ToLower(s.Kind())
			k, ok := r.kinds[kind]
			if !ok {
				r.log.Debug("Skipping unsupported shortcut kind %q for %s", kind, install.ID)
				continue
			}
			if !r.kindEnabled(kind) {
				r.log.Verbose("Skipping %s shortcut for %s because the kind is disabled", kind, install.ID)
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.Create(ctx, r, install, s); err != nil {
				r.log.Warn("Failed to create %s shortcut for %s: %v", kind, install.DisplayName, err)
				continue
			}
			written[kind] = append(written[kind], Written{Install: install, Shortcut: s})
		}
	}

	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.kindEnabled(name) {
			continue
		}
		if err := r.kinds[name].Cleanup(ctx, r, written[name]); err != nil {
			r.log.Warn("Failed to clean up %s shortcuts: %v", name, err)
		}
	}

	if err := r.updateARP(managed); err != nil {
		r.log.Warn("Failed to update installed apps entries: %v", err)
	}
	r.warnIfNotOnPath()
	return nil
}

func (r *Reconciler) warnIfNotOnPath() {
	dir := r.opts.GlobalDir
	if dir == "" {
		return
	}
	exes, err := fsutil.Glob(dir, "*.exe")
	if err != nil || len(exes) == 0 {
		return
	}
	pathEnv := r.opts.PathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	want := normaliseDir(dir)
	for _, p := range filepath.SplitList(pathEnv) {
		if p != "" && normaliseDir(os.ExpandEnv(p)) == want {
			return
		}
	}
	r.log.Warn("The directory %s is not on PATH. Add it to run installed commands directly.", dir)
}

func normaliseDir(p string) string {
	return strings.ToLower(strings.TrimRight(filepath.Clean(p), `\/`))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// expandPrefix substitutes %PREFIX% with the install prefix followed by a
// path separator.
func expandPrefix(install *dist.Install, s string) string {
	if !strings.Contains(s, "%PREFIX%") {
		return s
	}
	prefix := install.Prefix
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.ReplaceAll(s, "%PREFIX%", prefix)
}
