package shortcuts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/fsutil"
)

// TargetSuffix names the file beside each alias that holds its target.
const TargetSuffix = ".__target__"

func aliasName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name
	}
	return name + ".exe"
}

func (r *Reconciler) updateAliases(ctx context.Context, installs []*dist.Install) error {
	dir := r.opts.GlobalDir
	if dir == "" {
		return nil
	}
	templates := map[bool][]byte{}
	template := func(windowed bool) ([]byte, error) {
		if data, ok := templates[windowed]; ok {
			return data, nil
		}
		path := r.opts.LauncherExe
		if windowed && r.opts.LauncherWExe != "" {
			path = r.opts.LauncherWExe
		}
		if path == "" {
			return nil, fmt.Errorf("no launcher template configured")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading launcher template: %w", err)
		}
		templates[windowed] = data
		return data, nil
	}

	written := map[string]bool{}
	for _, install := range installs {
		for _, a := range install.Alias {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := aliasName(a.Name)
			key := strings.ToLower(name)
			if written[key] {
				continue
			}
			target := install.Resolve(a.Target)
			if !fsutil.Exists(target) {
				r.log.Warn("Skipping alias %s because %s does not exist", name, target)
				continue
			}
			data, err := template(a.Windowed != 0)
			if err != nil {
				r.log.Warn("Skipping alias %s: %v", name, err)
				continue
			}
			if err := writeAlias(filepath.Join(dir, name), data, target); err != nil {
				r.log.Warn("Failed to create alias %s: %v", name, err)
				continue
			}
			r.log.Debug("Alias %s -> %s", name, target)
			written[key] = true
		}
	}

	return r.cleanupAliases(dir, written)
}

// writeAlias writes the launcher copy and its target file, leaving either
// untouched when it already has the right contents.
func writeAlias(exe string, launcher []byte, target string) error {
	if !fsutil.SameContents(exe, launcher) {
		if err := fsutil.Unlink(exe); err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(exe, launcher, 0755); err != nil {
			return err
		}
	}
	targetFile := exe + TargetSuffix
	if !fsutil.SameContents(targetFile, []byte(target)) {
		if err := fsutil.WriteFileAtomic(targetFile, []byte(target), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) cleanupAliases(dir string, written map[string]bool) error {
	if !fsutil.Exists(dir) {
		return nil
	}
	targets, err := fsutil.Glob(dir, "*.exe"+TargetSuffix)
	if err != nil {
		return err
	}
	for _, t := range targets {
		exe := strings.TrimSuffix(t, TargetSuffix)
		if written[strings.ToLower(filepath.Base(exe))] {
			continue
		}
		r.log.Verbose("Removing unused alias %s", exe)
		if err := fsutil.Unlink(exe); err != nil {
			r.log.Warn("Failed to remove %s: %v", exe, err)
			continue
		}
		if err := fsutil.Unlink(t); err != nil {
			r.log.Warn("Failed to remove %s: %v", t, err)
		}
	}
	return nil
}
