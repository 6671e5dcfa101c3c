package shortcuts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// pep514Key returns the registry path a pep514 shortcut writes.
func (r *Reconciler) pep514Key(install *dist.Install, s dist.Shortcut) string {
	key := s.String("Key")
	if key == "" {
		key = install.Company + `\` + install.Tag
	}
	return winreg.Join(r.opts.PEP514Root, key)
}

func createPEP514(ctx context.Context, r *Reconciler, install *dist.Install, s dist.Shortcut) error {
	if r.reg == nil {
		r.log.Debug("No registry available; skipping PEP 514 registration for %s", install.ID)
		return nil
	}
	path := r.pep514Key(install, s)
	if _, err := r.reg.Values(path); err == nil && !winreg.IsManaged(r.reg, path) {
		return fmt.Errorf("%s already exists and is not managed by this tool", path)
	} else if err != nil && !errors.Is(err, winreg.ErrNotExist) {
		return err
	}

	tree := buildTree(install, s, true)
	tree.Values[winreg.ManagedValue] = winreg.DW(1)
	if _, ok := lookupKey(tree.SubKeys, "InstallPath"); !ok {
		tree.SubKeys["InstallPath"] = defaultInstallPath(install)
	}
	r.log.Verbose("Registering %s", path)
	return winreg.WriteTree(r.reg, path, tree)
}

func defaultInstallPath(install *dist.Install) *winreg.Tree {
	t := &winreg.Tree{Values: map[string]winreg.Value{
		"":               winreg.Str(install.Prefix),
		"ExecutablePath": winreg.Str(install.Executable),
	}, SubKeys: map[string]*winreg.Tree{}}
	for _, rf := range install.RunFor {
		if rf.Windowed != 0 {
			t.Values["WindowedExecutablePath"] = winreg.Str(install.Resolve(rf.Target))
			break
		}
	}
	return t
}

// buildTree converts a shortcut record into registry content. Nested
// objects become subkeys, "_" is the default value, strings have %PREFIX%
// expanded and numbers become DWORDs.
func buildTree(install *dist.Install, m map[string]any, top bool) *winreg.Tree {
	t := &winreg.Tree{Values: map[string]winreg.Value{}, SubKeys: map[string]*winreg.Tree{}}
	for k, v := range m {
		if top && (k == "kind" || k == "Key") {
			continue
		}
		name := k
		if name == "_" {
			name = ""
		}
		switch v := v.(type) {
		case map[string]any:
			t.SubKeys[k] = buildTree(install, v, false)
		case string:
			t.Values[name] = winreg.Str(expandPrefix(install, v))
		case float64:
			t.Values[name] = winreg.DW(uint32(math.Max(0, v)))
		case int:
			t.Values[name] = winreg.DW(uint32(v))
		case bool:
			if v {
				t.Values[name] = winreg.DW(1)
			} else {
				t.Values[name] = winreg.DW(0)
			}
		}
	}
	return t
}

func lookupKey(m map[string]*winreg.Tree, key string) (*winreg.Tree, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func cleanupPEP514(ctx context.Context, r *Reconciler, keep []Written) error {
	if r.reg == nil {
		return nil
	}
	keepKeys := map[string]bool{}
	for _, w := range keep {
		keepKeys[strings.ToLower(r.pep514Key(w.Install, w.Shortcut))] = true
	}

	root := r.opts.PEP514Root
	companies, err := r.reg.SubKeys(root)
	if errors.Is(err, winreg.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	for _, company := range companies {
		companyKey := winreg.Join(root, company)
		tagKeys, err := r.reg.SubKeys(companyKey)
		if err != nil {
			continue
		}
		removed := false
		for _, tag := range tagKeys {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := winreg.Join(companyKey, tag)
			if keepKeys[strings.ToLower(path)] || !winreg.IsManaged(r.reg, path) {
				continue
			}
			r.log.Verbose("Removing registration %s", path)
			if err := winreg.Retry(func() error { return r.reg.DeleteTree(path) }); err != nil {
				r.log.Warn("Failed to remove %s: %v", path, err)
				continue
			}
			removed = true
		}
		if removed && isEmptyKey(r.reg, companyKey) {
			_ = winreg.Retry(func() error { return r.reg.DeleteTree(companyKey) })
		}
	}
	return nil
}

// isEmptyKey reports whether path has no subkeys and no named values.
func isEmptyKey(reg winreg.Registry, path string) bool {
	children, err := reg.SubKeys(path)
	if err != nil || len(children) > 0 {
		return false
	}
	values, err := reg.Values(path)
	if err != nil {
		return false
	}
	for name, v := range values {
		if name != "" || v.Kind != winreg.String || v.String != "" {
			return false
		}
	}
	return true
}
