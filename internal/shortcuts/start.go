package shortcuts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/shelllink"
)

// StartManifest lists the links created in a Start menu folder.
const StartManifest = "pymanager.ini"

// startPlan returns the folder and links a start shortcut describes. A
// record with "Items" is a folder named "Name"; a record with only a
// "Target" is a single link directly in the Start menu folder.
func (r *Reconciler) startPlan(install *dist.Install, s dist.Shortcut) (string, []shelllink.Link, error) {
	root := r.opts.StartFolder
	items, _ := s["Items"].([]any)
	dir := root
	if items == nil {
		items = []any{map[string]any(s)}
	} else {
		name := s.String("Name")
		if name == "" {
			return "", nil, fmt.Errorf("start shortcut has no Name")
		}
		dir = filepath.Join(root, name)
	}
	if !fsutil.IsWithin(root, dir) {
		return "", nil, fmt.Errorf("start folder %s is outside %s", dir, root)
	}

	var links []shelllink.Link
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := item["Name"].(string)
		target, _ := item["Target"].(string)
		if name == "" || target == "" {
			return "", nil, fmt.Errorf("start item needs Name and Target")
		}
		if !strings.HasSuffix(strings.ToLower(name), ".lnk") {
			name += ".lnk"
		}
		path := filepath.Join(dir, name)
		if filepath.Dir(path) != filepath.Clean(dir) {
			return "", nil, fmt.Errorf("start item %s is not a plain file name", name)
		}
		link := shelllink.Link{
			Path:        path,
			Target:      expandPrefix(install, target),
			Arguments:   expandPrefix(install, itemString(item, "Arguments")),
			WorkingDir:  expandPrefix(install, itemString(item, "WorkingDirectory")),
			Icon:        expandPrefix(install, itemString(item, "Icon")),
			Description: itemString(item, "Description"),
		}
		if n, ok := item["IconIndex"].(float64); ok {
			link.IconIndex = int(n)
		}
		links = append(links, link)
	}
	return dir, links, nil
}

func itemString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func createStart(ctx context.Context, r *Reconciler, install *dist.Install, s dist.Shortcut) error {
	if r.links == nil || r.opts.StartFolder == "" {
		r.log.Debug("No Start menu available; skipping shortcut for %s", install.ID)
		return nil
	}
	dir, links, err := r.startPlan(install, s)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		r.log.Verbose("Creating Start menu shortcut %s", link.Path)
		if err := r.links.Create(ctx, link); err != nil {
			return err
		}
		names = append(names, filepath.Base(link.Path))
	}

	existing := readStartManifest(dir)
	merged := append([]string(nil), existing...)
	for _, n := range names {
		if !containsFold(merged, n) {
			merged = append(merged, n)
		}
	}
	if len(merged) == len(existing) {
		return nil
	}
	return writeStartManifest(dir, merged)
}

func cleanupStart(ctx context.Context, r *Reconciler, keep []Written) error {
	root := r.opts.StartFolder
	if root == "" {
		return nil
	}
	keepPaths := map[string]bool{}
	for _, w := range keep {
		_, links, err := r.startPlan(w.Install, w.Shortcut)
		if err != nil {
			continue
		}
		for _, l := range links {
			keepPaths[strings.ToLower(l.Path)] = true
		}
	}

	dirs := []string{root}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		listed := readStartManifest(dir)
		if listed == nil {
			continue
		}
		var retained []string
		for _, name := range listed {
			path := filepath.Join(dir, name)
			if keepPaths[strings.ToLower(path)] {
				retained = append(retained, name)
				continue
			}
			r.log.Verbose("Removing Start menu shortcut %s", path)
			if err := fsutil.Unlink(path); err != nil {
				r.log.Warn("Failed to remove %s: %v", path, err)
				retained = append(retained, name)
			}
		}
		if len(retained) == len(listed) {
			continue
		}
		if len(retained) > 0 {
			if err := writeStartManifest(dir, retained); err != nil {
				return err
			}
			continue
		}
		if err := fsutil.Unlink(filepath.Join(dir, StartManifest)); err != nil {
			return err
		}
		if dir != root {
			if rest, err := os.ReadDir(dir); err == nil && len(rest) == 0 {
				_ = os.Remove(dir)
			}
		}
	}
	return nil
}

// readStartManifest returns the listed names, or nil when there is no
// manifest. Names that are not plain file names are dropped.
func readStartManifest(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, StartManifest))
	if err != nil {
		return nil
	}
	names := []string{}
	sc := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `\/`) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func writeStartManifest(dir string, names []string) error {
	path := filepath.Join(dir, StartManifest)
	if err := fsutil.Unlink(path); err != nil {
		return err
	}
	if err := fsutil.EnsureTree(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strings.Join(names, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return fsutil.HideFile(path)
}
