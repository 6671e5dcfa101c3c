// Package fsutil holds the filesystem helpers shared by the installer and the
// shortcut reconciler: tree removal that tolerates files held open by other
// processes, atomic writes, and directory sizing.
package fsutil

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenk/backoff"
	"github.com/charlievieth/fastwalk"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
)

const (
	// MaxRenameAttempts bounds the .N.deleteme names tried by AtomicDelete.
	MaxRenameAttempts = 1000
	renameInterval    = 10 * time.Millisecond

	// SlowNoticeAfter is how long a removal runs before OnSlow is called.
	SlowNoticeAfter = 5 * time.Second
)

// RemoveOptions controls tree removal.
type RemoveOptions struct {
	// OnSlow is called once if removal takes longer than SlowNoticeAfter.
	OnSlow func()
	// OnError receives paths that could not be removed. Removal continues.
	OnError func(path string, err error)
}

// EnsureTree creates the parent directory of path.
func EnsureTree(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// Unlink removes a single file. A missing file is not an error. A file that
// cannot be removed is renamed aside so its name becomes free.
func Unlink(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if !os.IsPermission(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	aside, rerr := renameAside(path)
	if rerr != nil {
		return pmerrors.Wrap(pmerrors.ErrCodeFilesInUse, fmt.Sprintf("%s is in use", path), err)
	}
	_ = os.Remove(aside)
	return nil
}

// RemoveTree deletes path and everything below it. Entries that cannot be
// removed are reported through opts.OnError and do not stop the walk.
func RemoveTree(ctx context.Context, path string, opts RemoveOptions) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	if opts.OnSlow != nil {
		timer := time.NewTimer(SlowNoticeAfter)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				opts.OnSlow()
			case <-done:
			}
		}()
	}

	var failed int
	report := func(p string, err error) {
		failed++
		if opts.OnError != nil {
			opts.OnError(p, err)
		}
	}

	// Files first, deepest directories last.
	var dirs []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			report(p, err)
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if err := Unlink(p); err != nil {
			report(p, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Remove(dirs[i]); err != nil && !os.IsNotExist(err) {
			report(dirs[i], err)
		}
	}
	if failed > 0 {
		return pmerrors.Newf(pmerrors.ErrCodeFilesInUse, "%d item(s) under %s could not be removed", failed, path)
	}
	return nil
}

// AtomicDelete makes path disappear in a single rename, then removes the
// renamed tree. The rename target is the first free "<path>.N.deleteme";
// a rename refused by a concurrent holder is retried with a short backoff.
// Failing to remove the renamed tree is not an error: the leftovers are
// collected by a later CleanupDeleteMe.
func AtomicDelete(ctx context.Context, path string, opts RemoveOptions) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	aside, err := renameAside(path)
	if err != nil {
		return pmerrors.Wrap(pmerrors.ErrCodeFilesInUse, fmt.Sprintf("unable to remove %s because files are in use", path), err)
	}
	inner := opts
	inner.OnError = nil
	if err := RemoveTree(ctx, aside, inner); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func renameAside(path string) (string, error) {
	var (
		aside   string
		n       int
		lastErr error
	)
	op := func() error {
		for n < MaxRenameAttempts {
			candidate := fmt.Sprintf("%s.%d.deleteme", path, n)
			n++
			if _, err := os.Lstat(candidate); err == nil {
				continue
			}
			if err := os.Rename(path, candidate); err != nil {
				if os.IsNotExist(err) {
					return backoff.Permanent(err)
				}
				lastErr = err
				return err
			}
			aside = candidate
			return nil
		}
		return backoff.Permanent(fmt.Errorf("no free .deleteme name for %s", path))
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(renameInterval), MaxRenameAttempts)
	if err := backoff.Retry(op, b); err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	return aside, nil
}

// CleanupDeleteMe removes leftovers of earlier AtomicDelete calls in dir.
func CleanupDeleteMe(ctx context.Context, dir string) {
	matches, err := Glob(dir, "*.deleteme")
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = RemoveTree(ctx, m, RemoveOptions{})
	}
}

// Glob returns the paths under root matching a doublestar pattern.
func Glob(root, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("matching %s in %s: %w", pattern, root, err)
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(root, filepath.FromSlash(m))
	}
	return paths, nil
}

// DirSize returns the total size in bytes of the regular files below root.
func DirSize(root string) (int64, error) {
	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total.Add(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", root, err)
	}
	return total.Load(), nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureTree(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// SameContents reports whether the file at path exists with exactly data.
func SameContents(path string, data []byte) bool {
	existing, err := os.ReadFile(path)
	return err == nil && string(existing) == string(data)
}

// IsWithin reports whether path lies inside root after cleaning both.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
