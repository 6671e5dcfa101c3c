package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/index"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// BundleIndexName is the feed written into a download directory.
const BundleIndexName = "index.json"

// Download fetches and verifies entries into dir without installing them,
// and records them in dir/index.json so the directory can be used as an
// offline source. Entries already listed there are kept.
func (in *Installer) Download(ctx context.Context, entries []*dist.Entry, dir string, force bool) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	bundle := &index.Index{}
	indexPath := filepath.Join(dir, BundleIndexName)
	if data, err := os.ReadFile(indexPath); err == nil {
		existing, err := index.Load(transport.PathToFileURL(indexPath), data)
		if err != nil {
			in.log.Warn("Replacing unreadable %s: %v", indexPath, err)
		} else {
			bundle.Versions = existing.Versions
			for _, e := range bundle.Versions {
				e.URL = relativeURL(e.URL)
			}
		}
	}

	fetcher := in.downloads.WithCacheDir(dir)
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.log.Info("Downloading %s", e.DisplayName)
		path, err := fetcher.Fetch(ctx, e, force)
		if err != nil {
			in.log.Error("Failed to download %s: %v", e.DisplayName, err)
			errs = append(errs, err)
			continue
		}
		if filepath.Dir(path) != dir {
			dest := filepath.Join(dir, filepath.Base(path))
			in.log.Verbose("Copying %s to %s", path, dest)
			if err := copyFile(path, dest); err != nil {
				in.log.Error("Failed to copy %s: %v", e.DisplayName, err)
				errs = append(errs, err)
				continue
			}
			path = dest
		}
		record := *e
		record.URL = filepath.Base(path)
		bundle.Versions = replaceEntry(bundle.Versions, &record)
	}

	index.SortEntries(bundle.Versions)
	data, err := bundle.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", indexPath, err)
	}
	if err := fsutil.WriteFileAtomic(indexPath, data, 0644); err != nil {
		return err
	}
	in.log.Info("Wrote %s", indexPath)
	if len(errs) > 0 {
		return pmerrors.Silent(errors.Join(errs...))
	}
	return nil
}

// copyFile writes src to dst through a temporary sibling.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", dst, err)
	}
	return nil
}

func replaceEntry(entries []*dist.Entry, e *dist.Entry) []*dist.Entry {
	for i, old := range entries {
		if old.ID == e.ID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// relativeURL turns a file URL written by Load back into a bare file name.
func relativeURL(u string) string {
	if p, err := transport.FileURLToPath(u); err == nil {
		return filepath.Base(p)
	}
	return u
}
