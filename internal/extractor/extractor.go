// Package extractor unpacks runtime archives into an install prefix.
package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/logging"
)

const nupkgRoot = "tools/"

// Result summarises one extraction.
type Result struct {
	Extracted int
	// Rejected lists members that were skipped because they would escape the
	// prefix, overwrite an existing file, or are links.
	Rejected []string
}

// Extractor unpacks zip and Nuget archives.
type Extractor struct {
	log *logging.Logger
}

// NewExtractor creates an extractor that reports rejected members to log.
func NewExtractor(log *logging.Logger) *Extractor {
	if log == nil {
		log = logging.Nop()
	}
	return &Extractor{log: log}
}

// IsNupkg reports whether archive should be read as a Nuget package.
func IsNupkg(archive string) bool {
	return strings.EqualFold(filepath.Ext(archive), ".nupkg")
}

// CheckArchive sniffs the content of archive and fails unless it is a zip
// container.
func CheckArchive(archive string) error {
	mt, err := mimetype.DetectFile(archive)
	if err != nil {
		return pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, fmt.Sprintf("reading %s", archive), err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return nil
		}
	}
	return pmerrors.Newf(pmerrors.ErrCodeInvalidInstall, "%s is not a zip archive (detected %s)", archive, mt.String())
}

// Extract unpacks archive into prefix. Members of a .nupkg are only taken
// from its tools/ directory, with that component removed. Unsafe members are
// logged and skipped; extraction continues with the rest.
func (e *Extractor) Extract(ctx context.Context, archive, prefix string) (*Result, error) {
	if err := CheckArchive(archive); err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, fmt.Sprintf("opening %s", archive), err)
	}
	defer zr.Close()

	if err := os.MkdirAll(prefix, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", prefix, err)
	}

	nupkg := IsNupkg(archive)
	res := &Result{}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := memberName(f.Name, nupkg)
		if name == "" {
			continue
		}
		dest, ok := e.destination(prefix, name)
		if !ok {
			res.Rejected = append(res.Rejected, f.Name)
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return res, fmt.Errorf("creating %s: %w", dest, err)
			}
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			e.log.Warn("Refusing to extract link %s", f.Name)
			res.Rejected = append(res.Rejected, f.Name)
			continue
		}
		if fsutil.Exists(dest) {
			e.log.Warn("Refusing to overwrite %s while extracting %s", dest, f.Name)
			res.Rejected = append(res.Rejected, f.Name)
			continue
		}
		if err := writeMember(f, dest); err != nil {
			return res, err
		}
		res.Extracted++
	}
	e.log.Verbose("Extracted %d files to %s", res.Extracted, prefix)
	return res, nil
}

func memberName(name string, nupkg bool) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if nupkg {
		if len(name) < len(nupkgRoot) || !strings.EqualFold(name[:len(nupkgRoot)], nupkgRoot) {
			return ""
		}
		name = name[len(nupkgRoot):]
	}
	if path.Clean(name) == "." {
		return ""
	}
	return strings.TrimSuffix(name, "/")
}

func (e *Extractor) destination(prefix, name string) (string, bool) {
	if filepath.VolumeName(name) != "" || strings.HasPrefix(name, "/") || strings.Contains(name, ":") {
		e.log.Warn("Refusing to extract %s with an absolute path", name)
		return "", false
	}
	dest := filepath.Join(prefix, filepath.FromSlash(name))
	if !fsutil.IsWithin(prefix, dest) {
		e.log.Warn("Refusing to extract %s outside of %s", name, prefix)
		return "", false
	}
	return dest, true
}

func writeMember(f *zip.File, dest string) error {
	if err := fsutil.EnsureTree(dest); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, fmt.Sprintf("reading %s", f.Name), err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(dest)
		return pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, fmt.Sprintf("extracting %s", f.Name), err)
	}
	return out.Close()
}
