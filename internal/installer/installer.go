// Package installer selects, fetches, verifies, extracts and records
// runtime packages, and removes them again.
package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/downloader"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/extractor"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/installs"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/version"
)

// Finder selects packages from a feed.
type Finder interface {
	Source() string
	FindToInstall(ctx context.Context, tag string) (*dist.Entry, error)
	FindToInstallRange(ctx context.Context, r tags.TagRange) (*dist.Entry, error)
	FindAll(ctx context.Context, filters []tags.Filter, withPrerelease bool) ([]*dist.Entry, error)
}

// Options control InstallOne.
type Options struct {
	// Target extracts into this directory instead of the install directory.
	Target string
	// Force reinstalls and re-downloads even when the package is present.
	Force bool
	// Update replaces an existing install only with a newer version.
	Update bool
	// DryRun reports each step without changing anything.
	DryRun bool
}

// Outcome describes what InstallOne did.
type Outcome struct {
	Install *dist.Install
	Skipped bool
}

// Installer installs and uninstalls packages.
type Installer struct {
	store     *installs.Store
	catalog   Finder
	downloads *downloader.Downloader
	extractor *extractor.Extractor
	log       *logging.Logger
}

// NewInstaller creates an installer. catalog may be nil for commands that
// only uninstall.
func NewInstaller(store *installs.Store, catalog Finder, downloads *downloader.Downloader, log *logging.Logger) *Installer {
	if log == nil {
		log = logging.Nop()
	}
	return &Installer{
		store:     store,
		catalog:   catalog,
		downloads: downloads,
		extractor: extractor.NewExtractor(log),
		log:       log,
	}
}

func (in *Installer) removeOptions() fsutil.RemoveOptions {
	return fsutil.RemoveOptions{
		OnSlow: func() {
			in.log.Info("Removing the previous install is taking some time. Ctrl+C to abort.")
		},
		OnError: func(path string, err error) {
			in.log.Verbose("Unable to remove %s: %v", path, err)
		},
	}
}

// Select finds the package to install for tag.
func (in *Installer) Select(ctx context.Context, tag string) (*dist.Entry, error) {
	if in.catalog == nil {
		return nil, pmerrors.New(pmerrors.ErrCodeNotFound, "no package source is configured")
	}
	return in.catalog.FindToInstall(ctx, tag)
}

// InstallOne selects the package for tag and installs it. installed is the
// current install set; an install with the same id is kept unless opts ask
// for it to be replaced.
func (in *Installer) InstallOne(ctx context.Context, tag string, opts Options, installed []*dist.Install) (*Outcome, error) {
	entry, err := in.Select(ctx, tag)
	if err != nil {
		return nil, err
	}
	return in.InstallEntry(ctx, entry, opts, installed)
}

// InstallEntry installs entry, which was selected from the catalog.
func (in *Installer) InstallEntry(ctx context.Context, entry *dist.Entry, opts Options, installed []*dist.Install) (*Outcome, error) {
	if opts.Target == "" {
		if existing := installs.FindByID(installed, entry.ID); existing != nil {
			if skip, reason := shouldSkip(existing, entry, opts); skip {
				in.log.Info("%s is already installed%s.", existing.DisplayName, reason)
				return &Outcome{Install: existing, Skipped: true}, nil
			}
		}
	}

	prefix := opts.Target
	if prefix == "" {
		prefix = in.store.PrefixFor(entry.ID)
	}
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", prefix, err)
	}

	install := &dist.Install{Entry: *entry, Prefix: prefix}
	if in.catalog != nil {
		install.Source = in.catalog.Source()
	}
	install.Executable = install.Resolve(entry.Executable)

	if opts.DryRun {
		in.log.Info("Would install %s", entry.DisplayName)
		in.log.Info("  from %s", in.downloads.CachePath(entry))
		in.log.Info("  into %s", prefix)
		return &Outcome{Install: install}, nil
	}

	in.log.Info("Installing %s", entry.DisplayName)
	if err := in.install(ctx, install, opts); err != nil {
		in.log.Error("Failed to install %s: %v", entry.DisplayName, err)
		return nil, pmerrors.Silent(err)
	}
	in.log.Info("Installed %s to %s", entry.DisplayName, prefix)
	return &Outcome{Install: install}, nil
}

func (in *Installer) install(ctx context.Context, install *dist.Install, opts Options) error {
	archive, err := in.downloads.Fetch(ctx, &install.Entry, opts.Force)
	if err != nil {
		return err
	}

	if err := fsutil.AtomicDelete(ctx, install.Prefix, in.removeOptions()); err != nil {
		return err
	}
	in.log.Verbose("Extracting %s to %s", archive, install.Prefix)
	res, err := in.extractor.Extract(ctx, archive, install.Prefix)
	if err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		in.log.Warn("%d file(s) in %s were not extracted; see the log for details", len(res.Rejected), filepath.Base(archive))
	}
	if res.Extracted == 0 {
		return pmerrors.Newf(pmerrors.ErrCodeInvalidInstall, "%s contained no files", filepath.Base(archive))
	}
	return installs.WriteManifest(install.Prefix, install)
}

// shouldSkip decides whether an existing install stays in place.
func shouldSkip(existing *dist.Install, entry *dist.Entry, opts Options) (bool, string) {
	switch {
	case opts.Force:
		return false, ""
	case opts.Update:
		have, err1 := version.Parse(existing.SortVersion)
		want, err2 := version.Parse(entry.SortVersion)
		if err1 != nil || err2 != nil {
			return false, ""
		}
		if have.Compare(want) >= 0 {
			return true, " and up to date"
		}
		return false, ""
	}
	return true, ""
}
