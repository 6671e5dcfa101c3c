package installer

import (
	"context"
	"errors"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/installs"
	"github.com/frederic-klein/pymanager/internal/tags"
)

// MatchInstalls returns the installs selected by filters. An empty filter
// list selects nothing.
func MatchInstalls(installed []*dist.Install, filters []tags.Filter) []*dist.Install {
	if len(filters) == 0 {
		return nil
	}
	var out []*dist.Install
	for _, i := range installed {
		if tags.InstallMatchesAny(i, filters) {
			out = append(out, i)
		}
	}
	return out
}

// MatchIDs returns the installs whose id is listed.
func MatchIDs(installed []*dist.Install, ids []string) ([]*dist.Install, error) {
	var out []*dist.Install
	for _, id := range ids {
		i := installs.FindByID(installed, id)
		if i == nil {
			return nil, pmerrors.Newf(pmerrors.ErrCodeNoInstallFound, "no install with id %s", id)
		}
		out = append(out, i)
	}
	return out, nil
}

// Uninstall removes each managed install. Unmanaged installs are reported
// and skipped.
func (in *Installer) Uninstall(ctx context.Context, targets []*dist.Install, dryRun bool) error {
	var errs []error
	for _, i := range targets {
		if i.Unmanaged {
			in.log.Warn("%s was not installed by this tool and will not be removed.", i.DisplayName)
			continue
		}
		if dryRun {
			in.log.Info("Would remove %s from %s", i.DisplayName, i.Prefix)
			continue
		}
		in.log.Info("Removing %s", i.DisplayName)
		if err := fsutil.AtomicDelete(ctx, i.Prefix, in.removeOptions()); err != nil {
			in.log.Error("Failed to remove %s: %v", i.DisplayName, err)
			errs = append(errs, err)
			continue
		}
		in.log.Verbose("Removed %s", i.Prefix)
	}
	if len(errs) > 0 {
		return pmerrors.Silent(errors.Join(errs...))
	}
	return nil
}

// Purge removes every managed install, the leftovers of earlier removals
// and the download cache.
func (in *Installer) Purge(ctx context.Context, installed []*dist.Install, dryRun bool) error {
	var managed []*dist.Install
	for _, i := range installed {
		if !i.Unmanaged && i.ID != installs.VenvID {
			managed = append(managed, i)
		}
	}
	if err := in.Uninstall(ctx, managed, dryRun); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	fsutil.CleanupDeleteMe(ctx, in.store.InstallDir())
	if in.downloads != nil && in.downloads.CacheDir() != "" {
		in.log.Info("Removing cached downloads")
		if err := fsutil.AtomicDelete(ctx, in.downloads.CacheDir(), in.removeOptions()); err != nil {
			return err
		}
	}
	return nil
}
