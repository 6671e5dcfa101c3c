package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/installer"
	"github.com/frederic-klein/pymanager/internal/tags"
)

func runUninstall(ctx context.Context, env *Env, opts *Options) error {
	inst := installer.NewInstaller(env.store(), nil, env.downloader(), env.Log)
	installed, err := env.snapshot(false)
	if err != nil {
		return err
	}

	if opts.Purge {
		if !env.confirm(opts, "Uninstall all runtimes and remove cached downloads?") {
			env.Log.Info("Purge cancelled.")
			return nil
		}
		err := inst.Purge(ctx, installed, opts.DryRun)
		if opts.DryRun {
			return err
		}
		return errors.Join(err, env.refresh(ctx, opts))
	}

	targets, err := uninstallTargets(installed, opts)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(targets))
	for _, i := range targets {
		names = append(names, i.DisplayName)
	}
	if !opts.DryRun && !env.confirm(opts, "Uninstall %s?", strings.Join(names, ", ")) {
		env.Log.Info("Uninstall cancelled.")
		return nil
	}
	// Shortcuts are refreshed even when some removals failed.
	err = inst.Uninstall(ctx, targets, opts.DryRun)
	if opts.DryRun {
		return err
	}
	return errors.Join(err, env.refresh(ctx, opts))
}

func uninstallTargets(installed []*dist.Install, opts *Options) ([]*dist.Install, error) {
	if len(opts.ByID) == 0 && len(opts.Args) == 0 {
		return nil, pmerrors.New(pmerrors.ErrCodeArgument, "no runtime tag or --by-id given; use --purge to remove everything")
	}
	var targets []*dist.Install
	if len(opts.ByID) > 0 {
		byID, err := installer.MatchIDs(installed, opts.ByID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, byID...)
	}
	if len(opts.Args) > 0 {
		filters, err := tags.ParseFilters(opts.Args)
		if err != nil {
			return nil, pmerrors.Wrap(pmerrors.ErrCodeArgument, "invalid filter", err)
		}
		matched := installer.MatchInstalls(installed, filters)
		if len(matched) == 0 {
			return nil, pmerrors.NoInstallFound(strings.Join(opts.Args, " "))
		}
		for _, i := range matched {
			if !containsID(targets, i.ID) {
				targets = append(targets, i)
			}
		}
	}
	return targets, nil
}

func containsID(installs []*dist.Install, id string) bool {
	for _, i := range installs {
		if i.ID == id {
			return true
		}
	}
	return false
}
