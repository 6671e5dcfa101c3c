package commands

import (
	"context"
	"errors"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/installer"
	"github.com/frederic-klein/pymanager/internal/resolver"
)

func runInstall(ctx context.Context, env *Env, opts *Options) (err error) {
	if opts.Automatic && !env.Config.AutomaticInstall {
		return pmerrors.New(pmerrors.ErrCodeAutomaticInstallDisabled, "automatic installation is disabled")
	}
	if opts.Refresh {
		if len(opts.Args) > 0 || opts.FromScript != "" {
			env.Log.Warn("Ignoring tags with --refresh; only shortcuts are updated.")
		}
		return env.refresh(ctx, opts)
	}
	if len(opts.Args) == 0 && opts.FromScript == "" {
		return pmerrors.New(pmerrors.ErrCodeArgument, "no runtime tag given; try \"install 3\" for the latest release")
	}

	inst := env.installer(opts.Source)
	installed, err := env.snapshot(false)
	if err != nil {
		return err
	}

	if opts.Download != "" {
		entries, err := selectEntries(ctx, env, inst, opts)
		if err != nil {
			return err
		}
		return inst.Download(ctx, entries, opts.Download, opts.Force)
	}

	installOpts := installer.Options{
		Target: opts.Target,
		Force:  opts.Force,
		Update: opts.Update,
		DryRun: opts.DryRun,
	}
	changed := false
	// Runtimes installed before a later tag fails still get shortcuts.
	defer func() {
		if changed && !opts.DryRun && opts.Target == "" {
			if rerr := env.refresh(ctx, opts); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()
	if opts.FromScript != "" {
		entry, existing, err := inst.SelectForScript(ctx, opts.FromScript, resolver.NewResolver(installed, env.Config.DefaultTag, env.Log), env.Config.DefaultTag)
		if err != nil {
			return err
		}
		if existing != nil {
			env.Log.Info("%s is already installed.", existing.DisplayName)
		} else {
			out, err := inst.InstallEntry(ctx, entry, installOpts, installed)
			if err != nil {
				return err
			}
			changed = changed || !out.Skipped
		}
	}
	for _, tag := range opts.Args {
		out, err := inst.InstallOne(ctx, tag, installOpts, installed)
		if err != nil {
			return err
		}
		if !out.Skipped {
			changed = true
			installed = append(installed, out.Install)
		}
	}
	return nil
}

// selectEntries resolves each requested tag, plus the script's requirement,
// to a feed entry.
func selectEntries(ctx context.Context, env *Env, inst *installer.Installer, opts *Options) ([]*dist.Entry, error) {
	var entries []*dist.Entry
	if opts.FromScript != "" {
		entry, _, err := inst.SelectForScript(ctx, opts.FromScript, nil, env.Config.DefaultTag)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	for _, tag := range opts.Args {
		entry, err := inst.Select(ctx, tag)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
