package commands

import (
	"context"
	"fmt"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/listing"
	"github.com/frederic-klein/pymanager/internal/tags"
)

func runList(ctx context.Context, env *Env, opts *Options) error {
	filters, err := tags.ParseFilters(opts.Args)
	if err != nil {
		return pmerrors.Wrap(pmerrors.ErrCodeArgument, "invalid filter", err)
	}
	format := opts.Format
	if format == "" {
		format = env.Config.List.Format
	}

	var result []*dist.Install
	if opts.Online {
		result, err = listOnline(ctx, env, opts, filters)
	} else {
		result, err = listInstalled(env, opts, filters)
	}
	if err != nil {
		return err
	}
	return listing.NewEmitter(env.Out).Emit(format, result)
}

func listInstalled(env *Env, opts *Options, filters []tags.Filter) ([]*dist.Install, error) {
	all, err := env.snapshot(!opts.OnlyManaged)
	if err != nil {
		return nil, err
	}
	var result []*dist.Install
	for _, i := range all {
		if tags.InstallMatchesAny(i, filters) {
			result = append(result, i)
		}
	}
	if opts.One && len(result) > 0 {
		best := result[0]
		if len(filters) == 0 {
			for _, i := range result {
				if i.Default {
					best = i
					break
				}
			}
		}
		result = []*dist.Install{best}
	}
	return result, nil
}

func listOnline(ctx context.Context, env *Env, opts *Options, filters []tags.Filter) ([]*dist.Install, error) {
	finder := newChainFinder(env, opts.Source)
	withPrerelease := false
	for _, f := range filters {
		if ct, ok := f.(tags.CompanyTag); ok && ct.IsPrerelease() {
			withPrerelease = true
		}
	}
	entries, err := finder.FindAll(ctx, filters, withPrerelease)
	if err != nil {
		return nil, err
	}
	if opts.One && len(entries) > 1 {
		entries = entries[:1]
	}
	result := make([]*dist.Install, 0, len(entries))
	for _, e := range entries {
		result = append(result, &dist.Install{Entry: *e, Source: finder.Source()})
	}
	if len(result) == 0 && len(filters) > 0 {
		return nil, pmerrors.Newf(pmerrors.ErrCodeNoInstallFound, "no runtimes in %s match %s", finder.Source(), fmt.Sprint(opts.Args))
	}
	return result, nil
}
