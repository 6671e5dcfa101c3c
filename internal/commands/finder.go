package commands

import (
	"context"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/index"
	"github.com/frederic-klein/pymanager/internal/tags"
)

// chainFinder searches the configured source, then the fallback source
// when the first one fails or has no match. An explicit --source is never
// followed by the fallback.
type chainFinder struct {
	catalogs []*index.Catalog
	used     *index.Catalog
}

func newChainFinder(env *Env, source string) *chainFinder {
	f := &chainFinder{}
	if env.Network == nil {
		return f
	}
	f.catalogs = append(f.catalogs, env.catalog(source))
	if source == "" && env.Config.Install.FallbackSource != "" {
		f.catalogs = append(f.catalogs, env.catalog(env.Config.Install.FallbackSource))
	}
	return f
}

// Source returns the source of the last entry found.
func (f *chainFinder) Source() string {
	if f.used != nil {
		return f.used.Source()
	}
	if len(f.catalogs) > 0 {
		return f.catalogs[0].Source()
	}
	return ""
}

func (f *chainFinder) first(find func(c *index.Catalog) (*dist.Entry, error)) (*dist.Entry, error) {
	if len(f.catalogs) == 0 {
		return nil, pmerrors.New(pmerrors.ErrCodeNoInternet, "no package source is available")
	}
	var firstErr error
	for _, c := range f.catalogs {
		e, err := find(c)
		if err == nil {
			f.used = c
			return e, nil
		}
		if pmerrors.IsKind(err, pmerrors.ErrCodeArgument) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (f *chainFinder) FindToInstall(ctx context.Context, tag string) (*dist.Entry, error) {
	return f.first(func(c *index.Catalog) (*dist.Entry, error) { return c.FindToInstall(ctx, tag) })
}

func (f *chainFinder) FindToInstallRange(ctx context.Context, r tags.TagRange) (*dist.Entry, error) {
	return f.first(func(c *index.Catalog) (*dist.Entry, error) { return c.FindToInstallRange(ctx, r) })
}

func (f *chainFinder) FindAll(ctx context.Context, filters []tags.Filter, withPrerelease bool) ([]*dist.Entry, error) {
	if len(f.catalogs) == 0 {
		return nil, pmerrors.New(pmerrors.ErrCodeNoInternet, "no package source is available")
	}
	var firstErr error
	for _, c := range f.catalogs {
		entries, err := c.FindAll(ctx, filters, withPrerelease)
		if err == nil {
			f.used = c
			return entries, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
