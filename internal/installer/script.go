package installer

import (
	"context"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/resolver"
	"github.com/frederic-klein/pymanager/internal/scriptmeta"
)

// SelectForScript chooses the package a script needs. When the script's
// shebang already names an installed runtime, that install is returned and
// the entry is nil. Otherwise the requires-python range of its inline
// metadata is used, or defaultTag when the script declares none.
func (in *Installer) SelectForScript(ctx context.Context, path string, res *resolver.Resolver, defaultTag string) (*dist.Entry, *dist.Install, error) {
	if res != nil {
		install, err := res.FindScriptInstall(path)
		if err == nil {
			in.log.Verbose("%s already runs with %s", path, install.DisplayName)
			return nil, install, nil
		}
		if !pmerrors.IsKind(err, pmerrors.ErrCodeNotFound) {
			return nil, nil, err
		}
	}

	meta, err := scriptmeta.NewParser().Parse(path)
	if err != nil {
		return nil, nil, err
	}
	if meta != nil {
		r, ok, err := meta.Range()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			if in.catalog == nil {
				return nil, nil, pmerrors.New(pmerrors.ErrCodeNotFound, "no package source is configured")
			}
			in.log.Verbose("%s requires Python %s", path, r)
			entry, err := in.catalog.FindToInstallRange(ctx, r)
			return entry, nil, err
		}
	}
	in.log.Verbose("%s does not declare a Python version; using %s", path, defaultTag)
	entry, err := in.Select(ctx, defaultTag)
	return entry, nil, err
}
