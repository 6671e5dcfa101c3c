package commands

import (
	"context"
	"fmt"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/resolver"
)

// runResolve prints the executable and arguments a request would launch.
func runResolve(ctx context.Context, env *Env, opts *Options) error {
	if len(opts.Args) > 1 {
		return pmerrors.New(pmerrors.ErrCodeArgument, "resolve takes at most one tag")
	}
	installed, err := env.snapshot(true)
	if err != nil {
		return err
	}
	res := resolver.NewResolver(installed, env.Config.DefaultTag, env.Log)

	tag := ""
	if len(opts.Args) == 1 {
		tag = opts.Args[0]
	}
	runOpts := resolver.RunOptions{Windowed: opts.Windowed, DefaultPlatform: env.Config.DefaultPlatform}

	var install *dist.Install
	if opts.Script != "" {
		install, err = res.FindScriptInstall(opts.Script)
		if pmerrors.IsKind(err, pmerrors.ErrCodeNotFound) {
			env.Log.Verbose("%v; falling back to tag %q", err, tag)
			install, err = res.GetInstallToRun(tag, runOpts)
		}
	} else {
		install, err = res.GetInstallToRun(tag, runOpts)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(env.Out, install.Executable)
	for _, a := range install.ExecutableArgs {
		fmt.Fprintln(env.Out, a)
	}
	return nil
}
