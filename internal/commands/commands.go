// Package commands runs the manager's commands against the install store,
// the package feed and the shortcut reconciler.
package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/frederic-klein/pymanager/internal/config"
	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/downloader"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/index"
	"github.com/frederic-klein/pymanager/internal/installer"
	"github.com/frederic-klein/pymanager/internal/installs"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/shelllink"
	"github.com/frederic-klein/pymanager/internal/shortcuts"
	"github.com/frederic-klein/pymanager/internal/transport"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// Options is the parsed command line.
type Options struct {
	Command string
	Args    []string
	Yes     bool

	// list
	Format      string
	Online      bool
	One         bool
	OnlyManaged bool

	// list and install
	Source string

	// install
	Target       string
	Download     string
	Force        bool
	Update       bool
	DryRun       bool
	Refresh      bool
	Automatic    bool
	FromScript   string
	EnableKinds  []string
	DisableKinds []string

	// uninstall
	ByID  []string
	Purge bool

	// resolve
	Script   string
	Windowed *bool
}

// Network fetches feeds and archives.
type Network interface {
	index.Opener
	downloader.Retriever
}

// Env holds the configuration and capabilities commands run with.
type Env struct {
	Config   config.Config
	Log      *logging.Logger
	Out      io.Writer
	In       io.Reader
	Network  Network
	Registry winreg.Registry
	Links    shelllink.Creator

	// ManagerExe is recorded in Add/Remove Programs entries.
	ManagerExe string

	cache index.Cache
}

// Handler runs one command.
type Handler func(ctx context.Context, env *Env, opts *Options) error

type command struct {
	run     Handler
	summary string
}

var table map[string]command

func init() {
	table = map[string]command{
		"list":      {runList, "Shows installed runtimes, or available ones with --online"},
		"install":   {runInstall, "Downloads and installs runtimes"},
		"uninstall": {runUninstall, "Removes installed runtimes"},
		"resolve":   {runResolve, "Shows the executable a tag or script runs with"},
		"help":      {runHelp, "Shows this help"},
	}
}

// Commands returns the command names.
func Commands() []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the command named by opts.
func Dispatch(ctx context.Context, env *Env, opts *Options) error {
	cmd, ok := table[opts.Command]
	if !ok {
		return pmerrors.Newf(pmerrors.ErrCodeArgument, "unknown command %q", opts.Command)
	}
	if env.Log == nil {
		env.Log = logging.Nop()
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.In == nil {
		env.In = os.Stdin
	}
	if env.cache == nil {
		env.cache = index.Cache{}
	}
	env.Log.Debug("Running %s %s", opts.Command, strings.Join(opts.Args, " "))
	return cmd.run(ctx, env, opts)
}

// Run dispatches and reports a failure once, returning the exit code.
func Run(ctx context.Context, env *Env, opts *Options) int {
	err := Dispatch(ctx, env, opts)
	if err == nil {
		return 0
	}
	if ctx.Err() != nil {
		env.Log.Warn("Cancelled.")
	} else if !pmerrors.IsSilent(err) {
		env.Log.Error("%v", err)
	}
	env.Log.Debug("%+v", err)
	return pmerrors.ExitCode(err)
}

func runHelp(ctx context.Context, env *Env, opts *Options) error {
	fmt.Fprintln(env.Out, "Python install manager")
	fmt.Fprintln(env.Out)
	fmt.Fprintln(env.Out, "Commands:")
	for _, name := range Commands() {
		fmt.Fprintf(env.Out, "  %-10s %s\n", name, table[name].summary)
	}
	return nil
}

func (env *Env) store() *installs.Store {
	return installs.NewStore(env.Config.InstallDir, env.Registry, env.Log)
}

// snapshot returns the installs in display order. Unmanaged installs and
// the active virtual environment are included when unmanaged is set.
func (env *Env) snapshot(unmanaged bool) ([]*dist.Install, error) {
	opts := installs.Options{DefaultTag: env.Config.DefaultTag}
	if unmanaged {
		opts.IncludeUnmanaged = true
		opts.VirtualEnv = env.Config.VirtualEnv
	}
	return env.store().GetInstalls(opts)
}

func (env *Env) catalog(source string) *index.Catalog {
	if source == "" {
		source = env.Config.Install.Source
	}
	return index.NewCatalog(source, env.Network, env.cache, env.Log)
}

func (env *Env) downloader() *downloader.Downloader {
	var retriever downloader.Retriever
	if env.Network != nil {
		retriever = env.Network
	}
	return downloader.NewDownloader(env.Config.DownloadDir, env.Config.BundledDir, retriever, env.Log).
		WithProgress(func(label string) transport.ProgressFunc {
			return env.Log.NewProgressBar(label).Update
		})
}

func (env *Env) installer(source string) *installer.Installer {
	return installer.NewInstaller(env.store(), newChainFinder(env, source), env.downloader(), env.Log)
}

func (env *Env) reconciler(opts *Options) *shortcuts.Reconciler {
	enable := append(append([]string(nil), env.Config.Install.EnableShortcutKinds...), opts.EnableKinds...)
	disable := append(append([]string(nil), env.Config.Install.DisableShortcutKinds...), opts.DisableKinds...)
	return shortcuts.NewReconciler(shortcuts.Options{
		GlobalDir:    env.Config.GlobalDir,
		StartFolder:  env.Config.StartFolder,
		PEP514Root:   env.Config.PEP514Root,
		ARPRoot:      env.Config.ARPRoot,
		LauncherExe:  env.Config.LauncherExe,
		LauncherWExe: env.Config.LauncherWExe,
		ManagerExe:   env.ManagerExe,
		EnableKinds:  enable,
		DisableKinds: disable,
	}, env.Registry, env.Links, env.Log)
}

// refresh brings registrations in line with the managed installs.
func (env *Env) refresh(ctx context.Context, opts *Options) error {
	current, err := env.snapshot(false)
	if err != nil {
		return err
	}
	env.Log.Verbose("Updating shortcuts for %d install(s)", len(current))
	return env.reconciler(opts).Update(ctx, current)
}

// confirm asks a yes/no question unless confirmation is disabled.
func (env *Env) confirm(opts *Options, format string, args ...any) bool {
	if opts.Yes || !env.Config.Confirm {
		return true
	}
	fmt.Fprintf(env.Out, format+" [y/N] ", args...)
	line, err := bufio.NewReader(env.In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
