package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/frederic-klein/pymanager/internal/commands"
	"github.com/frederic-klein/pymanager/internal/config"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/shelllink"
	"github.com/frederic-klein/pymanager/internal/transport"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

var (
	opts       commands.Options
	configFile string
	logFile    string
	verbose    int
	quiet      int
	windowed   bool
	exitCode   int
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line in args and returns the process exit code.
func execute(args []string) int {
	opts = commands.Options{}
	configFile, logFile = "", ""
	verbose, quiet = 0, 0
	windowed = false
	exitCode = 0

	rootCmd := newRootCmd()
	rootCmd.SetArgs(legacyArgs(args))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return pmerrors.ExitCode(err)
	}
	return exitCode
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pymanager",
		Short:         "Python install manager",
		Long:          "Installs, lists, resolves and removes Python runtimes from an online or offline feed.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "help", args)
		},
	}
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "More output (repeat for debug output)")
	rootCmd.PersistentFlags().CountVarP(&quiet, "quiet", "q", "Less output (repeat to show only errors)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Yes, "yes", "y", false, "Answer yes to every confirmation")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Additional configuration file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "Write the log to this file and keep it")

	listCmd := &cobra.Command{
		Use:   "list [TAG...]",
		Short: "Show installed runtimes, or available ones with --online",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, "list", args) },
	}
	listCmd.Flags().StringVarP(&opts.Format, "format", "f", "", "Output format: table, csv, json, jsonl, yaml, exe, prefix, id, legacy, legacy-paths")
	listCmd.Flags().BoolVar(&opts.Online, "online", false, "List runtimes available from the package feed")
	listCmd.Flags().BoolVar(&opts.One, "one", false, "Show only the best match")
	listCmd.Flags().BoolVar(&opts.OnlyManaged, "only-managed", false, "Hide runtimes that were not installed by this tool")
	listCmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Package feed URL or path")

	installCmd := &cobra.Command{
		Use:   "install [TAG...]",
		Short: "Download and install runtimes",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, "install", args) },
	}
	installCmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Package feed URL or path")
	installCmd.Flags().StringVarP(&opts.Target, "target", "t", "", "Extract into this directory without registering the runtime")
	installCmd.Flags().StringVar(&opts.Download, "download", "", "Download packages and an offline index into this directory")
	installCmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Reinstall even if already installed")
	installCmd.Flags().BoolVarP(&opts.Update, "update", "u", false, "Replace existing installs with newer versions")
	installCmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be installed")
	installCmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "Only update shortcuts and registrations")
	installCmd.Flags().BoolVar(&opts.Automatic, "automatic", false, "Install triggered by a launch request")
	_ = installCmd.Flags().MarkHidden("automatic")
	installCmd.Flags().StringVar(&opts.FromScript, "from-script", "", "Install the runtime a script requires")
	installCmd.Flags().StringSliceVar(&opts.EnableKinds, "enable-shortcut-kinds", nil, "Only create these shortcut kinds")
	installCmd.Flags().StringSliceVar(&opts.DisableKinds, "disable-shortcut-kinds", nil, "Never create these shortcut kinds")

	uninstallCmd := &cobra.Command{
		Use:     "uninstall [TAG...]",
		Aliases: []string{"remove", "rm"},
		Short:   "Remove installed runtimes",
		RunE:    func(cmd *cobra.Command, args []string) error { return run(cmd, "uninstall", args) },
	}
	uninstallCmd.Flags().StringSliceVar(&opts.ByID, "by-id", nil, "Remove the installs with these ids")
	uninstallCmd.Flags().BoolVar(&opts.Purge, "purge", false, "Remove every runtime and the download cache")
	uninstallCmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be removed")

	resolveCmd := &cobra.Command{
		Use:   "resolve [TAG]",
		Short: "Show the executable a tag or script runs with",
		Args:  cobra.MaximumNArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, "resolve", args) },
	}
	resolveCmd.Flags().StringVar(&opts.Script, "script", "", "Resolve the runtime named by this script's shebang")
	resolveCmd.Flags().BoolVarP(&windowed, "windowed", "w", false, "Prefer the windowed executable")

	rootCmd.AddCommand(listCmd, installCmd, uninstallCmd, resolveCmd)
	return rootCmd
}

// legacyArgs maps the launcher-era list options onto the list command.
func legacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	var format string
	switch args[0] {
	case "-0", "--list":
		format = "legacy"
	case "-0p", "--list-paths":
		format = "legacy-paths"
	default:
		return args
	}
	return append([]string{"list", "--format=" + format}, args[1:]...)
}

func run(cmd *cobra.Command, name string, args []string) error {
	opts.Command = name
	opts.Args = args
	if cmd.Flags().Changed("windowed") {
		opts.Windowed = &windowed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	env, err := config.ReadEnvironment()
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.Options{
		ExeDir:   filepath.Dir(exe),
		UserFile: env.UserFile(),
		File:     configFile,
	})
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: logLevel(cfg.LogLevel), Color: cfg.Color, Output: os.Stderr})
	if logFile != "" {
		err = log.SetFile(logFile)
	} else if cfg.LogsDir != "" {
		err = log.OpenFile(cfg.LogsDir)
	}
	if err != nil {
		log.Warn("Unable to write a log file: %v", err)
	}
	log.Debug("Configuration read from %v", cfg.Sources)

	tr := transport.NewDefault(log, cfg.Transport)
	log.Debug("Download backends: %v", tr.Backends())

	exitCode = commands.Run(ctx, &commands.Env{
		Config:     cfg,
		Log:        log,
		Out:        os.Stdout,
		In:         os.Stdin,
		Network:    tr,
		Registry:   winreg.NewSystem(),
		Links:      shelllink.NewPowerShell(nil),
		ManagerExe: exe,
	}, &opts)

	if kept, err := log.Close(exitCode == 0); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to close the log file: %v\n", err)
	} else if kept != "" {
		fmt.Fprintf(os.Stderr, "The log file for this session is %s\n", kept)
	}
	return nil
}

// logLevel applies -v and -q on top of the configured level.
func logLevel(configured int) zapcore.Level {
	level := zapcore.Level(configured)
	if verbose > 0 {
		want := zapcore.Level(-verbose)
		if want < logging.DebugLevel {
			want = logging.DebugLevel
		}
		if want < level {
			level = want
		}
	}
	switch {
	case quiet == 1:
		level = logging.WarnLevel
	case quiet > 1:
		level = logging.ErrorLevel
	}
	return level
}
