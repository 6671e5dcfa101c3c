package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// DefaultSource is the feed used when no other source is configured.
const DefaultSource = "https://www.python.org/ftp/python/index-windows.json"

// Environment holds the variables the manager reads.
type Environment struct {
	Debug   string `envconfig:"PYMANAGER_DEBUG"`
	Verbose string `envconfig:"PYMANAGER_VERBOSE"`

	EnableBITS       string `envconfig:"PYMANAGER_ENABLE_BITS_DOWNLOAD"`
	EnableWinHTTP    string `envconfig:"PYMANAGER_ENABLE_WINHTTP_DOWNLOAD"`
	EnableURLLib     string `envconfig:"PYMANAGER_ENABLE_URLLIB_DOWNLOAD"`
	EnablePowerShell string `envconfig:"PYMANAGER_ENABLE_POWERSHELL_DOWNLOAD"`

	Colors     string `envconfig:"PYTHON_COLORS"`
	VirtualEnv string `envconfig:"VIRTUAL_ENV"`

	Source     string `envconfig:"PYMANAGER_SOURCE_URL"`
	DefaultTag string `envconfig:"PYMANAGER_DEFAULT_TAG"`
	InstallDir string `envconfig:"PYMANAGER_INSTALL_DIR"`

	AppData      string `envconfig:"APPDATA"`
	LocalAppData string `envconfig:"LOCALAPPDATA"`
}

// ReadEnvironment reads the process environment.
func ReadEnvironment() (Environment, error) {
	var env Environment
	if err := envconfig.Process("", &env); err != nil {
		return Environment{}, pmerrors.Wrap(pmerrors.ErrCodeInvalidConfiguration, "reading environment", err)
	}
	return env, nil
}

func isSet(v string) bool {
	return strings.TrimSpace(v) != ""
}

// isFalsey reports whether v is set to a value meaning "off".
func isFalsey(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

func (e Environment) color() bool {
	return !isFalsey(e.Colors)
}

func (e Environment) transportOptions() transport.Options {
	return transport.Options{
		EnableBITS:       !isFalsey(e.EnableBITS),
		EnableWinHTTP:    !isFalsey(e.EnableWinHTTP),
		EnableURLLib:     !isFalsey(e.EnableURLLib),
		EnablePowerShell: !isFalsey(e.EnablePowerShell),
	}
}

// Layer returns the values the environment overrides.
func (e Environment) Layer() Layer {
	values := map[string]any{}
	switch {
	case isSet(e.Debug) && !isFalsey(e.Debug):
		values["log_level"] = -2
	case isSet(e.Verbose) && !isFalsey(e.Verbose):
		values["log_level"] = -1
	}
	if isSet(e.Source) {
		values["install.source"] = e.Source
	}
	if isSet(e.DefaultTag) {
		values["default_tag"] = e.DefaultTag
	}
	if isSet(e.InstallDir) {
		values["install_dir"] = e.InstallDir
	}
	cwd, _ := os.Getwd()
	return Layer{Name: "environment", Dir: cwd, Values: values}
}

func (e Environment) localAppData() string {
	if e.LocalAppData != "" {
		return e.LocalAppData
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

func (e Environment) appData() string {
	if e.AppData != "" {
		return e.AppData
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

// UserFile returns the per-user configuration file path.
func (e Environment) UserFile() string {
	return filepath.Join(e.appData(), "Python", FileName)
}

// Defaults returns the built-in values. exeDir locates the bundled packages
// and launcher templates shipped with the executable.
func Defaults(exeDir string, env Environment) Layer {
	root := filepath.Join(env.localAppData(), "Python")
	values := map[string]any{
		"install_dir":       filepath.Join(root, "pythoncore"),
		"download_dir":      filepath.Join(root, "_cache"),
		"global_dir":        filepath.Join(root, "bin"),
		"logs_dir":          os.TempDir(),
		"start_folder":      filepath.Join(env.appData(), "Microsoft", "Windows", "Start Menu", "Programs", "Python"),
		"pep514_root":       `HKEY_CURRENT_USER\Software\Python`,
		"arp_root":          `HKEY_CURRENT_USER\Software\Microsoft\Windows\CurrentVersion\Uninstall`,
		"default_tag":       "3",
		"default_platform":  "-64",
		"automatic_install": true,
		"confirm":           true,
		"log_level":         0,
		"list.format":       "table",
		"install.source":    DefaultSource,
	}
	if exeDir != "" {
		values["bundled_dir"] = filepath.Join(exeDir, "bundled")
		values["launcher_exe"] = filepath.Join(exeDir, "launcher.exe")
		values["launcherw_exe"] = filepath.Join(exeDir, "launcherw.exe")
	}
	return Layer{Name: "defaults", Dir: exeDir, Values: values}
}
