package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/transport"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PYMANAGER_DEBUG", "PYMANAGER_VERBOSE", "PYMANAGER_SOURCE_URL",
		"PYMANAGER_DEFAULT_TAG", "PYMANAGER_INSTALL_DIR", "PYTHON_COLORS",
		"PYMANAGER_ENABLE_BITS_DOWNLOAD", "PYMANAGER_ENABLE_WINHTTP_DOWNLOAD",
		"PYMANAGER_ENABLE_URLLIB_DOWNLOAD", "PYMANAGER_ENABLE_POWERSHELL_DOWNLOAD",
		"VIRTUAL_ENV",
	} {
		t.Setenv(k, "")
	}
	root := t.TempDir()
	t.Setenv("LOCALAPPDATA", filepath.Join(root, "local"))
	t.Setenv("APPDATA", filepath.Join(root, "roaming"))
}

func TestLoad_Defaults(t *testing.T) {
	// Arrange
	clearEnv(t)
	exeDir := t.TempDir()

	// Act
	cfg, err := Load(Options{ExeDir: exeDir})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "3", cfg.DefaultTag)
	assert.Equal(t, "-64", cfg.DefaultPlatform)
	assert.Equal(t, DefaultSource, cfg.Install.Source)
	assert.Equal(t, filepath.Join(exeDir, "bundled"), cfg.BundledDir)
	assert.Equal(t, filepath.Join(os.Getenv("LOCALAPPDATA"), "Python", "pythoncore"), cfg.InstallDir)
	assert.True(t, cfg.AutomaticInstall)
	assert.True(t, cfg.Color)
	assert.Equal(t, transport.DefaultOptions(), cfg.Transport)
	assert.Equal(t, "table", cfg.List.Format)
	assert.Empty(t, cfg.Sources)
}

func TestLoad_LayerOrder(t *testing.T) {
	// Arrange
	clearEnv(t)
	exeDir := t.TempDir()
	writeFile(t, exeDir, FileName, `{"default_tag": "3.12", "install": {"enable_shortcut_kinds": "pep514"}}`)
	userDir := t.TempDir()
	user := writeFile(t, userDir, "user.yaml", "default_tag: \"3.13\"\ninstall:\n  enable_shortcut_kinds: [start]\n")
	extraDir := t.TempDir()
	extra := writeFile(t, extraDir, "extra.toml", "install_dir = \"pkgs\"\n[list]\nformat = \"json\"\n")
	t.Setenv("PYMANAGER_DEFAULT_TAG", "3.14")

	// Act
	cfg, err := Load(Options{ExeDir: exeDir, UserFile: user, File: extra, Overrides: map[string]any{"confirm": false}})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "3.14", cfg.DefaultTag)
	assert.Equal(t, []string{"pep514", "start"}, cfg.Install.EnableShortcutKinds)
	assert.Equal(t, filepath.Join(extraDir, "pkgs"), cfg.InstallDir)
	assert.Equal(t, "json", cfg.List.Format)
	assert.False(t, cfg.Confirm)
	assert.Len(t, cfg.Sources, 3)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	// Arrange
	clearEnv(t)

	// Act
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.json")})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeInvalidConfiguration))
}

func TestLoad_Environment(t *testing.T) {
	// Arrange
	clearEnv(t)
	t.Setenv("PYMANAGER_VERBOSE", "1")
	t.Setenv("PYMANAGER_ENABLE_BITS_DOWNLOAD", "no")
	t.Setenv("PYTHON_COLORS", "0")
	t.Setenv("VIRTUAL_ENV", "/venv")

	// Act
	cfg, err := Load(Options{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.LogLevel)
	assert.False(t, cfg.Transport.EnableBITS)
	assert.True(t, cfg.Transport.EnableURLLib)
	assert.False(t, cfg.Color)
	assert.Equal(t, "/venv", cfg.VirtualEnv)
}

func TestMerge_Strategies(t *testing.T) {
	// Arrange
	first := Layer{Name: "a", Values: map[string]any{
		"log_level":                      1,
		"install.disable_shortcut_kinds": "pep514, start",
	}}
	second := Layer{Name: "b", Values: map[string]any{
		"log_level":                      float64(-1),
		"install.disable_shortcut_kinds": []any{"site-dirs"},
	}}
	third := Layer{Name: "c", Values: map[string]any{"log_level": "0"}}

	// Act
	cfg, err := Merge(first, second, third)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.LogLevel)
	assert.Equal(t, []string{"pep514", "start", "site-dirs"}, cfg.Install.DisableShortcutKinds)
}

func TestMerge_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"unknown key", map[string]any{"no_such_key": "x"}},
		{"unknown nested key", map[string]any{"install": map[string]any{"nope": 1}}},
		{"wrong type", map[string]any{"default_tag": 3.0}},
		{"bad boolean", map[string]any{"confirm": "maybe"}},
		{"bad scheme", map[string]any{"install.source": "ftp://example.com/index.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			_, err := Merge(Layer{Name: "test", Values: tt.values})

			// Assert
			require.Error(t, err)
			assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeInvalidConfiguration))
		})
	}
}

func TestMerge_PostProcessing(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	t.Setenv("PYMANAGER_TEST_ROOT", dir)
	layer := Layer{Name: "test", Dir: dir, Values: map[string]any{
		"global_dir":              "%PYMANAGER_TEST_ROOT%/bin",
		"download_dir":            "cache",
		"install.source":          "https://example.com/index.json",
		"install.fallback_source": "feeds/index.json",
	}}

	// Act
	cfg, err := Merge(layer)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bin"), cfg.GlobalDir)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.DownloadDir)
	assert.Equal(t, "https://example.com/index.json", cfg.Install.Source)
	assert.Equal(t, transport.PathToFileURL(filepath.Join(dir, "feeds", "index.json")), cfg.Install.FallbackSource)
}

func TestExpandEnv(t *testing.T) {
	// Arrange
	t.Setenv("PYMANAGER_TEST_VAR", "value")

	// Act / Assert
	assert.Equal(t, "a/value/b", ExpandEnv("a/%PYMANAGER_TEST_VAR%/b"))
	assert.Equal(t, "a/value/b", ExpandEnv("a/$PYMANAGER_TEST_VAR/b"))
	assert.Equal(t, "%PYMANAGER_UNSET_VAR%", ExpandEnv("%PYMANAGER_UNSET_VAR%"))
}
