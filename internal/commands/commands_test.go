package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/pymanager/internal/config"
	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/shelllink"
	"github.com/frederic-klein/pymanager/internal/transport"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

func feedEntry(tag, sortVersion string) *dist.Entry {
	major, _, _ := strings.Cut(tag, ".")
	return &dist.Entry{
		Schema:      1,
		ID:          "pythoncore-" + tag + "-64",
		SortVersion: sortVersion,
		Company:     "PythonCore",
		Tag:         tag + "-64",
		InstallFor:  []string{tag + "-64", tag, major + "-64", major},
		RunFor: []dist.RunFor{
			{Tag: tag + "-64", Target: "python.exe"},
			{Tag: tag, Target: "python.exe"},
		},
		Alias:       []dist.Alias{{Name: "python" + tag + ".exe", Target: "python.exe"}},
		DisplayName: "Python " + sortVersion,
		Executable:  "python.exe",
		URL:         "pythoncore-" + tag + "-64.zip",
	}
}

func archive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"python.exe", "Lib/os.py"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type testEnv struct {
	env       *Env
	out       *bytes.Buffer
	downloads *int32
}

// newTestEnv serves a feed with Python 3.13 and 3.12 and returns an
// environment rooted in a temporary directory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	feed, err := sonic.Marshal(map[string]any{
		"versions": []*dist.Entry{feedEntry("3.13", "3.13.1"), feedEntry("3.12", "3.12.8")},
	})
	require.NoError(t, err)
	zipData := archive(t)

	var downloads int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".zip") {
			atomic.AddInt32(&downloads, 1)
			w.Write(zipData)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(feed)
	}))
	t.Cleanup(server.Close)

	launcher := filepath.Join(root, "launcher.exe")
	require.NoError(t, os.WriteFile(launcher, []byte("launcher"), 0644))

	cfg := config.Config{
		InstallDir:       filepath.Join(root, "pkgs"),
		DownloadDir:      filepath.Join(root, "cache"),
		GlobalDir:        filepath.Join(root, "bin"),
		StartFolder:      filepath.Join(root, "start"),
		LauncherExe:      launcher,
		DefaultTag:       "3",
		DefaultPlatform:  "-64",
		AutomaticInstall: true,
	}
	cfg.List.Format = "table"
	cfg.Install.Source = server.URL + "/index.json"

	out := &bytes.Buffer{}
	return &testEnv{
		env: &Env{
			Config:     cfg,
			Out:        out,
			In:         strings.NewReader(""),
			Network:    transport.New(nil, transport.NewURLLibBackend(nil)),
			Registry:   winreg.NewMemory(),
			Links:      shelllink.NewMemory(),
			ManagerExe: filepath.Join(root, "pymanager.exe"),
		},
		out:       out,
		downloads: &downloads,
	}
}

func (te *testEnv) run(t *testing.T, opts *Options) string {
	t.Helper()
	te.out.Reset()
	require.NoError(t, Dispatch(context.Background(), te.env, opts))
	return te.out.String()
}

func (te *testEnv) ids(t *testing.T) string {
	t.Helper()
	return te.run(t, &Options{Command: "list", Format: "id"})
}

func TestDispatch_UnknownCommand(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	err := Dispatch(context.Background(), te.env, &Options{Command: "frobnicate"})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeArgument))
}

func TestRun_ReturnsExitCode(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	ok := Run(context.Background(), te.env, &Options{Command: "help"})
	failed := Run(context.Background(), te.env, &Options{Command: "frobnicate"})

	// Assert
	assert.Equal(t, 0, ok)
	assert.NotEqual(t, 0, failed)
}

func TestHelp_ListsCommands(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	out := te.run(t, &Options{Command: "help"})

	// Assert
	for _, name := range []string{"install", "list", "resolve", "uninstall"} {
		assert.Contains(t, out, name)
	}
}

func TestInstall_ListResolveUninstall(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	bin := te.env.Config.GlobalDir

	// Act
	te.run(t, &Options{Command: "install", Args: []string{"3.13", "3.12"}})

	// Assert
	assert.Equal(t, "pythoncore-3.13-64\npythoncore-3.12-64\n", te.ids(t))
	assert.FileExists(t, filepath.Join(bin, "python3.13.exe"))
	assert.FileExists(t, filepath.Join(bin, "python3.12.exe"))

	table := te.run(t, &Options{Command: "list"})
	assert.Contains(t, table, "3.13-64 *")
	assert.Contains(t, table, "Python 3.12.8")

	resolved := te.run(t, &Options{Command: "resolve", Args: []string{"3.12"}})
	want := filepath.Join(te.env.Config.InstallDir, "pythoncore-3.12-64", "python.exe")
	assert.Equal(t, want+"\n", resolved)

	te.run(t, &Options{Command: "uninstall", Args: []string{"3.12"}})
	assert.Equal(t, "pythoncore-3.13-64\n", te.ids(t))
	assert.NoFileExists(t, filepath.Join(bin, "python3.12.exe"))
	assert.FileExists(t, filepath.Join(bin, "python3.13.exe"))
}

func TestInstall_SecondRunSkips(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13"}})

	// Act
	te.run(t, &Options{Command: "install", Args: []string{"3.13"}})

	// Assert
	assert.Equal(t, int32(1), atomic.LoadInt32(te.downloads))
}

func TestInstall_DryRun(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	te.run(t, &Options{Command: "install", Args: []string{"3"}, DryRun: true})

	// Assert
	assert.Equal(t, int32(0), atomic.LoadInt32(te.downloads))
	assert.Equal(t, "", te.ids(t))
}

func TestInstall_Errors(t *testing.T) {
	tests := []struct {
		name      string
		opts      *Options
		automatic bool
		want      pmerrors.ErrorCode
	}{
		{"no tags", &Options{Command: "install"}, true, pmerrors.ErrCodeArgument},
		{"automatic disabled", &Options{Command: "install", Args: []string{"3"}, Automatic: true}, false, pmerrors.ErrCodeAutomaticInstallDisabled},
		{"unknown version", &Options{Command: "install", Args: []string{"2.7"}}, true, pmerrors.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			te := newTestEnv(t)
			te.env.Config.AutomaticInstall = tt.automatic

			// Act
			err := Dispatch(context.Background(), te.env, tt.opts)

			// Assert
			assert.True(t, pmerrors.IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestInstall_DefaultTagPicksLatest(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	te.run(t, &Options{Command: "install", Args: []string{"3"}})

	// Assert
	assert.Equal(t, "pythoncore-3.13-64\n", te.ids(t))
}

func TestInstall_PartialFailureStillRefreshes(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	bin := te.env.Config.GlobalDir

	// Act
	err := Dispatch(context.Background(), te.env, &Options{Command: "install", Args: []string{"3.13", "9.9"}})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNotFound), "got %v", err)
	assert.Equal(t, "pythoncore-3.13-64\n", te.ids(t))
	assert.FileExists(t, filepath.Join(bin, "python3.13.exe"))
}

func TestInstall_Download(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	dir := filepath.Join(t.TempDir(), "offline")

	// Act
	te.run(t, &Options{Command: "install", Args: []string{"3.12"}, Download: dir})

	// Assert
	assert.FileExists(t, filepath.Join(dir, "pythoncore-3.12-64.zip"))
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "pythoncore-3.12-64.zip")
	assert.Equal(t, "", te.ids(t))
}

func TestList_Online(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	out := te.run(t, &Options{Command: "list", Online: true, Format: "id"})

	// Assert
	assert.Equal(t, "pythoncore-3.13-64\npythoncore-3.12-64\n", out)
}

func TestList_OnlineNoMatch(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	err := Dispatch(context.Background(), te.env, &Options{Command: "list", Online: true, Args: []string{"2.7"}})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNoInstallFound), "got %v", err)
}

func TestUninstall_NoMatch(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13"}})

	// Act
	err := Dispatch(context.Background(), te.env, &Options{Command: "uninstall", Args: []string{"3.11"}})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNoInstallFound), "got %v", err)
}

func TestUninstall_Declined(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13"}})
	te.env.Config.Confirm = true
	te.env.In = strings.NewReader("n\n")

	// Act
	te.run(t, &Options{Command: "uninstall", Args: []string{"3.13"}})

	// Assert
	assert.Equal(t, "pythoncore-3.13-64\n", te.ids(t))
}

func TestUninstall_ByID(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13", "3.12"}})

	// Act
	te.run(t, &Options{Command: "uninstall", ByID: []string{"pythoncore-3.13-64"}})

	// Assert
	assert.Equal(t, "pythoncore-3.12-64\n", te.ids(t))
}

func TestUninstall_Purge(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13", "3.12"}})

	// Act
	te.run(t, &Options{Command: "uninstall", Purge: true, Yes: true})

	// Assert
	assert.Equal(t, "", te.ids(t))
	assert.NoDirExists(t, te.env.Config.DownloadDir)
	assert.NoFileExists(t, filepath.Join(te.env.Config.GlobalDir, "python3.13.exe"))
}

func TestResolve_NoInstalls(t *testing.T) {
	// Arrange
	te := newTestEnv(t)

	// Act
	err := Dispatch(context.Background(), te.env, &Options{Command: "resolve"})

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNoInstalls), "got %v", err)
}

func TestResolve_Script(t *testing.T) {
	// Arrange
	te := newTestEnv(t)
	te.run(t, &Options{Command: "install", Args: []string{"3.13", "3.12"}})
	script := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(script, []byte("#! /usr/bin/python3.12\nprint('hi')\n"), 0644))

	// Act
	out := te.run(t, &Options{Command: "resolve", Script: script})

	// Assert
	want := filepath.Join(te.env.Config.InstallDir, "pythoncore-3.12-64", "python.exe")
	assert.Equal(t, want+"\n", out)
}
