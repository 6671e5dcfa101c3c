package installer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/downloader"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/index"
	"github.com/frederic-klein/pymanager/internal/installs"
	"github.com/frederic-klein/pymanager/internal/resolver"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
)

const testSource = "https://example.com/index.json"

type fakeFinder struct {
	entries []*dist.Entry
}

func (f *fakeFinder) Source() string { return testSource }

func (f *fakeFinder) FindToInstall(ctx context.Context, tag string) (*dist.Entry, error) {
	filter, err := tags.ParseFilter(tag)
	if err != nil {
		return nil, err
	}
	return f.find(filter, tag)
}

func (f *fakeFinder) FindToInstallRange(ctx context.Context, r tags.TagRange) (*dist.Entry, error) {
	return f.find(r, r.String())
}

func (f *fakeFinder) find(filter tags.Filter, label string) (*dist.Entry, error) {
	for _, e := range f.entries {
		if tags.EntryMatchesAny(e, []tags.Filter{filter}) {
			return e, nil
		}
	}
	return nil, pmerrors.NoInstallFound(label)
}

func (f *fakeFinder) FindAll(ctx context.Context, filters []tags.Filter, withPrerelease bool) ([]*dist.Entry, error) {
	var out []*dist.Entry
	for _, e := range f.entries {
		if tags.EntryMatchesAny(e, filters) {
			out = append(out, e)
		}
	}
	return out, nil
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testEntry(tag, sortVersion, url string) *dist.Entry {
	return &dist.Entry{
		Schema:      1,
		ID:          "pythoncore-" + tag + "-64",
		SortVersion: sortVersion,
		Company:     "PythonCore",
		Tag:         tag + "-64",
		InstallFor:  []string{tag + "-64", tag},
		RunFor: []dist.RunFor{
			{Tag: tag + "-64", Target: "python.exe"},
			{Tag: tag, Target: "python.exe"},
		},
		DisplayName: "Python " + sortVersion,
		Executable:  "python.exe",
		URL:         url,
	}
}

type fixture struct {
	root      string
	installer *Installer
	store     *installs.Store
	finder    *fakeFinder
	requests  int
}

// newFixture serves archive for every request and returns an installer
// whose catalog lists entries with URLs on that server.
func newFixture(t *testing.T, archive []byte, entries ...*dist.Entry) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir()}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests++
		w.Write(archive)
	}))
	t.Cleanup(server.Close)
	for _, e := range entries {
		e.URL = server.URL + "/" + e.URL
	}

	f.finder = &fakeFinder{entries: entries}
	f.store = installs.NewStore(filepath.Join(f.root, "pkgs"), nil, nil)
	tr := transport.New(nil, transport.NewURLLibBackend(nil))
	dl := downloader.NewDownloader(filepath.Join(f.root, "cache"), "", tr, nil)
	f.installer = NewInstaller(f.store, f.finder, dl, nil)
	return f
}

func (f *fixture) installed(t *testing.T) []*dist.Install {
	t.Helper()
	got, err := f.store.GetInstalls(installs.Options{})
	require.NoError(t, err)
	return got
}

func TestInstaller_InstallOne(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe", "Lib/os.py": "# os"})
	e := testEntry("3.13", "3.13.1", "python-3.13.1.zip")
	e.Hash = map[string]string{"sha256": sha256Hex(archive)}
	f := newFixture(t, archive, e)

	// Act
	out, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, nil)

	// Assert
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	prefix := filepath.Join(f.root, "pkgs", "pythoncore-3.13-64")
	assert.Equal(t, prefix, out.Install.Prefix)
	assert.FileExists(t, filepath.Join(prefix, "Lib", "os.py"))

	got := f.installed(t)
	require.Len(t, got, 1)
	assert.Equal(t, "pythoncore-3.13-64", got[0].ID)
	assert.Equal(t, testSource, got[0].Source)
	assert.Equal(t, filepath.Join(prefix, "python.exe"), got[0].Executable)
}

func TestInstaller_InstallOne_SkipsExisting(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive, testEntry("3.13", "3.13.1", "a.zip"))
	_, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, nil)
	require.NoError(t, err)

	// Act
	out, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, f.installed(t))

	// Assert
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 1, f.requests)
	assert.Len(t, f.installed(t), 1)
}

func TestInstaller_InstallOne_ForceReplaces(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive, testEntry("3.13", "3.13.1", "a.zip"))
	_, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, nil)
	require.NoError(t, err)
	prefix := f.store.PrefixFor("pythoncore-3.13-64")
	stray := filepath.Join(prefix, "stray.txt")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0644))

	// Act
	out, err := f.installer.InstallOne(context.Background(), "3.13", Options{Force: true}, f.installed(t))

	// Assert
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 2, f.requests)
	assert.NoFileExists(t, stray)
	assert.Len(t, f.installed(t), 1)
}

func TestShouldSkip_Update(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		want     string
		skip     bool
	}{
		{"newer available", "3.13.0", "3.13.1", false},
		{"same version", "3.13.1", "3.13.1", true},
		{"existing newer", "3.13.2", "3.13.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			existing := &dist.Install{Entry: *testEntry("3.13", tt.existing, "a.zip")}
			entry := testEntry("3.13", tt.want, "a.zip")

			// Act
			skip, _ := shouldSkip(existing, entry, Options{Update: true})

			// Assert
			assert.Equal(t, tt.skip, skip)
		})
	}
}

func TestInstaller_InstallOne_DryRun(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive, testEntry("3.13", "3.13.1", "a.zip"))

	// Act
	out, err := f.installer.InstallOne(context.Background(), "3.13", Options{DryRun: true}, nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "pythoncore-3.13-64", out.Install.ID)
	assert.Equal(t, 0, f.requests)
	assert.NoDirExists(t, f.store.PrefixFor("pythoncore-3.13-64"))
}

func TestInstaller_InstallOne_HashMismatch(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	e := testEntry("3.13", "3.13.1", "a.zip")
	e.Hash = map[string]string{"sha256": sha256Hex([]byte("something else"))}
	f := newFixture(t, archive, e)

	// Act
	_, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, nil)

	// Assert
	require.Error(t, err)
	assert.True(t, pmerrors.IsSilent(err))
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeHashMismatch))
	assert.NoFileExists(t, filepath.Join(f.store.PrefixFor(e.ID), dist.ManifestName))
	assert.NoFileExists(t, filepath.Join(f.root, "cache", e.ID+".zip"))
	assert.Empty(t, f.installed(t))
}

func TestInstaller_InstallOne_Target(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive, testEntry("3.13", "3.13.1", "a.zip"))
	target := filepath.Join(f.root, "elsewhere")

	// Act
	out, err := f.installer.InstallOne(context.Background(), "3.13", Options{Target: target}, nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, target, out.Install.Prefix)
	assert.FileExists(t, filepath.Join(target, "python.exe"))
	assert.Empty(t, f.installed(t))
}

func TestInstaller_InstallOne_NotFound(t *testing.T) {
	// Arrange
	f := newFixture(t, nil, testEntry("3.13", "3.13.1", "a.zip"))

	// Act
	_, err := f.installer.InstallOne(context.Background(), "3.99", Options{}, nil)

	// Assert
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNoInstallFound))
}

func TestInstaller_Uninstall(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive,
		testEntry("3.13", "3.13.1", "a.zip"),
		testEntry("3.12", "3.12.8", "b.zip"),
	)
	for _, tag := range []string{"3.13", "3.12"} {
		_, err := f.installer.InstallOne(context.Background(), tag, Options{}, nil)
		require.NoError(t, err)
	}
	filters, err := tags.ParseFilters([]string{"3.12"})
	require.NoError(t, err)
	targets := MatchInstalls(f.installed(t), filters)
	require.Len(t, targets, 1)

	// Act
	err = f.installer.Uninstall(context.Background(), targets, false)

	// Assert
	require.NoError(t, err)
	got := f.installed(t)
	require.Len(t, got, 1)
	assert.Equal(t, "pythoncore-3.13-64", got[0].ID)
	assert.NoDirExists(t, f.store.PrefixFor("pythoncore-3.12-64"))
}

func TestInstaller_Uninstall_SkipsUnmanaged(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	f := newFixture(t, nil)
	unmanaged := &dist.Install{Entry: dist.Entry{ID: "__unmanaged-x", DisplayName: "Other"}, Prefix: dir, Unmanaged: true}

	// Act
	err := f.installer.Uninstall(context.Background(), []*dist.Install{unmanaged}, false)

	// Assert
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestInstaller_Purge(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	f := newFixture(t, archive, testEntry("3.13", "3.13.1", "a.zip"))
	_, err := f.installer.InstallOne(context.Background(), "3.13", Options{}, nil)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(f.root, "cache"))

	// Act
	err = f.installer.Purge(context.Background(), f.installed(t), false)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, f.installed(t))
	assert.NoDirExists(t, filepath.Join(f.root, "cache"))
}

func TestMatchIDs(t *testing.T) {
	// Arrange
	installed := []*dist.Install{{Entry: dist.Entry{ID: "a"}}, {Entry: dist.Entry{ID: "b"}}}

	// Act
	got, err := MatchIDs(installed, []string{"b"})
	_, missing := MatchIDs(installed, []string{"c"})

	// Assert
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.True(t, pmerrors.IsKind(missing, pmerrors.ErrCodeNoInstallFound))
}

func TestInstaller_Download(t *testing.T) {
	// Arrange
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	e1 := testEntry("3.13", "3.13.1", "a.zip")
	e2 := testEntry("3.12", "3.12.8", "b.zip")
	f := newFixture(t, archive, e1, e2)
	dir := filepath.Join(f.root, "bundle")

	// Act
	err := f.installer.Download(context.Background(), []*dist.Entry{e1}, dir, false)
	require.NoError(t, err)
	err = f.installer.Download(context.Background(), []*dist.Entry{e2}, dir, false)

	// Assert
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, e1.ID+".zip"))
	assert.FileExists(t, filepath.Join(dir, e2.ID+".zip"))
	data, err := os.ReadFile(filepath.Join(dir, BundleIndexName))
	require.NoError(t, err)
	idx, err := index.Load("", data)
	require.NoError(t, err)
	require.Len(t, idx.Versions, 2)
	assert.Equal(t, e1.ID+".zip", idx.Versions[0].URL)
	assert.Equal(t, e2.ID+".zip", idx.Versions[1].URL)
	assert.Empty(t, f.installed(t))
}

func TestInstaller_Download_CopiesBundledArchive(t *testing.T) {
	// Arrange
	root := t.TempDir()
	archive := zipBytes(t, map[string]string{"python.exe": "exe"})
	e := testEntry("3.13", "3.13.1", "https://example.invalid/pythoncore-3.13-64.zip")
	bundled := filepath.Join(root, "bundled")
	require.NoError(t, os.MkdirAll(bundled, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundled, e.ID+".zip"), archive, 0644))
	dl := downloader.NewDownloader(filepath.Join(root, "cache"), bundled, nil, nil)
	inst := NewInstaller(installs.NewStore(filepath.Join(root, "pkgs"), nil, nil), &fakeFinder{entries: []*dist.Entry{e}}, dl, nil)
	dir := filepath.Join(root, "offline")

	// Act
	err := inst.Download(context.Background(), []*dist.Entry{e}, dir, false)

	// Assert
	require.NoError(t, err)
	copied, err := os.ReadFile(filepath.Join(dir, e.ID+".zip"))
	require.NoError(t, err)
	assert.Equal(t, archive, copied)
	assert.FileExists(t, filepath.Join(bundled, e.ID+".zip"))
	data, err := os.ReadFile(filepath.Join(dir, BundleIndexName))
	require.NoError(t, err)
	idx, err := index.Load("", data)
	require.NoError(t, err)
	require.Len(t, idx.Versions, 1)
	assert.Equal(t, e.ID+".zip", idx.Versions[0].URL)
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestInstaller_SelectForScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			name:   "requires-python",
			script: "# /// script\n# requires-python = \">=3.12,<3.13\"\n# ///\nprint()\n",
			want:   "pythoncore-3.12-64",
		},
		{
			name:   "no metadata uses default",
			script: "print()\n",
			want:   "pythoncore-3.13-64",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t, nil,
				testEntry("3.13", "3.13.1", "a.zip"),
				testEntry("3.12", "3.12.8", "b.zip"),
			)
			path := writeScript(t, tt.script)

			// Act
			entry, existing, err := f.installer.SelectForScript(context.Background(), path, resolver.NewResolver(nil, "", nil), "3.13")

			// Assert
			require.NoError(t, err)
			assert.Nil(t, existing)
			require.NotNil(t, entry)
			assert.Equal(t, tt.want, entry.ID)
		})
	}
}

func TestInstaller_SelectForScript_AlreadyInstalled(t *testing.T) {
	// Arrange
	f := newFixture(t, nil, testEntry("3.13", "3.13.1", "a.zip"))
	install := &dist.Install{Entry: *testEntry("3.13", "3.13.1", "a.zip"), Prefix: t.TempDir()}
	install.Alias = []dist.Alias{{Name: "python3.13.exe", Target: "python.exe"}}
	install.Executable = install.Resolve("python.exe")
	path := writeScript(t, "#! /usr/bin/python3.13\n# /// script\n# requires-python = \">=3.12\"\n# ///\n")

	// Act
	entry, existing, err := f.installer.SelectForScript(context.Background(), path, resolver.NewResolver([]*dist.Install{install}, "", nil), "3.13")

	// Assert
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NotNil(t, existing)
	assert.Equal(t, "pythoncore-3.13-64", existing.ID)
}
