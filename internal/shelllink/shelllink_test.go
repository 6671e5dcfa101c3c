package shelllink

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/transport"
)

func TestPowerShell_PassesValuesThroughEnvironment(t *testing.T) {
	// Arrange
	var gotScript string
	var gotEnv []string
	runner := transport.RunnerFunc(func(ctx context.Context, script string, env []string) ([]byte, error) {
		gotScript, gotEnv = script, env
		return nil, nil
	})
	path := filepath.Join(t.TempDir(), "Python 3.13", "Python 3.13.lnk")

	// Act
	err := NewPowerShell(runner).Create(context.Background(), Link{
		Path:      path,
		Target:    `C:\Python\python.exe`,
		Arguments: `-c "print('hi')"`,
		Icon:      `C:\Python\python.exe`,
		IconIndex: 2,
	})

	// Assert
	require.NoError(t, err)
	assert.Contains(t, gotScript, "WScript.Shell")
	assert.NotContains(t, gotScript, "print('hi')")
	assert.Contains(t, gotEnv, "PYMANAGER_LNK_PATH="+path)
	assert.Contains(t, gotEnv, `PYMANAGER_LNK_ARGS=-c "print('hi')"`)
	assert.Contains(t, gotEnv, `PYMANAGER_LNK_ICON=C:\Python\python.exe,2`)
	assert.True(t, fsutil.Exists(filepath.Dir(path)))
}

func TestPowerShell_Error(t *testing.T) {
	runner := transport.RunnerFunc(func(ctx context.Context, script string, env []string) ([]byte, error) {
		return nil, assert.AnError
	})

	err := NewPowerShell(runner).Create(context.Background(), Link{Path: filepath.Join(t.TempDir(), "x.lnk")})

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "creating shortcut"))
}

func TestMemory_Create(t *testing.T) {
	dir := t.TempDir()
	m := NewMemory()

	require.NoError(t, m.Create(context.Background(), Link{Path: filepath.Join(dir, "b.lnk"), Target: "b.exe"}))
	require.NoError(t, m.Create(context.Background(), Link{Path: filepath.Join(dir, "a.lnk"), Target: "a.exe"}))
	require.NoError(t, m.Create(context.Background(), Link{Path: filepath.Join(dir, "a.lnk"), Target: "a2.exe"}))

	links := m.Links()
	require.Len(t, links, 2)
	assert.Equal(t, "a2.exe", links[0].Target)
	assert.True(t, fsutil.Exists(filepath.Join(dir, "b.lnk")))
}
