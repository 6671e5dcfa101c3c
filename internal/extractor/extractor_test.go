package extractor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/logging"
)

type member struct {
	name    string
	content string
}

func createTestArchive(t *testing.T, name string, members ...member) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(m.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExtractor_Extract_Zip(t *testing.T) {
	// Arrange
	archive := createTestArchive(t, "python.zip",
		member{"python.exe", "exe"},
		member{"Lib/os.py", "import sys"},
		member{"DLLs/", ""},
	)
	prefix := filepath.Join(t.TempDir(), "pythoncore-3.13-64")

	// Act
	res, err := NewExtractor(nil).Extract(context.Background(), archive, prefix)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, res.Extracted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, "exe", readFile(t, filepath.Join(prefix, "python.exe")))
	assert.Equal(t, "import sys", readFile(t, filepath.Join(prefix, "Lib", "os.py")))
	assert.DirExists(t, filepath.Join(prefix, "DLLs"))
}

func TestExtractor_Extract_NupkgStripsTools(t *testing.T) {
	archive := createTestArchive(t, "python.3.13.0.nupkg",
		member{"python.nuspec", "<package/>"},
		member{"tools/python.exe", "exe"},
		member{"tools/Lib/os.py", "import sys"},
	)
	prefix := t.TempDir()

	res, err := NewExtractor(nil).Extract(context.Background(), archive, prefix)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Extracted)
	assert.FileExists(t, filepath.Join(prefix, "python.exe"))
	assert.FileExists(t, filepath.Join(prefix, "Lib", "os.py"))
	assert.NoFileExists(t, filepath.Join(prefix, "python.nuspec"))
	assert.NoDirExists(t, filepath.Join(prefix, "tools"))
}

func TestExtractor_Extract_RejectsEscapingMembers(t *testing.T) {
	// Arrange
	root := t.TempDir()
	prefix := filepath.Join(root, "prefix")
	archive := createTestArchive(t, "evil.zip",
		member{"../evil.txt", "gotcha"},
		member{"Lib/../../../evil2.txt", "gotcha"},
		member{"C:/Windows/evil3.txt", "gotcha"},
		member{"ok.txt", "fine"},
	)
	var logs bytes.Buffer
	log := logging.New(logging.Config{Level: logging.WarnLevel, Output: &logs})

	// Act
	res, err := NewExtractor(log).Extract(context.Background(), archive, prefix)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extracted)
	assert.Len(t, res.Rejected, 3)
	assert.NoFileExists(t, filepath.Join(root, "evil.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "evil2.txt"))
	assert.FileExists(t, filepath.Join(prefix, "ok.txt"))
	assert.Contains(t, logs.String(), "Refusing to extract")
}

func TestExtractor_Extract_DoesNotOverwrite(t *testing.T) {
	prefix := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "python.exe"), []byte("original"), 0644))
	archive := createTestArchive(t, "python.zip",
		member{"python.exe", "replacement"},
		member{"pythonw.exe", "w"},
	)

	res, err := NewExtractor(nil).Extract(context.Background(), archive, prefix)

	require.NoError(t, err)
	assert.Equal(t, []string{"python.exe"}, res.Rejected)
	assert.Equal(t, "original", readFile(t, filepath.Join(prefix, "python.exe")))
	assert.Equal(t, "w", readFile(t, filepath.Join(prefix, "pythonw.exe")))
}

func TestExtractor_Extract_NotZip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "python.zip")
	require.NoError(t, os.WriteFile(archive, []byte("<html><body>login</body></html>"), 0644))

	_, err := NewExtractor(nil).Extract(context.Background(), archive, t.TempDir())

	require.Error(t, err)
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeInvalidInstall))
}

func TestExtractor_Extract_Cancelled(t *testing.T) {
	archive := createTestArchive(t, "python.zip", member{"python.exe", "exe"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExtractor(nil).Extract(ctx, archive, t.TempDir())

	assert.ErrorIs(t, err, context.Canceled)
}
