package index

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
)

type mapOpener struct {
	pages    map[string][]byte
	requests []string
}

func (m *mapOpener) URLOpen(ctx context.Context, req *transport.Request) ([]byte, error) {
	m.requests = append(m.requests, req.URL)
	data, ok := m.pages[req.URL]
	if !ok {
		return nil, pmerrors.Newf(pmerrors.ErrCodeNotFound, "%s not found", req.URL)
	}
	return data, nil
}

func TestCatalog_FindToInstall_FollowsNext(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed/index.json":
			w.Write(feed(t, "legacy.json",
				entry("pythoncore-3.13-64", "3.13.1", "PythonCore", "3.13-64", "3.13-64", "3.13"),
			))
		case "/feed/legacy.json":
			w.Write(feed(t, "",
				entry("pythoncore-2.7-64", "2.7.18", "PythonCore", "2.7-64", "2.7-64", "2.7"),
				entry("pythoncore-2.6-64", "2.6.9", "PythonCore", "2.6-64", "2.6-64", "2.6"),
			))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	tr := transport.New(nil, transport.NewURLLibBackend(nil))
	cat := NewCatalog(server.URL+"/feed/index.json", tr, Cache{}, nil)

	// Act
	got, err := cat.FindToInstall(context.Background(), "2.7")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "pythoncore-2.7-64", got.ID)
	assert.Equal(t, server.URL+"/feed/pythoncore-2.7-64.zip", got.URL)

	_, err = cat.FindToInstall(context.Background(), "2.5")
	require.Error(t, err)
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeNotFound))
}

func TestCatalog_StopsAtFirstMatchingPage(t *testing.T) {
	opener := &mapOpener{pages: map[string][]byte{
		"https://example.com/index.json": feed(t, "page2.json",
			entry("pythoncore-3.13-64", "3.13.1", "PythonCore", "3.13-64", "3.13-64", "3.13", "3")),
		"https://example.com/page2.json": feed(t, "",
			entry("pythoncore-3.12-64", "3.12.1", "PythonCore", "3.12-64", "3.12-64", "3.12", "3")),
	}}
	cat := NewCatalog("https://example.com/index.json", opener, Cache{}, nil)

	got, err := cat.FindToInstall(context.Background(), "3")

	require.NoError(t, err)
	assert.Equal(t, "pythoncore-3.13-64", got.ID)
	assert.Equal(t, []string{"https://example.com/index.json"}, opener.requests)
}

func TestCatalog_CachesPages(t *testing.T) {
	opener := &mapOpener{pages: map[string][]byte{
		"https://example.com/index.json": feed(t, "",
			entry("pythoncore-3.13-64", "3.13.1", "PythonCore", "3.13-64")),
	}}
	cache := Cache{}
	cat := NewCatalog("https://example.com/index.json", opener, cache, nil)

	_, err := cat.FindToInstall(context.Background(), "3.13-64")
	require.NoError(t, err)
	_, err = NewCatalog("https://example.com/index.json", opener, cache, nil).FindAll(context.Background(), nil, true)
	require.NoError(t, err)

	assert.Len(t, opener.requests, 1)
}

func TestCatalog_RefusesCycles(t *testing.T) {
	opener := &mapOpener{pages: map[string][]byte{
		"https://example.com/a.json": feed(t, "b.json"),
		"https://example.com/b.json": feed(t, "a.json"),
	}}
	cat := NewCatalog("https://example.com/a.json", opener, nil, nil)

	_, err := cat.FindToInstall(context.Background(), "3")

	require.Error(t, err)
	assert.True(t, pmerrors.IsKind(err, pmerrors.ErrCodeInvalidFeed))
}

func TestCatalog_FindAll_DeduplicatesAcrossPages(t *testing.T) {
	opener := &mapOpener{pages: map[string][]byte{
		"https://example.com/index.json": feed(t, "old.json",
			entry("pythoncore-3.13-64", "3.13.1", "PythonCore", "3.13-64")),
		"https://example.com/old.json": feed(t, "",
			entry("pythoncore-3.13-64", "3.13.0", "PythonCore", "3.13-64"),
			entry("pythoncore-3.12-64", "3.12.1", "PythonCore", "3.12-64")),
	}}
	cat := NewCatalog("https://example.com/index.json", opener, nil, nil)

	got, err := cat.FindAll(context.Background(), nil, false)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3.13.1", got[0].SortVersion)
	assert.Equal(t, "pythoncore-3.12-64", got[1].ID)
}

func TestCatalog_FindToInstallRange(t *testing.T) {
	opener := &mapOpener{pages: map[string][]byte{
		"https://example.com/index.json": feed(t, "",
			entry("pythoncore-3.13-64", "3.13.1", "PythonCore", "3.13-64", "3.13-64", "3.13"),
			entry("pythoncore-3.12-64", "3.12.1", "PythonCore", "3.12-64", "3.12-64", "3.12")),
	}}
	r, err := tags.ParseRange("<3.13")
	require.NoError(t, err)

	got, err := NewCatalog("https://example.com/index.json", opener, nil, nil).FindToInstallRange(context.Background(), r)

	require.NoError(t, err)
	assert.Equal(t, "pythoncore-3.12-64", got.ID)
}
