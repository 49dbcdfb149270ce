package stream

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func serve(t *testing.T, method, path, rangeHeader string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(method, "/stream", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	err := ServeFile(rec, req, path, "video/mp4", MultiRangeReject)
	return rec, err
}

func TestServeFileWhole(t *testing.T) {
	path := writeFile(t, 1000)
	rec, err := serve(t, http.MethodGet, path, "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Len(t, rec.Body.Bytes(), 1000)
}

func TestServeFilePartial(t *testing.T) {
	path := writeFile(t, 1000)
	rec, err := serve(t, http.MethodGet, path, "bytes=500-600")
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 500-600/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "101", rec.Header().Get("Content-Length"))
	body := rec.Body.Bytes()
	require.Len(t, body, 101)
	assert.Equal(t, byte(500%251), body[0])
	assert.Equal(t, byte(600%251), body[100])
}

func TestServeFileUnsatisfiable(t *testing.T) {
	path := writeFile(t, 1000)
	rec, err := serve(t, http.MethodGet, path, "bytes=1000-2000")
	require.NoError(t, err)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
	assert.Zero(t, rec.Body.Len())
}

func TestServeFileMalformed(t *testing.T) {
	path := writeFile(t, 10)
	rec, err := serve(t, http.MethodGet, path, "lines=1-2")
	assert.ErrorIs(t, err, ErrMalformedRange)
	assert.Zero(t, rec.Body.Len())
}

func TestServeFileHead(t *testing.T) {
	path := writeFile(t, 1000)
	rec, err := serve(t, http.MethodHead, path, "bytes=0-99")
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestServeFileMissing(t *testing.T) {
	_, err := serve(t, http.MethodGet, filepath.Join(t.TempDir(), "gone.mp4"), "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestServeFileDirectory(t *testing.T) {
	_, err := serve(t, http.MethodGet, t.TempDir(), "")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestServeFileSuffix(t *testing.T) {
	path := writeFile(t, 1000)
	rec, err := serve(t, http.MethodGet, path, "bytes=-10")
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Range"), "bytes 990-999/"))
	assert.Len(t, rec.Body.Bytes(), 10)
}
