package weights

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.onnx")
	require.NoError(t, os.WriteFile(path, []byte("model"), 0o644))

	p := NewProvider(Config{ModelPath: path, BaseURL: "http://127.0.0.1:1"})
	got, err := p.Resolve(context.Background(), "vgg16_fc6")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolve_ExplicitPathMissing(t *testing.T) {
	p := NewProvider(Config{ModelPath: filepath.Join(t.TempDir(), "absent.onnx")})
	_, err := p.Resolve(context.Background(), "vgg16_fc6")
	assert.Error(t, err)
}

func TestResolve_DownloadsOnceThenCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/vgg16_fc6.onnx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("onnx-bytes"))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "models")
	p := NewProvider(Config{BaseURL: srv.URL + "/", CacheDir: cache})

	path, err := p.Resolve(context.Background(), "vgg16_fc6")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "vgg16_fc6.onnx"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "onnx-bytes", string(data))

	_, err = p.Resolve(context.Background(), "vgg16_fc6")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestResolve_DownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	cache := t.TempDir()
	p := NewProvider(Config{BaseURL: srv.URL, CacheDir: cache})

	_, err := p.Resolve(context.Background(), "resnet")
	require.Error(t, err)

	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolve_NoSource(t *testing.T) {
	p := NewProvider(Config{CacheDir: t.TempDir()})
	_, err := p.Resolve(context.Background(), "vgg16_fc6")
	assert.Error(t, err)

	_, err = p.Resolve(context.Background(), "")
	assert.Error(t, err)
}
