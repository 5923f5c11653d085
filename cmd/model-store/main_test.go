package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwpku/torchann-plumed/pkg/blobs"
)

const modelKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef.yaml"

type fakeStore struct {
	mutex     sync.Mutex
	objects   map[string]string
	downloads int
}

func (f *fakeStore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.downloads++
	data, found := f.objects[info.Key]
	if !found {
		return fmt.Errorf("object %q: %w", info.Key, os.ErrNotExist)
	}
	return os.WriteFile(destPath, []byte(data), 0o644)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	store := &fakeStore{objects: map[string]string{modelKey: "tensors: []\n"}}
	s := &httpServer{blobCache: &blobCache{BaseDir: t.TempDir(), blobstore: store}}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, store
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMissIsFilledFromBlobstore(t *testing.T) {
	ts, store := newTestServer(t)

	code, body := get(t, ts.URL+"/"+modelKey)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tensors: []\n", body)

	code, _ = get(t, ts.URL+"/"+modelKey)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, store.downloads, "second request should be served from the local cache")
}

func TestUnknownModelIsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	code, _ := get(t, ts.URL+"/"+strings.Repeat("f", 64))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInvalidKeys(t *testing.T) {
	ts, store := newTestServer(t)

	for _, key := range []string{"model.yaml", strings.Repeat("A", 64), "..", "a/b"} {
		code, _ := get(t, ts.URL+"/"+key)
		assert.NotEqual(t, http.StatusOK, code, key)
	}
	assert.Equal(t, 0, store.downloads)

	resp, err := http.Post(ts.URL+"/"+modelKey, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
