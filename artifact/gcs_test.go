package artifact

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekho-app/ekho/errors"
)

// fakeGCS answers the subset of the Cloud Storage JSON API the store uses
type fakeGCS struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	types   map[string]string
	denied  bool
}

func (f *fakeGCS) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload/storage/v1/b/"+f.bucket+"/o":
			name, contentType, data := readMultipartUpload(t, r)
			f.mu.Lock()
			f.objects[name] = data
			f.types[name] = contentType
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{
				"bucket":      f.bucket,
				"name":        name,
				"contentType": contentType,
			})

		case r.Method == http.MethodGet && r.URL.Path == "/storage/v1/b/"+f.bucket:
			f.mu.Lock()
			denied := f.denied
			f.mu.Unlock()
			if denied {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":{"code":403,"message":"no access to bucket"}}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"name": f.bucket})

		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
		}
	}
}

// readMultipartUpload splits a multipart/related upload into its metadata
// and media parts.
func readMultipartUpload(t *testing.T, r *http.Request) (name, contentType string, data []byte) {
	t.Helper()
	assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	mr := multipart.NewReader(r.Body, params["boundary"])

	meta, err := mr.NextPart()
	require.NoError(t, err)
	var attrs struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
	}
	require.NoError(t, json.NewDecoder(meta).Decode(&attrs))

	media, err := mr.NextPart()
	require.NoError(t, err)
	data, err = io.ReadAll(media)
	require.NoError(t, err)
	return attrs.Name, attrs.ContentType, data
}

func newFakeGCSStore(t *testing.T) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{bucket: "ekho-media", objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	store, err := NewGCSStore(context.Background(), fake.bucket, "", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, fake
}

func TestNewGCSStoreRequiresBucket(t *testing.T) {
	_, err := NewGCSStore(context.Background(), "", "", zaptest.NewLogger(t).Sugar())
	assert.ErrorContains(t, err, "requires a bucket")
}

func TestGCSStoreUpload(t *testing.T) {
	store, fake := newFakeGCSStore(t)

	ref, err := store.Store(context.Background(), pngHeader, "image/png", "/users/u1/references/job_0.png")
	require.NoError(t, err)
	assert.Equal(t, Ref("gs://ekho-media/users/u1/references/job_0.png"), ref)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, pngHeader, fake.objects["users/u1/references/job_0.png"])
	assert.Equal(t, "image/png", fake.types["users/u1/references/job_0.png"])
}

func TestGCSStoreRejectsEscapingPath(t *testing.T) {
	store, fake := newFakeGCSStore(t)

	_, err := store.Store(context.Background(), pngHeader, "image/png", "../outside.png")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()
}

func TestGCSStoreRetrievalURLRejectsForeignRefs(t *testing.T) {
	store, _ := newFakeGCSStore(t)

	for _, ref := range []Ref{"local://users/u1/a.png", "https://cdn.example/a.png", "gs://bucket-only"} {
		_, err := store.RetrievalURL(context.Background(), ref, time.Minute)
		require.Error(t, err, string(ref))
		assert.True(t, errors.IsInvalidRequestError(err), string(ref))
	}
}

func TestGCSStoreCheck(t *testing.T) {
	store, fake := newFakeGCSStore(t)
	require.NoError(t, store.Check(context.Background()))

	fake.mu.Lock()
	fake.denied = true
	fake.mu.Unlock()
	err := store.Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailableError(err))
	assert.True(t, strings.Contains(err.Error(), "no access to bucket"))
}
