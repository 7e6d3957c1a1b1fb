package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	body        []byte
	contentType string
	checksum    string
}

// fakeS3 serves the path-style subset of the S3 API the client uses
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]storedObject
	created bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.created = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = storedObject{
			body:        body,
			contentType: r.Header.Get("Content-Type"),
			checksum:    r.Header.Get("X-Amz-Meta-Checksum-Sha256"),
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		_, _ = w.Write(obj.body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeClient(t *testing.T, created bool) (*S3Client, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "exports", objects: make(map[string]storedObject), created: created}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewS3Client(context.Background(), Config{
		Bucket:       "exports",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
		CreateBucket: true,
	})
	require.NoError(t, err)
	return client, fake
}

func TestNewS3Client_RequiresBucket(t *testing.T) {
	_, err := NewS3Client(context.Background(), Config{Region: "us-east-1"})
	require.Error(t, err)
}

func TestNewS3Client_CreatesMissingBucket(t *testing.T) {
	_, fake := newFakeClient(t, false)
	assert.True(t, fake.created)
}

func TestS3Client_PutObject(t *testing.T) {
	client, fake := newFakeClient(t, true)
	ctx := context.Background()

	content := `{"tenant_id":1,"user_id":7}`
	err := client.PutObject(ctx, "exports/1/7/a.json", strings.NewReader(content), "application/json")
	require.NoError(t, err)

	obj, ok := fake.objects["exports/1/7/a.json"]
	require.True(t, ok)
	assert.Equal(t, content, string(obj.body))
	assert.Equal(t, "application/json", obj.contentType)

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.checksum)
}

func TestS3Client_GetObject(t *testing.T) {
	client, _ := newFakeClient(t, true)
	ctx := context.Background()

	require.NoError(t, client.PutObject(ctx, "k", strings.NewReader("payload"), "text/plain"))

	rc, err := client.GetObject(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = client.GetObject(ctx, "missing")
	require.Error(t, err)
	assert.True(t, isNotFoundError(err))
}

func TestS3Client_ObjectExists(t *testing.T) {
	client, _ := newFakeClient(t, true)
	ctx := context.Background()

	exists, err := client.ObjectExists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, client.PutObject(ctx, "k", strings.NewReader("x"), "text/plain"))

	exists, err = client.ObjectExists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestS3Client_HealthCheck(t *testing.T) {
	client, fake := newFakeClient(t, true)
	require.NoError(t, client.HealthCheck(context.Background()))

	fake.mu.Lock()
	fake.created = false
	fake.mu.Unlock()
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestS3Client_URI(t *testing.T) {
	client := &S3Client{bucket: "exports"}
	assert.Equal(t, "s3://exports/exports/1/7/a.json", client.URI("exports/1/7/a.json"))
	assert.Equal(t, "s3://exports/k", client.URI("/k"))
}
