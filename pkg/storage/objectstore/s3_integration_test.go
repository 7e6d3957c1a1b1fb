//go:build integration

package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinIO starts a MinIO container and returns a client pointed at it
func setupMinIO(t *testing.T) *S3Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	client, err := NewS3Client(ctx, Config{
		Bucket:       "exports",
		Region:       "us-east-1",
		Endpoint:     "http://" + host + ":" + port.Port(),
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		UsePathStyle: true,
		CreateBucket: true,
	})
	require.NoError(t, err, "Failed to create S3 client")
	return client
}

func TestS3Client_RoundTrip_Integration(t *testing.T) {
	client := setupMinIO(t)
	ctx := context.Background()

	require.NoError(t, client.HealthCheck(ctx))

	key := "exports/1/7/bundle.json"
	require.NoError(t, client.PutObject(ctx, key, strings.NewReader(`{"user":{}}`), "application/json"))

	exists, err := client.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := client.GetObject(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"user":{}}`, string(data))
}
