package persist

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// TestS3Store runs the shared store contract against a MinIO container.
// Set KEEP_S3_TESTS=1 to enable; set KEEP_S3_ENDPOINT to point at an
// already-running MinIO instead of starting a container.
func TestS3Store(t *testing.T) {
	if os.Getenv("KEEP_S3_TESTS") == "" {
		t.Skip("S3 store tests disabled; set KEEP_S3_TESTS=1 to enable")
	}

	endpoint := os.Getenv("KEEP_S3_ENDPOINT")
	if endpoint == "" {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		require.NoError(t, err, "failed to start MinIO container")

		defer func() {
			if err = minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		require.NoError(t, err, "failed to get mapped port")

		endpoint = fmt.Sprintf("localhost:%s", mappedPort.Port())
	} else {
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		Bucket:          "keep-store-test",
		KeyPrefix:       "test/",
		UseSSL:          false,
		Region:          "us-east-1",
	})
	require.NoError(t, err, "failed to create S3 store")
	defer store.Close()

	t.Run("Contract", func(t *testing.T) {
		testStoreImplementation(t, store)
	})

	t.Run("PermissionsAdvisory", func(t *testing.T) {
		assert.False(t, store.SupportsPermissions(),
			"object storage cannot enforce POSIX permissions; hardening is advisory")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.Equal(t, string(StoreTypeS3), store.GetType())
	})
}

func TestNewS3StoreValidation(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err, "missing bucket must be rejected")
}

func TestNewS3StoreFromConfig(t *testing.T) {
	_, err := NewS3StoreFromConfig(StoreConfig{
		Type:   StoreTypeS3,
		Config: map[string]interface{}{"endpoint": "localhost:9000"},
	})
	assert.Error(t, err, "missing bucket must be rejected")
}
