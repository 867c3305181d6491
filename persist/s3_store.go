package persist

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sort"
	"southwinds.dev/keep/internal/debug"
	"southwinds.dev/keep/internal/misc"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface against an S3-compatible service.
//
// Object layout under the bucket:
//
//	bucket/
//	└── [keyPrefix/]
//	    ├── config.json       # vault configuration (custody state)
//	    ├── secrets.json      # encrypted secrets collection
//	    ├── private.pem       # private key, plain or passphrase protected
//	    ├── public.pem        # public key
//	    ├── custodian/
//	    │   └── wrapped_key.json
//	    └── backups/
//	        └── key_rotation_20240101_120000/
//	            ├── private.pem
//	            └── public.pem
//
// Object stores cannot enforce POSIX permission bits, so
// SupportsPermissions reports false and permission hardening is advisory:
// access control is whatever bucket policy the operator configured.
// ShredPrivateKey overwrites the object before deleting it, but versioned
// buckets may retain prior versions beyond the store's reach.
type S3Store struct {
	// client is the MinIO client used to interact with the service.
	client *minio.Client

	// bucketName is the bucket holding the vault artifacts.
	bucketName string

	// keyPrefix is an optional prefix for every object key, allowing
	// several vaults to share one bucket.
	keyPrefix string
}

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string // The endpoint URL for the service.
	AccessKeyID     string // The access key ID for authentication.
	SecretAccessKey string // The secret access key for authentication.
	Bucket          string // The bucket to use.
	KeyPrefix       string // The prefix for keys stored in the bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the bucket.
}

// NewS3Store initializes a new S3Store instance using the provided
// configuration. It establishes a connection and ensures that the
// specified bucket exists.
//
// Returns:
//   - (*S3Store, error): A pointer to an S3Store instance if successful,
//     or an error in case of failure.
//
// Errors:
//   - Returns an error if the MinIO client fails to initialize or the
//     bucket cannot be created or confirmed.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	s3cfg := S3Config{}

	if v, ok := config.Config["endpoint"].(string); ok {
		s3cfg.Endpoint = v
	}
	if v, ok := config.Config["access_key_id"].(string); ok {
		s3cfg.AccessKeyID = v
	}
	if v, ok := config.Config["secret_access_key"].(string); ok {
		s3cfg.SecretAccessKey = v
	}
	if v, ok := config.Config["bucket"].(string); ok {
		s3cfg.Bucket = v
	}
	if v, ok := config.Config["key_prefix"].(string); ok {
		s3cfg.KeyPrefix = v
	}
	if v, ok := config.Config["use_ssl"].(bool); ok {
		s3cfg.UseSSL = v
	}
	if v, ok := config.Config["region"].(string); ok {
		s3cfg.Region = v
	}

	return NewS3Store(s3cfg)
}

// Secrets collection

func (s3s *S3Store) SaveSecretsData(encryptedSecretsData []byte) error {
	if encryptedSecretsData == nil {
		return fmt.Errorf("secrets data cannot be nil")
	}
	return s3s.putObject(s3s.secretsObjectName(), encryptedSecretsData, "application/json", "secrets")
}

func (s3s *S3Store) LoadSecretsData() ([]byte, error) {
	debug.Print("LoadSecretsData: reading object %s\n", s3s.secretsObjectName())
	return s3s.getObject(s3s.secretsObjectName())
}

func (s3s *S3Store) SecretsDataExists() (bool, error) {
	return s3s.objectExists(s3s.secretsObjectName())
}

// Vault configuration

func (s3s *S3Store) SaveVaultConfig(configData []byte) error {
	if configData == nil {
		return fmt.Errorf("config data cannot be nil")
	}
	return s3s.putObject(s3s.configObjectName(), configData, "application/json", "vault-config")
}

func (s3s *S3Store) LoadVaultConfig() ([]byte, error) {
	return s3s.getObject(s3s.configObjectName())
}

func (s3s *S3Store) VaultConfigExists() (bool, error) {
	return s3s.objectExists(s3s.configObjectName())
}

// Key pair artifacts

func (s3s *S3Store) SavePrivateKey(keyPEM []byte) error {
	if len(keyPEM) == 0 {
		return fmt.Errorf("private key data is required")
	}
	return s3s.putObject(s3s.privateKeyObjectName(), keyPEM, "application/x-pem-file", "private-key")
}

func (s3s *S3Store) LoadPrivateKey() ([]byte, error) {
	return s3s.getObject(s3s.privateKeyObjectName())
}

func (s3s *S3Store) PrivateKeyExists() (bool, error) {
	return s3s.objectExists(s3s.privateKeyObjectName())
}

// ShredPrivateKey overwrites the private key object with random bytes of
// the same length before removing it. Best effort only: versioned buckets
// and service-side caching may retain prior content.
func (s3s *S3Store) ShredPrivateKey() error {
	objectName := s3s.privateKeyObjectName()

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to stat private key: %w", err)
	}

	if stat.Size > 0 {
		noise := make([]byte, stat.Size)
		if _, err = rand.Read(noise); err != nil {
			return fmt.Errorf("failed to generate overwrite data: %w", err)
		}

		_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
			bytes.NewReader(noise), stat.Size,
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("failed to overwrite private key: %w", err)
		}
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove private key: %w", err)
	}

	return nil
}

func (s3s *S3Store) SavePublicKey(keyPEM []byte) error {
	if len(keyPEM) == 0 {
		return fmt.Errorf("public key data is required")
	}
	return s3s.putObject(s3s.publicKeyObjectName(), keyPEM, "application/x-pem-file", "public-key")
}

func (s3s *S3Store) LoadPublicKey() ([]byte, error) {
	return s3s.getObject(s3s.publicKeyObjectName())
}

func (s3s *S3Store) PublicKeyExists() (bool, error) {
	return s3s.objectExists(s3s.publicKeyObjectName())
}

func (s3s *S3Store) DeletePublicKey() error {
	return s3s.removeObject(s3s.publicKeyObjectName())
}

// Custodian wrapped key

func (s3s *S3Store) SaveWrappedKey(handle []byte) error {
	if len(handle) == 0 {
		return fmt.Errorf("wrapped key handle is required")
	}
	return s3s.putObject(s3s.wrappedKeyObjectName(), handle, "application/json", "wrapped-key")
}

func (s3s *S3Store) LoadWrappedKey() ([]byte, error) {
	return s3s.getObject(s3s.wrappedKeyObjectName())
}

func (s3s *S3Store) WrappedKeyExists() (bool, error) {
	return s3s.objectExists(s3s.wrappedKeyObjectName())
}

func (s3s *S3Store) DeleteWrappedKey() error {
	return s3s.removeObject(s3s.wrappedKeyObjectName())
}

// Rotation backups

func (s3s *S3Store) SaveKeyBackup(label string, privateKeyPEM, publicKeyPEM []byte) (string, error) {
	if err := validateBackupLabel(label); err != nil {
		return "", err
	}
	if len(privateKeyPEM) == 0 {
		return "", fmt.Errorf("private key data is required")
	}
	if len(publicKeyPEM) == 0 {
		return "", fmt.Errorf("public key data is required")
	}

	backupName := fmt.Sprintf("%s_%s", label, misc.BackupTimestamp(time.Now().UTC()))
	backupPrefix := s3s.buildPath("backups", backupName)

	if err := s3s.putObject(backupPrefix+"/private.pem", privateKeyPEM, "application/x-pem-file", "key-backup"); err != nil {
		return "", fmt.Errorf("failed to back up private key: %w", err)
	}
	if err := s3s.putObject(backupPrefix+"/public.pem", publicKeyPEM, "application/x-pem-file", "key-backup"); err != nil {
		// Leave no half backup behind.
		_ = s3s.removeObject(backupPrefix + "/private.pem")
		return "", fmt.Errorf("failed to back up public key: %w", err)
	}

	debug.Print("SaveKeyBackup: wrote backup under %s\n", backupPrefix)
	return backupPrefix, nil
}

func (s3s *S3Store) ListKeyBackups() ([]KeyBackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildPath("backups") + "/"

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	type backupEntry struct {
		created    time.Time
		hasPrivate bool
	}
	found := make(map[string]*backupEntry)

	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}

		rest := strings.TrimPrefix(object.Key, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}

		entry, ok := found[parts[0]]
		if !ok {
			entry = &backupEntry{created: object.LastModified}
			found[parts[0]] = entry
		}
		if object.LastModified.Before(entry.created) {
			entry.created = object.LastModified
		}
		if parts[1] == "private.pem" {
			entry.hasPrivate = true
		}
	}

	var backups []KeyBackupInfo
	for name, entry := range found {
		label := name
		createdAt := entry.created

		if idx := strings.LastIndex(name, "_"); idx > 0 {
			if first := strings.LastIndex(name[:idx], "_"); first > 0 {
				stamp := name[first+1:]
				if parsed, perr := time.Parse("20060102_150405", stamp); perr == nil {
					label = name[:first]
					createdAt = parsed
				}
			}
		}

		backups = append(backups, KeyBackupInfo{
			Label:         label,
			Location:      prefix + name,
			CreatedAt:     createdAt,
			HasPrivateKey: entry.hasPrivate,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close is a no-op; the client holds no connections between calls.
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// SupportsPermissions is always false for object storage; see the type doc.
func (s3s *S3Store) SupportsPermissions() bool {
	return false
}

// Helper methods

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string

	if s3s.keyPrefix != "" {
		// Clean the key prefix - remove leading/trailing slashes
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) configObjectName() string {
	return s3s.buildPath("config.json")
}

func (s3s *S3Store) secretsObjectName() string {
	return s3s.buildPath("secrets.json")
}

func (s3s *S3Store) privateKeyObjectName() string {
	return s3s.buildPath("private.pem")
}

func (s3s *S3Store) publicKeyObjectName() string {
	return s3s.buildPath("public.pem")
}

func (s3s *S3Store) wrappedKeyObjectName() string {
	return s3s.buildPath("custodian", "wrapped_key.json")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) putObject(objectName string, data []byte, contentType, dataType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"data-type":  dataType,
				"updated-at": time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", dataType, err)
	}
	return nil
}

func (s3s *S3Store) getObject(objectName string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("object %s: %w", objectName, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}
	return data, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) removeObject(objectName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to remove object %s: %w", objectName, err)
	}
	return nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errResp := minio.ToErrorResponse(err)
	return errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" || misc.IsNotFoundError(err)
}
