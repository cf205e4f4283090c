package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const MaxURLExpiry = 7 * 24 * time.Hour

type MinioStoreInput struct {
	Endpoint  string // host:port, without a scheme
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string

	// How long download URLs stay valid. 7 days, the longest allowed, by default. Instances must bootstrap within it.
	URLExpiry time.Duration
}

func (c *MinioStoreInput) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.URLExpiry < 0 || c.URLExpiry > MaxURLExpiry {
		return fmt.Errorf("URL expiry must be at most %s: %s", MaxURLExpiry, c.URLExpiry)
	}
	return nil
}

// The subset of the MinIO client the store uses.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Stages scripts in an S3-compatible object store such as MinIO. Instances download them through presigned URLs
// since their instance role means nothing to the store.
type MinioStore struct {
	input  *MinioStoreInput
	client minioAPI
}

func NewMinioStore(input *MinioStoreInput) (*MinioStore, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(input.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(input.AccessKey, input.SecretKey, ""),
		Secure: input.UseSSL,
		Region: input.Region,
	})
	if err != nil {
		return nil, err
	}
	return newMinioStore(input, client), nil
}

func newMinioStore(input *MinioStoreInput, client minioAPI) *MinioStore {
	if input.URLExpiry == 0 {
		input.URLExpiry = MaxURLExpiry
	}
	return &MinioStore{input: input, client: client}
}

func (s *MinioStore) Bucket() string {
	return s.input.Bucket
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.input.Bucket)
	if err != nil {
		return err
	}
	if exists {
		slog.Debug("bucket already exists", slog.String("name", s.input.Bucket))
		return nil
	}
	err = s.client.MakeBucket(ctx, s.input.Bucket, minio.MakeBucketOptions{Region: s.input.Region})
	if err != nil {
		return err
	}
	slog.Debug("created bucket", slog.String("name", s.input.Bucket))
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.input.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.input.Bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "text/x-shellscript",
	})
	return err
}

func (s *MinioStore) PresignGet(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.input.Bucket, key, s.input.URLExpiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

var _ URLSigner = (*MinioStore)(nil)
