package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3StoreInput struct {
	AwsConfig aws.Config
	Bucket    string
}

// The subset of the S3 client the store uses.
type s3API interface {
	CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type uploaderAPI interface {
	Upload(context.Context, *s3.PutObjectInput, ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Stages scripts in an AWS S3 bucket. Instances read them with their instance role.
type S3Store struct {
	input    *S3StoreInput
	s3       s3API
	uploader uploaderAPI
}

func NewS3Store(input *S3StoreInput) *S3Store {
	client := s3.NewFromConfig(input.AwsConfig)
	return newS3Store(input, client, manager.NewUploader(client))
}

func newS3Store(input *S3StoreInput, client s3API, uploader uploaderAPI) *S3Store {
	return &S3Store{
		input:    input,
		s3:       client,
		uploader: uploader,
	}
}

func (o *S3Store) Bucket() string {
	return o.input.Bucket
}

// EnsureBucket creates the bucket if it does not exist yet.
func (o *S3Store) EnsureBucket(ctx context.Context) error {
	var cbc *s3Types.CreateBucketConfiguration
	// us-east-1 rejects an explicit location constraint
	if o.input.AwsConfig.Region != "" && o.input.AwsConfig.Region != "us-east-1" {
		cbc = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(o.input.AwsConfig.Region),
		}
	}
	_, err := o.s3.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket:                    &o.input.Bucket,
		ACL:                       s3Types.BucketCannedACLPrivate,
		CreateBucketConfiguration: cbc,
	})
	var e *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &e) {
		slog.Debug("bucket already exists", slog.String("name", o.input.Bucket))
		return nil
	} else if err != nil {
		return err
	}
	slog.Debug("created bucket", slog.String("name", o.input.Bucket))
	return nil
}

func (o *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &o.input.Bucket,
		Key:    &key,
	})
	var nf *s3Types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (o *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        &o.input.Bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
