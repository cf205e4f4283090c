package artifact

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakeMinio struct {
	bucketExists bool
	made         string
	statErr      error
	puts         map[string]string
	expires      time.Duration
}

func (f *fakeMinio) BucketExists(context.Context, string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeMinio) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = bucket
	return nil
}

func (f *fakeMinio) StatObject(context.Context, string, string, minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return minio.ObjectInfo{}, f.statErr
}

func (f *fakeMinio) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[bucket+"/"+key] = string(buf)
	return minio.UploadInfo{Bucket: bucket, Key: key}, nil
}

func (f *fakeMinio) PresignedGetObject(_ context.Context, bucket, key string, expires time.Duration, _ url.Values) (*url.URL, error) {
	f.expires = expires
	return url.Parse("http://minio:9000/" + bucket + "/" + key + "?X-Amz-Signature=sig")
}

func testMinioInput() *MinioStoreInput {
	return &MinioStoreInput{Endpoint: "minio:9000", AccessKey: "ak", SecretKey: "sk", Bucket: "assets"}
}

func TestMinioStoreExists(t *testing.T) {
	boom := errors.New("connection refused")
	tests := []struct {
		name    string
		statErr error
		want    bool
		wantErr error
	}{
		{"found", nil, true, nil},
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, false, nil},
		{"other error", boom, false, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMinioStore(testMinioInput(), &fakeMinio{statErr: tt.statErr})
			got, err := store.Exists(context.Background(), "assets/abc.sh")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMinioStoreEnsureBucket(t *testing.T) {
	client := &fakeMinio{}
	store := newMinioStore(testMinioInput(), client)
	if err := store.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if client.made != "assets" {
		t.Fatalf("expected the bucket to be made, got %q", client.made)
	}

	client = &fakeMinio{bucketExists: true}
	store = newMinioStore(testMinioInput(), client)
	if err := store.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if client.made != "" {
		t.Fatalf("an existing bucket must not be made again")
	}
}

func TestMinioStagedScriptsGetDownloadURLs(t *testing.T) {
	client := &fakeMinio{}
	s := NewStager(&StagerInput{Store: newMinioStore(testMinioInput(), client)})

	ref, err := s.Stage(context.Background(), stringSource("run.sh", "echo hi"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if client.puts["assets/"+ref.Key] != "echo hi" {
		t.Fatalf("expected the script to be uploaded, got %v", client.puts)
	}
	if !strings.HasPrefix(ref.URL, "http://minio:9000/assets/"+ref.Key+"?") {
		t.Fatalf("unexpected URL %q", ref.URL)
	}
	if client.expires != MaxURLExpiry {
		t.Fatalf("unexpected expiry %s", client.expires)
	}
}

func TestMinioStoreInputValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*MinioStoreInput)
		ok     bool
	}{
		{"valid", func(*MinioStoreInput) {}, true},
		{"scheme", func(c *MinioStoreInput) { c.Endpoint = "http://minio:9000" }, false},
		{"no secret", func(c *MinioStoreInput) { c.SecretKey = "" }, false},
		{"expiry too long", func(c *MinioStoreInput) { c.URLExpiry = 8 * 24 * time.Hour }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testMinioInput()
			tt.modify(c)
			if err := c.Validate(); (err == nil) != tt.ok {
				t.Fatalf("unexpected result %v", err)
			}
		})
	}
}
