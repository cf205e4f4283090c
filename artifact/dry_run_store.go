package artifact

import (
	"context"
	"io"
)

// A Store that reports every script as already staged. Used to compute references without touching any bucket.
type DryRunStore struct {
	bucket string
}

func NewDryRunStore(bucket string) *DryRunStore {
	return &DryRunStore{bucket: bucket}
}

func (s *DryRunStore) Bucket() string {
	return s.bucket
}

func (s *DryRunStore) Exists(context.Context, string) (bool, error) {
	return true, nil
}

func (s *DryRunStore) Put(context.Context, string, io.Reader, int64) error {
	return nil
}
