package archive

import (
	"context"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StoreGCS archives into a Google Cloud Storage bucket.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS, or the metadata server).
type StoreGCS struct {
	ctx        context.Context
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	log        logs.Log
}

// NewStoreGCS connects to the bucket. Uploads are cancelled when ctx is done.
func NewStoreGCS(ctx context.Context, log logs.Log, bucketName string) (*StoreGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	return &StoreGCS{
		ctx:        ctx,
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func (s *StoreGCS) Close() error {
	return s.client.Close()
}

func (s *StoreGCS) Create(name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	s.log.Debugf("Archiving gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).NewWriter(s.ctx), nil
}

func (s *StoreGCS) Size(name string) (int64, error) {
	attrs, err := s.bucket.Object(name).Attrs(s.ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (s *StoreGCS) Remove(name string) error {
	s.log.Warnf("Removing gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).Delete(s.ctx)
}
