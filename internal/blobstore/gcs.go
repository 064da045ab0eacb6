package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

// GCSConfig selects a bucket and the service account used to reach it.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

// GCSStore implements Store on Google Cloud Storage. It honours
// STORAGE_EMULATOR_HOST.
type GCSStore struct {
	client *storage.Client
	bucket string
	log    logger.Logger
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a client for cfg.Bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig, log logger.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.ValidationError("bucket name is required")
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("gcs: failed to create client: %w", err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		log:    log.Module(componentName).With(logger.String("bucket", cfg.Bucket)),
	}, nil
}

// Bucket returns the bucket objects are uploaded to.
func (s *GCSStore) Bucket() string {
	return s.bucket
}

// Download reads an object, failing with ErrTooLarge past maxSize bytes.
// A non-positive maxSize disables the limit.
func (s *GCSStore) Download(ctx context.Context, location string, maxSize int64) ([]byte, error) {
	bucket, object, err := ParseLocation(location, s.bucket)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, transferError("download", object, fmt.Errorf("gs://%s/%s: %w", bucket, object, ErrNotFound))
		}
		return nil, transferError("download", object, fmt.Errorf("gcs: failed to open object: %w", err))
	}
	defer r.Close()

	if maxSize > 0 && r.Attrs.Size > maxSize {
		return nil, transferError("download", object, fmt.Errorf("%d bytes: %w", r.Attrs.Size, ErrTooLarge))
	}
	data, err := readLimited(r, maxSize)
	if err != nil {
		return nil, transferError("download", object, err)
	}
	return data, nil
}

// Upload writes data under key with the given attributes.
func (s *GCSStore) Upload(ctx context.Context, key string, data []byte, attrs Attrs) (Object, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.Metadata = attrs.Metadata

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, transferError("upload", key, fmt.Errorf("gcs: failed to write object: %w", err))
	}
	if err := w.Close(); err != nil {
		return Object{}, transferError("upload", key, fmt.Errorf("gcs: failed to finalize object: %w", err))
	}

	s.log.Debug("uploaded object", logger.String("key", key), logger.Int("size", len(data)))
	return Object{Bucket: s.bucket, Key: key, Size: int64(len(data))}, nil
}

// Exists reports whether key is present in the bucket.
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, transferError("stat", key, err)
	}
	return true, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}
