package blob

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/logger"
)

// MinioStore is the production Store backed by any S3-compatible service
// (OSS, S3, MinIO). Writes retry transient failures with exponential backoff;
// reads do not, since the caller's stage retry loop already covers them.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioOptions configures a MinioStore
type MinioOptions struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioStore builds the client and verifies the bucket exists. A missing
// bucket is a deployment error, not something the service creates itself.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build object store client")
	}

	s := &MinioStore{client: client, bucket: opts.Bucket}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(policy, ctx)
}

// Put uploads the payload, retrying transient failures
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	op := func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, r, size,
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			// Seek-less readers cannot be replayed, so only streams that
			// support seeking get another attempt.
			if seeker, ok := r.(io.Seeker); ok {
				if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
					return err
				}
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Warnw("Object store put failed, retrying",
			"key", key, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, s.retryPolicy(ctx), notify); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "put %s: %v", key, err)
	}
	return nil
}

// Get opens the object for reading
func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, errors.Wrapf(errors.ErrUnavailable, "get %s: %v", key, err)
	}

	// GetObject is lazy; Stat forces the first round trip so missing keys
	// surface here instead of on the first Read.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, errors.NewNotFound("artifact %s", key)
		}
		return nil, 0, errors.Wrapf(errors.ErrUnavailable, "stat %s: %v", key, err)
	}
	return obj, info.Size, nil
}

// Delete removes the object; missing keys are ignored
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return errors.Wrapf(errors.ErrUnavailable, "delete %s: %v", key, err)
	}
	return nil
}

// List returns all keys under prefix
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(errors.ErrUnavailable, "list %s: %v", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Ping confirms the bucket is reachable
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "object store unreachable: %v", err)
	}
	if !ok {
		return errors.Wrapf(errors.ErrUnavailable, "bucket %s does not exist", s.bucket)
	}
	return nil
}
