package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

const archiveContentType = "application/octet-stream"

// S3Store keeps archives as objects under an optional key prefix in one
// bucket of any S3 compatible service.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	log    logrus.FieldLogger
}

func NewS3Store(cfg ledgerbox.RemoteConfig, log logrus.FieldLogger) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 remote needs an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Check confirms the bucket is reachable.
func (s *S3Store) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return ledgerbox.IOError("check bucket "+s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, name string, data []byte, onProgress ledgerbox.ProgressFunc) error {
	key := s.key(name)
	// minio reads from Progress as many bytes as it has sent
	progress := utils.NewProgressReader(bytes.NewReader(data), int64(len(data)), progressOrNoop(onProgress))

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: archiveContentType,
		Progress:    progress,
	})
	if err != nil {
		return ledgerbox.IOError("put "+key, err)
	}
	s.log.WithFields(logrus.Fields{"key": key, "size": info.Size, "etag": info.ETag}).Debug("object uploaded")
	return nil
}

func (s *S3Store) Download(ctx context.Context, name string, onProgress ledgerbox.ProgressFunc) ([]byte, error) {
	key := s.key(name)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(key, err)
	}
	defer obj.Close()

	st, err := obj.Stat()
	if err != nil {
		return nil, s.mapError(key, err)
	}

	pr := utils.NewProgressReader(obj, st.Size, progressOrNoop(onProgress))
	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, s.mapError(key, err)
	}
	return data, nil
}

func (s *S3Store) mapError(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s/%s", ledgerbox.ErrFileNotFound, s.bucket, key)
	}
	return ledgerbox.IOError("get "+key, err)
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
