package archive

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
	"xmrgate/internal/logging"
)

const defaultB2Endpoint = "s3.us-east-005.backblazeb2.com"

// Object is the part of *minio.Object the archive reads.
type Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// ObjectClient is the subset of the S3 API the archive uses.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error) {
	obj, err := c.Client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// B2Config holds Backblaze B2 (or any S3-compatible) settings.
type B2Config struct {
	Endpoint string
	KeyID    string
	AppKey   string
	Bucket   string
	// Prefix is an optional folder for every object.
	Prefix string
}

// B2Archive stores records in an S3-compatible bucket.
type B2Archive struct {
	client ObjectClient
	bucket string
	prefix string
}

// NewB2 connects to the bucket described by cfg.
func NewB2(cfg B2Config) (*B2Archive, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultB2Endpoint
	}
	entry := logging.Archive.WithField("bucket", cfg.Bucket)
	entry.WithField("endpoint", endpoint).Info("initializing B2 archive")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		entry.WithError(err).Error("failed to create client")
		return nil, err
	}
	return NewB2WithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewB2WithClient builds an archive on an existing client.
func NewB2WithClient(client ObjectClient, bucket, prefix string) *B2Archive {
	return &B2Archive{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}
}

func (a *B2Archive) key(key string) string {
	if a.prefix == "" {
		return key + ".json"
	}
	return path.Join(a.prefix, key+".json")
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (a *B2Archive) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	objectKey := a.key(key)
	info, err := a.client.PutObject(ctx, a.bucket, objectKey, data, size, minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		logging.Archive.WithError(err).WithField("key", objectKey).Error("upload failed")
		return 0, err
	}
	logging.Archive.WithFields(log.Fields{"key": objectKey, "bytes": info.Size}).Debug("archived record")
	return info.Size, nil
}

func (a *B2Archive) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	objectKey := a.key(key)
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (a *B2Archive) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := a.client.RemoveObject(ctx, a.bucket, a.key(key), minio.RemoveObjectOptions{})
	if err != nil && isNoSuchKey(err) {
		return ErrNotFound
	}
	return err
}
