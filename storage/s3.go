package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/caio-sobreiro/dicomstack/dicomerr"
)

// S3Backend stores instances as objects under a bucket, keyed the same way
// FilesystemBackend keys files on disk. Uploads and downloads go through
// feature/s3/manager so multi-part transfer is transparent to callers.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// Credentials is the explicit AWS access key pair (plus optional session
// token for temporary credentials) a NewS3Backend call is constructed with.
// There is no ambient discovery of these values from the environment, a
// shared config file, or an instance role.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Backend returns a Backend backed by bucket in region, authenticated
// with the static creds supplied by the caller. prefix is prepended to every
// key. ctx is accepted for interface symmetry with other Backend
// constructors; nothing here does network I/O until the first call.
func NewS3Backend(ctx context.Context, bucket, region string, creds Credentials, prefix string) (*S3Backend, error) {
	cfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}

	client := s3.NewFromConfig(cfg)
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.TrimSuffix(prefix, "/"),
	}, nil
}

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Put uploads data as an S3 object.
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return dicomerr.NewStorageError("put", key, err)
	}
	return nil
}

// Get downloads the object stored at key.
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, dicomerr.NewStorageError("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, dicomerr.NewStorageError("get", key, err)
	}
	return data, nil
}

// List returns every object key under prefix, with the backend's own prefix
// stripped back off so callers see the same keys they Put.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, dicomerr.NewStorageError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Delete removes the object stored at key.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil
		}
		return dicomerr.NewStorageError("delete", key, err)
	}
	return nil
}

var _ Backend = (*S3Backend)(nil)
