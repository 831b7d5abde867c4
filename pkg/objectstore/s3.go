package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Store stores objects in an Amazon S3 (or S3-compatible) bucket, adapted
// from perkeep/pkg/blobserver/s3's storage type: same client-wrapping
// struct, same Put/Fetch/Stat/Remove/Enumerate split, re-pointed at
// aws-sdk-go's s3 client (the dependency actually in this module's go.mod)
// and at caller-supplied keys instead of content-addressed blob refs.
type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
}

// S3Config names the connection parameters spec.md section 6's
// storage.* keys imply for an S3-backed deployment.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(cfg.ForcePathStyle)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: creating s3 session: %w", err)
	}
	client := s3.New(sess)
	return &S3Store{client: client, uploader: s3manager.NewUploaderWithClient(client)}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, data io.Reader, size int64) (int64, error) {
	buf := new(bytes.Buffer)
	n, err := io.Copy(buf, data)
	if err != nil {
		return 0, fmt.Errorf("objectstore: buffering %s/%s: %w", bucket, key, err)
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return 0, fmt.Errorf("objectstore: putting %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: getting %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "NotFound" {
			return ObjectInfo{}, fmt.Errorf("objectstore: %s/%s: %w", bucket, key, errNotExist)
		}
		return ObjectInfo{}, fmt.Errorf("objectstore: statting %s/%s: %w", bucket, key, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return ObjectInfo{Key: key, Size: size}, nil
}

func (s *S3Store) Remove(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: removing %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			out = append(out, ObjectInfo{Key: key, Size: aws.Int64Value(obj.Size)})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: listing %s/%s*: %w", bucket, prefix, err)
	}
	return out, nil
}
