package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps uploads in an S3 bucket under a key prefix. Save
// returns an s3:// URL so job payloads stay backend-agnostic.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store loads the default AWS config chain and targets the
// configured bucket.
func NewS3Store(cfg Config) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Save uploads the stream and returns its s3:// URL.
func (s *S3Store) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	fullKey := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        r,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("upload to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, fullKey), nil
}

// Open streams an object by its s3:// URL.
func (s *S3Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := s.objectKey(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download from S3: %w", err)
	}
	return out.Body, nil
}

// Delete removes an object. Missing objects are fine.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	key, err := s.objectKey(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var nsk *types.NoSuchKey
	if err != nil && !errors.As(err, &nsk) {
		return fmt.Errorf("delete from S3: %w", err)
	}
	return nil
}

func (s *S3Store) objectKey(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "s3://"+s.bucket+"/")
	if !ok {
		return "", fmt.Errorf("path %q not in bucket %s", path, s.bucket)
	}
	return rest, nil
}
