// Package s3 archives rendered artifacts to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/taskpdf/taskpdf/internal/config"
)

type ObjectStorage interface {
	// Upload stores data under key with a sha256 metadata entry and the
	// given extra metadata.
	Upload(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

type AmazonS3 struct {
	client *s3.Client
	bucket string
	prefix string
}

func New(ctx context.Context, cfg config.ObjectStorage) (ObjectStorage, error) {
	if cfg.AmazonS3 == nil {
		return nil, errors.New("no object storage configured")
	}

	a := cfg.AmazonS3
	var opts []func(*awsconfig.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.Region))
	}

	if a.Credentials != nil {
		value, err := a.Credentials.Resolve(ctx)
		if err != nil {
			return nil, err
		}

		creds, ok := value.(config.SecretAWS)
		if !ok {
			return nil, fmt.Errorf("unsupported secret type '%T' for amazon s3", value)
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if a.URL != "" {
			o.BaseEndpoint = aws.String(a.URL)
			o.UsePathStyle = true
			// S3-compatible stores often reject the default trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return &AmazonS3{client: client, bucket: a.Bucket, prefix: a.Prefix}, nil
}

func (s *AmazonS3) Upload(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	hash := sha256.Sum256(data)

	meta := map[string]string{"sha256": hex.EncodeToString(hash[:])}
	for k, v := range metadata {
		if v != "" {
			meta[k] = v
		}
	}

	_, err := manager.NewUploader(s.client).Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
		Metadata:    meta,
	})
	return err
}

func (s *AmazonS3) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, err
	}

	return output.Body, nil
}

func (s *AmazonS3) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

// ArtifactKey is the object key of a rendered artifact, relative to the
// configured prefix.
func ArtifactKey(tenant, task, digest string) string {
	return path.Join(tenant, task, digest+".pdf")
}
