package postgres

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/storage"
)

// S3Config configures the artifact bucket
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// s3API is the subset of the S3 client the artifact store uses
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3ArtifactStore implements marketplace.ArtifactStore on an S3 bucket
type S3ArtifactStore struct {
	client s3API
	bucket string
}

// NewS3ArtifactStore builds an S3 client and makes sure the bucket exists.
// Static keys are used when both are set; otherwise the default credential chain.
func NewS3ArtifactStore(ctx context.Context, cfg S3Config) (*S3ArtifactStore, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	store := &S3ArtifactStore{client: client, bucket: cfg.Bucket}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// EnsureBucket creates the bucket when it is missing
func (s *S3ArtifactStore) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &exists) && !errors.As(err, &owned) {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put implements marketplace.ArtifactStore
func (s *S3ArtifactStore) Put(ctx context.Context, extensionID int64, content io.Reader, contentType string) (_ marketplace.Artifact, err error) {
	key := storage.ArtifactKey(extensionID)
	ctx, span := tracer.Start(ctx, "S3.PutObject", trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
		attribute.String("content.type", contentType),
	))
	defer func() { endSpan(span, err) }()

	data, err := io.ReadAll(content)
	if err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to read package: %w", err)
	}
	hash := sha256.Sum256(data)
	checksum := hex.EncodeToString(hash[:])
	span.SetAttributes(attribute.Int("content.size", len(data)))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"checksum-sha256": checksum},
	})
	if err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to upload package: %w", err)
	}

	return marketplace.Artifact{
		Key:         key,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Checksum:    checksum,
	}, nil
}

// Open implements marketplace.ArtifactStore
func (s *S3ArtifactStore) Open(ctx context.Context, artifact marketplace.Artifact) (_ io.ReadCloser, err error) {
	ctx, span := tracer.Start(ctx, "S3.GetObject", trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", artifact.Key),
	))
	defer func() { endSpan(span, err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(artifact.Key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: package %s", marketplace.ErrNotFound, artifact.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download package: %w", err)
	}
	return out.Body, nil
}

// Delete implements marketplace.ArtifactStore
func (s *S3ArtifactStore) Delete(ctx context.Context, artifact marketplace.Artifact) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(artifact.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete package: %w", err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (s *S3ArtifactStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}
