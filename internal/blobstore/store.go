// Package blobstore stores export artifacts in S3-compatible object
// storage. A custom endpoint covers non-AWS implementations; uploads go
// through the transfer manager so large archives upload in parts.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/domain"
)

// ErrNotFound is returned by Get when no blob exists at the key.
var ErrNotFound = errors.New("blob not found")

// Client is the S3 surface the store calls directly. *s3.Client
// satisfies it; tests substitute an in-memory fake.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Uploader writes blobs; *manager.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Store reads and writes blobs under a single bucket.
type Store struct {
	client   Client
	uploader Uploader
	bucket   string
	log      zerolog.Logger
}

// New builds a store from the storage configuration. Missing bucket or
// credentials come back as STORAGE_BUCKET_NOT_CONFIGURED so export jobs
// fail fast instead of retrying.
func New(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*Store, error) {
	if !cfg.Configured() {
		return nil, domain.NewError(domain.ErrStorageBucketNotConfigured,
			"blob storage requires S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, manager.NewUploader(client), cfg.Bucket, log), nil
}

// NewWithClient wraps existing clients. Tests use this with fakes.
func NewWithClient(client Client, uploader Uploader, bucket string, log zerolog.Logger) *Store {
	return &Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		log:      log.With().Str("service", "blobstore").Logger(),
	}
}

// ExportPath is the canonical artifact key for an export job.
func ExportPath(route, jobID string) string {
	return fmt.Sprintf("exports/%s/%s.zip", route, jobID)
}

// ExportPrefix is the key prefix holding all of a route's artifacts.
func ExportPrefix(route string) string {
	return fmt.Sprintf("exports/%s/", route)
}

// ArchivePrefix is the key prefix holding a delivery date's archived
// blobs, the unit the purge worker erases.
func ArchivePrefix(route, date string) string {
	return fmt.Sprintf("archives/%s/%s/", route, date)
}

// Put writes the blob at key.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put blob %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int("size", len(data)).Msg("Blob stored")
	return nil
}

// Get reads the whole blob at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob at key. S3 deletes are idempotent, so a
// missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("Blob deleted")
	return nil
}

// DeletePrefix removes every blob under the prefix and returns how many
// were deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if err := s.Delete(ctx, aws.ToString(obj.Key)); err != nil {
				return deleted, err
			}
			deleted++
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if deleted > 0 {
		s.log.Info().Str("prefix", prefix).Int("deleted", deleted).Msg("Blob prefix purged")
	}
	return deleted, nil
}
