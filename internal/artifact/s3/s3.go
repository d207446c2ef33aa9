// Package s3 stores artifacts in AWS S3 or an S3-compatible service
// (MinIO and similar) selected by S3_ENDPOINT.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/persistorai/custodian/internal/artifact"
	"github.com/persistorai/custodian/internal/config"
	"github.com/persistorai/custodian/internal/models"
)

func init() {
	artifact.Register("s3", func(cfg *config.Config) (artifact.Storage, error) {
		return New(context.Background(), Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID.Value(),
			SecretAccessKey: cfg.S3SecretAccessKey.Value(),
		})
	})
}

// objectAPI is the subset of the S3 client used here.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options configures the S3 backend. Empty credentials use the default AWS
// credential chain.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Storage implements artifact.Storage on an S3 bucket.
type Storage struct {
	client objectAPI
	bucket string
	prefix string
}

// New builds an S3 client from opts.
func New(ctx context.Context, opts Options) (*Storage, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}

	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}

	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newWithClient(s3.NewFromConfig(awsCfg, s3Opts...), opts.Bucket, opts.Prefix), nil
}

func newWithClient(client objectAPI, bucket, prefix string) *Storage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Storage{client: client, bucket: bucket, prefix: prefix}
}

var _ artifact.Storage = (*Storage)(nil)

func (s *Storage) objectKey(key string) (string, error) {
	if err := artifact.ValidKey(key); err != nil {
		return "", err
	}

	return s.prefix + key, nil
}

// Put uploads the object with its SHA-256 stored as object metadata.
func (s *Storage) Put(ctx context.Context, obj artifact.Object) (*models.StoredArtifact, error) {
	key, err := s.objectKey(obj.Key)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/zip"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": checksum, "tenant-id": obj.TenantID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &models.StoredArtifact{Key: obj.Key, Size: int64(len(data)), SHA256: checksum}, nil
}

// Get streams the object body.
func (s *Storage) Get(ctx context.Context, _, key string) (io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	return out.Body, nil
}

// Delete removes the object.
func (s *Storage) Delete(ctx context.Context, key string) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}); err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	return nil
}

// Exists reports whether the object is stored.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object: %w", err)
	}

	return true, nil
}
