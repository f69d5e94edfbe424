package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// PutObjectAPI is the part of the S3 client the mirror uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var loadAWSConfig = awsconfig.LoadDefaultConfig

// S3Mirror uploads delivered archives to an S3-compatible bucket.
type S3Mirror struct {
	logger *logging.Logger
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Mirror builds a mirror from a job's mirror section. Static keys are
// used when both are set; otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, logger *logging.Logger, cfg config.MirrorConfig) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := loadAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3MirrorWithClient(logger, client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3MirrorWithClient wraps an existing client.
func NewS3MirrorWithClient(logger *logging.Logger, client PutObjectAPI, bucket, prefix string) *S3Mirror {
	return &S3Mirror{logger: logger, client: client, bucket: bucket, prefix: prefix}
}

// Name returns the bucket URL.
func (m *S3Mirror) Name() string {
	return "s3://" + path.Join(m.bucket, m.prefix)
}

// Key returns the object key an archive is stored under.
func (m *S3Mirror) Key(localPath string) string {
	return path.Join(m.prefix, filepath.Base(localPath))
}

// Upload stores localPath in the bucket with its SHA-256 as metadata.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	sum, err := utils.ComputeSHA256(localPath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := m.Key(localPath)
	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"sha256": sum},
	}); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}
	m.logger.Debug("Mirrored %s to s3://%s/%s (%s)", filepath.Base(localPath), m.bucket, key, utils.FormatBytes(info.Size()))
	return nil
}
