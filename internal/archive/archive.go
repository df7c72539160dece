// Package archive keeps reconciliation reports in object storage for
// compliance review.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds S3 archive configuration. Archiving is disabled when Bucket
// is empty.
type Config struct {
	Bucket          string `envconfig:"ARCHIVE_S3_BUCKET"`
	Region          string `envconfig:"ARCHIVE_S3_REGION" default:"us-east-1"`
	Endpoint        string `envconfig:"ARCHIVE_S3_ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `envconfig:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"ARCHIVE_S3_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `envconfig:"ARCHIVE_S3_USE_PATH_STYLE" default:"false"`
}

// Enabled reports whether a bucket is configured
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// S3 writes JSON documents to a bucket
type S3 struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3 creates an archive client. Static credentials are used when both
// keys are set, otherwise the default credential chain.
func NewS3(ctx context.Context, cfg Config, logger *slog.Logger) (*S3, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("report archive configured", "bucket", cfg.Bucket, "region", cfg.Region)

	return &S3{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// PutJSON stores v as a JSON object under key
func (a *S3) PutJSON(ctx context.Context, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Debug("report archived", "bucket", a.bucket, "key", key, "bytes", len(body))
	return nil
}
