package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds connection settings for the artifact bucket.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
}

// LoadS3ConfigFromEnv reads S3_* (falling back to AWS_*) variables through lookup.
// Leaving both keys unset selects the default AWS credential chain.
func LoadS3ConfigFromEnv(lookup func(string) string) (S3Config, error) {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := lookup(k); v != "" {
				return v
			}
		}
		return ""
	}

	cfg := S3Config{
		AccessKeyID:     first("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"),
		SecretAccessKey: first("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"),
		Endpoint:        first("S3_ENDPOINT", "AWS_ENDPOINT_URL"),
		Region:          first("S3_REGION", "AWS_REGION"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return cfg, errors.New("S3 access key id and secret access key must be set together")
	}
	return cfg, nil
}

// ParseS3URI splits s3://bucket/prefix into its bucket and key prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// S3PutAPI is the subset of the S3 client used for uploads.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Publisher uploads report artifacts to an S3 bucket under a key prefix.
type Publisher struct {
	log    *slog.Logger
	client S3PutAPI
	bucket string
	prefix string
}

// NewPublisher builds a Publisher for artifactURI (s3://bucket/prefix).
func NewPublisher(ctx context.Context, log *slog.Logger, artifactURI string, cfg S3Config) (*Publisher, error) {
	bucket, prefix, err := ParseS3URI(artifactURI)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "http://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewPublisherWithClient(log, client, bucket, prefix), nil
}

func NewPublisherWithClient(log *slog.Logger, client S3PutAPI, bucket, prefix string) *Publisher {
	return &Publisher{log: log, client: client, bucket: bucket, prefix: prefix}
}

// Publish uploads the file at localPath and returns its s3:// location.
func (p *Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	key := filepath.Base(localPath)
	if p.prefix != "" {
		key = path.Join(p.prefix, key)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, p.bucket, key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.log.Info("report: published artifact", "path", localPath, "location", location)
	return location, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}
