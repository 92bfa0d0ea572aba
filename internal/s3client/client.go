// Package s3client stores analytics events PostHog refused. Any
// S3-compatible endpoint works (AWS, R2, Tigris, MinIO).
package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound reports a key with no object behind it.
var ErrNotFound = errors.New("s3client: no such key")

// deleteBatch is the DeleteObjects request ceiling.
const deleteBatch = 1000

// Config selects the bucket and, optionally, a non-AWS endpoint.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string // empty: default credential chain
	SecretAccessKey string
	Bucket          string
	// Prefix is prepended to every key, so several relays can share a bucket.
	Prefix    string
	PathStyle bool
}

// Bucket is one bucket plus an optional key prefix.
type Bucket struct {
	api    *s3.Client
	name   string
	prefix string
}

// Open loads AWS configuration and returns the bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3client: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3client: load aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return Wrap(api, cfg.Bucket, cfg.Prefix), nil
}

// Wrap binds an existing SDK client to a bucket.
func Wrap(api *s3.Client, bucket, prefix string) *Bucket {
	return &Bucket{api: api, name: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name is the bucket name.
func (b *Bucket) Name() string { return b.name }

func (b *Bucket) full(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *Bucket) rel(key string) string {
	if b.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, b.prefix+"/")
}

// PutObject writes a private object.
func (b *Bucket) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(b.full(key)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3client: put %s: %w", key, err)
	}
	return nil
}

// Fetch reads an object. Missing keys return ErrNotFound.
func (b *Bucket) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.full(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3client: get %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3client: read %s: %w", key, err)
	}
	return body, nil
}

// Keys lists every key under prefix, relative to the bucket prefix.
func (b *Bucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(b.full(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3client: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, b.rel(aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

// Remove deletes keys in batches. Keys that do not exist are not an error.
func (b *Bucket) Remove(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(b.full(k))})
		}
		out, err := b.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.name),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3client: delete %d keys: %w", len(ids), err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("s3client: delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}
