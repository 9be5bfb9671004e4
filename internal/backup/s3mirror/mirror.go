// Package s3mirror copies backup snapshots to an S3-compatible bucket.
package s3mirror

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tasksheet/internal/backup"
)

// Config holds the bucket coordinates. Credentials come from the default chain.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, e.g. MinIO
	Prefix    string
	PathStyle bool
}

// Mirror implements backup.Mirror on top of S3.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ backup.Mirror = (*Mirror)(nil)

// New creates a Mirror from Config.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Mirror {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Mirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *Mirror) key(name string) string { return m.prefix + name }

// Put uploads one snapshot.
func (m *Mirror) Put(ctx context.Context, name string, r io.Reader) error {
	key := m.key(name)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.bucket,
		Key:         &key,
		Body:        r,
		ContentType: aws.String("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// List returns the object names of stem's snapshots, oldest first.
func (m *Mirror) List(ctx context.Context, stem, ext string) ([]string, error) {
	prefix := m.key(stem + "-")
	var (
		names []string
		token *string
	)
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &m.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if backup.BelongsTo(name, stem, ext) {
				names = append(names, name)
			}
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(names)
	return names, nil
}

// Prune deletes the oldest snapshots of stem beyond keep.
func (m *Mirror) Prune(ctx context.Context, stem, ext string, keep int) error {
	names, err := m.List(ctx, stem, ext)
	if err != nil {
		return err
	}
	for i := 0; i < len(names)-keep; i++ {
		key := m.key(names[i])
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &m.bucket, Key: &key}); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
