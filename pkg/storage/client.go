// Package storage stages images given as s3:// URLs into a local
// cache before processing.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/google/dfdewey/pkg/errors"
)

// Client downloads image objects from S3.
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// IsS3URL reports whether location names an S3 object rather than a
// local file.
func IsS3URL(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// ParseURL splits an s3://bucket/key URL into bucket and key.
func ParseURL(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	if trimmed == location {
		return "", "", errors.Wrapf(os.ErrInvalid, "not an s3 URL: %s", location)
	}
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", errors.Wrapf(os.ErrInvalid, "malformed s3 URL: %s", location)
	}
	return bucket, key, nil
}

// NewClient returns a client for anonymous access to bucket.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// DownloadResult describes a staged image.
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download fetches key into localPath, hashing the stream as it goes.
func (c *Client) Download(ctx context.Context, key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"key", key, "size_mb", size/1024/1024, "local_path", localPath, "sha256", checksum)

	return &DownloadResult{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}

// Exists checks whether key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

// Stage downloads an s3:// URL into cacheDir and returns the local
// path. A previously staged copy is reused.
func Stage(ctx context.Context, location, cacheDir, region string) (string, error) {
	bucket, key, err := ParseURL(location)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create image cache directory")
	}
	localPath := filepath.Join(cacheDir, path.Base(key))
	if _, err := os.Stat(localPath); err == nil {
		slog.Info("image_cache_hit", "location", location, "local_path", localPath)
		return localPath, nil
	}

	client, err := NewClient(ctx, bucket, region)
	if err != nil {
		return "", err
	}

	exists, err := client.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Wrapf(os.ErrNotExist, "object not found: %s", location)
	}

	result, err := client.Download(ctx, key, localPath)
	if err != nil {
		os.Remove(localPath)
		return "", err
	}
	return result.LocalPath, nil
}
