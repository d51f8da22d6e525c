// Package storage fetches kernel_config artifacts from an S3 mirror when
// they are missing from the local workspace.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
)

// Client provides read-only access to the config mirror bucket
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("mirror_client_init", "bucket", bucket, "region", region)

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

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download fetches an object from the mirror and computes its SHA256
func (c *Client) Download(ctx context.Context, key, localPath string) (*DownloadResult, error) {
	slog.Info("mirror_download_start", "bucket", c.bucket, "key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("mirror_get_object_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from mirror")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	writer := io.MultiWriter(f, hash)

	size, err := io.Copy(writer, result.Body)
	if err != nil {
		slog.Error("mirror_download_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("mirror_download_complete",
		"key", key,
		"size", size,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// Exists checks if an object exists in the mirror bucket
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			slog.Info("mirror_object_not_found", "key", key)
			return false, nil
		}
		slog.Error("mirror_head_object_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	slog.Info("mirror_object_exists", "key", key)
	return true, nil
}
