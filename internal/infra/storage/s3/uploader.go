package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxAttachmentBytes caps a single chat attachment.
const MaxAttachmentBytes = 25 << 20

var ErrTooLarge = errors.New("s3: attachment exceeds size limit")

type Config struct {
	Endpoint       string
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
}

// Client stores chat attachments in an S3-compatible bucket.
type Client struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	logger        *slog.Logger

	mu          sync.Mutex
	bucketReady bool
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	minioClient, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	base := strings.TrimSpace(cfg.PublicEndpoint)
	if base == "" {
		base = endpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        minioClient,
		logger:        logger,
	}, nil
}

// Upload stores the object under key and returns its public URL.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if body == nil {
		return "", errors.New("s3: body is required")
	}
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("s3: invalid object key %q", key)
	}
	if err := c.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	limited := &limitReader{r: body, left: MaxAttachmentBytes}
	info, err := c.client.PutObject(ctx, c.bucket, key, limited, -1, minio.PutObjectOptions{ContentType: contentType})
	if limited.exceeded {
		_ = c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
		return "", ErrTooLarge
	}
	if err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}
	publicURL := c.objectURL(key)
	c.logger.Info("attachment stored", "bucket", c.bucket, "key", key, "bytes", info.Size)
	return publicURL, nil
}

// ensureBucket creates the bucket with public read on first use. A failed
// attempt is retried by the next upload.
func (c *Client) ensureBucket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bucketReady {
		return nil
	}
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("s3: create bucket: %w", err)
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, c.bucket)
		if err := c.client.SetBucketPolicy(ctx, c.bucket, policy); err != nil {
			return fmt.Errorf("s3: set bucket policy: %w", err)
		}
	}
	c.bucketReady = true
	return nil
}

func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.publicBaseURL, c.bucket, key)
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

// limitReader fails the read once more than left bytes were requested.
type limitReader struct {
	r        io.Reader
	left     int64
	exceeded bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.left <= 0 {
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	return n, err
}
