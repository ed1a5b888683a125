package work

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"review-batch-runner/internal/config"
)

// Uploader stores processed post media and returns a public URL/path for the
// published post to reference.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaPipeline downloads, normalizes, and stores photos attached to posts.
// GBP rejects oversized uploads, so photos are resized down to MaxWidth and
// re-encoded before storage.
type MediaPipeline struct {
	httpClient *http.Client
	uploader   Uploader
	maxBytes   int64
	maxWidth   int
}

// NewMediaPipeline chooses an uploader (S3 when a bucket is configured, local
// directory otherwise) and wires the download limits from config.
func NewMediaPipeline(ctx context.Context, cfg config.Config) (*MediaPipeline, error) {
	var uploader Uploader = &localUploader{baseDir: cfg.MediaOutputDir}
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	maxWidth := cfg.MediaMaxWidth
	if maxWidth == 0 {
		maxWidth = 1200
	}

	return &MediaPipeline{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		uploader:   uploader,
		maxBytes:   maxBytes,
		maxWidth:   maxWidth,
	}, nil
}

// NewMediaPipelineWithUploader is the test seam for injecting an uploader.
func NewMediaPipelineWithUploader(uploader Uploader, maxBytes int64, maxWidth int) *MediaPipeline {
	return &MediaPipeline{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		uploader:   uploader,
		maxBytes:   maxBytes,
		maxWidth:   maxWidth,
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3Path,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3Path
	}), nil
}

// Stage fetches the photo at sourceURL, resizes it to fit the width limit,
// and uploads it under key. It returns the stored media URL.
func (p *MediaPipeline) Stage(ctx context.Context, sourceURL, key string) (string, error) {
	data, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode photo: %w", err)
	}
	if img.Bounds().Dx() > p.maxWidth {
		img = imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos)
	}

	format := imaging.JPEG
	contentType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(key), ".png") {
		format = imaging.PNG
		contentType = "image/png"
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode photo: %w", err)
	}

	url, err := p.uploader.Upload(ctx, sanitizeKey(key), buf.Bytes(), contentType)
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	return url, nil
}

func (p *MediaPipeline) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download photo: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, p.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, fmt.Errorf("photo too large (>%d bytes)", p.maxBytes)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
