// Package media mirrors provider media into an S3 compatible bucket.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"omnidesk/config"
)

// ObjectStore is the part of the S3 API the manager needs.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Manager uploads objects and builds their public URLs.
type S3Manager struct {
	client    ObjectStore
	bucket    string
	region    string
	endpoint  string
	publicURL string
	pathStyle bool
	retention time.Duration
}

// NewS3Manager builds a client from cfg. Buckets with dots in their name
// always use path-style addressing so TLS certificates still match.
func NewS3Manager(cfg config.S3Config) (*S3Manager, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		endpoint = cleaned
	}

	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	m := newS3Manager(client, cfg)
	m.endpoint = endpoint
	m.pathStyle = pathStyle

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")
	return m, nil
}

func newS3Manager(client ObjectStore, cfg config.S3Config) *S3Manager {
	m := &S3Manager{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  cfg.Endpoint,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		pathStyle: cfg.PathStyle || strings.Contains(cfg.Bucket, "."),
	}
	if cfg.RetentionDays > 0 {
		m.retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}
	return m
}

// ObjectKey lays media out per company, direction, contact and day:
// companies/<company>/<inbox|outbox>/<contact>/<yyyy>/<mm>/<dd>/<type>/<id><ext>.
func ObjectKey(companyID, contactID, messageID, mimeType string, incoming bool, at time.Time) string {
	direction := "outbox"
	if incoming {
		direction = "inbox"
	}
	contactID = strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(contactID)
	at = at.UTC()

	return fmt.Sprintf("companies/%s/%s/%s/%s/%s/%s/%s/%s%s",
		companyID,
		direction,
		contactID,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		folderFor(mimeType),
		messageID,
		extensionFor(mimeType),
	)
}

func folderFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "documents"
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	}
	return ".bin"
}

// Upload stores data under key.
func (m *S3Manager) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if m.retention > 0 {
		input.Expires = aws.Time(time.Now().Add(m.retention))
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", m.bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().
		Str("key", key).
		Str("bucket", m.bucket).
		Str("mimeType", mimeType).
		Int("size", len(data)).
		Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL returns where key can be fetched from.
func (m *S3Manager) PublicURL(key string) string {
	if m.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", m.publicURL, m.bucket, key)
	}

	if m.endpoint != "" && !strings.Contains(m.endpoint, "amazonaws.com") {
		if m.pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.endpoint, "/"), m.bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(m.endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", m.bucket, strings.TrimRight(host, "/"), key)
	}

	if m.pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.region, m.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.bucket, m.region, key)
}

// TestConnection lists at most one object to check bucket access.
func (m *S3Manager) TestConnection(ctx context.Context) error {
	_, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(m.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}
