package media

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"omnidesk/internal/models"
	"omnidesk/pkg/httputil"
)

// DefaultMaxBytes caps a single mirrored file.
const DefaultMaxBytes = 25 << 20

// Uploader is satisfied by *S3Manager.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
	PublicURL(key string) string
}

// MetadataWriter records where the media ended up.
type MetadataWriter interface {
	MergeMessageMetadata(ctx context.Context, id string, patch map[string]any) error
}

// Mirror copies message media into the bucket.
type Mirror struct {
	uploader Uploader
	meta     MetadataWriter
	http     *resty.Client
	maxBytes int
}

func NewMirror(uploader Uploader, meta MetadataWriter, timeout time.Duration) (*Mirror, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata writer cannot be nil")
	}
	return &Mirror{
		uploader: uploader,
		meta:     meta,
		http:     httputil.NewClient(httputil.ClientOptions{Timeout: timeout, Retries: 2}),
		maxBytes: DefaultMaxBytes,
	}, nil
}

// MirrorMessage downloads sourceURL (http(s) or data: URL), uploads it and
// annotates the message metadata with mirror_url and, for images,
// thumbnail_url.
func (m *Mirror) MirrorMessage(ctx context.Context, conv *models.Conversation, msg *models.Message, sourceURL string) error {
	data, mimeType, err := m.fetch(ctx, sourceURL)
	if err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = msg.Metadata.String("mime_type")
	}
	if len(data) > m.maxBytes {
		log.Warn().Str("messageID", msg.ID).Int("size", len(data)).Int("max", m.maxBytes).Msg("Media too large to mirror, skipping")
		return nil
	}

	key := ObjectKey(conv.CompanyID, msg.ContactID, msg.ID, mimeType, msg.Direction == models.DirectionIncoming, msg.Timestamp)
	if err := m.uploader.Upload(ctx, key, data, mimeType); err != nil {
		return err
	}
	patch := map[string]any{
		"mirror_url": m.uploader.PublicURL(key),
		"mirror_key": key,
		"size":       len(data),
	}

	if strings.HasPrefix(mimeType, "image/") {
		if thumb, err := Thumbnail(data); err != nil {
			log.Warn().Err(err).Str("messageID", msg.ID).Msg("Failed to build thumbnail")
		} else {
			thumbKey := strings.TrimSuffix(key, extensionFor(mimeType)) + "_thumb.jpg"
			if err := m.uploader.Upload(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
				log.Warn().Err(err).Str("messageID", msg.ID).Msg("Failed to upload thumbnail")
			} else {
				patch["thumbnail_url"] = m.uploader.PublicURL(thumbKey)
			}
		}
	}

	if err := m.meta.MergeMessageMetadata(ctx, msg.ID, patch); err != nil {
		return fmt.Errorf("record mirror location: %w", err)
	}
	log.Info().Str("messageID", msg.ID).Str("key", key).Msg("Media mirrored")
	return nil
}

func (m *Mirror) fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	if strings.HasPrefix(sourceURL, "data:") {
		du, err := dataurl.DecodeString(sourceURL)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return du.Data, du.ContentType(), nil
	}

	resp, err := m.http.R().SetContext(ctx).Get(sourceURL)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode())
	}
	mimeType := ""
	if ct := resp.Header().Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
			mimeType = mt
		}
	}
	return resp.Body(), mimeType, nil
}
