package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"omnidesk/pkg/httputil"
)

// WebhookPublisher posts events to a subscriber URL, as a JSON body or as a
// form with the event in the jsonData field.
type WebhookPublisher struct {
	client *resty.Client
	url    string
	format string
}

func NewWebhookPublisher(url, format string, timeout time.Duration) (*WebhookPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("events webhook URL cannot be empty")
	}
	if format != "form" {
		format = "json"
	}
	log.Info().Str("url", url).Str("format", format).Msg("Events webhook configured")
	return &WebhookPublisher{
		client: httputil.NewClient(httputil.ClientOptions{Timeout: timeout}),
		url:    url,
		format: format,
	}, nil
}

func (w *WebhookPublisher) Name() string { return "webhook" }

func (w *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	req := w.client.R().SetContext(ctx).SetHeader("X-Event-Type", ev.Type)

	if w.format == "json" {
		req.SetHeader("Content-Type", "application/json").SetBody(ev)
	} else {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		req.SetFormData(map[string]string{
			"jsonData":  string(body),
			"type":      ev.Type,
			"companyID": ev.CompanyID,
		})
	}

	resp, err := req.Post(w.url)
	if err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Str("url", w.url).Msg("Events webhook delivery failed")
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("events webhook returned status %d", resp.StatusCode())
	}
	log.Debug().Str("eventID", ev.ID).Str("url", w.url).Msg("Events webhook delivered")
	return nil
}
