package evolution

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/apperr"
	"omnidesk/internal/models"
	"omnidesk/pkg/httputil"
)

// Channel credentials read by the client.
const (
	CredentialAPIKey   = "api_key"
	CredentialInstance = "instance"
	CredentialBaseURL  = "base_url"
)

// Client talks to one or more Evolution API servers. The server and key are
// taken from the channel's credentials; defaultBaseURL covers channels that
// don't name a server.
type Client struct {
	lookup         *resty.Client
	send           *resty.Client
	defaultBaseURL string
	limiter        *httputil.Limiter
}

func NewClient(defaultBaseURL string, timeout time.Duration, retries int, limiter *httputil.Limiter) *Client {
	if limiter == nil {
		limiter = httputil.NewLimiter(0, 1)
	}
	log.Info().Str("defaultBaseURL", defaultBaseURL).Msg("Evolution API client configured")
	return &Client{
		lookup:         httputil.NewClient(httputil.ClientOptions{Timeout: timeout, Retries: retries}),
		send:           httputil.NewClient(httputil.ClientOptions{Timeout: 15 * time.Second}),
		defaultBaseURL: strings.TrimRight(defaultBaseURL, "/"),
		limiter:        limiter,
	}
}

type target struct {
	baseURL  string
	instance string
	apiKey   string
}

func (c *Client) target(op string, channel *models.Channel) (*target, error) {
	t := &target{
		baseURL:  strings.TrimRight(channel.Credential(CredentialBaseURL), "/"),
		instance: channel.Credential(CredentialInstance),
		apiKey:   channel.Credential(CredentialAPIKey),
	}
	if t.baseURL == "" {
		t.baseURL = c.defaultBaseURL
	}
	if t.instance == "" {
		t.instance = channel.ExternalID
	}
	switch {
	case t.baseURL == "":
		return nil, apperr.Configuration(op, "channel "+channel.ID+" has no Evolution base_url")
	case t.apiKey == "":
		return nil, apperr.Configuration(op, "channel "+channel.ID+" has no Evolution api_key")
	}
	return t, nil
}

// FetchProfile returns the contact's profile picture. WhatsApp names only
// arrive as pushName on messages, so Name stays empty.
func (c *Client) FetchProfile(ctx context.Context, channel *models.Channel, userID string) (*models.Profile, error) {
	t, err := c.target("evolution.FetchProfile", channel)
	if err != nil {
		return nil, err
	}

	var result profilePictureResponse
	resp, err := c.lookup.R().
		SetContext(ctx).
		SetHeader("apikey", t.apiKey).
		SetBody(profilePictureRequest{Number: userID}).
		SetResult(&result).
		Post(t.baseURL + "/chat/fetchProfilePictureUrl/" + url.PathEscape(t.instance))
	if err != nil {
		return nil, apperr.Upstream("evolution.FetchProfile", err)
	}
	if resp.IsError() {
		return nil, apperr.Upstream("evolution.FetchProfile",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return &models.Profile{PictureURL: result.ProfilePictureURL}, nil
}

// SendText sends a text message to a phone number and returns its WhatsApp id.
func (c *Client) SendText(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	t, err := c.target("evolution.SendText", channel)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx, channel.ID); err != nil {
		return "", apperr.Upstream("evolution.SendText", fmt.Errorf("rate limit wait: %w", err))
	}

	var result sendTextResponse
	resp, err := c.send.R().
		SetContext(ctx).
		SetHeader("apikey", t.apiKey).
		SetBody(sendTextRequest{Number: recipientID, Text: text}).
		SetResult(&result).
		Post(t.baseURL + "/message/sendText/" + url.PathEscape(t.instance))
	if err != nil {
		return "", apperr.Upstream("evolution.SendText", err)
	}
	if resp.IsError() {
		log.Error().Int("statusCode", resp.StatusCode()).Str("channelID", channel.ID).
			Str("responseBody", resp.String()).Msg("Evolution sendText returned an error")
		return "", apperr.Upstream("evolution.SendText",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}

	log.Info().Str("channelID", channel.ID).Str("messageID", result.Key.ID).Msg("Sent WhatsApp reply")
	return result.Key.ID, nil
}
