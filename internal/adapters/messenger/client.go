package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/apperr"
	"omnidesk/internal/models"
	"omnidesk/pkg/httputil"
)

// CredentialPageToken is the channel credential holding the page access token.
const CredentialPageToken = "page_access_token"

// Client talks to the Graph API for Messenger and Instagram channels.
type Client struct {
	lookup  *resty.Client
	send    *resty.Client
	version string
	limiter *httputil.Limiter
}

// NewClient creates a Graph API client. Profile lookups are retried up to
// retries times; sends are never retried.
func NewClient(baseURL, version string, timeout time.Duration, retries int, limiter *httputil.Limiter) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Graph API baseURL cannot be empty")
	}
	if version == "" {
		return nil, fmt.Errorf("Graph API version cannot be empty")
	}
	if limiter == nil {
		limiter = httputil.NewLimiter(0, 1)
	}

	log.Info().Str("baseURL", baseURL).Str("version", version).Int("lookupRetries", retries).Msg("Graph API client configured")

	return &Client{
		lookup:  httputil.NewClient(httputil.ClientOptions{BaseURL: baseURL, Timeout: timeout, Retries: retries}),
		send:    httputil.NewClient(httputil.ClientOptions{BaseURL: baseURL, Timeout: 10 * time.Second}),
		version: version,
		limiter: limiter,
	}, nil
}

// FetchProfile looks up a user's name and picture by page-scoped id.
func (c *Client) FetchProfile(ctx context.Context, channel *models.Channel, userID string) (*models.Profile, error) {
	token := channel.Credential(CredentialPageToken)
	if token == "" {
		return nil, apperr.Configuration("messenger.FetchProfile", "channel "+channel.ID+" has no page access token")
	}

	fields := "first_name,last_name,profile_pic"
	if channel.Type == models.ChannelInstagram {
		fields = "name,username,profile_pic"
	}

	var profile Profile
	var gerr graphError
	resp, err := c.lookup.R().
		SetContext(ctx).
		SetQueryParam("fields", fields).
		SetQueryParam("access_token", token).
		SetResult(&profile).
		SetError(&gerr).
		Get(fmt.Sprintf("/%s/%s", c.version, userID))
	if err != nil {
		return nil, apperr.Upstream("messenger.FetchProfile", err)
	}
	if resp.IsError() {
		return nil, apperr.Upstream("messenger.FetchProfile",
			fmt.Errorf("status %d: %s", resp.StatusCode(), gerr.Error.Message))
	}

	log.Debug().Str("userID", userID).Str("channelID", channel.ID).Msg("Fetched Graph API profile")
	return &models.Profile{Name: profile.DisplayName(), PictureURL: profile.ProfilePic}, nil
}

// SendText sends a text reply and returns the provider message id.
func (c *Client) SendText(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	token := channel.Credential(CredentialPageToken)
	if token == "" {
		return "", apperr.Configuration("messenger.SendText", "channel "+channel.ID+" has no page access token")
	}
	if err := c.limiter.Wait(ctx, channel.ID); err != nil {
		return "", apperr.Upstream("messenger.SendText", fmt.Errorf("rate limit wait: %w", err))
	}

	var result sendResponse
	var gerr graphError
	resp, err := c.send.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(sendRequest{
			Recipient:     Party{ID: recipientID},
			MessagingType: "RESPONSE",
			Message:       sendMessageBody{Text: text},
		}).
		SetResult(&result).
		SetError(&gerr).
		Post(fmt.Sprintf("/%s/me/messages", c.version))
	if err != nil {
		return "", apperr.Upstream("messenger.SendText", err)
	}
	if resp.IsError() {
		log.Error().Int("statusCode", resp.StatusCode()).Str("channelID", channel.ID).
			Str("error", gerr.Error.Message).Msg("Graph API send returned an error")
		return "", apperr.Upstream("messenger.SendText",
			fmt.Errorf("status %d: %s", resp.StatusCode(), gerr.Error.Message))
	}

	log.Info().Str("channelID", channel.ID).Str("messageID", result.MessageID).Msg("Sent Messenger reply")
	return result.MessageID, nil
}
