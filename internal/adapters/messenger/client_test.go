package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/apperr"
	"omnidesk/internal/models"
)

func testChannel(token string) *models.Channel {
	return &models.Channel{ID: "ch1", Type: models.ChannelMessenger, ExternalID: "PAGE1",
		Credentials: models.JSONMap{CredentialPageToken: token}}
}

func TestFetchProfileRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/v19.0/PSID1", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"PSID1","first_name":"Ana","last_name":"Lima","profile_pic":"https://pic"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v19.0", time.Second, 2, nil)
	require.NoError(t, err)

	p, err := c.FetchProfile(context.Background(), testChannel("tok"), "PSID1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", p.Name)
	assert.Equal(t, "https://pic", p.PictureURL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchProfileWithoutToken(t *testing.T) {
	c, err := NewClient("http://unused", "v19.0", time.Second, 0, nil)
	require.NoError(t, err)
	_, err = c.FetchProfile(context.Background(), testChannel(""), "PSID1")
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestSendTextIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","code":1}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v19.0", time.Second, 3, nil)
	require.NoError(t, err)
	_, err = c.SendText(context.Background(), testChannel("tok"), "PSID1", "hello")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v19.0/me/messages", r.URL.Path)
		var body sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PSID1", body.Recipient.ID)
		assert.Equal(t, "RESPONSE", body.MessagingType)
		assert.Equal(t, "hello", body.Message.Text)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"recipient_id":"PSID1","message_id":"mid.out"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "v19.0", time.Second, 0, nil)
	require.NoError(t, err)
	id, err := c.SendText(context.Background(), testChannel("tok"), "PSID1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "mid.out", id)
}
