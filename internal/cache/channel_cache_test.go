package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/models"
)

func TestChannelCache(t *testing.T) {
	cc := NewChannelCache(time.Minute)
	ch := &models.Channel{ID: "c1", Type: models.ChannelMessenger, ExternalID: "PAGE1",
		Credentials: models.JSONMap{"page_access_token": "tok"}}

	_, ok := cc.Get(models.ChannelMessenger, "PAGE1")
	assert.False(t, ok)

	cc.Set(ch)
	got, ok := cc.Get(models.ChannelMessenger, "PAGE1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "tok", got.Credential("page_access_token"))

	got.Credentials["page_access_token"] = "changed"
	again, _ := cc.Get(models.ChannelMessenger, "PAGE1")
	assert.Equal(t, "tok", again.Credential("page_access_token"))

	_, ok = cc.Get(models.ChannelInstagram, "PAGE1")
	assert.False(t, ok)

	cc.Invalidate(models.ChannelMessenger, "PAGE1")
	_, ok = cc.Get(models.ChannelMessenger, "PAGE1")
	assert.False(t, ok)
	assert.Equal(t, 0, cc.Len())
}

func TestChannelCacheExpiry(t *testing.T) {
	cc := NewChannelCache(20 * time.Millisecond)
	cc.Set(&models.Channel{ID: "c1", Type: models.ChannelWhatsApp, ExternalID: "sales"})
	time.Sleep(40 * time.Millisecond)
	_, ok := cc.Get(models.ChannelWhatsApp, "sales")
	assert.False(t, ok)
}

func TestLookupThrottle(t *testing.T) {
	lt := NewLookupThrottle(30 * time.Millisecond)

	assert.True(t, lt.Allow("ch1", "u1"))
	assert.False(t, lt.Allow("ch1", "u1"))
	assert.True(t, lt.Allow("ch1", "u2"))
	assert.True(t, lt.Allow("ch2", "u1"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, lt.Allow("ch1", "u1"))
}
