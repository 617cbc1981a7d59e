// Package cache holds advisory in-process lookups. Nothing here is
// authoritative; callers fall back to the store on a miss.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"omnidesk/internal/models"
)

// ChannelCache maps (type, external id) to a resolved channel.
type ChannelCache struct {
	c *gocache.Cache
}

func NewChannelCache(ttl time.Duration) *ChannelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChannelCache{c: gocache.New(ttl, 2*ttl)}
}

func channelKey(t models.ChannelType, externalID string) string {
	return string(t) + ":" + externalID
}

// Get returns a copy so callers can't mutate the cached value.
func (cc *ChannelCache) Get(t models.ChannelType, externalID string) (*models.Channel, bool) {
	v, ok := cc.c.Get(channelKey(t, externalID))
	if !ok {
		return nil, false
	}
	ch := v.(models.Channel)
	ch.Credentials = ch.Credentials.Clone()
	return &ch, true
}

func (cc *ChannelCache) Set(ch *models.Channel) {
	cp := *ch
	cp.Credentials = ch.Credentials.Clone()
	cc.c.SetDefault(channelKey(ch.Type, ch.ExternalID), cp)
}

func (cc *ChannelCache) Invalidate(t models.ChannelType, externalID string) {
	cc.c.Delete(channelKey(t, externalID))
}

func (cc *ChannelCache) Len() int {
	return cc.c.ItemCount()
}

// LookupThrottle remembers recent profile lookups so a sender whose profile
// can't be fetched is not looked up again on every message.
type LookupThrottle struct {
	c *gocache.Cache
}

func NewLookupThrottle(interval time.Duration) *LookupThrottle {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LookupThrottle{c: gocache.New(interval, 2*interval)}
}

// Allow reports whether a lookup for (channelID, userID) may run now and, if
// so, claims the slot until the interval passes.
func (lt *LookupThrottle) Allow(channelID, userID string) bool {
	return lt.c.Add(channelID+":"+userID, struct{}{}, gocache.DefaultExpiration) == nil
}
