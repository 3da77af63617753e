package whatsapp

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// SentMessageCache remembers ids of messages this process sent so their
// echoes are not forwarded as inbound traffic.
type SentMessageCache struct {
	items *cache.Cache
}

func NewSentMessageCache(ttl, cleanup time.Duration) *SentMessageCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &SentMessageCache{items: cache.New(ttl, cleanup)}
}

func dedupKey(instanceID, messageID string) string {
	return instanceID + ":" + messageID
}

// Remember records a sent message. Empty message ids are ignored.
func (c *SentMessageCache) Remember(instanceID, messageID string) {
	if messageID == "" {
		return
	}
	c.items.SetDefault(dedupKey(instanceID, messageID), struct{}{})
}

// IsEcho reports whether messageID was remembered for instanceID within the TTL.
func (c *SentMessageCache) IsEcho(instanceID, messageID string) bool {
	if messageID == "" {
		return false
	}
	_, found := c.items.Get(dedupKey(instanceID, messageID))
	return found
}

func (c *SentMessageCache) Len() int {
	return c.items.ItemCount()
}
