package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SealKeyCache memoizes unwrapped sealing keys so linking an account does not
// hit the key provider on every request. Entries expire after ttl plus a
// deterministic jitter; concurrent unwraps of the same wrapped key collapse
// into one provider call via singleflight.
type SealKeyCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewSealKeyCache(adapter *Adapter, ttl time.Duration) *SealKeyCache {
	c := &SealKeyCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns the plaintext sealing key for a wrapped blob, consulting the
// cache first. The caller receives a private copy it may wipe.
func (c *SealKeyCache) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrapped)
	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedKey)
			entry.mu.RLock()
			expired := time.Now().After(entry.expiresAt)
			if !expired {
				out := make([]byte, len(entry.key))
				copy(out, entry.key)
				entry.mu.RUnlock()
				return out, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(cacheKey)
		}

		plain, err := c.adapter.Decrypt(ctx, wrapped)
		if err != nil {
			return nil, err
		}
		entry := &cachedKey{
			key:       append([]byte(nil), plain...),
			expiresAt: time.Now().Add(c.ttl).Add(jitterFor(cacheKey, int64(c.ttl/10))),
		}
		c.cache.Store(cacheKey, entry)

		out := make([]byte, len(plain))
		copy(out, plain)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func cacheKeyFor(wrapped []byte) string {
	h := sha256.Sum256(wrapped)
	return hex.EncodeToString(h[:])
}

func jitterFor(hashStr string, maxJitter int64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration((sum % maxJitter) * int64(time.Millisecond))
}

func (c *SealKeyCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *SealKeyCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.RLock()
		expired := now.After(entry.expiresAt)
		entry.mu.RUnlock()
		if expired {
			c.cache.Delete(key)
		}
		return true
	})
}

func (c *SealKeyCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.Lock()
		for i := range entry.key {
			entry.key[i] = 0
		}
		entry.key = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}
