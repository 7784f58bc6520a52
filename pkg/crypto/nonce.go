package crypto

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// NonceCache records signature nonces so a replayed payload can be rejected.
type NonceCache interface {
	// SeenNonce reports whether the nonce was used before, and marks it used.
	SeenNonce(nonce string) (bool, error)
}

// NonceTTL is how long used nonces are remembered. Signed requests older
// than this window can be replayed, which is acceptable given token expiry.
const NonceTTL = 90 * 24 * time.Hour

const nonceKeyPrefix = "forge.signature-nonce."

// RedisNonceCache is the production nonce cache shared by all the service's
// workers.
type RedisNonceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceCache creates a nonce cache with the default TTL.
func NewRedisNonceCache(client *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{client: client, ttl: NonceTTL}
}

// SeenNonce implements NonceCache. SetNX gives a single round trip for the
// check-and-mark pair, so concurrent verifiers cannot both accept a nonce.
func (c *RedisNonceCache) SeenNonce(nonce string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	set, err := c.client.SetNX(ctx, nonceKeyPrefix+nonce, "1", c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
