// Package claims provides the in-flight claim registry: per-key mutual
// exclusion with a staleness TTL, backed by Redis. A worker claims a work
// item (or a credential) before touching it; a claim abandoned by a crashed
// process expires on its own, so the item becomes retryable again.
package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gbp-orchestrator/internal/config"
)

// Registry coordinates claims across scheduler processes.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRegistry builds a registry from config.
func NewRegistry(cfg config.Config) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRegistryWithClient(client, cfg.ClaimTTL)
}

// NewRegistryWithClient wraps an existing client, mainly for tests.
func NewRegistryWithClient(client *redis.Client, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{client: client, ttl: ttl}
}

// ItemKey names the claim guarding a single work item.
func ItemKey(itemID string) string {
	return "claim:item:" + itemID
}

// CredentialKey names the claim guarding a location's credential refresh.
func CredentialKey(locationID string) string {
	return "claim:cred:" + locationID
}

// Acquire takes the claim for owner if nobody holds it. It returns false
// when another owner already holds the claim.
func (r *Registry) Acquire(ctx context.Context, key, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the claim if owner still holds it. Releasing a claim that
// expired or was taken over is a no-op.
func (r *Registry) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// Held reports the current owner of a claim, empty when unclaimed.
func (r *Registry) Held(ctx context.Context, key string) (string, error) {
	owner, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read claim %s: %w", key, err)
	}
	return owner, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
