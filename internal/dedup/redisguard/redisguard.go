// Package redisguard closes the window between the stored-trigger dedup scan
// and the trigger insert across evaluations and replicas with a Redis claim.
package redisguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// DefaultPrefix namespaces claim keys.
const DefaultPrefix = "tripwire:dedup:"

// releaseScript deletes the key only while it still holds this owner's value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard claims dedup keys with SET NX PX.
type Guard struct {
	client redis.Cmdable
	prefix string
	owner  string
}

// New creates a Guard on client. owner is stored as the key value to help
// operators see which replica raised a trigger.
func New(client redis.Cmdable, owner string) *Guard {
	return &Guard{client: client, prefix: DefaultPrefix, owner: owner}
}

// Connect parses redisURL, pings the server and returns the client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Key returns the claim key for an event type and error code.
func (g *Guard) Key(eventType event.Type, errorCode string) string {
	return g.prefix + string(eventType) + ":" + errorCode
}

// Claim reports whether this caller won the key for ttl. A false result
// means another evaluation raised the same trigger within ttl.
func (g *Guard) Claim(ctx context.Context, eventType event.Type, errorCode string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := g.client.SetNX(ctx, g.Key(eventType, errorCode), g.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

// Release drops a claim held by this owner. A key that expired or was
// claimed by another owner is left alone.
func (g *Guard) Release(ctx context.Context, eventType event.Type, errorCode string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.Key(eventType, errorCode)}, g.owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
