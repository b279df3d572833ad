package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// releaseScript releases a lock only if it is still held by the caller
// that acquired it, avoiding a release racing a newer holder's lock.
var releaseScript = redis.NewScript(`
	local key = KEYS[1]
	local holder = ARGV[1]
	local current = redis.call('GET', key)
	if current == holder then
		redis.call('DEL', key)
		return 1
	end
	return 0
`)

// Redis is a distributed arbiter for lab-server mode: reservations are
// SET NX EX locks keyed by control id, so multiple orchestration
// processes sharing a device fleet never double-reserve the same device
// (invariant 5 across hosts, not just within one process).
type Redis struct {
	client     *redis.Client
	keyPrefix  string
	holderID   string
	drainingFn func(controlID string) bool
}

// NewRedis builds a Redis-backed arbiter. draining, if non-nil, is
// consulted on every Reserve call to decide whether a control id should
// be treated as draining (causing the caller's loop to exit).
func NewRedis(client *redis.Client, keyPrefix string, draining func(controlID string) bool) *Redis {
	if keyPrefix == "" {
		keyPrefix = "deviceorch:reservation:"
	}
	return &Redis{
		client:     client,
		keyPrefix:  keyPrefix,
		holderID:   uuid.NewString(),
		drainingFn: draining,
	}
}

func (r *Redis) key(controlID string) string {
	return r.keyPrefix + controlID
}

// Reserve attempts SET NX EX d on the device's lock key.
func (r *Redis) Reserve(ctx context.Context, controlID string, d time.Duration) (bool, error) {
	if r.drainingFn != nil && r.drainingFn(controlID) {
		return false, apperrors.New(apperrors.ErrCodeDraining, fmt.Sprintf("device %s is draining", controlID))
	}
	ok, err := r.client.SetNX(ctx, r.key(controlID), r.holderID, d).Result()
	if err != nil {
		logger.Component("arbiter").Warn().Str("control_id", controlID).Err(err).Msg("redis reservation attempt failed")
		return false, fmt.Errorf("redis reserve: %w", err)
	}
	return ok, nil
}

// Release deletes the lock if still held by this process.
func (r *Redis) Release(ctx context.Context, controlID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.key(controlID)}, r.holderID).Result()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	_ = res
	return nil
}

// OwnsLifecycle always returns false: the Redis arbiter only serializes
// reservations, it does not take over reboot decisions.
func (r *Redis) OwnsLifecycle(string) bool { return false }
