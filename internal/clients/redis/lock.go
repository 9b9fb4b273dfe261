package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/rollout"
)

// releaseScript deletes the lock key only when it still holds our token, so
// a lock that expired and was re-acquired elsewhere is never released by the
// original holder.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type advanceLocker struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

// NewAdvanceLocker returns a Redis-backed rollout.AdvanceLocker using
// SET NX PX, which serializes rollout evaluation per actor definition across
// worker processes.
func NewAdvanceLocker(log *logger.Logger, rdb *goredis.Client) (rollout.AdvanceLocker, error) {
	if log == nil || rdb == nil {
		return nil, fmt.Errorf("logger and redis client required")
	}
	return &advanceLocker{
		log:    log.With("service", "RedisAdvanceLocker"),
		rdb:    rdb,
		prefix: "rollout:advance-lock:",
	}, nil
}

func (l *advanceLocker) Acquire(ctx context.Context, actorDefinitionID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := l.prefix + actorDefinitionID.String()
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire advance lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.log.Warn("Failed to release advance lock; key will expire", "key", key, "error", err)
		}
	}
	return release, true, nil
}
