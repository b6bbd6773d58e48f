package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tapeshchavle/sentinai/internal/logging"
)

// key space prefixes, kept distinct so the three logically
// independent maps can share one Redis keyspace without collision,
// since a single Redis instance or cluster is shared fleet-wide.
const (
	blockPrefix   = "sentinai:block:"
	counterPrefix = "sentinai:counter:"
	kvPrefix      = "sentinai:kv:"
)

// incrementScript implements IncrementCounter's "reset-if-expired,
// otherwise atomically add one" semantics as a single round trip. A
// plain INCR+EXPIRE pair would not be atomic with the window reset:
// two concurrent callers racing the first increment on a fresh key
// could both attempt to set the expiry, or one could crash between
// the two calls and leave the counter permanent.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Redis is a fleet-shared decision store backed by a single Redis
// client.
type Redis struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedis connects to the Redis instance described by redisURL. The
// connection is tested with a Ping before returning, matching
// memory.NewRedisMemory's fail-fast construction.
func NewRedis(redisURL string, logger logging.Logger) (*Redis, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("decision store connected to redis", map[string]interface{}{"url": redisURL})
	return &Redis{client: client, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) IsBlocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, blockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking block %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Block(ctx context.Context, key, reason string, duration time.Duration) error {
	fullKey := blockPrefix + key
	if duration <= 0 {
		if err := r.client.Set(ctx, fullKey, reason, 0).Err(); err != nil {
			return fmt.Errorf("blocking %q: %w", key, err)
		}
		return nil
	}
	if err := r.client.Set(ctx, fullKey, reason, duration).Err(); err != nil {
		return fmt.Errorf("blocking %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Unblock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, blockPrefix+key).Err(); err != nil {
		return fmt.Errorf("unblocking %q: %w", key, err)
	}
	return nil
}

func (r *Redis) GetAllBlocked(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	iter := r.client.Scan(ctx, 0, blockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		val, err := r.client.Get(ctx, fullKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("scanning blocks: %w", err)
		}
		out[fullKey[len(blockPrefix):]] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning blocks: %w", err)
	}
	return out, nil
}

func (r *Redis) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := counterPrefix + key
	res, err := incrementScript.Run(ctx, r.client, []string{fullKey}, strconv.FormatInt(window.Milliseconds(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %q: %w", key, err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("incrementing counter %q: unexpected script result %T", key, res)
	}
	return n, nil
}

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, counterPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading counter %q: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %q: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, kvPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing key %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, kvPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return val, true, nil
}
