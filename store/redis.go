package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// saveScript atomically replaces a stored window unless the stored one is newer,
// then refreshes the key's expiration. Window starts are unix microseconds so
// they compare exactly as Lua numbers. Returns 1 when written, 0 when skipped.
var saveScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'window_start')
if start then
    local hits = tonumber(redis.call('HGET', KEYS[1], 'hits') or '0')
    local new_start = tonumber(ARGV[2])
    start = tonumber(start)
    if new_start < start or (new_start == start and tonumber(ARGV[1]) < hits) then
        return 0
    end
end
redis.call('HSET', KEYS[1], 'hits', ARGV[1], 'window_start', ARGV[2], 'window_ms', ARGV[3], 'limit', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Redis is a Redis-backed RateLimitStore suitable for multi-instance deployments.
// Each window is a hash that expires once it can no longer affect an admission.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "tally:ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error
// wrapping ErrUnavailable if the connection cannot be established within 5 seconds.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "tally:ratelimit:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w: %w", ErrUnavailable, err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// LoadRateLimit reads the stored window for key. Returns nil, nil when the key
// does not exist or has expired.
func (r *Redis) LoadRateLimit(ctx context.Context, key RateLimitKey) (*RateLimitEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	fields, err := r.client.HGetAll(ctx, r.prefix+key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load rate limit: %w: %w", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	hits, err := strconv.ParseInt(fields["hits"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load rate limit: invalid hits %q: %w", fields["hits"], err)
	}
	startMicros, err := strconv.ParseInt(fields["window_start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load rate limit: invalid window_start %q: %w", fields["window_start"], err)
	}
	windowMillis, err := strconv.ParseInt(fields["window_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load rate limit: invalid window_ms %q: %w", fields["window_ms"], err)
	}
	limit, err := strconv.ParseInt(fields["limit"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load rate limit: invalid limit %q: %w", fields["limit"], err)
	}

	return &RateLimitEntry{
		Hits:        hits,
		WindowStart: time.UnixMicro(startMicros),
		Window:      time.Duration(windowMillis) * time.Millisecond,
		Limit:       limit,
	}, nil
}

// SaveRateLimit writes entry through saveScript. The key expires two windows
// after the save, long enough to outlive the window it describes.
func (r *Redis) SaveRateLimit(ctx context.Context, key RateLimitKey, entry RateLimitEntry) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ttl := max(2*entry.Window, time.Second)
	args := []any{
		entry.Hits,
		entry.WindowStart.UnixMicro(),
		entry.Window.Milliseconds(),
		entry.Limit,
		ttl.Milliseconds(),
	}
	if err := saveScript.Run(ctx, r.client, []string{r.prefix + key.String()}, args...).Err(); err != nil {
		return fmt.Errorf("redis save rate limit: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
