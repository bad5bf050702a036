package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "greyflow:ratelimit"

// Limiter admits or rejects work for a subject.
type Limiter interface {
	AllowN(ctx context.Context, subject string, n int) (Decision, error)
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills a bucket for the elapsed time, then takes ARGV[4]
// tokens if it can. Returns {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local want = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) * rate)

local ok = 0
local wait = 0
if tokens >= want then
  tokens = tokens - want
  ok = 1
else
  wait = math.ceil((want - tokens) / rate)
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {ok, math.floor(tokens), wait}
`)

// RedisTokenBucket is a token bucket per subject kept in redis, so several
// trigger replicas share one budget.
type RedisTokenBucket struct {
	client   redis.UniversalClient
	capacity int64
	perMS    float64
	ttlMS    int64
	prefix   string
	now      func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}

	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	windowMS := max(window.Milliseconds(), 1)

	return &RedisTokenBucket{
		client:   client,
		capacity: int64(capacity),
		perMS:    float64(capacity) / float64(windowMS),
		ttlMS:    2 * windowMS,
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes n tokens at once, for example one per notification in a
// batched delivery. n is clamped to the bucket capacity.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, n int) (Decision, error) {
	want := min(int64(max(n, 1)), l.capacity)

	raw, err := takeScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.capacity, l.perMS, l.now().UTC().UnixMilli(), want, l.ttlMS,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	return decisionFrom(raw)
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.prefix + ":" + subject
}

func decisionFrom(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket reply has %d values, want 3", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
