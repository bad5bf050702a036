package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, window time.Duration) (*RedisTokenBucket, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bucket, err := NewRedisTokenBucket(client, capacity, window, "")
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }
	return bucket, &now
}

func TestTokenBucketRejectsAfterCapacityAndRefills(t *testing.T) {
	ctx := context.Background()
	bucket, now := newTestBucket(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		d, err := bucket.Allow(ctx, "eventgrid")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	d, err := bucket.Allow(ctx, "eventgrid")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", d.RetryAfter)
	}

	*now = now.Add(20 * time.Second)
	d, err = bucket.Allow(ctx, "eventgrid")
	if err != nil {
		t.Fatalf("allow after refill: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected a token to be refilled after a third of the window")
	}
}

func TestTokenBucketSubjectsAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 1, time.Minute)

	if d, _ := bucket.Allow(ctx, "minio"); !d.Allowed {
		t.Fatal("first minio request should be allowed")
	}
	if d, _ := bucket.Allow(ctx, "minio"); d.Allowed {
		t.Fatal("second minio request should be rejected")
	}
	if d, _ := bucket.Allow(ctx, "cloudevents"); !d.Allowed {
		t.Fatal("other subjects keep their own budget")
	}
}

func TestTokenBucketAllowNConsumesBatch(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 10, time.Minute)

	d, err := bucket.AllowN(ctx, "batch", 8)
	if err != nil {
		t.Fatalf("allow n: %v", err)
	}
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected 2 remaining, got %+v", d)
	}
	if d, _ := bucket.AllowN(ctx, "batch", 3); d.Allowed {
		t.Fatal("batch larger than the remaining budget should be rejected")
	}
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 1, time.Second, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Second, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 1, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}
}

func TestTokenBucketClampsOversizedBatch(t *testing.T) {
	bucket, _ := newTestBucket(t, 4, time.Minute)

	d, err := bucket.AllowN(context.Background(), "huge", 50)
	if err != nil {
		t.Fatalf("allow n: %v", err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected a full bucket to admit a clamped batch, got %+v", d)
	}
}

func TestDecisionFromRejectsShortReply(t *testing.T) {
	if _, err := decisionFrom([]int64{1, 2}); err == nil {
		t.Fatal("expected error for a two-value reply")
	}
}
