//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient)
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "POST /auth/login"); err != nil || ok {
		t.Fatalf("Load() on empty store = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	now := time.Now().Truncate(time.Millisecond)
	entry := Entry{
		Remaining:  12,
		Limit:      30,
		ResetAt:    now.Add(time.Minute),
		LastUpdate: now,
	}
	if err := store.Save(ctx, "POST /auth/login", entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := store.Load(ctx, "POST /auth/login")
	if err != nil || !ok {
		t.Fatalf("Load() = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if got.Remaining != 12 || got.Limit != 30 {
		t.Errorf("Load() = %+v, want remaining 12 limit 30", got)
	}
	if !got.ResetAt.Equal(entry.ResetAt) {
		t.Errorf("ResetAt = %v, want %v", got.ResetAt, entry.ResetAt)
	}

	ttl, err := redisClient.PTTL(ctx, RedisKeyPrefix+"POST /auth/login").Result()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("key TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestTracker_Integration_SharedQuota(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	rules := []*Rule{NewRule("/auth/refresh", http.MethodPost, 2, time.Minute)}
	ctx := context.Background()

	// Two trackers on the same Redis behave like two processes sharing one address.
	first := NewTracker(rules, NewRedisStore(redisClient), testLogger())
	second := NewTracker(rules, NewRedisStore(redisClient), testLogger())

	if wait, _, err := first.Check(ctx, "/auth/refresh", http.MethodPost); err != nil || wait != 0 {
		t.Fatalf("first.Check() = (%v, %v), want (0, nil)", wait, err)
	}
	if wait, _, err := second.Check(ctx, "/auth/refresh", http.MethodPost); err != nil || wait != 0 {
		t.Fatalf("second.Check() = (%v, %v), want (0, nil)", wait, err)
	}

	wait, _, err := first.Check(ctx, "/auth/refresh", http.MethodPost)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if wait <= 0 {
		t.Errorf("third Check() wait = %v, want > 0 once the shared quota is spent", wait)
	}
}

func TestTracker_Integration_UpdateFromHeaders(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	rules := []*Rule{NewRule("/auth/login", http.MethodPost, 30, time.Hour)}
	tracker := NewTracker(rules, NewRedisStore(redisClient), testLogger())
	ctx := context.Background()

	reset := time.Now().Add(10 * time.Minute).Unix()
	headers := http.Header{}
	headers.Set(HeaderLimit, "30")
	headers.Set(HeaderRemaining, "0")
	headers.Set(HeaderRetryAfter, strconv.FormatInt(reset, 10))

	if err := tracker.Update(ctx, rules[0], headers); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wait, _, err := tracker.Check(ctx, "/auth/login", http.MethodPost)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if wait < 9*time.Minute || wait > 10*time.Minute {
		t.Errorf("Check() wait = %v, want about 10m", wait)
	}
}
