package auth

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"streamcast/internal/testsupport/redisstub"
)

func newStubClient(t *testing.T, password string) *redis.Client {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: password})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Password: password})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestRedisConsumedCodesMarksReplay(t *testing.T) {
	client := newStubClient(t, "secret")
	store := NewRedisConsumedCodes(client, time.Minute)

	first, err := store.Consume(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("first consume returned error: %v", err)
	}
	if !first {
		t.Fatal("first consume should succeed")
	}

	second, err := store.Consume(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("second consume returned error: %v", err)
	}
	if second {
		t.Fatal("second consume should report the code as used")
	}

	other, err := store.Consume(context.Background(), "grant-2")
	if err != nil {
		t.Fatalf("other consume returned error: %v", err)
	}
	if !other {
		t.Fatal("unrelated code should be fresh")
	}
}

func TestRedisConsumedCodesReleaseAllowsRetry(t *testing.T) {
	client := newStubClient(t, "")
	store := NewRedisConsumedCodes(client, time.Minute)

	if ok, err := store.Consume(context.Background(), "grant-1"); err != nil || !ok {
		t.Fatalf("first consume = %v, %v", ok, err)
	}
	if err := store.Release(context.Background(), "grant-1"); err != nil {
		t.Fatalf("release returned error: %v", err)
	}
	if ok, err := store.Consume(context.Background(), "grant-1"); err != nil || !ok {
		t.Fatalf("released code should be consumable again: %v, %v", ok, err)
	}
}

func TestRedisConsumedCodesStoresHashedKeysWithTTL(t *testing.T) {
	client := newStubClient(t, "")
	store := NewRedisConsumedCodes(client, time.Minute)

	if _, err := store.Consume(context.Background(), "grant-secret"); err != nil {
		t.Fatalf("consume returned error: %v", err)
	}

	if value, err := client.Get(context.Background(), "streamcast:oauth:code:grant-secret").Result(); err == nil {
		t.Fatalf("raw code must not be a key, found value %q", value)
	}

	digestKey := "streamcast:oauth:code:f4e068bcabeaf80bca2c3709413c36ef78c1f7a6f40fe284aecf91ce183fa91e"
	ttl, err := client.TTL(context.Background(), digestKey).Result()
	if err != nil {
		t.Fatalf("ttl lookup returned error: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected positive ttl for consumed code, got %v", ttl)
	}
}
