package session

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistry(client, ttl), mr
}

func TestRedisRegistry_PutListRemove(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Hour)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

	if err := reg.Put(ctx, Record{CallID: "call_b", StartedAt: t0.Add(time.Minute), Stage: "empty"}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := reg.Put(ctx, Record{CallID: "call_a", StartedAt: t0, Stage: "empty"}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := reg.Put(ctx, Record{CallID: "call_a", StartedAt: t0, TurnCount: 3, Stage: "slots_offered"}); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if ttl := mr.TTL(activeCallKey("call_a")); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}

	recs, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].CallID != "call_a" || recs[0].TurnCount != 3 || recs[0].Stage != "slots_offered" {
		t.Fatalf("unexpected first record %+v", recs[0])
	}
	if recs[1].CallID != "call_b" {
		t.Fatalf("unexpected order %+v", recs)
	}

	if err := reg.Remove(ctx, "call_a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mr.Exists(activeCallKey("call_a")) {
		t.Fatal("record still present after remove")
	}
	recs, err = reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].CallID != "call_b" {
		t.Fatalf("unexpected records after remove %+v", recs)
	}
}

func TestRedisRegistry_ListPrunesExpired(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Put(ctx, Record{CallID: "call_old", StartedAt: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	recs, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %+v", recs)
	}
	members, err := mr.SMembers(activeCallSetKey)
	if err == nil && len(members) != 0 {
		t.Fatalf("expired id left in index: %v", members)
	}
}

func TestRedisRegistry_NilSafe(t *testing.T) {
	var reg *RedisRegistry
	if NewRedisRegistry(nil, time.Minute) != nil {
		t.Fatal("expected nil registry without a client")
	}
	if err := reg.Put(context.Background(), Record{CallID: "x"}); err != nil {
		t.Fatalf("put on nil registry: %v", err)
	}
	if recs, err := reg.List(context.Background()); err != nil || recs != nil {
		t.Fatalf("list on nil registry: %v %v", recs, err)
	}
}

func TestRedisRegistry_RequiresCallID(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	if err := reg.Put(context.Background(), Record{}); err == nil {
		t.Fatal("expected error for empty call id")
	}
}
