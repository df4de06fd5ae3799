package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestLock_SecondAcquireFails(t *testing.T) {
	rdb := newMiniRedis(t)
	ctx := context.Background()

	lock := New(rdb, "test:runlock", time.Minute)

	ok, err := lock.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should fail while lock held")
	}
}

func TestLock_ReleaseAllowsReacquire(t *testing.T) {
	rdb := newMiniRedis(t)
	ctx := context.Background()

	lock := New(rdb, "test:runlock:release", time.Minute)

	if ok, _ := lock.TryAcquire(ctx); !ok {
		t.Fatal("first acquire should succeed")
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := lock.TryAcquire(ctx); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLock_NilLockIsNoop(t *testing.T) {
	var lock *Lock
	ok, err := lock.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("nil lock should pass through, got ok=%v err=%v", ok, err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}
